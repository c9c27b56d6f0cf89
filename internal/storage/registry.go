package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// RegistryConfig selects which adapter serves each platform and carries the
// construction parameters for the backends.
type RegistryConfig struct {
	DataDir           string
	BadgerDir         string
	NATSURL           string
	NATSSubjectPrefix string
	// PlatformAdapters overrides the default platform -> adapter mapping,
	// e.g. {"browser": "file"}. Valid names: memory, file, badger, bridge.
	PlatformAdapters map[string]string
}

// defaultPlan is the platform routing used without overrides. Mobile
// sessions go to the host bridge when NATS is configured, otherwise to the
// embedded database.
func defaultPlan(natsEnabled bool) map[string]string {
	mobile := "badger"
	if natsEnabled {
		mobile = "bridge"
	}
	return map[string]string{
		"browser":      "memory",
		"react-native": mobile,
		"nodejs":       "file",
	}
}

// Registry owns the adapter instances and routes each platform to one of
// them. Platforms without an entry use the in-memory adapter. Adapters are
// constructed once at startup and closed in reverse construction order.
type Registry struct {
	byPlatform map[string]Adapter
	fallback   Adapter
	order      []Adapter
	logger     zerolog.Logger
}

// NewRegistry builds every adapter referenced by the routing plan. On any
// construction failure the already-built adapters are closed.
func NewRegistry(cfg RegistryConfig, logger zerolog.Logger) (*Registry, error) {
	plan := defaultPlan(cfg.NATSURL != "")
	for platform, name := range cfg.PlatformAdapters {
		plan[strings.ToLower(platform)] = name
	}

	r := &Registry{
		byPlatform: make(map[string]Adapter, len(plan)),
		logger:     logger,
	}

	built := map[string]Adapter{}
	build := func(name string) (Adapter, error) {
		if adapter, ok := built[name]; ok {
			return adapter, nil
		}
		var (
			adapter Adapter
			err     error
		)
		switch name {
		case "memory":
			adapter = NewMemory()
		case "file":
			adapter, err = NewFileTree(cfg.DataDir)
		case "badger":
			adapter, err = NewBadger(cfg.BadgerDir, logger)
		case "bridge":
			adapter, err = DialBridge(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		default:
			err = fmt.Errorf("unknown storage adapter %q", name)
		}
		if err != nil {
			return nil, err
		}
		built[name] = adapter
		r.order = append(r.order, adapter)
		return adapter, nil
	}

	// The memory adapter always exists: it backs the browser platform by
	// default and every platform the plan does not know.
	fallback, _ := build("memory")
	r.fallback = fallback

	for platform, name := range plan {
		adapter, err := build(name)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("build %s adapter for platform %s: %w", name, platform, err)
		}
		r.byPlatform[platform] = adapter
		logger.Info().
			Str("platform", platform).
			Str("adapter", adapter.Name()).
			Msg("Storage adapter registered")
	}
	return r, nil
}

// Resolve returns the adapter serving the platform. Unknown platforms fall
// back to memory.
func (r *Registry) Resolve(platform string) Adapter {
	if adapter, ok := r.byPlatform[platform]; ok {
		return adapter
	}
	return r.fallback
}

// Platforms reports the routing table, for /health.
func (r *Registry) Platforms() map[string]string {
	table := make(map[string]string, len(r.byPlatform))
	for platform, adapter := range r.byPlatform {
		table[platform] = adapter.Name()
	}
	return table
}

// Close releases every adapter, last-built first.
func (r *Registry) Close() error {
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		if err := r.order[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s adapter: %w", r.order[i].Name(), err))
		}
	}
	r.order = nil
	return errors.Join(errs...)
}
