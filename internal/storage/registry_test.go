package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistryConfig(t *testing.T) RegistryConfig {
	dir := t.TempDir()
	return RegistryConfig{
		DataDir:   dir,
		BadgerDir: filepath.Join(dir, "badger"),
	}
}

func TestRegistry_DefaultPlan(t *testing.T) {
	r, err := NewRegistry(testRegistryConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "memory", r.Resolve("browser").Name())
	assert.Equal(t, "badger", r.Resolve("react-native").Name())
	assert.Equal(t, "file", r.Resolve("nodejs").Name())
}

func TestRegistry_UnknownPlatformFallsBackToMemory(t *testing.T) {
	r, err := NewRegistry(testRegistryConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "memory", r.Resolve("electron").Name())
	assert.Equal(t, "memory", r.Resolve("").Name())
}

func TestRegistry_Overrides(t *testing.T) {
	cfg := testRegistryConfig(t)
	cfg.PlatformAdapters = map[string]string{"Browser": "file", "nodejs": "memory"}

	r, err := NewRegistry(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "file", r.Resolve("browser").Name(), "override keys are case-insensitive")
	assert.Equal(t, "memory", r.Resolve("nodejs").Name())
	assert.Equal(t, "badger", r.Resolve("react-native").Name(), "defaults survive partial overrides")
}

func TestRegistry_SharedInstancePerAdapter(t *testing.T) {
	cfg := testRegistryConfig(t)
	cfg.PlatformAdapters = map[string]string{"browser": "file", "nodejs": "file"}

	r, err := NewRegistry(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()

	// Both platforms route to the same backend, so writes are visible
	// across them.
	ctx := context.Background()
	require.NoError(t, r.Resolve("browser").Set(ctx, "c", "k", json.RawMessage(`{"v":1}`), nil))

	value, err := r.Resolve("nodejs").Get(ctx, "c", "k", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(value))
}

func TestRegistry_Platforms(t *testing.T) {
	r, err := NewRegistry(testRegistryConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()

	table := r.Platforms()
	assert.Equal(t, "memory", table["browser"])
	assert.Equal(t, "badger", table["react-native"])
	assert.Equal(t, "file", table["nodejs"])
}

func TestRegistry_UnknownAdapterName(t *testing.T) {
	cfg := testRegistryConfig(t)
	cfg.PlatformAdapters = map[string]string{"browser": "redis"}

	_, err := NewRegistry(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage adapter")
}

func TestRegistry_CloseIsClean(t *testing.T) {
	r, err := NewRegistry(testRegistryConfig(t), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, r.Close())

	_, err = r.Resolve("react-native").Get(context.Background(), "c", "k", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
