package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionLimiter rate-limits connection attempts at two levels: per
// source IP (one bad client) and globally (distributed floods). Both use
// golang.org/x/time/rate token buckets.
type ConnectionLimiter struct {
	ipMu       sync.Mutex
	ipLimiters map[string]*ipLimiterEntry
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger      zerolog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionLimiterConfig holds the limiter parameters. Zero values fall
// back to: per-IP 10 burst / 1 conn/s, global 300 burst / 50 conn/s,
// 5 minute IP entry TTL.
type ConnectionLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	GlobalBurst int
	GlobalRate  float64
	IPTTL       time.Duration
	Logger      zerolog.Logger
}

// NewConnectionLimiter creates the limiter and starts its IP-entry cleanup
// loop. Stop must be called on shutdown.
func NewConnectionLimiter(cfg ConnectionLimiterConfig) *ConnectionLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}

	cl := &ConnectionLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:        cfg.Logger.With().Str("component", "connection_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

// Allow reports whether a connection attempt from ip may proceed. The
// global bucket is checked first so a flood cannot exhaust the per-IP map.
func (cl *ConnectionLimiter) Allow(ip string) bool {
	if !cl.globalLimiter.Allow() {
		cl.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit")
		return false
	}
	if !cl.ipLimiter(ip).Allow() {
		cl.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit")
		return false
	}
	return true
}

func (cl *ConnectionLimiter) ipLimiter(ip string) *rate.Limiter {
	cl.ipMu.Lock()
	defer cl.ipMu.Unlock()

	entry, ok := cl.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(cl.ipRate), cl.ipBurst)}
		cl.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

// cleanupLoop evicts IP entries idle longer than the TTL once a minute.
func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-cl.ipTTL)
			cl.ipMu.Lock()
			for ip, entry := range cl.ipLimiters {
				if entry.lastAccess.Before(cutoff) {
					delete(cl.ipLimiters, ip)
				}
			}
			cl.ipMu.Unlock()
		case <-cl.stopCleanup:
			return
		}
	}
}

// Stop terminates the cleanup loop. Idempotent.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stopCleanup) })
}
