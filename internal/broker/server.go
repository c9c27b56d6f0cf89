package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/databroker/internal/config"
	"github.com/adred-codev/databroker/internal/limits"
	"github.com/adred-codev/databroker/internal/logging"
	"github.com/adred-codev/databroker/internal/metrics"
	"github.com/adred-codev/databroker/internal/protocol"
	"github.com/adred-codev/databroker/internal/storage"
)

// Stats holds the cumulative counters served by /stats. All fields are
// atomics; the struct is shared between the server and its sessions.
type Stats struct {
	TotalConnections      atomic.Int64
	MessagesReceived      atomic.Int64
	MessagesSent          atomic.Int64
	BytesReceived         atomic.Int64
	BytesSent             atomic.Int64
	RateLimited           atomic.Int64
	KeepAliveTerminations atomic.Int64
	UpdatesSent           atomic.Int64
	UpdatesDropped        atomic.Int64
}

// Server is the broker: it accepts WebSocket connections, owns the session
// table and the subscription registry, drives keep-alive sweeps, and serves
// the HTTP surface (/ws, /health, /stats, /metrics).
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	adapters *storage.Registry
	subs     *SubscriptionRegistry
	dispatch *Dispatcher

	msgLimiter  *limits.MessageLimiter
	connLimiter *limits.ConnectionLimiter

	sessionsMu sync.RWMutex
	sessions   map[string]*Session
	connCount  atomic.Int64

	stats     *Stats
	startTime time.Time
	proc      *process.Process

	listener     net.Listener
	httpServer   *http.Server
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewServer builds the broker around an adapter registry. The keep-alive
// sweeper starts immediately; Shutdown stops it.
func NewServer(cfg *config.Config, adapters *storage.Registry, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	stats := &Stats{}
	subs := NewSubscriptionRegistry(logger)
	subs.stats = stats

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		adapters:   adapters,
		subs:       subs,
		msgLimiter: limits.NewMessageLimiter(cfg.MessageBurst, cfg.MessageRate),
		connLimiter: limits.NewConnectionLimiter(limits.ConnectionLimiterConfig{
			IPBurst:     cfg.ConnIPBurst,
			IPRate:      cfg.ConnIPRate,
			GlobalBurst: cfg.ConnGlobalBurst,
			GlobalRate:  cfg.ConnGlobalRate,
			Logger:      logger,
		}),
		sessions:  make(map[string]*Session),
		stats:     stats,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.dispatch = NewDispatcher(adapters, subs, logger)

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	}

	s.wg.Add(1)
	go s.keepAliveLoop()

	logger.Info().
		Int("max_connections", cfg.MaxConnections).
		Dur("keepalive_interval", cfg.KeepAliveInterval).
		Msg("Broker initialized")
	return s
}

// Handler returns the broker's HTTP surface. Exposed separately from Start
// so tests can mount it on an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info().Str("addr", s.cfg.Addr()).Msg("Broker listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Shutdown stops accepting connections, sends clean close frames to every
// session, waits up to ShutdownTimeout for the table to drain, then force
// closes whatever is left. Adapters are closed by the caller that built the
// registry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.httpServer != nil {
		// WebSocket connections are hijacked, so this only stops new
		// requests and returns quickly.
		s.httpServer.Shutdown(ctx)
	}

	for _, sess := range s.snapshotSessions() {
		sess.sendClose("server shutting down")
	}

	drainDeadline := time.NewTimer(s.cfg.ShutdownTimeout)
	checkTicker := time.NewTicker(50 * time.Millisecond)
	defer drainDeadline.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainDeadline.C:
			remaining := s.connCount.Load()
			if remaining > 0 {
				s.logger.Warn().
					Int64("remaining_connections", remaining).
					Msg("Drain deadline expired, force closing remaining sessions")
			}
			break drain
		case <-checkTicker.C:
			if s.connCount.Load() == 0 {
				s.logger.Info().Msg("All sessions drained")
				break drain
			}
		case <-ctx.Done():
			break drain
		}
	}

	for _, sess := range s.snapshotSessions() {
		sess.Close()
	}

	s.cancel()
	s.connLimiter.Stop()
	s.wg.Wait()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// handleWebSocket upgrades a connection, detects the client platform,
// registers the session, and sends the welcome envelope before any other
// server-initiated traffic.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	clientIP := clientIP(r)
	if !s.connLimiter.Allow(clientIP) {
		metrics.ConnectionRejected("rate_limit")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if s.connCount.Add(1) > int64(s.cfg.MaxConnections) {
		s.connCount.Add(-1)
		metrics.ConnectionRejected("capacity")
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected: at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	platform := protocol.DetectPlatform(r.Header.Get("x-platform"), r.Header.Get("User-Agent"))

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.connCount.Add(-1)
		s.logger.Error().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	sess := newSession(uuid.NewString(), platform, conn, s.cfg.SendBuffer, s.logger)
	sess.stats = s.stats

	s.sessionsMu.Lock()
	s.sessions[sess.ID] = sess
	s.sessionsMu.Unlock()

	s.stats.TotalConnections.Add(1)
	metrics.ConnectionOpened()

	s.logger.Info().
		Str("client_id", sess.ID).
		Str("client_ip", clientIP).
		Str("platform", string(platform)).
		Int64("current_connections", s.connCount.Load()).
		Msg("Client connected")

	go sess.writeLoop()
	sess.SendEnvelope(protocol.NewWelcome(sess.ID, platform))
	go s.readLoop(sess)
}

// readLoop processes the session's inbound frames strictly in order. Data
// frames dispatch inline, which is what gives a single session its
// read-your-writes and response-ordering guarantees. Control frames update
// liveness and never reach the dispatcher.
func (s *Server) readLoop(sess *Session) {
	defer logging.RecoverPanic(s.logger, "readLoop")
	defer s.teardown(sess)

	rd := &wsutil.Reader{Source: sess.conn, State: ws.StateServerSide}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}

		if hdr.OpCode.IsControl() {
			payload := make([]byte, hdr.Length)
			if hdr.Length > 0 {
				if _, err := io.ReadFull(rd, payload); err != nil {
					return
				}
			}
			switch hdr.OpCode {
			case ws.OpPing:
				sess.queueControl(ws.NewPongFrame(payload))
			case ws.OpPong:
				sess.alive.Store(true)
			case ws.OpClose:
				return
			}
			continue
		}

		if hdr.Length > s.cfg.MaxMessageSize {
			if err := rd.Discard(); err != nil {
				return
			}
			s.logger.Warn().
				Str("client_id", sess.ID).
				Int64("frame_bytes", hdr.Length).
				Int64("max_bytes", s.cfg.MaxMessageSize).
				Msg("Oversized frame rejected")
			sess.SendEnvelope(protocol.NewError(0, "Message too large"))
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return
		}

		// Any inbound traffic proves the peer is alive.
		sess.alive.Store(true)
		s.stats.MessagesReceived.Add(1)
		s.stats.BytesReceived.Add(int64(len(data)))
		metrics.MessageReceived(len(data))

		if hdr.OpCode != ws.OpText {
			continue
		}

		if !s.msgLimiter.Allow(sess.ID) {
			s.stats.RateLimited.Add(1)
			metrics.RateLimited()
			s.logger.Warn().Str("client_id", sess.ID).Msg("Client rate limited")
			sess.SendEnvelope(protocol.NewError(0, "Rate limit exceeded"))
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			// Malformed frames are dropped; the connection stays open.
			s.logger.Warn().
				Str("client_id", sess.ID).
				Err(err).
				Msg("Dropping malformed frame")
			continue
		}

		s.dispatch.Dispatch(s.ctx, sess, env)
	}
}

// teardown removes the session from the client table and from every
// subscription it held. Safe to call once per session; the read loop is its
// only caller.
func (s *Server) teardown(sess *Session) {
	sess.Close()

	s.sessionsMu.Lock()
	_, present := s.sessions[sess.ID]
	delete(s.sessions, sess.ID)
	s.sessionsMu.Unlock()
	if !present {
		return
	}

	s.subs.RemoveSession(sess)
	s.msgLimiter.Remove(sess.ID)
	s.connCount.Add(-1)
	metrics.ConnectionClosed()

	s.logger.Info().
		Str("client_id", sess.ID).
		Dur("session_duration", time.Since(sess.connectedAt)).
		Int64("current_connections", s.connCount.Load()).
		Msg("Client disconnected")
}

func (s *Server) snapshotSessions() []*Session {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// keepAliveLoop sweeps sessions every KeepAliveInterval: a session that
// never answered the previous ping is terminated, everyone else is marked
// unproven and pinged again.
func (s *Server) keepAliveLoop() {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "keepAliveLoop")

	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, sess := range s.snapshotSessions() {
				if !sess.alive.Load() {
					s.stats.KeepAliveTerminations.Add(1)
					metrics.KeepAliveTermination()
					s.logger.Warn().
						Str("client_id", sess.ID).
						Msg("Session failed keep-alive, terminating")
					sess.Close()
					continue
				}
				sess.alive.Store(false)
				sess.queueControl(ws.NewPingFrame(nil))
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.shuttingDown.Load() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	var memoryMB, cpuPercent float64
	if s.proc != nil {
		if memInfo, err := s.proc.MemoryInfo(); err == nil {
			memoryMB = float64(memInfo.RSS) / 1024 / 1024
		}
		if pct, err := s.proc.CPUPercent(); err == nil {
			cpuPercent = pct
		}
	}

	health := map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections": map[string]any{
			"current": s.connCount.Load(),
			"max":     s.cfg.MaxConnections,
		},
		"goroutines":  runtime.NumGoroutine(),
		"memory_mb":   memoryMB,
		"cpu_percent": cpuPercent,
		"adapters":    s.adapters.Platforms(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections": map[string]any{
			"current": s.connCount.Load(),
			"total":   s.stats.TotalConnections.Load(),
			"max":     s.cfg.MaxConnections,
		},
		"messages": map[string]any{
			"received":       s.stats.MessagesReceived.Load(),
			"sent":           s.stats.MessagesSent.Load(),
			"bytes_received": s.stats.BytesReceived.Load(),
			"bytes_sent":     s.stats.BytesSent.Load(),
			"rate_limited":   s.stats.RateLimited.Load(),
		},
		"subscriptions": map[string]any{
			"active":          s.subs.Count(),
			"updates_sent":    s.stats.UpdatesSent.Load(),
			"updates_dropped": s.stats.UpdatesDropped.Load(),
		},
		"keepalive_terminations": s.stats.KeepAliveTerminations.Load(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// clientIP extracts the client IP, preferring X-Forwarded-For when the
// broker sits behind a proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
