// Package client is the outbound side of the broker protocol: a
// reconnecting WebSocket client with request-id correlation, per-request
// timeouts, exponential reconnect backoff, and a local subscription table.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/databroker/internal/protocol"
)

// Errors surfaced to callers. The connection/request timeout texts are part
// of the client contract.
var (
	ErrConnectTimeout   = errors.New("Connection timeout")
	ErrRequestTimeout   = errors.New("Request timeout")
	ErrConnectionClosed = errors.New("Connection closed")
	ErrNotConnected     = errors.New("client is not connected")
)

// State is the client's connection state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds client configuration. Zero values fall back to the defaults
// documented per field.
type Config struct {
	// ServerURL is the broker's WebSocket endpoint, e.g. ws://localhost:8081/ws.
	ServerURL string
	// Platform overrides platform detection; sent as the x-platform header.
	Platform string
	// ReconnectInterval is the backoff base; each retry waits
	// base * 1.5^(attempt-1). Default 5s.
	ReconnectInterval time.Duration
	// MaxReconnectAttempts bounds the reconnect loop. Default 10.
	MaxReconnectAttempts int
	// ConnectTimeout bounds the WebSocket handshake. Default 10s.
	ConnectTimeout time.Duration
	// RequestTimeout bounds each pending request. Default 30s.
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return cfg
}

// Update is one SUBSCRIPTION_UPDATE as delivered to subscription handlers.
// Value is nil for DELETE operations.
type Update struct {
	Collection string
	Key        string
	Operation  string
	Value      json.RawMessage
	Timestamp  int64
}

// UpdateHandler receives updates for one subscribed pattern. Handlers run on
// the read loop and must not block.
type UpdateHandler func(Update)

type patternKey struct {
	collection string
	key        string
}

type response struct {
	data json.RawMessage
	err  error
}

// Client is a broker client. All methods are safe for concurrent use.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	events *eventBus

	state atomic.Int32

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	nextRequestID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan response

	subsMu sync.RWMutex
	subs   map[patternKey]UpdateHandler

	identityMu   sync.RWMutex
	clientID     string
	platform     string
	capabilities []string

	// closed marks an application-initiated close; it disables reconnect.
	closed atomic.Bool
}

// New creates a client. Connect must be called before issuing requests.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "broker_client").Logger(),
		events:  newEventBus(),
		pending: make(map[int64]chan response),
		subs:    make(map[patternKey]UpdateHandler),
	}
}

// On registers a handler for one of the client's events.
func (c *Client) On(event Event, handler EventHandler) {
	c.events.on(event, handler)
}

// State reports the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// ClientID returns the broker-assigned id from the last welcome envelope.
func (c *Client) ClientID() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.clientID
}

// Platform returns the platform the broker detected for this client.
func (c *Client) Platform() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.platform
}

// Capabilities returns the capability list advertised on welcome.
func (c *Client) Capabilities() []string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return append([]string(nil), c.capabilities...)
}

// Connect opens the transport. It returns once the WebSocket is open; the
// ready event fires separately when the welcome envelope arrives.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.state.Store(int32(StateConnecting))

	conn, err := c.dial(ctx)
	if err != nil {
		c.state.Store(int32(StateIdle))
		return err
	}

	c.setConn(conn)
	c.state.Store(int32(StateOpen))
	c.events.emit(EventConnected, nil)
	go c.readLoop(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	header := http.Header{}
	if c.cfg.Platform != "" {
		header.Set("x-platform", c.cfg.Platform)
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, header)
	if err != nil {
		if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrConnectTimeout
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// Close performs a clean application-initiated close (code 1000). The
// broker treats it as final; no reconnect is attempted. Pending requests
// fail with ErrConnectionClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.state.Store(int32(StateClosing))

	if conn := c.currentConn(); conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.failPending(ErrConnectionClosed)
	c.state.Store(int32(StateClosed))
	return nil
}

// readLoop consumes inbound envelopes until the transport drops, then hands
// off to disconnect handling. One read loop runs per live connection.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed envelope from broker")
			continue
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeConnectionEstablished:
		c.identityMu.Lock()
		c.clientID = env.ClientID
		c.platform = env.Platform
		c.capabilities = env.Capabilities
		c.identityMu.Unlock()

		c.state.Store(int32(StateReady))
		c.logger.Info().
			Str("client_id", env.ClientID).
			Str("platform", env.Platform).
			Strs("capabilities", env.Capabilities).
			Msg("Broker session established")
		c.events.emit(EventReady, env.ClientID)

	case protocol.TypeSubscriptionUpdate:
		update := Update{
			Collection: env.Collection,
			Key:        env.Key,
			Operation:  env.Operation,
			Timestamp:  env.Timestamp,
		}
		if string(env.Value) != "null" {
			update.Value = env.Value
		}

		c.subsMu.RLock()
		exact := c.subs[patternKey{env.Collection, env.Key}]
		wild := c.subs[patternKey{env.Collection, Wildcard}]
		c.subsMu.RUnlock()

		if exact != nil {
			exact(update)
		}
		if wild != nil {
			wild(update)
		}
		c.events.emit(EventDataUpdate, update)

	default:
		if env.RequestID == 0 {
			if env.Type == protocol.TypeError {
				c.logger.Warn().Str("error", env.Error).Msg("Broker error")
				c.events.emit(EventError, env.Error)
			}
			return
		}

		ch, ok := c.takePending(env.RequestID)
		if !ok {
			// Response for a request that already timed out or was failed
			// by a disconnect.
			c.logger.Debug().
				Int64("request_id", env.RequestID).
				Str("type", env.Type).
				Msg("Response for unknown request id, ignoring")
			return
		}
		if env.Success != nil && *env.Success {
			ch <- response{data: env.Data}
		} else {
			ch <- response{err: errors.New(env.Error)}
		}
	}
}

// handleDisconnect fails all pending requests immediately, emits
// disconnected, and starts the reconnect loop unless the close was clean.
func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	conn.Close()

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()

	c.failPending(ErrConnectionClosed)
	c.state.Store(int32(StateClosed))

	clean := c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if clean {
		c.logger.Info().Msg("Connection closed")
		c.events.emit(EventDisconnected, nil)
		return
	}

	c.logger.Warn().Err(err).Msg("Connection lost")
	c.events.emit(EventDisconnected, err)
	go c.reconnectLoop()
}

// reconnectLoop retries with delay base * 1.5^(attempt-1) until a dial
// succeeds, the application closes the client, or the attempt limit is
// reached. Server-side subscriptions are gone after a reconnect; the
// application re-subscribes on ready.
func (c *Client) reconnectLoop() {
	delay := c.cfg.ReconnectInterval

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		c.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxReconnectAttempts).
			Dur("delay", delay).
			Msg("Reconnecting")

		time.Sleep(delay)
		if c.closed.Load() {
			return
		}

		c.state.Store(int32(StateConnecting))
		conn, err := c.dial(context.Background())
		if err == nil {
			c.setConn(conn)
			c.state.Store(int32(StateOpen))
			c.events.emit(EventConnected, attempt)
			go c.readLoop(conn)
			return
		}

		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
		c.state.Store(int32(StateClosed))
		delay = delay * 3 / 2
	}

	c.logger.Error().
		Int("attempts", c.cfg.MaxReconnectAttempts).
		Msg("Max reconnect attempts reached, giving up")
	c.events.emit(EventMaxReconnectAttemptsReached, c.cfg.MaxReconnectAttempts)
}

// request sends one envelope and waits for the correlated response. The
// pending table has a single-owner completion discipline: whoever removes
// the entry (reader on response, this goroutine on timeout, failPending on
// disconnect) owns delivering the outcome, and the buffered channel keeps
// the reader from ever blocking.
func (c *Client) request(ctx context.Context, requestType string, payload any) (json.RawMessage, error) {
	conn := c.currentConn()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := c.nextRequestID.Add(1)
	ch := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	env := &protocol.Envelope{
		Type:      requestType,
		RequestID: id,
		Timestamp: protocol.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.takePending(id)
			return nil, fmt.Errorf("encode %s payload: %w", requestType, err)
		}
		env.Payload = raw
	}

	data, err := env.Encode()
	if err != nil {
		c.takePending(id)
		return nil, err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.takePending(id)
		return nil, fmt.Errorf("send %s request: %w", requestType, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp.data, resp.err
	case <-timer.C:
		if _, ok := c.takePending(id); ok {
			return nil, ErrRequestTimeout
		}
		// The response won the race; it is already in the channel.
		resp := <-ch
		return resp.data, resp.err
	case <-ctx.Done():
		if _, ok := c.takePending(id); ok {
			return nil, ctx.Err()
		}
		resp := <-ch
		return resp.data, resp.err
	}
}

// takePending removes and returns the pending entry for id. Only the caller
// that actually removed it may complete the request.
func (c *Client) takePending(id int64) (chan response, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return ch, ok
}

// failPending fails every in-flight request. Requests caught by a disconnect
// are not replayed on reconnect.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan response)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- response{err: err}
	}
}
