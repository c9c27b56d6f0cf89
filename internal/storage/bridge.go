package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/databroker/internal/metrics"
)

// Bridge subjects, appended to the configured prefix.
const (
	bridgeOpGet    = "get"
	bridgeOpSet    = "set"
	bridgeOpDelete = "delete"
	bridgeOpQuery  = "query"
)

const defaultBridgeTimeout = 5 * time.Second

// bridgeRequest is the body of one request to the host process.
type bridgeRequest struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Filter     map[string]any  `json:"filter,omitempty"`
	Options    Options         `json:"options,omitempty"`
}

// bridgeReply is the host's answer. Error is set when Success is false.
type bridgeReply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Bridge is the host-bridge adapter: storage operations are forwarded over
// NATS request/reply to a host process that owns the actual store (for
// example the mobile host's embedded database). Query order is whatever the
// host declares.
type Bridge struct {
	nc       *nats.Conn
	prefix   string
	timeout  time.Duration
	ownsConn bool
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// DialBridge connects to NATS and returns a bridge adapter owning the
// connection. Reconnection is delegated to the NATS client; connection state
// changes are logged and mirrored into the broker_nats_connected gauge.
func DialBridge(url, prefix string, logger zerolog.Logger) (*Bridge, error) {
	log := logger.With().Str("component", "host_bridge").Logger()

	opts := []nats.Option{
		nats.Name("databroker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ConnectHandler(func(conn *nats.Conn) {
			log.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
			metrics.SetNATSConnected(true)
		}),
		nats.DisconnectErrHandler(func(conn *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
			metrics.SetNATSConnected(false)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
			metrics.SetNATSConnected(true)
		}),
		nats.ErrorHandler(func(conn *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	metrics.SetNATSConnected(true)

	bridge := NewBridge(nc, prefix, log)
	bridge.ownsConn = true
	return bridge, nil
}

// NewBridge wraps an existing NATS connection. The caller keeps ownership
// of the connection.
func NewBridge(nc *nats.Conn, prefix string, logger zerolog.Logger) *Bridge {
	return &Bridge{
		nc:      nc,
		prefix:  prefix,
		timeout: defaultBridgeTimeout,
		logger:  logger,
	}
}

func (b *Bridge) Name() string { return "bridge" }

func (b *Bridge) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Bridge) request(ctx context.Context, op string, req bridgeRequest) (json.RawMessage, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode bridge request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	msg, err := b.nc.RequestWithContext(ctx, b.prefix+"."+op, body)
	if err != nil {
		return nil, fmt.Errorf("host bridge %s %s/%s: %w", op, req.Collection, req.Key, err)
	}

	var reply bridgeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode bridge reply: %w", err)
	}
	if !reply.Success {
		return nil, fmt.Errorf("host bridge %s %s/%s: %s", op, req.Collection, req.Key, reply.Error)
	}
	return reply.Data, nil
}

func (b *Bridge) Get(ctx context.Context, collection, key string, opts Options) (json.RawMessage, error) {
	data, err := b.request(ctx, bridgeOpGet, bridgeRequest{Collection: collection, Key: key, Options: opts})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

func (b *Bridge) Set(ctx context.Context, collection, key string, value json.RawMessage, opts Options) error {
	_, err := b.request(ctx, bridgeOpSet, bridgeRequest{Collection: collection, Key: key, Value: value, Options: opts})
	return err
}

func (b *Bridge) Delete(ctx context.Context, collection, key string, opts Options) error {
	_, err := b.request(ctx, bridgeOpDelete, bridgeRequest{Collection: collection, Key: key, Options: opts})
	return err
}

func (b *Bridge) Query(ctx context.Context, collection string, filter map[string]any, opts Options) ([]map[string]any, error) {
	if filter == nil {
		filter = map[string]any{}
	}
	data, err := b.request(ctx, bridgeOpQuery, bridgeRequest{Collection: collection, Filter: filter, Options: opts})
	if err != nil {
		return nil, err
	}
	results := []map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &results); err != nil {
			return nil, fmt.Errorf("decode bridge query result: %w", err)
		}
	}
	return results, nil
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.ownsConn {
		b.nc.Close()
		metrics.SetNATSConnected(false)
	}
	return nil
}

// BridgeServer is the host side of the bridge: it serves the four storage
// subjects from any Adapter. The broker never runs one itself; it exists so
// host processes have a reference implementation and so the bridge can be
// tested end-to-end against a real NATS server.
type BridgeServer struct {
	backend Adapter
	logger  zerolog.Logger
	subs    []*nats.Subscription
}

// ServeBridge subscribes the backend to <prefix>.get/set/delete/query on nc.
func ServeBridge(nc *nats.Conn, prefix string, backend Adapter, logger zerolog.Logger) (*BridgeServer, error) {
	s := &BridgeServer{
		backend: backend,
		logger:  logger.With().Str("component", "bridge_server").Logger(),
	}

	handlers := map[string]func(*bridgeRequest) (any, error){
		bridgeOpGet: func(req *bridgeRequest) (any, error) {
			value, err := s.backend.Get(context.Background(), req.Collection, req.Key, req.Options)
			if err != nil {
				return nil, err
			}
			if value == nil {
				return nil, nil
			}
			return json.RawMessage(value), nil
		},
		bridgeOpSet: func(req *bridgeRequest) (any, error) {
			return nil, s.backend.Set(context.Background(), req.Collection, req.Key, req.Value, req.Options)
		},
		bridgeOpDelete: func(req *bridgeRequest) (any, error) {
			return nil, s.backend.Delete(context.Background(), req.Collection, req.Key, req.Options)
		},
		bridgeOpQuery: func(req *bridgeRequest) (any, error) {
			return s.backend.Query(context.Background(), req.Collection, req.Filter, req.Options)
		},
	}

	for op, handler := range handlers {
		subject := prefix + "." + op
		h := handler
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			s.handle(msg, h)
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info().Str("prefix", prefix).Str("backend", backend.Name()).Msg("Bridge server listening")
	return s, nil
}

func (s *BridgeServer) handle(msg *nats.Msg, handler func(*bridgeRequest) (any, error)) {
	var req bridgeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, bridgeReply{Error: fmt.Sprintf("malformed bridge request: %v", err)})
		return
	}

	result, err := handler(&req)
	if err != nil {
		s.respond(msg, bridgeReply{Error: err.Error()})
		return
	}

	reply := bridgeReply{Success: true}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			s.respond(msg, bridgeReply{Error: fmt.Sprintf("encode bridge reply: %v", err)})
			return
		}
		reply.Data = data
	}
	s.respond(msg, reply)
}

func (s *BridgeServer) respond(msg *nats.Msg, reply bridgeReply) {
	body, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode bridge reply")
		return
	}
	if err := msg.Respond(body); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to respond to bridge request")
	}
}

// Close unsubscribes all bridge subjects. The backend and the connection
// stay open; they belong to the caller.
func (s *BridgeServer) Close() error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.subs = nil
	return firstErr
}
