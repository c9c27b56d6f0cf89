package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/databroker/internal/config"
	"github.com/adred-codev/databroker/internal/protocol"
	"github.com/adred-codev/databroker/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:              8081,
		MaxConnections:    16,
		SendBuffer:        64,
		MaxMessageSize:    1 << 20,
		KeepAliveInterval: time.Minute,
		ShutdownTimeout:   time.Second,
		MessageRate:       1000,
		MessageBurst:      1000,
		ConnIPRate:        1000,
		ConnIPBurst:       1000,
		ConnGlobalRate:    1000,
		ConnGlobalBurst:   1000,
	}
}

// newTestBroker starts a broker on an httptest listener with every platform
// routed to the memory adapter. Returns the ws:// URL of the /ws endpoint.
func newTestBroker(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	registry, err := storage.NewRegistry(storage.RegistryConfig{
		DataDir:   t.TempDir(),
		BadgerDir: t.TempDir(),
		PlatformAdapters: map[string]string{
			"browser":      "memory",
			"react-native": "memory",
			"nodejs":       "memory",
		},
	}, zerolog.Nop())
	require.NoError(t, err)

	srv := NewServer(cfg, registry, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
		registry.Close()
	})

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// dialBroker opens a raw WebSocket connection and consumes the welcome
// envelope, returning both.
func dialBroker(t *testing.T, url string, header http.Header) (*websocket.Conn, *protocol.Envelope) {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	welcome := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeConnectionEstablished, welcome.Type)
	return conn, welcome
}

func platformHeader(platform string) http.Header {
	h := http.Header{}
	h.Set("x-platform", platform)
	return h
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func sendRequest(t *testing.T, conn *websocket.Conn, requestType string, id int64, payload any) {
	t.Helper()

	env := &protocol.Envelope{Type: requestType, RequestID: id, Timestamp: protocol.Now()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Payload = raw
	}
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// expectNoMessage asserts that nothing arrives on conn within the window.
func expectNoMessage(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(window))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline"),
		"expected read deadline, got: %v", err)
}

func TestWelcomeAndPing(t *testing.T) {
	url := newTestBroker(t, nil)
	conn, welcome := dialBroker(t, url, platformHeader("nodejs"))

	assert.NotEmpty(t, welcome.ClientID)
	assert.Equal(t, "nodejs", welcome.Platform)
	assert.Equal(t, []string{"filesystem", "sqlite", "memory"}, welcome.Capabilities)

	sendRequest(t, conn, protocol.TypePing, 1, map[string]any{})
	resp := readEnvelope(t, conn)

	assert.Equal(t, "PING_RESPONSE", resp.Type)
	assert.Equal(t, int64(1), resp.RequestID)
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)
	assert.JSONEq(t, `{"pong":true}`, string(resp.Data))
}

func TestPlatformDetection(t *testing.T) {
	url := newTestBroker(t, nil)

	tests := []struct {
		name         string
		header       http.Header
		platform     string
		capabilities []string
	}{
		{
			name:         "explicit header",
			header:       platformHeader("browser"),
			platform:     "browser",
			capabilities: []string{"localStorage", "indexedDB", "sessionStorage"},
		},
		{
			name:         "react native user agent",
			header:       http.Header{"User-Agent": []string{"MyApp/1.0 React Native"}},
			platform:     "react-native",
			capabilities: []string{"asyncStorage", "sqlite", "secureStorage"},
		},
		{
			name:         "browser user agent",
			header:       http.Header{"User-Agent": []string{"Mozilla/5.0 (X11; Linux x86_64)"}},
			platform:     "browser",
			capabilities: []string{"localStorage", "indexedDB", "sessionStorage"},
		},
		{
			name:         "no hints defaults to nodejs",
			header:       nil,
			platform:     "nodejs",
			capabilities: []string{"filesystem", "sqlite", "memory"},
		},
		{
			name:         "unknown platform gets memory only",
			header:       platformHeader("embedded"),
			platform:     "embedded",
			capabilities: []string{"memory"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, welcome := dialBroker(t, url, tt.header)
			assert.Equal(t, tt.platform, welcome.Platform)
			assert.Equal(t, tt.capabilities, welcome.Capabilities)
		})
	}
}

func TestClientIDsUnique(t *testing.T) {
	url := newTestBroker(t, nil)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		_, welcome := dialBroker(t, url, nil)
		assert.False(t, seen[welcome.ClientID], "duplicate client id %s", welcome.ClientID)
		seen[welcome.ClientID] = true
	}
}

func TestSetGetDelete(t *testing.T) {
	url := newTestBroker(t, nil)
	conn, _ := dialBroker(t, url, platformHeader("nodejs"))

	sendRequest(t, conn, protocol.TypeSet, 1, protocol.RequestPayload{
		Collection: "cart",
		Key:        "u1",
		Value:      json.RawMessage(`{"items":[],"total":0}`),
	})
	resp := readEnvelope(t, conn)
	require.Equal(t, "SET_RESPONSE", resp.Type)
	require.Equal(t, int64(1), resp.RequestID)
	var setResult protocol.SetResult
	require.NoError(t, json.Unmarshal(resp.Data, &setResult))
	assert.True(t, setResult.Success)
	assert.Equal(t, "u1", setResult.Key)
	assert.Positive(t, setResult.Timestamp)

	sendRequest(t, conn, protocol.TypeGet, 2, protocol.RequestPayload{Collection: "cart", Key: "u1"})
	resp = readEnvelope(t, conn)
	require.Equal(t, "GET_RESPONSE", resp.Type)
	require.Equal(t, int64(2), resp.RequestID)
	assert.JSONEq(t, `{"items":[],"total":0}`, string(resp.Data))

	// Missing key is null, not an error.
	sendRequest(t, conn, protocol.TypeGet, 3, protocol.RequestPayload{Collection: "cart", Key: "u2"})
	resp = readEnvelope(t, conn)
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)
	assert.Equal(t, "null", string(resp.Data))

	sendRequest(t, conn, protocol.TypeDelete, 4, protocol.RequestPayload{Collection: "cart", Key: "u1"})
	resp = readEnvelope(t, conn)
	require.Equal(t, "DELETE_RESPONSE", resp.Type)
	assert.JSONEq(t, `{"deleted":"u1"}`, string(resp.Data))

	sendRequest(t, conn, protocol.TypeGet, 5, protocol.RequestPayload{Collection: "cart", Key: "u1"})
	resp = readEnvelope(t, conn)
	assert.Equal(t, "null", string(resp.Data))

	// Deleting a key that is already gone still succeeds.
	sendRequest(t, conn, protocol.TypeDelete, 6, protocol.RequestPayload{Collection: "cart", Key: "u1"})
	resp = readEnvelope(t, conn)
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)
}

func TestFanOut(t *testing.T) {
	url := newTestBroker(t, nil)
	connA, _ := dialBroker(t, url, platformHeader("nodejs"))
	connB, _ := dialBroker(t, url, platformHeader("nodejs"))

	sendRequest(t, connA, protocol.TypeSubscribe, 1, protocol.RequestPayload{Collection: "cart", Key: "u1"})
	resp := readEnvelope(t, connA)
	require.Equal(t, "SUBSCRIBE_RESPONSE", resp.Type)
	assert.JSONEq(t, `{"collection":"cart","key":"u1","subscribed":true}`, string(resp.Data))

	sendRequest(t, connB, protocol.TypeSet, 1, protocol.RequestPayload{
		Collection: "cart",
		Key:        "u1",
		Value:      json.RawMessage(`{"total":7}`),
	})
	resp = readEnvelope(t, connB)
	require.Equal(t, "SET_RESPONSE", resp.Type)

	update := readEnvelope(t, connA)
	assert.Equal(t, protocol.TypeSubscriptionUpdate, update.Type)
	assert.Equal(t, "cart", update.Collection)
	assert.Equal(t, "u1", update.Key)
	assert.Equal(t, protocol.TypeSet, update.Operation)
	assert.JSONEq(t, `{"total":7}`, string(update.Value))
	assert.Zero(t, update.RequestID)

	// The originator never hears about its own mutation.
	expectNoMessage(t, connB, 200*time.Millisecond)
}

func TestWildcardFanOut(t *testing.T) {
	url := newTestBroker(t, nil)
	connA, _ := dialBroker(t, url, platformHeader("nodejs"))
	connB, _ := dialBroker(t, url, platformHeader("nodejs"))

	sendRequest(t, connA, protocol.TypeSubscribe, 1, protocol.RequestPayload{Collection: "cart", Key: Wildcard})
	readEnvelope(t, connA)

	sendRequest(t, connB, protocol.TypeSet, 1, protocol.RequestPayload{
		Collection: "cart",
		Key:        "u1",
		Value:      json.RawMessage(`{"total":1}`),
	})
	readEnvelope(t, connB)
	sendRequest(t, connB, protocol.TypeDelete, 2, protocol.RequestPayload{Collection: "cart", Key: "u2"})
	readEnvelope(t, connB)

	first := readEnvelope(t, connA)
	assert.Equal(t, protocol.TypeSet, first.Operation)
	assert.Equal(t, "u1", first.Key)

	second := readEnvelope(t, connA)
	assert.Equal(t, protocol.TypeDelete, second.Operation)
	assert.Equal(t, "u2", second.Key)
	assert.Equal(t, "null", string(second.Value))
}

func TestExactAndWildcardDeliverOnce(t *testing.T) {
	url := newTestBroker(t, nil)
	connA, _ := dialBroker(t, url, platformHeader("nodejs"))
	connB, _ := dialBroker(t, url, platformHeader("nodejs"))

	// Subscribed both exactly and through the wildcard: still one update.
	sendRequest(t, connA, protocol.TypeSubscribe, 1, protocol.RequestPayload{Collection: "cart", Key: "u1"})
	readEnvelope(t, connA)
	sendRequest(t, connA, protocol.TypeSubscribe, 2, protocol.RequestPayload{Collection: "cart", Key: Wildcard})
	readEnvelope(t, connA)

	sendRequest(t, connB, protocol.TypeSet, 1, protocol.RequestPayload{
		Collection: "cart",
		Key:        "u1",
		Value:      json.RawMessage(`{"total":1}`),
	})
	readEnvelope(t, connB)

	update := readEnvelope(t, connA)
	assert.Equal(t, protocol.TypeSubscriptionUpdate, update.Type)
	expectNoMessage(t, connA, 200*time.Millisecond)
}

func TestDuplicateSubscribeIsNoop(t *testing.T) {
	url := newTestBroker(t, nil)
	connA, _ := dialBroker(t, url, platformHeader("nodejs"))
	connB, _ := dialBroker(t, url, platformHeader("nodejs"))

	for id := int64(1); id <= 2; id++ {
		sendRequest(t, connA, protocol.TypeSubscribe, id, protocol.RequestPayload{Collection: "cart", Key: "u1"})
		resp := readEnvelope(t, connA)
		require.NotNil(t, resp.Success)
		assert.True(t, *resp.Success, "duplicate subscribe must succeed")
	}

	sendRequest(t, connB, protocol.TypeSet, 1, protocol.RequestPayload{
		Collection: "cart",
		Key:        "u1",
		Value:      json.RawMessage(`{"total":1}`),
	})
	readEnvelope(t, connB)

	update := readEnvelope(t, connA)
	assert.Equal(t, protocol.TypeSubscriptionUpdate, update.Type)
	expectNoMessage(t, connA, 200*time.Millisecond)
}

func TestUnsubscribeStopsUpdates(t *testing.T) {
	url := newTestBroker(t, nil)
	connA, _ := dialBroker(t, url, platformHeader("nodejs"))
	connB, _ := dialBroker(t, url, platformHeader("nodejs"))

	sendRequest(t, connA, protocol.TypeSubscribe, 1, protocol.RequestPayload{Collection: "cart", Key: "u1"})
	readEnvelope(t, connA)
	sendRequest(t, connA, protocol.TypeUnsubscribe, 2, protocol.RequestPayload{Collection: "cart", Key: "u1"})
	resp := readEnvelope(t, connA)
	require.Equal(t, "UNSUBSCRIBE_RESPONSE", resp.Type)
	assert.JSONEq(t, `{"collection":"cart","key":"u1","subscribed":false}`, string(resp.Data))

	sendRequest(t, connB, protocol.TypeSet, 1, protocol.RequestPayload{
		Collection: "cart",
		Key:        "u1",
		Value:      json.RawMessage(`{"total":1}`),
	})
	readEnvelope(t, connB)

	expectNoMessage(t, connA, 200*time.Millisecond)
}

func TestUnsubscribeWhenNotSubscribed(t *testing.T) {
	url := newTestBroker(t, nil)
	conn, _ := dialBroker(t, url, platformHeader("nodejs"))

	sendRequest(t, conn, protocol.TypeUnsubscribe, 1, protocol.RequestPayload{Collection: "cart", Key: "u1"})
	resp := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, int64(1), resp.RequestID)
	assert.Contains(t, resp.Error, "Not subscribed to cart/u1")
}

func TestQuery(t *testing.T) {
	url := newTestBroker(t, nil)
	conn, _ := dialBroker(t, url, platformHeader("nodejs"))

	docs := map[string]string{
		"u1": `{"status":"active","tier":"gold"}`,
		"u2": `{"status":"inactive","tier":"gold"}`,
		"u3": `{"status":"active","tier":"silver"}`,
	}
	id := int64(1)
	for key, doc := range docs {
		sendRequest(t, conn, protocol.TypeSet, id, protocol.RequestPayload{
			Collection: "users",
			Key:        key,
			Value:      json.RawMessage(doc),
		})
		readEnvelope(t, conn)
		id++
	}

	sendRequest(t, conn, protocol.TypeQuery, id, protocol.RequestPayload{
		Collection: "users",
		Query:      map[string]any{"status": "active", "tier": "gold"},
	})
	resp := readEnvelope(t, conn)
	require.Equal(t, "QUERY_RESPONSE", resp.Type)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0]["key"])
	assert.Equal(t, "active", rows[0]["status"])
}

func TestBatch(t *testing.T) {
	url := newTestBroker(t, nil)
	conn, _ := dialBroker(t, url, platformHeader("nodejs"))

	sendRequest(t, conn, protocol.TypeBatch, 1, protocol.RequestPayload{
		Operations: []protocol.BatchOperation{
			{ID: "a", Type: protocol.TypeSet, Payload: json.RawMessage(`{"collection":"c","key":"k","value":{"x":1}}`)},
			{ID: "b", Type: protocol.TypeQuery, Payload: json.RawMessage(`{"collection":"c","query":{"x":1}}`)},
		},
	})
	resp := readEnvelope(t, conn)
	require.Equal(t, "BATCH_RESPONSE", resp.Type)
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)

	var entries []protocol.BatchEntry
	require.NoError(t, json.Unmarshal(resp.Data, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Operation)
	assert.Empty(t, entries[0].Error)
	assert.Equal(t, "b", entries[1].Operation)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(entries[1].Result, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "k", rows[0]["key"])
	assert.Equal(t, float64(1), rows[0]["x"])
}

func TestBatchFailureContinues(t *testing.T) {
	url := newTestBroker(t, nil)
	conn, _ := dialBroker(t, url, platformHeader("nodejs"))

	sendRequest(t, conn, protocol.TypeBatch, 1, protocol.RequestPayload{
		Operations: []protocol.BatchOperation{
			{ID: "bad", Type: protocol.TypeSubscribe, Payload: json.RawMessage(`{"collection":"c","key":"k"}`)},
			{ID: "good", Type: protocol.TypeSet, Payload: json.RawMessage(`{"collection":"c","key":"k","value":{"x":1}}`)},
		},
	})
	resp := readEnvelope(t, conn)

	var entries []protocol.BatchEntry
	require.NoError(t, json.Unmarshal(resp.Data, &entries))
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0].Error, "Unsupported batch operation type")
	assert.Empty(t, entries[1].Error)
}

func TestBatchStopOnError(t *testing.T) {
	url := newTestBroker(t, nil)
	conn, _ := dialBroker(t, url, platformHeader("nodejs"))

	sendRequest(t, conn, protocol.TypeBatch, 1, protocol.RequestPayload{
		StopOnError: true,
		Operations: []protocol.BatchOperation{
			{ID: "a", Type: protocol.TypeSet, Payload: json.RawMessage(`{"collection":"c","key":"k1","value":{"x":1}}`)},
			{ID: "bad", Type: protocol.TypeGet, Payload: json.RawMessage(`{"collection":"c"}`)},
			{ID: "never", Type: protocol.TypeSet, Payload: json.RawMessage(`{"collection":"c","key":"k2","value":{"x":2}}`)},
		},
	})
	resp := readEnvelope(t, conn)

	var entries []protocol.BatchEntry
	require.NoError(t, json.Unmarshal(resp.Data, &entries))
	require.Len(t, entries, 2, "stopOnError must halt after the first failure")
	assert.Empty(t, entries[0].Error)
	assert.NotEmpty(t, entries[1].Error)

	// k2 was never written.
	sendRequest(t, conn, protocol.TypeGet, 2, protocol.RequestPayload{Collection: "c", Key: "k2"})
	get := readEnvelope(t, conn)
	assert.Equal(t, "null", string(get.Data))
}

func TestBatchMutationsNotifySubscribers(t *testing.T) {
	url := newTestBroker(t, nil)
	connA, _ := dialBroker(t, url, platformHeader("nodejs"))
	connB, _ := dialBroker(t, url, platformHeader("nodejs"))

	sendRequest(t, connA, protocol.TypeSubscribe, 1, protocol.RequestPayload{Collection: "c", Key: Wildcard})
	readEnvelope(t, connA)

	sendRequest(t, connB, protocol.TypeBatch, 1, protocol.RequestPayload{
		Operations: []protocol.BatchOperation{
			{ID: "a", Type: protocol.TypeSet, Payload: json.RawMessage(`{"collection":"c","key":"k1","value":{"x":1}}`)},
			{ID: "b", Type: protocol.TypeDelete, Payload: json.RawMessage(`{"collection":"c","key":"k2"}`)},
		},
	})
	readEnvelope(t, connB)

	first := readEnvelope(t, connA)
	assert.Equal(t, protocol.TypeSet, first.Operation)
	second := readEnvelope(t, connA)
	assert.Equal(t, protocol.TypeDelete, second.Operation)
}

func TestUnknownMessageType(t *testing.T) {
	url := newTestBroker(t, nil)
	conn, _ := dialBroker(t, url, platformHeader("nodejs"))

	sendRequest(t, conn, "FROBNICATE", 9, nil)
	resp := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, int64(9), resp.RequestID)
	assert.Equal(t, "Unknown message type: FROBNICATE", resp.Error)

	// The connection stays open.
	sendRequest(t, conn, protocol.TypePing, 10, nil)
	resp = readEnvelope(t, conn)
	assert.Equal(t, "PING_RESPONSE", resp.Type)
}

func TestMalformedFrameDropped(t *testing.T) {
	url := newTestBroker(t, nil)
	conn, _ := dialBroker(t, url, platformHeader("nodejs"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json at all")))

	// No response, no close; the next request still works.
	sendRequest(t, conn, protocol.TypePing, 1, nil)
	resp := readEnvelope(t, conn)
	assert.Equal(t, "PING_RESPONSE", resp.Type)
	assert.Equal(t, int64(1), resp.RequestID)
}

func TestReadYourWrites(t *testing.T) {
	url := newTestBroker(t, nil)
	conn, _ := dialBroker(t, url, platformHeader("nodejs"))

	// Pipelined SET then GET on the same session: responses come back in
	// order and the GET observes the write.
	sendRequest(t, conn, protocol.TypeSet, 1, protocol.RequestPayload{
		Collection: "cart",
		Key:        "u1",
		Value:      json.RawMessage(`{"total":42}`),
	})
	sendRequest(t, conn, protocol.TypeGet, 2, protocol.RequestPayload{Collection: "cart", Key: "u1"})

	resp := readEnvelope(t, conn)
	assert.Equal(t, int64(1), resp.RequestID)
	resp = readEnvelope(t, conn)
	assert.Equal(t, int64(2), resp.RequestID)
	assert.JSONEq(t, `{"total":42}`, string(resp.Data))
}

func TestRateLimitExceeded(t *testing.T) {
	url := newTestBroker(t, func(cfg *config.Config) {
		cfg.MessageRate = 1
		cfg.MessageBurst = 1
	})
	conn, _ := dialBroker(t, url, platformHeader("nodejs"))

	sendRequest(t, conn, protocol.TypePing, 1, nil)
	resp := readEnvelope(t, conn)
	require.Equal(t, "PING_RESPONSE", resp.Type)

	sendRequest(t, conn, protocol.TypePing, 2, nil)
	resp = readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, "Rate limit exceeded", resp.Error)

	// Rate limiting never closes the connection.
	time.Sleep(1100 * time.Millisecond)
	sendRequest(t, conn, protocol.TypePing, 3, nil)
	resp = readEnvelope(t, conn)
	assert.Equal(t, "PING_RESPONSE", resp.Type)
}

func TestMaxConnections(t *testing.T) {
	url := newTestBroker(t, func(cfg *config.Config) {
		cfg.MaxConnections = 1
	})

	dialBroker(t, url, nil)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestKeepAliveTerminatesSilentSession(t *testing.T) {
	url := newTestBroker(t, func(cfg *config.Config) {
		cfg.KeepAliveInterval = 50 * time.Millisecond
	})
	conn, _ := dialBroker(t, url, nil)

	// Swallow server pings so the session never proves liveness.
	conn.SetPingHandler(func(string) error { return nil })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "session should be terminated by the sweeper")
}

func TestKeepAliveKeepsResponsiveSession(t *testing.T) {
	url := newTestBroker(t, func(cfg *config.Config) {
		cfg.KeepAliveInterval = 50 * time.Millisecond
	})
	conn, _ := dialBroker(t, url, nil)

	// Keep traffic flowing across several sweep intervals; the session must
	// survive every one of them. The reads also let gorilla's default ping
	// handler answer the server's liveness pings.
	for i := 0; i < 5; i++ {
		time.Sleep(60 * time.Millisecond)
		sendRequest(t, conn, protocol.TypePing, int64(i+1), nil)
		resp := readEnvelope(t, conn)
		require.Equal(t, "PING_RESPONSE", resp.Type)
	}
}

func TestSubscriptionsPurgedOnDisconnect(t *testing.T) {
	url := newTestBroker(t, nil)
	connA, _ := dialBroker(t, url, platformHeader("nodejs"))
	connB, _ := dialBroker(t, url, platformHeader("nodejs"))

	sendRequest(t, connA, protocol.TypeSubscribe, 1, protocol.RequestPayload{Collection: "cart", Key: Wildcard})
	readEnvelope(t, connA)
	connA.Close()

	// Give the broker a moment to tear the session down, then mutate. The
	// mutation must not block or error even though the subscriber is gone.
	time.Sleep(100 * time.Millisecond)
	sendRequest(t, connB, protocol.TypeSet, 1, protocol.RequestPayload{
		Collection: "cart",
		Key:        "u1",
		Value:      json.RawMessage(`{"total":1}`),
	})
	resp := readEnvelope(t, connB)
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)
}

func TestHealthAndStatsEndpoints(t *testing.T) {
	url := newTestBroker(t, nil)
	base := "http" + strings.TrimSuffix(strings.TrimPrefix(url, "ws"), "/ws")

	dialBroker(t, url, nil)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Contains(t, health, "adapters")

	statsResp, err := http.Get(base + "/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	require.Equal(t, http.StatusOK, statsResp.StatusCode)

	var stats map[string]any
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	connections := stats["connections"].(map[string]any)
	assert.GreaterOrEqual(t, connections["total"].(float64), float64(1))
}
