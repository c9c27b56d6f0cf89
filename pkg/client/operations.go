package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adred-codev/databroker/internal/protocol"
)

// Wildcard subscribes to every key in a collection.
const Wildcard = "*"

// SetResult is the broker's acknowledgment of a SET.
type SetResult struct {
	Success   bool   `json:"success"`
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
}

// BatchOperation is one entry of a Batch call. ID is caller-chosen and
// echoed in the matching result.
type BatchOperation struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// BatchEntry is one result of a Batch call, in input order. Exactly one of
// Result or Error is set.
type BatchEntry struct {
	Operation string          `json:"operation"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Batch opcodes accepted by the broker inside a BATCH request.
const (
	OpGet    = protocol.TypeGet
	OpSet    = protocol.TypeSet
	OpDelete = protocol.TypeDelete
	OpQuery  = protocol.TypeQuery
)

// Get fetches the value stored at (collection, key). A missing key returns
// (nil, nil).
func (c *Client) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	data, err := c.request(ctx, protocol.TypeGet, protocol.RequestPayload{
		Collection: collection,
		Key:        key,
	})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

// Set stores value at (collection, key), overwriting silently. value may be
// any JSON-marshalable document.
func (c *Client) Set(ctx context.Context, collection, key string, value any) (*SetResult, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value for %s/%s: %w", collection, key, err)
	}

	data, err := c.request(ctx, protocol.TypeSet, protocol.RequestPayload{
		Collection: collection,
		Key:        key,
		Value:      raw,
	})
	if err != nil {
		return nil, err
	}

	var result SetResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode set result: %w", err)
	}
	return &result, nil
}

// Delete removes (collection, key). Deleting a missing key succeeds.
func (c *Client) Delete(ctx context.Context, collection, key string) error {
	_, err := c.request(ctx, protocol.TypeDelete, protocol.RequestPayload{
		Collection: collection,
		Key:        key,
	})
	return err
}

// Query returns the rows in collection whose stored documents match every
// field of filter. Each row is the document's fields plus "key".
func (c *Client) Query(ctx context.Context, collection string, filter map[string]any) ([]map[string]any, error) {
	if filter == nil {
		filter = map[string]any{}
	}
	data, err := c.request(ctx, protocol.TypeQuery, protocol.RequestPayload{
		Collection: collection,
		Query:      filter,
	})
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode query result: %w", err)
	}
	return rows, nil
}

// Batch executes operations in order on the broker. A failing operation
// records its error and execution continues; stopOnError stops at the first
// failure instead. The returned entries preserve input order.
func (c *Client) Batch(ctx context.Context, operations []BatchOperation, stopOnError bool) ([]BatchEntry, error) {
	payload := map[string]any{"operations": operations}
	if stopOnError {
		payload["stopOnError"] = true
	}

	data, err := c.request(ctx, protocol.TypeBatch, payload)
	if err != nil {
		return nil, err
	}

	var entries []BatchEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode batch result: %w", err)
	}
	return entries, nil
}

// Ping round-trips a PING and returns the locally measured latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.request(ctx, protocol.TypePing, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Subscribe registers for updates on (collection, pattern), where pattern is
// a literal key or Wildcard. handler runs on the read loop for every
// matching mutation by other clients. Subscriptions are local state: after a
// reconnect the broker has forgotten them, and the application re-subscribes
// when ready fires again.
func (c *Client) Subscribe(ctx context.Context, collection, pattern string, handler UpdateHandler) error {
	_, err := c.request(ctx, protocol.TypeSubscribe, protocol.RequestPayload{
		Collection: collection,
		Key:        pattern,
	})
	if err != nil {
		return err
	}

	c.subsMu.Lock()
	c.subs[patternKey{collection, pattern}] = handler
	c.subsMu.Unlock()
	return nil
}

// Unsubscribe removes the subscription for (collection, pattern).
// Unsubscribing from a pattern that was never subscribed is an error.
func (c *Client) Unsubscribe(ctx context.Context, collection, pattern string) error {
	_, err := c.request(ctx, protocol.TypeUnsubscribe, protocol.RequestPayload{
		Collection: collection,
		Key:        pattern,
	})
	if err != nil {
		return err
	}

	c.subsMu.Lock()
	delete(c.subs, patternKey{collection, pattern})
	c.subsMu.Unlock()
	return nil
}
