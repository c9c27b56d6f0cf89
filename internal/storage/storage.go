// Package storage defines the adapter contract the broker dispatches to and
// the concrete adapters behind it: in-memory, file-tree, embedded Badger,
// and the NATS host bridge.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
)

// ErrClosed is returned by every operation on an adapter after Close.
var ErrClosed = errors.New("storage: adapter is closed")

// Options is a free-form hint carrier (e.g. {"useIndexedDB": true}).
// Adapters ignore hints they do not understand.
type Options map[string]any

// Adapter is the uniform contract over a namespaced key/value store.
//
// Semantics shared by all implementations:
//   - Get returns (nil, nil) for a missing key, never an error.
//   - Set overwrites silently; values are opaque JSON documents.
//   - Delete is idempotent; deleting a missing key succeeds.
//   - Query matches stored values by conjunctive field equality against a
//     flat filter map and returns rows of {key, ...fields}. Values that are
//     not JSON objects are skipped. Row order is unspecified but stable per
//     adapter (each implementation declares its order).
type Adapter interface {
	Get(ctx context.Context, collection, key string, opts Options) (json.RawMessage, error)
	Set(ctx context.Context, collection, key string, value json.RawMessage, opts Options) error
	Delete(ctx context.Context, collection, key string, opts Options) error
	Query(ctx context.Context, collection string, filter map[string]any, opts Options) ([]map[string]any, error)

	// Name identifies the adapter in logs, metrics, and /health.
	Name() string
	Close() error
}

// matchQuery decodes a stored value and applies the conjunctive filter.
// On match it returns the row to include in the query result: the stored
// object's fields with "key" set to the entry's key (overriding any stored
// field of that name). Non-object values never match.
func matchQuery(key string, value []byte, filter map[string]any) (map[string]any, bool) {
	var fields map[string]any
	if err := json.Unmarshal(value, &fields); err != nil || fields == nil {
		return nil, false
	}
	for field, want := range filter {
		got, ok := fields[field]
		if !ok || !reflect.DeepEqual(got, want) {
			return nil, false
		}
	}
	fields["key"] = key
	return fields, true
}
