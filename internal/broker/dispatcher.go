package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/adred-codev/databroker/internal/metrics"
	"github.com/adred-codev/databroker/internal/protocol"
	"github.com/adred-codev/databroker/internal/storage"
)

// Dispatcher routes each inbound envelope to its handler, answers with the
// correlated response envelope, and fans out notifications for mutations.
// It runs inline on the session's read loop, which is what gives a single
// session read-your-writes ordering.
type Dispatcher struct {
	adapters *storage.Registry
	subs     *SubscriptionRegistry
	logger   zerolog.Logger
}

// NewDispatcher wires the dispatcher to the adapter registry and the
// subscription registry.
func NewDispatcher(adapters *storage.Registry, subs *SubscriptionRegistry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		adapters: adapters,
		subs:     subs,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// notification is a pending SUBSCRIPTION_UPDATE produced by a committed
// mutation. Fan-out happens after the adapter acknowledged, never before.
type notification struct {
	collection string
	key        string
	operation  string
	value      json.RawMessage
}

// Dispatch handles one inbound envelope end to end: validate, execute
// against the session's adapter, respond, then notify subscribers. The
// caller processes the next envelope only after Dispatch returns, so
// commit, response, and fan-out all precede the session's next request.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, env *protocol.Envelope) {
	metrics.RequestDispatched(env.Type)

	switch env.Type {
	case protocol.TypeGet, protocol.TypeSet, protocol.TypeDelete, protocol.TypeQuery,
		protocol.TypeBatch, protocol.TypePing, protocol.TypeSubscribe, protocol.TypeUnsubscribe:
	default:
		d.fail(sess, env.Type, env.RequestID, "Unknown message type: "+env.Type)
		return
	}

	adapter := d.adapters.Resolve(string(sess.Platform))
	if adapter == nil {
		d.fail(sess, env.Type, env.RequestID, "No storage adapter for platform: "+string(sess.Platform))
		return
	}

	payload, err := env.DecodePayload()
	if err != nil {
		d.fail(sess, env.Type, env.RequestID, err.Error())
		return
	}

	switch env.Type {
	case protocol.TypePing:
		d.respond(sess, env, protocol.PongResult{Pong: true})

	case protocol.TypeGet:
		value, err := d.doGet(ctx, adapter, payload)
		if err != nil {
			d.fail(sess, env.Type, env.RequestID, err.Error())
			return
		}
		sess.SendEnvelope(protocol.NewRawResponse(env.Type, env.RequestID, value))

	case protocol.TypeSet:
		result, note, err := d.doSet(ctx, adapter, payload)
		if err != nil {
			d.fail(sess, env.Type, env.RequestID, err.Error())
			return
		}
		d.respond(sess, env, result)
		d.notify(sess, note)

	case protocol.TypeDelete:
		result, note, err := d.doDelete(ctx, adapter, payload)
		if err != nil {
			d.fail(sess, env.Type, env.RequestID, err.Error())
			return
		}
		d.respond(sess, env, result)
		d.notify(sess, note)

	case protocol.TypeQuery:
		rows, err := d.doQuery(ctx, adapter, payload)
		if err != nil {
			d.fail(sess, env.Type, env.RequestID, err.Error())
			return
		}
		d.respond(sess, env, rows)

	case protocol.TypeBatch:
		entries, err := d.doBatch(ctx, sess, adapter, payload)
		if err != nil {
			d.fail(sess, env.Type, env.RequestID, err.Error())
			return
		}
		d.respond(sess, env, entries)

	case protocol.TypeSubscribe:
		if err := requireFields(payload, true); err != nil {
			d.fail(sess, env.Type, env.RequestID, err.Error())
			return
		}
		d.subs.Subscribe(sess, payload.Collection, payload.Key)
		d.respond(sess, env, protocol.SubscriptionResult{
			Collection: payload.Collection,
			Key:        payload.Key,
			Subscribed: true,
		})

	case protocol.TypeUnsubscribe:
		if err := requireFields(payload, true); err != nil {
			d.fail(sess, env.Type, env.RequestID, err.Error())
			return
		}
		if err := d.subs.Unsubscribe(sess, payload.Collection, payload.Key); err != nil {
			d.fail(sess, env.Type, env.RequestID, err.Error())
			return
		}
		d.respond(sess, env, protocol.SubscriptionResult{
			Collection: payload.Collection,
			Key:        payload.Key,
			Subscribed: false,
		})
	}
}

func (d *Dispatcher) respond(sess *Session, env *protocol.Envelope, data any) {
	resp, err := protocol.NewResponse(env.Type, env.RequestID, data)
	if err != nil {
		d.logger.Error().Err(err).Str("type", env.Type).Msg("Failed to encode response data")
		sess.Close()
		return
	}
	sess.SendEnvelope(resp)
}

func (d *Dispatcher) fail(sess *Session, requestType string, requestID int64, message string) {
	metrics.RequestFailed(requestType)
	d.logger.Debug().
		Str("client_id", sess.ID).
		Str("type", requestType).
		Str("error", message).
		Msg("Request failed")
	sess.SendEnvelope(protocol.NewError(requestID, message))
}

func (d *Dispatcher) notify(origin *Session, note *notification) {
	if note == nil {
		return
	}
	d.subs.FanOut(note.collection, note.key, note.operation, note.value, origin)
}

// requireFields validates the payload fields an operation needs. Every
// storage operation needs a collection; key-addressed ones need a key too.
func requireFields(p *protocol.RequestPayload, needKey bool) error {
	if p.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if needKey && p.Key == "" {
		return fmt.Errorf("key is required")
	}
	return nil
}

func (d *Dispatcher) doGet(ctx context.Context, adapter storage.Adapter, p *protocol.RequestPayload) (json.RawMessage, error) {
	if err := requireFields(p, true); err != nil {
		return nil, err
	}
	metrics.StorageOperation(adapter.Name(), "get")
	value, err := adapter.Get(ctx, p.Collection, p.Key, p.Options)
	if err != nil {
		metrics.StorageError(adapter.Name())
		return nil, err
	}
	return value, nil
}

func (d *Dispatcher) doSet(ctx context.Context, adapter storage.Adapter, p *protocol.RequestPayload) (*protocol.SetResult, *notification, error) {
	if err := requireFields(p, true); err != nil {
		return nil, nil, err
	}
	value := p.Value
	if len(value) == 0 {
		value = protocol.NullValue
	}
	metrics.StorageOperation(adapter.Name(), "set")
	if err := adapter.Set(ctx, p.Collection, p.Key, value, p.Options); err != nil {
		metrics.StorageError(adapter.Name())
		return nil, nil, err
	}
	result := &protocol.SetResult{Success: true, Key: p.Key, Timestamp: protocol.Now()}
	note := &notification{collection: p.Collection, key: p.Key, operation: protocol.TypeSet, value: value}
	return result, note, nil
}

func (d *Dispatcher) doDelete(ctx context.Context, adapter storage.Adapter, p *protocol.RequestPayload) (*protocol.DeleteResult, *notification, error) {
	if err := requireFields(p, true); err != nil {
		return nil, nil, err
	}
	metrics.StorageOperation(adapter.Name(), "delete")
	if err := adapter.Delete(ctx, p.Collection, p.Key, p.Options); err != nil {
		metrics.StorageError(adapter.Name())
		return nil, nil, err
	}
	result := &protocol.DeleteResult{Deleted: p.Key}
	note := &notification{collection: p.Collection, key: p.Key, operation: protocol.TypeDelete, value: protocol.NullValue}
	return result, note, nil
}

func (d *Dispatcher) doQuery(ctx context.Context, adapter storage.Adapter, p *protocol.RequestPayload) ([]map[string]any, error) {
	if err := requireFields(p, false); err != nil {
		return nil, err
	}
	filter := p.Query
	if filter == nil {
		filter = map[string]any{}
	}
	metrics.StorageOperation(adapter.Name(), "query")
	rows, err := adapter.Query(ctx, p.Collection, filter, p.Options)
	if err != nil {
		metrics.StorageError(adapter.Name())
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

// doBatch executes the operations in order against the session's adapter.
// A failing sub-operation records its error and execution continues unless
// stopOnError was set. Notifications for successful mutations fan out as
// each sub-operation completes, before the batch response.
func (d *Dispatcher) doBatch(ctx context.Context, sess *Session, adapter storage.Adapter, p *protocol.RequestPayload) ([]protocol.BatchEntry, error) {
	if len(p.Operations) == 0 {
		return nil, fmt.Errorf("operations is required")
	}

	entries := make([]protocol.BatchEntry, 0, len(p.Operations))
	for _, op := range p.Operations {
		result, note, err := d.doBatchOperation(ctx, adapter, op)
		if err != nil {
			entries = append(entries, protocol.BatchEntry{Operation: op.ID, Error: err.Error()})
			if p.StopOnError {
				break
			}
			continue
		}
		entries = append(entries, protocol.BatchEntry{Operation: op.ID, Result: result})
		d.notify(sess, note)
	}
	return entries, nil
}

func (d *Dispatcher) doBatchOperation(ctx context.Context, adapter storage.Adapter, op protocol.BatchOperation) (json.RawMessage, *notification, error) {
	var p protocol.RequestPayload
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("decode %s payload: %w", op.Type, err)
		}
	}

	switch op.Type {
	case protocol.TypeGet:
		value, err := d.doGet(ctx, adapter, &p)
		if err != nil {
			return nil, nil, err
		}
		if len(value) == 0 {
			value = protocol.NullValue
		}
		return value, nil, nil

	case protocol.TypeSet:
		result, note, err := d.doSet(ctx, adapter, &p)
		if err != nil {
			return nil, nil, err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, nil, err
		}
		return data, note, nil

	case protocol.TypeDelete:
		result, note, err := d.doDelete(ctx, adapter, &p)
		if err != nil {
			return nil, nil, err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, nil, err
		}
		return data, note, nil

	case protocol.TypeQuery:
		rows, err := d.doQuery(ctx, adapter, &p)
		if err != nil {
			return nil, nil, err
		}
		data, err := json.Marshal(rows)
		if err != nil {
			return nil, nil, err
		}
		return data, nil, nil

	default:
		return nil, nil, fmt.Errorf("Unsupported batch operation type: %s", op.Type)
	}
}
