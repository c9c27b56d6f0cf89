package broker

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/databroker/internal/metrics"
	"github.com/adred-codev/databroker/internal/protocol"
)

// Wildcard matches every key in a collection.
const Wildcard = "*"

type pattern struct {
	Collection string
	Key        string
}

// SubscriptionRegistry is the bidirectional index between patterns and
// sessions: byPattern answers "who wants this mutation", bySession answers
// "what does this session hold" for teardown. Both sides mutate inside one
// critical section so fan-out never sees a half-applied subscribe.
type SubscriptionRegistry struct {
	mu        sync.RWMutex
	byPattern map[pattern]map[*Session]struct{}
	bySession map[*Session]map[pattern]struct{}
	entries   int
	stats     *Stats
	logger    zerolog.Logger
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry(logger zerolog.Logger) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		byPattern: make(map[pattern]map[*Session]struct{}),
		bySession: make(map[*Session]map[pattern]struct{}),
		logger:    logger.With().Str("component", "subscriptions").Logger(),
	}
}

// Subscribe adds (collection, key) to the session's subscription set.
// Subscribing twice to the same pattern is a no-op success: a client
// re-subscribing after reconnect should not be punished with an error.
func (r *SubscriptionRegistry) Subscribe(s *Session, collection, key string) {
	p := pattern{Collection: collection, Key: key}

	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.byPattern[p]
	if !ok {
		sessions = make(map[*Session]struct{})
		r.byPattern[p] = sessions
	}
	if _, dup := sessions[s]; dup {
		return
	}
	sessions[s] = struct{}{}

	held, ok := r.bySession[s]
	if !ok {
		held = make(map[pattern]struct{})
		r.bySession[s] = held
	}
	held[p] = struct{}{}

	r.entries++
	metrics.SubscriptionsActive(r.entries)
}

// Unsubscribe removes (collection, key) from the session's subscription set.
// Unsubscribing from a pattern the session does not hold is an error and
// leaves the registry untouched.
func (r *SubscriptionRegistry) Unsubscribe(s *Session, collection, key string) error {
	p := pattern{Collection: collection, Key: key}

	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.bySession[s]
	if !ok {
		return fmt.Errorf("Not subscribed to %s/%s", collection, key)
	}
	if _, subscribed := held[p]; !subscribed {
		return fmt.Errorf("Not subscribed to %s/%s", collection, key)
	}

	delete(held, p)
	if len(held) == 0 {
		delete(r.bySession, s)
	}
	if sessions, ok := r.byPattern[p]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(r.byPattern, p)
		}
	}

	r.entries--
	metrics.SubscriptionsActive(r.entries)
	return nil
}

// RemoveSession purges every entry the session holds. Called on teardown.
func (r *SubscriptionRegistry) RemoveSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.bySession[s]
	if !ok {
		return
	}
	for p := range held {
		if sessions, ok := r.byPattern[p]; ok {
			delete(sessions, s)
			if len(sessions) == 0 {
				delete(r.byPattern, p)
			}
		}
		r.entries--
	}
	delete(r.bySession, s)
	metrics.SubscriptionsActive(r.entries)
}

// Count reports the number of live (session, pattern) entries.
func (r *SubscriptionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries
}

// match returns the sessions subscribed to the exact key or the collection
// wildcard, minus the originator.
func (r *SubscriptionRegistry) match(collection, key string, origin *Session) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exact := r.byPattern[pattern{Collection: collection, Key: key}]
	wild := r.byPattern[pattern{Collection: collection, Key: Wildcard}]
	if len(exact) == 0 && len(wild) == 0 {
		return nil
	}

	seen := make(map[*Session]struct{}, len(exact)+len(wild))
	matched := make([]*Session, 0, len(exact)+len(wild))
	for _, sessions := range []map[*Session]struct{}{exact, wild} {
		for s := range sessions {
			if s == origin {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			matched = append(matched, s)
		}
	}
	return matched
}

// FanOut pushes a SUBSCRIPTION_UPDATE to every session matching the mutated
// key, skipping the originator. The envelope is serialized once. Delivery is
// fire-and-forget: a subscriber with a full send buffer loses the update
// rather than stalling the mutator's dispatch path.
func (r *SubscriptionRegistry) FanOut(collection, key, operation string, value json.RawMessage, origin *Session) {
	matched := r.match(collection, key, origin)
	if len(matched) == 0 {
		return
	}

	data, err := protocol.NewUpdate(collection, key, operation, value).Encode()
	if err != nil {
		r.logger.Error().Err(err).
			Str("collection", collection).
			Str("key", key).
			Msg("Failed to encode subscription update")
		return
	}

	for _, s := range matched {
		if s.TrySend(data) {
			metrics.UpdateSent()
			if r.stats != nil {
				r.stats.UpdatesSent.Add(1)
			}
			continue
		}
		metrics.UpdateDropped()
		if r.stats != nil {
			r.stats.UpdatesDropped.Add(1)
		}
		r.logger.Warn().
			Str("client_id", s.ID).
			Str("collection", collection).
			Str("key", key).
			Msg("Subscriber send buffer full, update dropped")
	}
}
