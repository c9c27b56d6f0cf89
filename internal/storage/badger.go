package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// Badger is the embedded-db adapter, keyed <collection>/<key>. Query uses a
// prefix scan, so result order is Badger's key byte order.
type Badger struct {
	db     *badger.DB
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewBadger opens (or creates) the database under dir.
func NewBadger(dir string, logger zerolog.Logger) (*Badger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create badger dir %s: %w", dir, err)
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = badgerLogger{logger.With().Str("component", "badger").Logger()}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Badger{db: db, logger: logger}, nil
}

func (b *Badger) Name() string { return "badger" }

func (b *Badger) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func storageKey(collection, key string) []byte {
	return []byte(collection + "/" + key)
}

func (b *Badger) Get(ctx context.Context, collection, key string, opts Options) (json.RawMessage, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey(collection, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

func (b *Badger) Set(ctx context.Context, collection, key string, value json.RawMessage, opts Options) error {
	if b.isClosed() {
		return ErrClosed
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storageKey(collection, key), value)
	})
	if err != nil {
		return fmt.Errorf("badger set %s/%s: %w", collection, key, err)
	}
	return nil
}

func (b *Badger) Delete(ctx context.Context, collection, key string, opts Options) error {
	if b.isClosed() {
		return ErrClosed
	}
	// badger's Delete succeeds for missing keys, matching the contract.
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storageKey(collection, key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (b *Badger) Query(ctx context.Context, collection string, filter map[string]any, opts Options) ([]map[string]any, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	prefix := []byte(collection + "/")
	results := []map[string]any{}

	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(bytes.TrimPrefix(item.Key(), prefix))
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if row, ok := matchQuery(key, value, filter); ok {
				results = append(results, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger query %s: %w", collection, err)
	}
	return results, nil
}

func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// badgerLogger routes badger's internal logging through zerolog. Info and
// debug output is demoted to debug; badger is chatty at startup.
type badgerLogger struct {
	logger zerolog.Logger
}

func (bl badgerLogger) Errorf(format string, args ...any) {
	bl.logger.Error().Msgf(format, args...)
}

func (bl badgerLogger) Warningf(format string, args ...any) {
	bl.logger.Warn().Msgf(format, args...)
}

func (bl badgerLogger) Infof(format string, args ...any) {
	bl.logger.Debug().Msgf(format, args...)
}

func (bl badgerLogger) Debugf(format string, args ...any) {
	bl.logger.Debug().Msgf(format, args...)
}
