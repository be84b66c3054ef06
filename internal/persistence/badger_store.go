package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Aidin1998/xtconnector/internal/trading/order"
	"github.com/dgraph-io/badger/v3"
)

const badgerPrefix = "tracking:"

// BadgerStore keeps one key per tracked order.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens the store at path, or in memory when path is empty.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(clientOrderID string) []byte {
	return []byte(badgerPrefix + clientOrderID)
}

// Save writes states and deletes orders that are no longer tracked, in one
// transaction.
func (s *BadgerStore) Save(_ context.Context, states map[string]order.Snapshot) error {
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(badgerPrefix)})
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			if _, ok := states[strings.TrimPrefix(string(k), badgerPrefix)]; !ok {
				stale = append(stale, k)
			}
		}
		it.Close()
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for id, snap := range states {
			val, err := json.Marshal(snap)
			if err != nil {
				return fmt.Errorf("encode %s: %w", id, err)
			}
			if err := txn.Set(badgerKey(id), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns every stored snapshot.
func (s *BadgerStore) Load(_ context.Context) (map[string]order.Snapshot, error) {
	out := make(map[string]order.Snapshot)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(badgerPrefix), PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := strings.TrimPrefix(string(item.Key()), badgerPrefix)
			var snap order.Snapshot
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &snap) }); err != nil {
				return fmt.Errorf("decode %s: %w", id, err)
			}
			out[id] = snap
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a single order.
func (s *BadgerStore) Delete(clientOrderID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(badgerKey(clientOrderID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Close closes the underlying BadgerDB.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
