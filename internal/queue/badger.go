package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/colthorp/attendsync-go/internal/storage"
)

// Key layout:
//
//	meta/next-id            big-endian uint64, the id the next Enqueue takes
//	mutation/<be-uint64>    JSON PendingMutation
//	deadletter/<be-uint64>  JSON DeadLetter
var (
	nextIDKey        = []byte("meta/next-id")
	mutationPrefix   = []byte("mutation/")
	deadLetterPrefix = []byte("deadletter/")
)

func idKey(prefix []byte, id uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], id)
	return k
}

// BadgerStore keeps the queue in a badger database it owns exclusively.
type BadgerStore struct {
	db     *storage.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenBadgerStore opens the queue database described by cfg.
func OpenBadgerStore(cfg storage.Config, logger *slog.Logger) (*BadgerStore, error) {
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, storageErr("open", err)
	}
	return NewBadgerStore(db, logger), nil
}

// NewBadgerStore wraps an open database. Close closes it.
func NewBadgerStore(db *storage.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BadgerStore{
		db:     db,
		logger: logger.With("component", "queue"),
		now:    time.Now,
	}
}

// Enqueue assigns the next id and writes the record in one transaction.
func (s *BadgerStore) Enqueue(ctx context.Context, m PendingMutation) (uint64, error) {
	rec, err := normalize(m, s.now(), uuid.NewString)
	if err != nil {
		return 0, err
	}

	var id uint64
	err = s.db.Update(ctx, func(txn *badger.Txn) error {
		next := uint64(1)
		item, err := txn.Get(nextIDKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error {
				if len(v) != 8 {
					return fmt.Errorf("corrupt id counter (%d bytes)", len(v))
				}
				next = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				return err
			}
		}

		key := idKey(mutationPrefix, next)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("mutation %d already exists", next)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		r := rec
		r.ID = next
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		counter := make([]byte, 8)
		binary.BigEndian.PutUint64(counter, next+1)
		if err := txn.Set(nextIDKey, counter); err != nil {
			return err
		}
		id = next
		return nil
	})
	if err != nil {
		return 0, storageErr("enqueue", err)
	}

	s.logger.Info("mutation queued",
		"id", id,
		"method", rec.Method,
		"endpoint", rec.Endpoint,
		"token_present", rec.AuthToken != "")
	return id, nil
}

// ListAll returns every pending record in ascending id order.
func (s *BadgerStore) ListAll(ctx context.Context) ([]PendingMutation, error) {
	var out []PendingMutation
	err := s.db.ScanPrefix(ctx, mutationPrefix, func(_, val []byte) error {
		var m PendingMutation
		if err := json.Unmarshal(val, &m); err != nil {
			return fmt.Errorf("decode mutation: %w", err)
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, storageErr("list", err)
	}
	return out, nil
}

// Remove deletes one record.
func (s *BadgerStore) Remove(ctx context.Context, id uint64) error {
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(idKey(mutationPrefix, id))
	})
	return storageErr("remove", err)
}

// Count returns the number of pending records.
func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	keys, err := s.db.KeysWithPrefix(ctx, mutationPrefix)
	if err != nil {
		return 0, storageErr("count", err)
	}
	return len(keys), nil
}

// DeadLetter moves a record to the dead-letter table in one transaction.
func (s *BadgerStore) DeadLetter(ctx context.Context, id uint64, reason string, status int) error {
	now := s.now().UTC()
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		key := idKey(mutationPrefix, id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var m PendingMutation
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
			return fmt.Errorf("decode mutation %d: %w", id, err)
		}
		data, err := json.Marshal(DeadLetter{Mutation: m, Reason: reason, Status: status, DeadAt: now})
		if err != nil {
			return err
		}
		if err := txn.Set(idKey(deadLetterPrefix, id), data); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return storageErr("dead-letter", err)
	}
	s.logger.Warn("mutation dead-lettered", "id", id, "status", status, "reason", reason)
	return nil
}

// ListDeadLetters returns dead letters in ascending id order.
func (s *BadgerStore) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var out []DeadLetter
	err := s.db.ScanPrefix(ctx, deadLetterPrefix, func(_, val []byte) error {
		var d DeadLetter
		if err := json.Unmarshal(val, &d); err != nil {
			return fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, storageErr("list dead letters", err)
	}
	return out, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
