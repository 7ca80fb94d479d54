package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/colthorp/attendsync-go/internal/storage"
)

// Key layout:
//
//	gen/<generation>                    marker, value empty
//	entry/<generation>\x00<canonical>   JSON-encoded Entry
const (
	genPrefix   = "gen/"
	entryPrefix = "entry/"
	keySep      = "\x00"
)

// BadgerBackend stores generations in a badger database.
type BadgerBackend struct {
	db *storage.DB
}

// NewBadgerBackend wraps an open database. The backend does not own db;
// callers close it.
func NewBadgerBackend(db *storage.DB) *BadgerBackend {
	return &BadgerBackend{db: db}
}

func genKey(generation string) []byte {
	return []byte(genPrefix + generation)
}

func entryKey(generation, key string) []byte {
	return []byte(entryPrefix + generation + keySep + key)
}

func generationPrefix(generation string) []byte {
	return []byte(entryPrefix + generation + keySep)
}

// Get returns the entry or nil when absent.
func (b *BadgerBackend) Get(generation, key string) (*Entry, error) {
	var entry *Entry
	err := b.db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(generation, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var e Entry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("decode cache entry %q: %w", key, err)
			}
			entry = &e
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	return entry, nil
}

// ErrBatchTooLarge is returned by Put when the entries do not fit in one
// badger transaction. Nothing is written.
var ErrBatchTooLarge = errors.New("cache batch exceeds one transaction")

// Put writes the generation marker and every entry in one transaction, so
// a batch is stored completely or not at all.
func (b *BadgerBackend) Put(generation string, entries ...*Entry) error {
	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	if err := txn.Set(genKey(generation), nil); err != nil {
		return fmt.Errorf("write generation marker: %w", err)
	}
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode cache entry %q: %w", e.Key, err)
		}
		err = txn.Set(entryKey(generation, e.Key), data)
		if errors.Is(err, badger.ErrTxnTooBig) {
			return fmt.Errorf("%w: %d entries for %s", ErrBatchTooLarge, len(entries), generation)
		}
		if err != nil {
			return fmt.Errorf("write cache entry: %w", err)
		}
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit cache entries: %w", err)
	}
	return nil
}

// Delete removes one entry.
func (b *BadgerBackend) Delete(generation, key string) error {
	return b.db.Update(context.Background(), func(txn *badger.Txn) error {
		return txn.Delete(entryKey(generation, key))
	})
}

// List returns a generation's entries in key order.
func (b *BadgerBackend) List(generation string) ([]*Entry, error) {
	var out []*Entry
	err := b.db.ScanPrefix(context.Background(), generationPrefix(generation), func(_, val []byte) error {
		var e Entry
		if err := json.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("decode cache entry: %w", err)
		}
		out = append(out, &e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list generation %s: %w", generation, err)
	}
	return out, nil
}

// Generations returns the stored generation names, sorted.
func (b *BadgerBackend) Generations() ([]string, error) {
	keys, err := b.db.KeysWithPrefix(context.Background(), []byte(genPrefix))
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(string(k), genPrefix))
	}
	sort.Strings(names)
	return names, nil
}

// DeleteGeneration removes a generation's entries and then its marker, so
// a crash part way leaves the generation listed and Activate retries it.
func (b *BadgerBackend) DeleteGeneration(generation string) error {
	keys, err := b.db.KeysWithPrefix(context.Background(), generationPrefix(generation))
	if err != nil {
		return fmt.Errorf("scan generation %s: %w", generation, err)
	}
	keys = append(keys, genKey(generation))

	txn := b.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	for _, k := range keys {
		err := txn.Delete(k)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return fmt.Errorf("commit generation delete: %w", err)
			}
			txn = b.db.NewTransaction(true)
			err = txn.Delete(k)
		}
		if err != nil {
			return fmt.Errorf("delete %q: %w", bytes.TrimPrefix(k, []byte(entryPrefix)), err)
		}
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit generation delete: %w", err)
	}
	return nil
}
