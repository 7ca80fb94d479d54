// Package queue is the durable store of mutations that could not reach the
// origin. Records are kept in enqueue order, identified by an id the store
// assigns, and survive process restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/colthorp/attendsync-go/internal/api"
)

// PendingMutation is a deferred state-changing request.
//
// The auth token is captured at enqueue time and replayed as-is; it is
// never refreshed.
type PendingMutation struct {
	ID             uint64          `json:"id"`
	Endpoint       string          `json:"endpoint"`
	Method         string          `json:"method"`
	Body           json.RawMessage `json:"body"`
	AuthToken      string          `json:"authToken"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// DeadLetter is a mutation the origin refused permanently.
type DeadLetter struct {
	Mutation PendingMutation `json:"mutation"`
	Reason   string          `json:"reason"`
	Status   int             `json:"status"`
	DeadAt   time.Time       `json:"deadAt"`
}

// Store is the persistent queue contract.
//
// ListAll returns records in ascending id order, which is enqueue order.
// Remove and DeadLetter on an id that no longer exists are no-ops.
type Store interface {
	Enqueue(ctx context.Context, m PendingMutation) (uint64, error)
	ListAll(ctx context.Context) ([]PendingMutation, error)
	Remove(ctx context.Context, id uint64) error
	Count(ctx context.Context) (int, error)
	DeadLetter(ctx context.Context, id uint64, reason string, status int) error
	ListDeadLetters(ctx context.Context) ([]DeadLetter, error)
	Close() error
}

// ErrStorageUnavailable is the cause of every StorageError.
var ErrStorageUnavailable = errors.New("queue storage unavailable")

// ErrInvalidMutation reports a record that cannot be queued.
var ErrInvalidMutation = errors.New("invalid mutation")

// StorageError wraps a failure of the underlying database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStorageUnavailable) hold for every StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// normalize validates m and fills the fields the store owns. The returned
// copy has ID unset.
func normalize(m PendingMutation, now time.Time, newKey func() string) (PendingMutation, error) {
	m.ID = 0
	m.Method = strings.ToUpper(strings.TrimSpace(m.Method))
	if !api.IsMutatingMethod(m.Method) {
		return m, fmt.Errorf("%w: method %q is not POST, PUT, PATCH or DELETE", ErrInvalidMutation, m.Method)
	}
	if strings.TrimSpace(m.Endpoint) == "" {
		return m, fmt.Errorf("%w: endpoint is empty", ErrInvalidMutation)
	}
	if len(strings.TrimSpace(string(m.Body))) == 0 {
		m.Body = json.RawMessage("null")
	} else if !json.Valid(m.Body) {
		return m, fmt.Errorf("%w: body is not valid JSON", ErrInvalidMutation)
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = now
	}
	m.EnqueuedAt = m.EnqueuedAt.UTC()
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = newKey()
	}
	return m, nil
}
