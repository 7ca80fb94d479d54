package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests. Setting one of the Fail
// fields makes the matching operation return a StorageError.
type MemoryStore struct {
	mu          sync.Mutex
	nextID      uint64
	records     map[uint64]PendingMutation
	deadLetters map[uint64]DeadLetter
	keySeq      int

	FailEnqueue error
	FailList    error
	FailRemove  error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:      1,
		records:     make(map[uint64]PendingMutation),
		deadLetters: make(map[uint64]DeadLetter),
	}
}

func (s *MemoryStore) newKey() string {
	s.keySeq++
	return "key-" + strconv.Itoa(s.keySeq)
}

func (s *MemoryStore) Enqueue(ctx context.Context, m PendingMutation) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := normalize(m, time.Now(), s.newKey)
	if err != nil {
		return 0, err
	}
	if s.FailEnqueue != nil {
		return 0, storageErr("enqueue", s.FailEnqueue)
	}
	rec.ID = s.nextID
	s.nextID++
	s.records[rec.ID] = rec
	return rec.ID, nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]PendingMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailList != nil {
		return nil, storageErr("list", s.FailList)
	}
	out := make([]PendingMutation, 0, len(s.records))
	for _, m := range s.records {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Remove(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailRemove != nil {
		return storageErr("remove", s.FailRemove)
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *MemoryStore) DeadLetter(ctx context.Context, id uint64, reason string, status int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.records[id]
	if !ok {
		return nil
	}
	delete(s.records, id)
	s.deadLetters[id] = DeadLetter{Mutation: m, Reason: reason, Status: status, DeadAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DeadLetter, 0, len(s.deadLetters))
	for _, d := range s.deadLetters {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mutation.ID < out[j].Mutation.ID })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
