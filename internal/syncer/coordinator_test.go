package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colthorp/attendsync-go/internal/api"
	"github.com/colthorp/attendsync-go/internal/config"
	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/queue"
	"github.com/colthorp/attendsync-go/internal/storage"
)

const origin = "https://school.test"

func enqueue(t *testing.T, store queue.Store, n int) []uint64 {
	t.Helper()
	var ids []uint64
	for i := 1; i <= n; i++ {
		id, err := store.Enqueue(context.Background(), queue.PendingMutation{
			Endpoint:  fmt.Sprintf("/api/attendance/%d", i),
			Method:    "POST",
			Body:      []byte(fmt.Sprintf(`{"student":%d}`, i)),
			AuthToken: fmt.Sprintf("token-%d", i),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func acceptAll(transport *api.InMemoryTransport, n int) {
	for i := 1; i <= n; i++ {
		transport.Seed("POST", fmt.Sprintf("%s/api/attendance/%d", origin, i), api.JSONResponse(201, `{}`))
	}
}

func newCoordinator(store queue.Store, transport api.Transport, policy string) *Coordinator {
	return New(store, transport, Options{
		Origin:          origin,
		RequestTimeout:  time.Second,
		RejectionPolicy: policy,
	})
}

func TestDrain_ReplaysInOrderAndEmptiesQueue(t *testing.T) {
	store := queue.NewMemoryStore()
	transport := api.NewInMemoryTransport()
	enqueue(t, store, 3)
	acceptAll(transport, 3)

	c := newCoordinator(store, transport, "")
	res, err := c.Trigger(context.Background(), core.SyncTag)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Synced)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, Idle, c.State())

	reqs := transport.Requests()
	require.Len(t, reqs, 3)
	for i, r := range reqs {
		assert.Equal(t, fmt.Sprintf("%s/api/attendance/%d", origin, i+1), r.URL)
		assert.Equal(t, fmt.Sprintf("Bearer token-%d", i+1), r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get(core.IdempotencyHdr))
		assert.JSONEq(t, fmt.Sprintf(`{"student":%d}`, i+1), string(r.Body))
	}

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrain_FailureIsIsolatedPerRecord(t *testing.T) {
	store := queue.NewMemoryStore()
	transport := api.NewInMemoryTransport()
	ids := enqueue(t, store, 6)
	acceptAll(transport, 6)
	transport.Handle("POST", origin+"/api/attendance/5", func(req *api.Request) (*api.Response, error) {
		return nil, &api.NetworkError{Method: req.Method, URL: req.URL, Err: api.ErrOffline}
	})

	c := newCoordinator(store, transport, "")
	res, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Synced)
	assert.Equal(t, 1, res.Retained)

	left, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, ids[4], left[0].ID)
}

func TestDrain_ConcurrentTriggersNeverDoubleReplay(t *testing.T) {
	store := queue.NewMemoryStore()
	transport := api.NewInMemoryTransport()
	enqueue(t, store, 3)
	acceptAll(transport, 3)
	transport.Hold()

	c := newCoordinator(store, transport, "")

	var wg sync.WaitGroup
	wg.Add(1)
	var first *Result
	go func() {
		defer wg.Done()
		first, _ = c.Trigger(context.Background(), core.SyncTag)
	}()

	require.Eventually(t, func() bool { return transport.RequestsMade() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Draining, c.State())

	second, err := c.Trigger(context.Background(), core.SyncTag)
	require.NoError(t, err)
	assert.True(t, second.Coalesced)
	assert.Zero(t, second.Attempted)
	assert.True(t, c.SyncPending(), "a coalesced trigger must ask for a follow-up drain")

	transport.Release()
	wg.Wait()
	assert.True(t, c.SyncPending())

	_, err = c.Drain(context.Background())
	require.NoError(t, err)
	assert.False(t, c.SyncPending())

	require.NotNil(t, first)
	assert.False(t, first.Coalesced)
	assert.Equal(t, 3, first.Synced)

	seen := map[string]int{}
	for _, r := range transport.Requests() {
		seen[r.URL]++
	}
	for url, n := range seen {
		assert.Equal(t, 1, n, "%s replayed %d times", url, n)
	}
}

func TestDrain_RetryableStatusesKeepRecords(t *testing.T) {
	for _, status := range []int{408, 425, 429, 500, 503} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			store := queue.NewMemoryStore()
			transport := api.NewInMemoryTransport()
			enqueue(t, store, 1)
			transport.Seed("POST", origin+"/api/attendance/1", api.TextResponse(status, "later"))

			res, err := newCoordinator(store, transport, "").Drain(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, res.Retained)
			assert.Equal(t, 1, res.Remaining)
		})
	}
}

func TestDrain_PermanentRejectionDeadLetters(t *testing.T) {
	store := queue.NewMemoryStore()
	transport := api.NewInMemoryTransport()
	enqueue(t, store, 2)
	acceptAll(transport, 2)
	transport.Seed("POST", origin+"/api/attendance/1", api.JSONResponse(422, `{"error":"class closed"}`))

	res, err := newCoordinator(store, transport, config.RejectDeadLetter).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 0, res.Remaining)

	dead, err := store.ListDeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 422, dead[0].Status)
	assert.Contains(t, dead[0].Reason, "class closed")
}

func TestDrain_RetainPolicyKeepsRejected(t *testing.T) {
	store := queue.NewMemoryStore()
	transport := api.NewInMemoryTransport()
	enqueue(t, store, 1)
	transport.Seed("POST", origin+"/api/attendance/1", api.TextResponse(403, "forbidden"))

	res, err := newCoordinator(store, transport, config.RejectRetain).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retained)

	dead, err := store.ListDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestDrain_RemoveFailureIsReported(t *testing.T) {
	store := queue.NewMemoryStore()
	transport := api.NewInMemoryTransport()
	ids := enqueue(t, store, 1)
	acceptAll(transport, 1)
	store.FailRemove = errors.New("disk full")

	res, err := newCoordinator(store, transport, "").Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, ids, res.RemoveFailed)
	assert.Equal(t, 1, res.Remaining)
}

func TestDrain_ListFailurePropagates(t *testing.T) {
	store := queue.NewMemoryStore()
	store.FailList = errors.New("io error")

	_, err := newCoordinator(store, api.NewInMemoryTransport(), "").Drain(context.Background())
	assert.ErrorIs(t, err, queue.ErrStorageUnavailable)
}

func TestTrigger_UnknownTag(t *testing.T) {
	c := newCoordinator(queue.NewMemoryStore(), api.NewInMemoryTransport(), "")
	_, err := c.Trigger(context.Background(), "sync-everything")
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestDrain_EmptyQueue(t *testing.T) {
	transport := api.NewInMemoryTransport()
	c := newCoordinator(queue.NewMemoryStore(), transport, "")

	res, err := c.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Zero(t, transport.RequestsMade())
	assert.Same(t, res, c.LastResult())
}

func TestDrain_CallerCancellationDoesNotCutDrainShort(t *testing.T) {
	store, err := queue.OpenBadgerStore(storage.InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	transport := api.NewInMemoryTransport()
	enqueue(t, store, 3)
	acceptAll(transport, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport.Handle("POST", origin+"/api/attendance/1", func(*api.Request) (*api.Response, error) {
		cancel()
		return api.JSONResponse(201, `{}`), nil
	})

	res, err := newCoordinator(store, transport, "").Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 3, res.Synced)
	assert.Empty(t, res.RemoveFailed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 3, transport.RequestsMade())

	left, err := store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, left, "an accepted record must not stay queued")
}

func TestDrain_RejectionReasonIsValidUTF8(t *testing.T) {
	store := queue.NewMemoryStore()
	transport := api.NewInMemoryTransport()
	enqueue(t, store, 1)
	transport.Seed("POST", origin+"/api/attendance/1", api.TextResponse(422, strings.Repeat("é", 150)))

	_, err := newCoordinator(store, transport, "").Drain(context.Background())
	require.NoError(t, err)

	dead, err := store.ListDeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.True(t, utf8.ValidString(dead[0].Reason))
	assert.True(t, strings.HasSuffix(dead[0].Reason, "..."))
}
