package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colthorp/attendsync-go/internal/api"
	"github.com/colthorp/attendsync-go/internal/storage"
)

func openBadgerBackend(t *testing.T) *BadgerBackend {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBadgerBackend(db)
}

func TestBadgerBackend_PutGetList(t *testing.T) {
	b := openBadgerBackend(t)
	now := time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)

	require.NoError(t, b.Put("v1-static",
		&Entry{Key: "GET http://s.test/", Payload: []byte("<html>"), Status: 200, Tier: TierStatic, StoredAt: now},
		&Entry{Key: "GET http://s.test/app.js", Payload: []byte("js"), Status: 200, Tier: TierStatic, StoredAt: now},
	))

	got, err := b.Get("v1-static", "GET http://s.test/")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "<html>", string(got.Payload))
	assert.True(t, got.StoredAt.Equal(now))

	missing, err := b.Get("v1-static", "GET http://s.test/nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	missing, err = b.Get("v1-dynamic", "GET http://s.test/")
	require.NoError(t, err)
	assert.Nil(t, missing, "entries must not leak across generations")

	list, err := b.List("v1-static")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "GET http://s.test/", list[0].Key)
}

func TestBadgerBackend_GenerationsAndDelete(t *testing.T) {
	b := openBadgerBackend(t)

	require.NoError(t, b.Put("v1-static", &Entry{Key: "GET /"}))
	require.NoError(t, b.Put("v1-dynamic", &Entry{Key: "GET /api/a"}, &Entry{Key: "GET /api/b"}))
	require.NoError(t, b.Put("v2-static"))

	gens, err := b.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1-dynamic", "v1-static", "v2-static"}, gens)

	require.NoError(t, b.Delete("v1-dynamic", "GET /api/a"))
	list, err := b.List("v1-dynamic")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, b.DeleteGeneration("v1-dynamic"))
	gens, err = b.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1-static", "v2-static"}, gens)

	list, err = b.List("v1-dynamic")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestBadgerBackend_GenerationPrefixIsExact(t *testing.T) {
	b := openBadgerBackend(t)

	require.NoError(t, b.Put("v1", &Entry{Key: "GET /a"}))
	require.NoError(t, b.Put("v1-static", &Entry{Key: "GET /b"}))

	require.NoError(t, b.DeleteGeneration("v1"))

	list, err := b.List("v1-static")
	require.NoError(t, err)
	assert.Len(t, list, 1, "deleting v1 must not touch v1-static")
}

func TestBadgerBackend_ManagerActivateAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := storage.DefaultConfig(dir)
	cfg.GCInterval = 0

	db, err := storage.Open(cfg)
	require.NoError(t, err)

	transport := api.NewInMemoryTransport()
	for i := 0; i < 2; i++ {
		transport.Seed("GET", fmt.Sprintf("%s/asset%d", origin, i), api.TextResponse(200, "x"))
	}
	v1 := NewManager(transport, NewBadgerBackend(db), Options{Origin: origin})
	require.NoError(t, v1.Warm(context.Background(), []string{"/asset0", "/asset1"}))
	require.NoError(t, db.Close())

	db, err = storage.Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	v2 := NewManager(transport, NewBadgerBackend(db), Options{
		Origin:            origin,
		StaticGeneration:  "v2-static",
		DynamicGeneration: "v2-dynamic",
	})
	_, ok := v2.Lookup(CanonicalKey("GET", origin+"/asset0"))
	assert.False(t, ok, "v2 must not read v1 entries")

	deleted, err := v2.Activate()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1-static"}, deleted)
}

func TestBadgerBackend_OversizedWarmWritesNothing(t *testing.T) {
	cfg := storage.InMemoryConfig()
	cfg.MemTableSize = 8 << 20
	db, err := storage.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	b := NewBadgerBackend(db)

	transport := api.NewInMemoryTransport()
	payload := strings.Repeat("x", 40<<10)
	var assets []string
	for i := 0; i < 40; i++ {
		path := fmt.Sprintf("/assets/chunk-%02d.js", i)
		transport.Seed("GET", origin+path, api.TextResponse(200, payload))
		assets = append(assets, path)
	}

	err = newTestManager(transport, b, 0).Warm(context.Background(), assets)
	var warmErr *WarmError
	require.ErrorAs(t, err, &warmErr)
	assert.ErrorIs(t, err, ErrBatchTooLarge)

	gens, err := b.Generations()
	require.NoError(t, err)
	assert.Empty(t, gens)
	entries, err := b.List("v1-static")
	require.NoError(t, err)
	assert.Empty(t, entries, "a failed install must not leave a partial STATIC generation")
}
