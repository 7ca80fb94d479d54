// Package cache stores origin responses for offline use.
//
// # Tiers
//
// Entries belong to one of two tiers, each kept in its own named
// generation:
//
//   - STATIC holds the application shell, written once at install by Warm
//     and never evicted automatically.
//   - DYNAMIC holds API responses mirrored while online. It is bounded by
//     MaxDynamic and trimmed oldest-first.
//
// # Generations
//
// A generation is a named bucket of entries ("v1-static", "v1-dynamic").
// Redeploys bump the names; Activate then deletes every stored generation
// that is not current, so stale content never outlives a version change.
//
// # Keys
//
// Entries are keyed by CanonicalKey: the request method and URL with any
// fragment removed. Lookup never touches the network.
package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/colthorp/attendsync-go/internal/api"
)

// Tier distinguishes precached shell entries from runtime API entries.
type Tier string

const (
	TierStatic  Tier = "static"
	TierDynamic Tier = "dynamic"
)

// Entry is one cached response.
type Entry struct {
	Key      string            `json:"key"`
	Payload  []byte            `json:"payload"`
	Headers  map[string]string `json:"headers,omitempty"`
	Status   int               `json:"status"`
	Tier     Tier              `json:"tier"`
	StoredAt time.Time         `json:"storedAt"`
}

// Response rebuilds the cached response.
func (e *Entry) Response() *api.Response {
	h := make(http.Header, len(e.Headers))
	for k, v := range e.Headers {
		h.Set(k, v)
	}
	return &api.Response{
		Status: e.Status,
		Header: h,
		Body:   append([]byte(nil), e.Payload...),
		Type:   api.TypeBasic,
		Cached: true,
	}
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// newEntry snapshots resp under key.
func newEntry(key string, resp *api.Response, tier Tier, now time.Time) *Entry {
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		if hopHeader(k) {
			continue
		}
		headers[k] = resp.Header.Get(k)
	}
	return &Entry{
		Key:      key,
		Payload:  append([]byte(nil), resp.Body...),
		Headers:  headers,
		Status:   resp.Status,
		Tier:     tier,
		StoredAt: now,
	}
}

func hopHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Keep-Alive", "Transfer-Encoding", "Te", "Trailer", "Upgrade",
		"Proxy-Authenticate", "Proxy-Authorization", "Set-Cookie", "Date":
		return true
	}
	return false
}

// CanonicalKey identifies a request: upper-cased method, a space, and the
// URL without its fragment.
func CanonicalKey(method, rawURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if u, err := url.Parse(rawURL); err == nil {
		u.Fragment = ""
		u.RawFragment = ""
		return method + " " + u.String()
	}
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		rawURL = rawURL[:i]
	}
	return method + " " + rawURL
}

// Backend persists entries grouped by generation.
//
// Put writes all given entries into one generation atomically: either all
// of them become visible or none do.
type Backend interface {
	// Get returns the entry or nil when absent.
	Get(generation, key string) (*Entry, error)
	Put(generation string, entries ...*Entry) error
	Delete(generation, key string) error
	// List returns every entry of a generation in key order.
	List(generation string) ([]*Entry, error)
	// Generations returns every stored generation name, sorted.
	Generations() ([]string, error)
	DeleteGeneration(generation string) error
}

// WarmError reports which asset kept install from completing.
type WarmError struct {
	Asset  string
	Status int
	Err    error
}

func (e *WarmError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("warm %s: %v", e.Asset, e.Err)
	default:
		return fmt.Sprintf("warm %s: HTTP %d", e.Asset, e.Status)
	}
}

func (e *WarmError) Unwrap() error {
	return e.Err
}
