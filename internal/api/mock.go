package api

import (
	"context"
	"net/http"
	"sync"
)

// HandlerFunc answers a request sent to an InMemoryTransport.
type HandlerFunc func(req *Request) (*Response, error)

// InMemoryTransport is a fake origin for unit tests. Routes are keyed by
// method and absolute URL; unknown routes answer 404.
type InMemoryTransport struct {
	mu         sync.Mutex
	routes     map[string]HandlerFunc
	offline    bool
	hold       chan struct{}
	requestLog []RequestLogEntry
}

// RequestLogEntry records a request made to the transport.
type RequestLogEntry struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewInMemoryTransport creates an empty fake origin.
func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{routes: make(map[string]HandlerFunc)}
}

// Seed registers a fixed response for method and url.
func (t *InMemoryTransport) Seed(method, url string, resp *Response) {
	t.Handle(method, url, func(*Request) (*Response, error) {
		return cloneResponse(resp), nil
	})
}

// Handle registers fn for method and url, replacing any previous route.
func (t *InMemoryTransport) Handle(method, url string, fn HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[method+" "+url] = fn
}

// SetOffline makes every subsequent request fail with ErrOffline.
func (t *InMemoryTransport) SetOffline(offline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offline = offline
}

// Hold makes requests block until Release is called or their context ends.
func (t *InMemoryTransport) Hold() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hold == nil {
		t.hold = make(chan struct{})
	}
}

// Release unblocks requests parked by Hold.
func (t *InMemoryTransport) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hold != nil {
		close(t.hold)
		t.hold = nil
	}
}

// Requests returns a copy of the request log.
func (t *InMemoryTransport) Requests() []RequestLogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RequestLogEntry(nil), t.requestLog...)
}

// RequestsMade returns the number of requests made to this transport.
func (t *InMemoryTransport) RequestsMade() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requestLog)
}

// Reset clears routes, the request log and the offline flag.
func (t *InMemoryTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = make(map[string]HandlerFunc)
	t.requestLog = nil
	t.offline = false
}

// Send implements Transport.
func (t *InMemoryTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	t.requestLog = append(t.requestLog, RequestLogEntry{
		Method: req.Method,
		URL:    req.URL,
		Header: req.Header.Clone(),
		Body:   append([]byte(nil), req.Body...),
	})
	offline := t.offline
	hold := t.hold
	fn := t.routes[req.Method+" "+req.URL]
	t.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, &NetworkError{Method: req.Method, URL: req.URL, Err: ctx.Err()}
		}
	}
	if offline {
		return nil, &NetworkError{Method: req.Method, URL: req.URL, Err: ErrOffline}
	}
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL, Err: err}
	}
	if fn == nil {
		return TextResponse(http.StatusNotFound, "not found"), nil
	}
	return fn(req.Clone())
}

// TextResponse builds a plain-text response.
func TextResponse(status int, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{Status: status, Header: h, Body: []byte(body)}
}

// JSONResponse builds a JSON response from an already encoded body.
func JSONResponse(status int, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: h, Body: []byte(body)}
}

func cloneResponse(r *Response) *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	c.Body = append([]byte(nil), r.Body...)
	return &c
}
