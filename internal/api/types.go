// Package api defines how attendsync talks to the attendance origin: the
// request and response types every component passes around, the Transport
// contract, a net/http implementation and an in-memory fake for tests.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ResponseType classifies a response the way a browser would.
type ResponseType string

const (
	// TypeBasic is a same-origin response.
	TypeBasic ResponseType = "basic"
	// TypeCORS is a cross-origin response that opted in with CORS headers.
	TypeCORS ResponseType = "cors"
	// TypeOpaque is a cross-origin response with no CORS opt-in.
	TypeOpaque ResponseType = "opaque"
)

// Request is an outgoing HTTP request. URL is absolute.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewRequest builds a request with an empty header set.
func NewRequest(method, url string, body []byte) *Request {
	return &Request{
		Method: strings.ToUpper(method),
		URL:    url,
		Header: make(http.Header),
		Body:   body,
	}
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Type   ResponseType
	// Cached is set on responses served from the local cache.
	Cached bool
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Eligible reports whether the response may be stored in the dynamic cache:
// a 2xx same-origin response.
func (r *Response) Eligible() bool {
	return r.OK() && r.Type == TypeBasic
}

// Transport sends a request to the network and returns the whole response.
// A non-2xx status is a response, not an error; errors mean no response
// arrived at all.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// ErrOffline is the cause of NetworkErrors produced while the host is offline.
var ErrOffline = errors.New("network unavailable")

// NetworkError reports that a request never produced a response.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetworkError reports whether err means the origin could not be reached.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	return errors.As(err, &ne) || errors.Is(err, ErrOffline) || errors.Is(err, context.DeadlineExceeded)
}

// APIError is returned when a caller needs a successful response and the
// origin answered with something else.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsMutatingMethod reports whether method changes server state and is
// therefore eligible for deferral.
func IsMutatingMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Retryable reports whether a replay that got this status should be tried
// again later rather than treated as a permanent rejection.
func Retryable(status int) bool {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}

// SameOrigin reports whether rawURL has the scheme and host of origin.
func SameOrigin(origin, rawURL string) bool {
	o, err := url.Parse(origin)
	if err != nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(o.Scheme, u.Scheme) && strings.EqualFold(o.Host, u.Host)
}

// OriginOf returns scheme://host of rawURL, or "" when it cannot be parsed.
func OriginOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// TypeFor classifies a response to requestURL as seen from origin.
func TypeFor(origin, requestURL string, header http.Header) ResponseType {
	if SameOrigin(origin, requestURL) {
		return TypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return TypeCORS
	}
	return TypeOpaque
}
