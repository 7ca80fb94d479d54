package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestInMemoryTransportRoutes(t *testing.T) {
	transport := NewInMemoryTransport()
	transport.Seed("GET", "http://origin.test/", TextResponse(200, "<html>"))

	resp, err := transport.Send(context.Background(), NewRequest("get", "http://origin.test/", nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != "<html>" {
		t.Errorf("Unexpected response: %d %q", resp.Status, resp.Body)
	}

	resp, err = transport.Send(context.Background(), NewRequest("GET", "http://origin.test/missing", nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.Status != 404 {
		t.Errorf("Expected 404 for unknown route, got %d", resp.Status)
	}

	if transport.RequestsMade() != 2 {
		t.Errorf("Expected 2 requests logged, got %d", transport.RequestsMade())
	}
}

func TestInMemoryTransportOffline(t *testing.T) {
	transport := NewInMemoryTransport()
	transport.Seed("GET", "http://origin.test/", TextResponse(200, "ok"))
	transport.SetOffline(true)

	_, err := transport.Send(context.Background(), NewRequest("GET", "http://origin.test/", nil))
	if !IsNetworkError(err) {
		t.Fatalf("Expected network error, got %v", err)
	}
	if !errors.Is(err, ErrOffline) {
		t.Errorf("Expected ErrOffline cause, got %v", err)
	}

	transport.SetOffline(false)
	if _, err := transport.Send(context.Background(), NewRequest("GET", "http://origin.test/", nil)); err != nil {
		t.Errorf("Expected success once back online, got %v", err)
	}
}

func TestInMemoryTransportHoldRespectsContext(t *testing.T) {
	transport := NewInMemoryTransport()
	transport.Hold()
	defer transport.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := transport.Send(ctx, NewRequest("GET", "http://origin.test/", nil))
	if !IsNetworkError(err) {
		t.Errorf("Expected held request to fail with a network error, got %v", err)
	}
}

func TestResponseEligible(t *testing.T) {
	tests := []struct {
		resp *Response
		want bool
	}{
		{&Response{Status: 200, Type: TypeBasic}, true},
		{&Response{Status: 204, Type: TypeBasic}, true},
		{&Response{Status: 200, Type: TypeOpaque}, false},
		{&Response{Status: 200, Type: TypeCORS}, false},
		{&Response{Status: 500, Type: TypeBasic}, false},
		{nil, false},
	}
	for i, tt := range tests {
		if got := tt.resp.Eligible(); got != tt.want {
			t.Errorf("case %d: Eligible() = %v, want %v", i, got, tt.want)
		}
	}
}

func TestRetryableAndMutating(t *testing.T) {
	for _, status := range []int{408, 425, 429, 500, 503} {
		if !Retryable(status) {
			t.Errorf("Expected %d to be retryable", status)
		}
	}
	for _, status := range []int{400, 401, 403, 404, 409, 422} {
		if Retryable(status) {
			t.Errorf("Expected %d to be permanent", status)
		}
	}
	for _, m := range []string{"POST", "put", "PATCH", "DELETE"} {
		if !IsMutatingMethod(m) {
			t.Errorf("Expected %s to be mutating", m)
		}
	}
	if IsMutatingMethod("GET") || IsMutatingMethod("HEAD") {
		t.Error("GET and HEAD must not be mutating")
	}
}

func TestHTTPTransportSendsHeadersAndBody(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(201)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(HTTPOptions{Timeout: time.Second})
	req := NewRequest("POST", srv.URL+"/api/attendance", []byte(`{"student":1}`))
	req.Header.Set("Authorization", "Bearer abc")

	resp, err := transport.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.Status != 201 || string(resp.Body) != `{"ok":true}` {
		t.Errorf("Unexpected response: %d %s", resp.Status, resp.Body)
	}
	if gotAuth != "Bearer abc" || gotBody != `{"student":1}` {
		t.Errorf("Origin saw auth=%q body=%q", gotAuth, gotBody)
	}
}

func TestHTTPTransportRetriesReadsOnly(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(503)
			return
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(HTTPOptions{Retries: 2, Backoff: time.Millisecond})

	resp, err := transport.Send(context.Background(), NewRequest("GET", srv.URL, nil))
	if err != nil || resp.Status != 200 {
		t.Fatalf("Expected GET to succeed after retry, got %v %v", resp, err)
	}

	atomic.StoreInt32(&calls, 0)
	resp, err = transport.Send(context.Background(), NewRequest("POST", srv.URL, []byte(`{}`)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.Status != 503 || atomic.LoadInt32(&calls) != 1 {
		t.Errorf("POST must not be retried: status %d after %d calls", resp.Status, calls)
	}
}

func TestHTTPTransportUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	transport := NewHTTPTransport(HTTPOptions{Timeout: time.Second})
	_, err := transport.Send(context.Background(), NewRequest("GET", url, nil))
	if !IsNetworkError(err) {
		t.Errorf("Expected network error for closed server, got %v", err)
	}
}

func TestTypeFor(t *testing.T) {
	origin := "https://school.example.edu"
	cors := make(http.Header)
	cors.Set("Access-Control-Allow-Origin", "*")

	if got := TypeFor(origin, "https://school.example.edu/api/roster", nil); got != TypeBasic {
		t.Errorf("same origin = %s, want basic", got)
	}
	if got := TypeFor(origin, "https://fonts.example.com/a.woff", cors); got != TypeCORS {
		t.Errorf("cors = %s, want cors", got)
	}
	if got := TypeFor(origin, "https://cdn.example.com/x.js", http.Header{}); got != TypeOpaque {
		t.Errorf("no cors = %s, want opaque", got)
	}
	if OriginOf("HTTPS://Fonts.Example.com/a?b") != "https://fonts.example.com" {
		t.Errorf("OriginOf did not normalise, got %s", OriginOf("HTTPS://Fonts.Example.com/a?b"))
	}
}
