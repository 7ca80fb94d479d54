package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// HTTPTransport sends requests with net/http.
//
// Redirects are not followed; the caller sees the 3xx response. GET and
// HEAD requests are retried on connection errors, 5xx and 429 when Retries
// is positive. Other methods are never retried here.
type HTTPTransport struct {
	httpClient *http.Client
	retries    int
	backoff    time.Duration
	logger     *slog.Logger
}

// HTTPOptions configures an HTTPTransport.
type HTTPOptions struct {
	// Timeout bounds a single attempt. Zero means no client-level timeout;
	// callers then rely on the context.
	Timeout time.Duration
	// Retries is the number of extra attempts for idempotent reads.
	Retries int
	// Backoff is the first retry delay, doubled per attempt.
	Backoff time.Duration
	Logger  *slog.Logger
}

// NewHTTPTransport creates a transport.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	return &HTTPTransport{
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		retries: opts.Retries,
		backoff: backoff,
		logger:  logger.With("component", "transport"),
	}
}

// Send performs req and reads the whole body.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	attempts := 1
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		attempts += t.retries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := t.do(ctx, req)
		if err == nil && !(resp.Status >= 500 || resp.Status == http.StatusTooManyRequests) {
			return resp, nil
		}
		if attempt == attempts {
			return resp, err
		}

		wait := t.backoff << (attempt - 1)
		if err != nil {
			lastErr = err
			t.logger.Debug("attempt failed, retrying", "url", req.URL, "attempt", attempt, "error", err, "wait", wait)
		} else {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil {
					wait = time.Duration(secs) * time.Second
				}
			}
			t.logger.Debug("attempt failed, retrying", "url", req.URL, "attempt", attempt, "status", resp.Status, "wait", wait)
		}

		select {
		case <-ctx.Done():
			return nil, &NetworkError{Method: req.Method, URL: req.URL, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func (t *HTTPTransport) do(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}

	hresp, err := t.httpClient.Do(hreq)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL, Err: err}
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL, Err: fmt.Errorf("read body: %w", err)}
	}

	t.logger.Debug("response", "method", req.Method, "url", req.URL, "status", hresp.StatusCode, "bytes", len(data))
	return &Response{
		Status: hresp.StatusCode,
		Header: hresp.Header.Clone(),
		Body:   data,
	}, nil
}
