// Package syncer replays queued mutations against the origin.
//
// The Coordinator is a two-state machine, Idle and Draining. A sync
// trigger moves it to Draining, it replays one snapshot of the queue in
// enqueue order and returns to Idle. A trigger that arrives while a drain
// is running is coalesced into it, so no record is ever replayed twice by
// concurrent drains.
//
// Each record is replayed with its own method, endpoint, body and captured
// token. One record failing never stops the others. A drain runs to the
// end of its snapshot; cancelling the caller's context does not stop it.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/colthorp/attendsync-go/internal/api"
	"github.com/colthorp/attendsync-go/internal/config"
	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/metrics"
	"github.com/colthorp/attendsync-go/internal/queue"
)

// ErrUnknownTag is returned for sync tags the coordinator does not handle.
var ErrUnknownTag = errors.New("unknown sync tag")

// State is the coordinator state.
type State int32

const (
	Idle State = iota
	Draining
)

func (s State) String() string {
	if s == Draining {
		return "DRAINING"
	}
	return "IDLE"
}

// Replay outcomes.
const (
	OutcomeSynced       = "synced"
	OutcomeRetained     = "retained"
	OutcomeDeadLettered = "dead-lettered"
)

// Outcome describes what happened to one record during a drain.
type Outcome struct {
	ID     uint64 `json:"id"`
	Result string `json:"result"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Result summarises a drain.
type Result struct {
	Coalesced    bool      `json:"coalesced"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
	Attempted    int       `json:"attempted"`
	Synced       int       `json:"synced"`
	Retained     int       `json:"retained"`
	DeadLettered int       `json:"deadLettered"`
	// RemoveFailed lists records the origin accepted but the queue could
	// not delete. They will be sent again on the next drain.
	RemoveFailed []uint64  `json:"removeFailed,omitempty"`
	Outcomes     []Outcome `json:"outcomes,omitempty"`
	Remaining    int       `json:"remaining"`
}

// Options configures a Coordinator.
type Options struct {
	Origin           string
	RequestTimeout   time.Duration
	RejectionPolicy  string
	ReplaysPerSecond float64
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	Tracer           trace.Tracer
}

// Coordinator drains the queue.
type Coordinator struct {
	store     queue.Store
	transport api.Transport

	origin  string
	timeout time.Duration
	policy  string
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	state   atomic.Int32
	last    atomic.Pointer[Result]
	pending atomic.Bool
}

// New creates a coordinator.
func New(store queue.Store, transport api.Transport, opts Options) *Coordinator {
	c := &Coordinator{
		store:     store,
		transport: transport,
		origin:    strings.TrimRight(opts.Origin, "/"),
		timeout:   opts.RequestTimeout,
		policy:    opts.RejectionPolicy,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
	if c.timeout <= 0 {
		c.timeout = core.ReplayTimeout
	}
	if c.policy == "" {
		c.policy = config.RejectDeadLetter
	}
	if opts.ReplaysPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.ReplaysPerSecond), 1)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	c.logger = c.logger.With("component", "syncer")
	if c.tracer == nil {
		c.tracer = otel.Tracer("attendsync/syncer")
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// LastResult returns the most recent completed drain, or nil.
func (c *Coordinator) LastResult() *Result {
	return c.last.Load()
}

// RequestSync records that the queue holds work no drain has seen yet.
// The connectivity monitor drains on its next successful probe.
func (c *Coordinator) RequestSync() {
	c.pending.Store(true)
}

// SyncPending reports whether RequestSync was called, or a trigger was
// coalesced, since the last drain took its snapshot.
func (c *Coordinator) SyncPending() bool {
	return c.pending.Load()
}

// Trigger handles a background sync event.
func (c *Coordinator) Trigger(ctx context.Context, tag string) (*Result, error) {
	if tag != core.SyncTag {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return c.Drain(ctx)
}

// Drain replays a snapshot of the queue. If another drain is running the
// call returns immediately with Coalesced set and a follow-up sync is
// requested, so records queued after that snapshot are not stranded.
func (c *Coordinator) Drain(ctx context.Context) (*Result, error) {
	if !c.mu.TryLock() {
		c.pending.Store(true)
		c.logger.Debug("drain already running, trigger coalesced")
		c.metrics.Drain("coalesced", 0)
		return &Result{Coalesced: true, Started: time.Now(), Finished: time.Now()}, nil
	}
	defer c.mu.Unlock()

	// Only the per-record timeout bounds a drain. A record the origin has
	// accepted must still be removed after the caller goes away.
	ctx = context.WithoutCancel(ctx)
	c.pending.Store(false)

	c.state.Store(int32(Draining))
	defer c.state.Store(int32(Idle))

	ctx, span := c.tracer.Start(ctx, "syncer.Drain")
	defer span.End()

	res := &Result{Started: time.Now()}

	records, err := c.store.ListAll(ctx)
	if err != nil {
		c.pending.Store(true)
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		c.metrics.Drain("failed", time.Since(res.Started))
		return nil, fmt.Errorf("list pending mutations: %w", err)
	}
	span.SetAttributes(attribute.Int("queue.snapshot", len(records)))
	if len(records) > 0 {
		c.logger.Info("draining queue", "records", len(records))
	}

	for _, rec := range records {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				break
			}
		}
		out := c.replay(ctx, rec)
		res.Attempted++
		switch out.Result {
		case OutcomeSynced:
			res.Synced++
		case OutcomeDeadLettered:
			res.DeadLettered++
		default:
			res.Retained++
		}
		if out.Error != "" && out.Result == OutcomeSynced {
			res.RemoveFailed = append(res.RemoveFailed, rec.ID)
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	res.Retained += len(records) - res.Attempted

	if n, err := c.store.Count(ctx); err == nil {
		res.Remaining = n
		c.metrics.SetQueueDepth(n)
	}
	res.Finished = time.Now()

	span.SetAttributes(
		attribute.Int("replay.synced", res.Synced),
		attribute.Int("replay.retained", res.Retained),
		attribute.Int("replay.dead_lettered", res.DeadLettered),
	)
	c.metrics.Drain("completed", res.Finished.Sub(res.Started))
	c.last.Store(res)

	if res.Attempted > 0 {
		c.logger.Info("drain finished",
			"synced", res.Synced,
			"retained", res.Retained,
			"dead_lettered", res.DeadLettered,
			"remaining", res.Remaining)
	}
	return res, nil
}

func (c *Coordinator) endpointURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.origin + endpoint
}

// replay sends one record and applies the outcome to the store.
func (c *Coordinator) replay(ctx context.Context, m queue.PendingMutation) Outcome {
	ctx, span := c.tracer.Start(ctx, "syncer.Replay", trace.WithAttributes(
		attribute.Int64("mutation.id", int64(m.ID)),
		attribute.String("http.method", m.Method),
		attribute.String("mutation.endpoint", m.Endpoint),
	))
	defer span.End()

	out := Outcome{ID: m.ID}
	logger := c.logger.With("id", m.ID, "method", m.Method, "endpoint", m.Endpoint)

	req := api.NewRequest(m.Method, c.endpointURL(m.Endpoint), []byte(m.Body))
	req.Header.Set("Content-Type", "application/json")
	if m.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.AuthToken)
	}
	if m.IdempotencyKey != "" {
		req.Header.Set(core.IdempotencyHdr, m.IdempotencyKey)
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	resp, err := c.transport.Send(rctx, req)
	cancel()

	switch {
	case err != nil:
		out.Result = OutcomeRetained
		out.Error = err.Error()
		span.RecordError(err)
		logger.Warn("replay failed, keeping record", "error", err)

	case resp.OK():
		out.Result = OutcomeSynced
		out.Status = resp.Status
		if err := c.store.Remove(ctx, m.ID); err != nil {
			out.Error = err.Error()
			span.RecordError(err)
			logger.Error("replayed but could not remove record; it will be sent again", "error", err)
		} else {
			logger.Info("mutation synced", "status", resp.Status)
		}

	case api.Retryable(resp.Status):
		out.Result = OutcomeRetained
		out.Status = resp.Status
		logger.Warn("origin asked to retry later", "status", resp.Status)

	default:
		out.Status = resp.Status
		out.Result = c.reject(ctx, m, resp, logger)
	}

	span.SetAttributes(attribute.String("replay.outcome", out.Result))
	if out.Status != 0 {
		span.SetAttributes(attribute.Int("http.status_code", out.Status))
	}
	if out.Result != OutcomeSynced {
		span.SetStatus(codes.Error, out.Result)
	}
	c.metrics.Replay(out.Result)
	return out
}

// reject applies the rejection policy to a permanently refused record.
func (c *Coordinator) reject(ctx context.Context, m queue.PendingMutation, resp *api.Response, logger *slog.Logger) string {
	reason := fmt.Sprintf("HTTP %d", resp.Status)
	if body := strings.TrimSpace(string(resp.Body)); body != "" {
		reason += ": " + core.Truncate(body, 200)
	}

	if c.policy == config.RejectRetain {
		logger.Warn("origin rejected mutation, keeping it per policy", "status", resp.Status)
		return OutcomeRetained
	}
	if err := c.store.DeadLetter(ctx, m.ID, reason, resp.Status); err != nil {
		logger.Error("could not dead-letter rejected mutation", "status", resp.Status, "error", err)
		return OutcomeRetained
	}
	logger.Warn("origin rejected mutation, moved to dead letters", "status", resp.Status)
	return OutcomeDeadLettered
}
