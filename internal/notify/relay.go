// Package notify turns push payloads into notifications on connected UI
// clients and routes notification clicks back to a client window.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/metrics"
)

// Payload is the push message body.
type Payload struct {
	Title string `json:"title" validate:"required"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Message is what clients receive over their connection.
type Message struct {
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Message types.
const (
	TypeNotification = "notification"
	TypeFocus        = "focus"
	TypeNavigate     = "navigate"
)

// Action is what Click did.
type Action string

const (
	ActionFocused Action = "focused"
	ActionOpened  Action = "opened"
)

// ErrInvalidPayload wraps push payload decode and validation failures.
var ErrInvalidPayload = errors.New("invalid push payload")

var validate = validator.New()

// DecodePayload parses and validates a push body. A missing URL becomes "/".
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	p.Title = strings.TrimSpace(p.Title)
	if err := validate.Struct(p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(p.URL) == "" {
		p.URL = core.DefaultOpenPage
	}
	return p, nil
}

// Relay delivers notifications and handles clicks.
type Relay struct {
	registry *Registry
	opener   Opener
	base     string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	// Base resolves relative click URLs before they are opened.
	Base    string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// NewRelay creates a relay. A nil opener disables opening new windows.
func NewRelay(registry *Registry, opener Opener, opts RelayOptions) *Relay {
	r := &Relay{
		registry: registry,
		opener:   opener,
		base:     strings.TrimRight(opts.Base, "/"),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if r.registry == nil {
		r.registry = NewRegistry()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	r.logger = r.logger.With("component", "notify")
	return r
}

// Registry returns the client registry.
func (r *Relay) Registry() *Registry { return r.registry }

// Push shows the notification on every connected client and returns how
// many received it. Having no clients is not an error.
func (r *Relay) Push(ctx context.Context, raw []byte) (int, error) {
	p, err := DecodePayload(raw)
	if err != nil {
		return 0, err
	}

	msg := Message{Type: TypeNotification, Title: p.Title, Body: p.Body, URL: p.URL}
	delivered := 0
	for _, c := range r.registry.List() {
		if err := c.Send(ctx, msg); err != nil {
			r.logger.Warn("notification delivery failed", "client", c.ID(), "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		r.logger.Info("notification not shown, no clients connected", "title", p.Title)
	}
	r.metrics.PushDelivered(delivered)
	return delivered, nil
}

// Click focuses a client already showing target or opens a new window.
func (r *Relay) Click(ctx context.Context, target string) (Action, error) {
	if strings.TrimSpace(target) == "" {
		target = core.DefaultOpenPage
	}
	want := pageKey(target)

	for _, c := range r.registry.List() {
		if pageKey(c.URL()) != want {
			continue
		}
		if err := c.Send(ctx, Message{Type: TypeFocus, URL: c.URL()}); err != nil {
			r.logger.Warn("focus failed, trying next client", "client", c.ID(), "error", err)
			continue
		}
		r.logger.Debug("focused existing client", "client", c.ID(), "url", target)
		return ActionFocused, nil
	}

	if r.opener == nil {
		return "", fmt.Errorf("no client shows %s and no opener is configured", target)
	}
	abs := r.resolve(target)
	if err := r.opener.Open(ctx, abs); err != nil {
		return "", fmt.Errorf("open %s: %w", abs, err)
	}
	r.logger.Info("opened new client window", "url", abs)
	return ActionOpened, nil
}

func (r *Relay) resolve(target string) string {
	if strings.HasPrefix(target, "/") && r.base != "" {
		return r.base + target
	}
	return target
}

// pageKey reduces a URL to path and query so absolute and relative forms
// of the same page compare equal.
func pageKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Fragment = ""
	key := u.EscapedPath()
	if key == "" {
		key = "/"
	}
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}
