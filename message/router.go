// Package message routes the request/response protocol spoken between the
// dashboard, the settings authority and the tabs. A request is a JSON object
// whose "action" field selects the handler; the whole object is handed to it.
//
//	r := message.New()
//	r.RegisterLocal(message.ActionGetAuthToken, h)
//	resp, err := r.Dispatch(ctx, []byte(`{"action":"getAuthToken"}`))
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Handler is a transport-agnostic action function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

var (
	// ErrUnknownAction is wrapped by ErrActionNotFound.
	ErrUnknownAction = errors.New("message: unknown action")
	// ErrBadEnvelope is returned by Dispatch for requests it cannot route.
	ErrBadEnvelope = errors.New("message: bad envelope")
)

// ErrActionNotFound is returned when no handler is registered for an action.
type ErrActionNotFound struct {
	Action string
}

func (e *ErrActionNotFound) Error() string {
	return fmt.Sprintf("message: no handler for action %q", e.Action)
}

func (e *ErrActionNotFound) Unwrap() error { return ErrUnknownAction }

// Router dispatches requests to registered handlers. Safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers the handler for an action, replacing any previous one.
func (r *Router) RegisterLocal(action string, h Handler) {
	r.mu.Lock()
	r.handlers[action] = h
	r.mu.Unlock()
}

// Actions lists the registered actions, sorted.
func (r *Router) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Call invokes the handler for action with payload.
func (r *Router) Call(ctx context.Context, action string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	h := r.handlers[action]
	r.mu.RUnlock()

	if h == nil {
		return nil, &ErrActionNotFound{Action: action}
	}
	r.logger.DebugContext(ctx, "message: dispatch", "action", action)
	return h(ctx, payload)
}

// Dispatch reads the action field of envelope and calls its handler with
// the full envelope.
func (r *Router) Dispatch(ctx context.Context, envelope []byte) ([]byte, error) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(envelope, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if head.Action == "" {
		return nil, fmt.Errorf("%w: no action", ErrBadEnvelope)
	}
	return r.Call(ctx, head.Action, envelope)
}

// Typed adapts a function over decoded request and response values to a
// Handler. A nil response value (for fire-and-forget actions) encodes as
// an empty payload.
func Typed[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("message: decode request: %w", err)
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		if any(resp) == nil {
			return nil, nil
		}
		return json.Marshal(resp)
	}
}
