// Package observe turns a stream of DOM mutation batches into debounced
// callbacks. It knows nothing about what the callback does: the caller
// supplies a predicate over batches and the action to run once a burst of
// qualifying batches has gone quiet.
package observe

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the trailing-edge quiet period.
const DefaultWindow = 150 * time.Millisecond

// Node is an element added to the observed subtree.
type Node struct {
	Tag string `json:"tag"`
	// Watched is set by the page-side observer when the node matches, or
	// contains, one of the selectors the controller asked it to watch.
	Watched bool `json:"watched"`
}

// Batch is one MutationObserver delivery: structural changes only.
type Batch struct {
	Added   []Node `json:"added"`
	Removed int    `json:"removed"`
	URL     string `json:"url"`
}

// Source delivers mutation batches for a subtree. Subscribe returns a
// function that detaches the listener.
type Source interface {
	Subscribe(fn func(Batch)) (cancel func())
}

// Predicate decides whether a batch warrants the callback.
type Predicate func(Batch) bool

// Options configures Watch.
type Options struct {
	Window    time.Duration
	Predicate Predicate // nil accepts every batch
	Callback  func()
	Logger    *slog.Logger
}

// Subscription is the handle returned by Watch.
type Subscription struct {
	pred   Predicate
	deb    *Debouncer
	logger *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
	cancelled   bool
}

// Watch attaches to src. Every batch satisfying the predicate restarts the
// debounce window; Callback fires once per quiet period.
func Watch(src Source, opts Options) *Subscription {
	s := newSubscription(opts)
	unsub := src.Subscribe(s.Deliver)

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		unsub()
		return s
	}
	s.unsubscribe = unsub
	s.mu.Unlock()
	return s
}

func newSubscription(opts Options) *Subscription {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cb := opts.Callback
	if cb == nil {
		cb = func() {}
	}
	return &Subscription{
		pred:   opts.Predicate,
		deb:    NewDebouncer(opts.Window, cb),
		logger: opts.Logger,
	}
}

// Deliver feeds one batch. Safe to call from any goroutine; never runs the
// callback synchronously.
func (s *Subscription) Deliver(b Batch) {
	if s.pred != nil && !s.pred(b) {
		return
	}
	s.deb.Trigger()
}

// Pending reports whether a callback is scheduled.
func (s *Subscription) Pending() bool { return s.deb.Pending() }

// Flush runs a pending callback immediately.
func (s *Subscription) Flush() bool { return s.deb.Flush() }

// Reset drops a pending callback but keeps watching.
func (s *Subscription) Reset() { s.deb.Cancel() }

// Cancel detaches from the source and drops any pending callback. After
// Cancel returns no callback starts.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.deb.Stop()
	s.logger.Debug("observe: subscription cancelled")
}

// AnyWatched is a Predicate accepting batches that added a watched node or
// a node whose tag is in tags (case-insensitive).
func AnyWatched(tags ...string) Predicate {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[strings.ToLower(t)] = true
	}
	return func(b Batch) bool {
		for _, n := range b.Added {
			if n.Watched || set[strings.ToLower(n.Tag)] {
				return true
			}
		}
		return false
	}
}
