// Package tabhost keeps the registry of live browser tabs and delivers
// messages to the receivers their pages installed. A tab can exist without a
// receiver (a page that is not a platform page, or one still loading);
// delivery to it fails with ErrNoReceiver, which senders treat as normal.
package tabhost

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hazyhaar/quietfeed/message"
)

var (
	// ErrNoReceiver means the tab exists but nothing listens in it.
	ErrNoReceiver = errors.New("tabhost: no receiver in tab")
	// ErrTabGone means the tab id does not resolve any more.
	ErrTabGone = errors.New("tabhost: tab gone")
	// ErrNoOpener means the host cannot open or focus tabs.
	ErrNoOpener = errors.New("tabhost: no opener configured")
)

// TabInfo identifies a tab and what it shows.
type TabInfo struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Receiver handles a message delivered to a tab.
type Receiver func(ctx context.Context, req message.Request) error

// Opener performs browser-side tab operations.
type Opener interface {
	Open(ctx context.Context, url string) (string, error)
	Activate(ctx context.Context, id string) error
}

type tab struct {
	info TabInfo
	recv Receiver
}

// Host is the tab registry. Safe for concurrent use.
type Host struct {
	logger *slog.Logger
	opener Opener

	mu      sync.RWMutex
	tabs    map[string]*tab
	order   []string
	onClose map[int]func(id string)
	nextSub int
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(h *Host) { h.logger = l } }

// WithOpener sets the browser-side opener used by Open and Activate.
func WithOpener(o Opener) Option { return func(h *Host) { h.opener = o } }

// New creates an empty Host.
func New(opts ...Option) *Host {
	h := &Host{
		logger:  slog.Default(),
		tabs:    make(map[string]*tab),
		onClose: make(map[int]func(string)),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetOpener installs the opener after construction.
func (h *Host) SetOpener(o Opener) {
	h.mu.Lock()
	h.opener = o
	h.mu.Unlock()
}

// Register adds a tab or updates its URL.
func (h *Host) Register(info TabInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tabs[info.ID]; ok {
		t.info.URL = info.URL
		return
	}
	h.tabs[info.ID] = &tab{info: info}
	h.order = append(h.order, info.ID)
}

// Update records a new URL for a known tab.
func (h *Host) Update(id, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[id]
	if !ok {
		return ErrTabGone
	}
	t.info.URL = url
	return nil
}

// Attach installs the receiver of a tab, replacing any previous one.
func (h *Host) Attach(id string, r Receiver) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[id]
	if !ok {
		return ErrTabGone
	}
	t.recv = r
	return nil
}

// Detach removes the receiver of a tab; the tab stays registered.
func (h *Host) Detach(id string) {
	h.mu.Lock()
	if t, ok := h.tabs[id]; ok {
		t.recv = nil
	}
	h.mu.Unlock()
}

// Remove forgets a tab and notifies close listeners.
func (h *Host) Remove(id string) {
	h.mu.Lock()
	if _, ok := h.tabs[id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.tabs, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	fns := make([]func(string), 0, len(h.onClose))
	for _, fn := range h.onClose {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(id)
	}
}

// OnClose registers fn for every removed tab. The returned func unregisters.
func (h *Host) OnClose(fn func(id string)) (cancel func()) {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.onClose[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.onClose, id)
		h.mu.Unlock()
	}
}

// Get returns the tab with id.
func (h *Host) Get(id string) (TabInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tabs[id]
	if !ok {
		return TabInfo{}, false
	}
	return t.info, true
}

// Tabs returns every registered tab in registration order.
func (h *Host) Tabs() []TabInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]TabInfo, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.tabs[id].info)
	}
	return out
}

// Send delivers req to the receiver of tab id.
func (h *Host) Send(ctx context.Context, id string, req message.Request) error {
	h.mu.RLock()
	t, ok := h.tabs[id]
	var recv Receiver
	if ok {
		recv = t.recv
	}
	h.mu.RUnlock()

	if !ok {
		return ErrTabGone
	}
	if recv == nil {
		return ErrNoReceiver
	}
	return recv(ctx, req)
}

// Open opens a new tab on url and registers it.
func (h *Host) Open(ctx context.Context, url string) (TabInfo, error) {
	h.mu.RLock()
	o := h.opener
	h.mu.RUnlock()
	if o == nil {
		return TabInfo{}, ErrNoOpener
	}
	id, err := o.Open(ctx, url)
	if err != nil {
		return TabInfo{}, err
	}
	info := TabInfo{ID: id, URL: url}
	h.Register(info)
	h.logger.Debug("tabhost: opened", "tab", id, "url", url)
	return info, nil
}

// Activate brings tab id to the front.
func (h *Host) Activate(ctx context.Context, id string) error {
	h.mu.RLock()
	o := h.opener
	_, ok := h.tabs[id]
	h.mu.RUnlock()
	if !ok {
		return ErrTabGone
	}
	if o == nil {
		return ErrNoOpener
	}
	return o.Activate(ctx, id)
}
