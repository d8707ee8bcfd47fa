package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/quietfeed/navblock"
	"github.com/hazyhaar/quietfeed/platform"
	"github.com/hazyhaar/quietfeed/suppress"
	"github.com/hazyhaar/quietfeed/tabhost"
)

// EnforcerConfig wires an Enforcer.
type EnforcerConfig struct {
	Manager  *Manager
	Catalog  *platform.Catalog
	Tabs     *tabhost.Host
	Settings suppress.SettingsSource
	Blocker  *navblock.Blocker
	Window   time.Duration
	// OnLoad runs after a tab finished loading a document.
	OnLoad func(ctx context.Context, url string)
	Logger *slog.Logger
}

// Enforcer attaches a Session to every page tab of the browser. It is the
// tabhost.Opener of the daemon.
type Enforcer struct {
	cfg    EnforcerConfig
	logger *slog.Logger
	script string

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[string]*Session
	reopen   []string
}

// NewEnforcer creates an Enforcer. Call Start once the Manager is started.
func NewEnforcer(cfg EnforcerConfig) *Enforcer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = platform.Default()
	}
	return &Enforcer{
		cfg:      cfg,
		logger:   cfg.Logger,
		script:   observerScript(cfg.Catalog),
		sessions: make(map[string]*Session),
	}
}

// observerScript prefixes the injected observer with the selectors whose
// insertion marks a mutation batch as watched.
func observerScript(cat *platform.Catalog) string {
	var sels []string
	for _, spec := range cat.Platforms {
		sels = append(sels, suppress.Selectors(spec)...)
	}
	data, _ := json.Marshal(sels)
	return "window.__quietfeed_watch = " + string(data) + ";\n" + injectJS
}

// Start attaches to every open page and follows targets as they come and go.
func (e *Enforcer) Start(ctx context.Context) error {
	b := e.cfg.Manager.Browser()
	if b == nil {
		return fmt.Errorf("browser: enforcer started before browser")
	}

	e.mu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	ectx := e.ctx
	e.mu.Unlock()

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return fmt.Errorf("browser: discover targets: %w", err)
	}

	go b.Context(ectx).EachEvent(
		func(ev *proto.TargetTargetCreated) {
			if ev.TargetInfo == nil || string(ev.TargetInfo.Type) != "page" {
				return
			}
			go e.attachTarget(ev.TargetInfo.TargetID)
		},
		func(ev *proto.TargetTargetDestroyed) {
			e.Detach(string(ev.TargetID))
		},
	)()

	pages, err := b.Pages()
	if err != nil {
		return fmt.Errorf("browser: list pages: %w", err)
	}
	for _, p := range pages {
		if _, err := e.attach(p); err != nil {
			e.logger.Warn("browser: attach existing page", "tab", p.TargetID, "error", err)
		}
	}
	e.logger.Info("browser: enforcer started", "tabs", len(pages))
	return nil
}

func (e *Enforcer) attachTarget(id proto.TargetTargetID) {
	b := e.cfg.Manager.Browser()
	if b == nil {
		return
	}
	p, err := b.PageFromTarget(id)
	if err != nil {
		e.logger.Debug("browser: page from target", "tab", id, "error", err)
		return
	}
	if _, err := e.attach(p); err != nil {
		e.logger.Warn("browser: attach page", "tab", id, "error", err)
	}
}

// attach creates the session of page unless one exists.
func (e *Enforcer) attach(page *rod.Page) (*Session, error) {
	e.mu.Lock()
	if e.ctx == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("browser: enforcer not started")
	}
	id := string(page.TargetID)
	if s, ok := e.sessions[id]; ok {
		e.mu.Unlock()
		return s, nil
	}
	s := newSession(e.ctx, e, page)
	e.sessions[id] = s
	e.mu.Unlock()

	if err := s.setup(); err != nil {
		e.Detach(id)
		return nil, err
	}
	return s, nil
}

// Open implements tabhost.Opener: a new tab on url, session attached before
// the first navigation.
func (e *Enforcer) Open(ctx context.Context, url string) (string, error) {
	b := e.cfg.Manager.Browser()
	if b == nil {
		return "", fmt.Errorf("browser: no active browser")
	}

	var page *rod.Page
	var err error
	if e.cfg.Manager.Stealth() {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return "", fmt.Errorf("browser: create tab: %w", err)
	}
	s, err := e.attach(page)
	if err != nil {
		page.Close()
		return "", err
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(url); err != nil {
		return s.ID(), fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	return s.ID(), nil
}

// Activate implements tabhost.Opener.
func (e *Enforcer) Activate(ctx context.Context, id string) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok {
		return tabhost.ErrTabGone
	}
	if _, err := s.page.Context(ctx).Activate(); err != nil {
		return fmt.Errorf("browser: activate %s: %w", id, err)
	}
	return nil
}

// Detach drops the session of tab id and forgets the tab.
func (e *Enforcer) Detach(id string) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	delete(e.sessions, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	e.cfg.Tabs.Remove(id)
	e.logger.Debug("browser: tab detached", "tab", id)
}

// Sessions returns the number of attached tabs.
func (e *Enforcer) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Close detaches every session.
func (e *Enforcer) Close() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	cancel := e.cancel
	e.mu.Unlock()

	for _, id := range ids {
		e.Detach(id)
	}
	if cancel != nil {
		cancel()
	}
}

// RecycleCallback returns hooks that carry the open tabs across a Chrome
// restart.
func (e *Enforcer) RecycleCallback(ctx context.Context) *RecycleCallback {
	return &RecycleCallback{
		BeforeRecycle: func() {
			e.mu.Lock()
			e.reopen = e.reopen[:0]
			for _, s := range e.sessions {
				if u := s.URL(); u != "" && u != "about:blank" {
					e.reopen = append(e.reopen, u)
				}
			}
			e.mu.Unlock()
			e.Close()
		},
		// Runs under the manager's lock: the work happens once it is released.
		AfterRecycle: func(*rod.Browser) {
			go func() {
				if err := e.Start(ctx); err != nil {
					e.logger.Error("browser: restart enforcer", "error", err)
					return
				}
				e.mu.Lock()
				urls := append([]string(nil), e.reopen...)
				e.mu.Unlock()
				for _, u := range urls {
					if _, err := e.Open(ctx, u); err != nil {
						e.logger.Warn("browser: reopen tab", "url", u, "error", err)
					}
				}
			}()
		},
	}
}

func tabInfo(id, url string) tabhost.TabInfo { return tabhost.TabInfo{ID: id, URL: url} }
