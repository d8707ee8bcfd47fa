package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/quietfeed/message"
	"github.com/hazyhaar/quietfeed/navblock"
	"github.com/hazyhaar/quietfeed/observe"
	"github.com/hazyhaar/quietfeed/suppress"
)

//go:embed inject.js
var injectJS string

const bindingName = "__quietfeed_binding"

// pageEvent is what the injected script posts through the binding.
type pageEvent struct {
	Type  string        `json:"type"`
	URL   string        `json:"url"`
	Batch observe.Batch `json:"batch"`
}

// Session is quietfeed's presence in one page tab: the injected observer,
// the tab's mutation feed and one suppression controller per platform the
// current URL belongs to.
type Session struct {
	id     string
	page   *rod.Page
	doc    *Document
	feed   *observe.Feed
	e      *Enforcer
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	url string

	controllers controllerSet
}

func newSession(ctx context.Context, e *Enforcer, page *rod.Page) *Session {
	id := string(page.TargetID)
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:     id,
		page:   page,
		doc:    NewDocument(page),
		feed:   &observe.Feed{},
		e:      e,
		logger: e.logger.With("tab", id),
		ctx:    sctx,
		cancel: cancel,
	}
}

// ID returns the tab id (the DevTools target id).
func (s *Session) ID() string { return s.id }

// URL returns the last URL the session saw.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// setup installs the binding and the observer script, starts the event
// loop and the controllers for the current document.
func (s *Session) setup() error {
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(s.page); err != nil {
		return fmt.Errorf("browser: add binding: %w", err)
	}
	if _, err := s.page.EvalOnNewDocument(s.e.script); err != nil {
		return fmt.Errorf("browser: install observer: %w", err)
	}

	go s.page.Context(s.ctx).EachEvent(
		s.onBinding,
		s.onDOMContent,
		s.onRequestedNavigation,
		s.onNavigatedWithinDocument,
	)()

	// Documents loaded before we attached never ran the new-document script.
	if _, err := s.page.Context(s.ctx).Eval("() => {\n" + s.e.script + "\n}"); err != nil {
		s.logger.Debug("browser: inject into current document", "error", err)
	}

	u, err := s.doc.URL(s.ctx)
	if err != nil {
		info, ierr := s.page.Info()
		if ierr != nil {
			return fmt.Errorf("browser: page url: %w", err)
		}
		u = info.URL
	}
	s.e.cfg.Tabs.Register(tabInfo(s.id, u))
	if err := s.e.cfg.Tabs.Attach(s.id, s.receive); err != nil {
		return err
	}
	s.restart(u)
	return nil
}

// receive handles messages the authority sends to this tab.
func (s *Session) receive(ctx context.Context, req message.Request) error {
	if req.Action != message.ActionSettingsUpdated {
		return nil
	}
	for _, c := range s.controllers.list() {
		if err := c.SettingsPushed(ctx, req.Settings); err != nil {
			s.logger.Debug("browser: settings push", "error", err)
		}
	}
	return nil
}

func (s *Session) onBinding(e *proto.RuntimeBindingCalled) {
	if e.Name != bindingName {
		return
	}
	var ev pageEvent
	if err := json.Unmarshal([]byte(e.Payload), &ev); err != nil {
		s.logger.Warn("browser: parse binding payload", "error", err)
		return
	}

	switch ev.Type {
	case "mutations":
		s.feed.Publish(ev.Batch)
	case "history":
		s.historyChanged(ev.URL)
	case "visible":
		go s.each(func(c *suppress.Controller) error { return c.Visible(s.ctx) })
	case "focus":
		go s.each(func(c *suppress.Controller) error { return c.Focused(s.ctx) })
	case "unload":
		gen := s.controllers.generation()
		go s.controllers.stopIf(gen, s.logger)
	case "pageshow":
		// Restored from the back/forward cache: no DOMContentLoaded follows.
		go s.restart(ev.URL)
	}
}

func (s *Session) onDOMContent(*proto.PageDomContentEventFired) {
	go func() {
		u, err := s.doc.URL(s.ctx)
		if err != nil {
			s.logger.Debug("browser: url after load", "error", err)
			return
		}
		s.restart(u)
		if s.e.cfg.OnLoad != nil {
			s.e.cfg.OnLoad(s.ctx, u)
		}
	}()
}

func (s *Session) onRequestedNavigation(e *proto.PageFrameRequestedNavigation) {
	if e.FrameID != s.page.FrameID || string(e.Disposition) != "currentTab" {
		return
	}
	if s.e.cfg.Blocker == nil {
		return
	}
	d := s.e.cfg.Blocker.BeforeNavigate(s.ctx, navblock.Navigation{TabID: s.id, URL: e.URL, TopLevel: true})
	if d.Action != navblock.Redirect {
		return
	}
	if d.Duplicate {
		s.logger.Debug("browser: repeated blocked navigation", "url", e.URL)
	}
	go func() {
		if err := s.doc.Navigate(s.ctx, d.Target); err != nil {
			s.logger.Warn("browser: redirect", "target", d.Target, "error", err)
		}
	}()
}

func (s *Session) onNavigatedWithinDocument(e *proto.PageNavigatedWithinDocument) {
	if e.FrameID != s.page.FrameID {
		return
	}
	s.historyChanged(e.URL)
}

func (s *Session) historyChanged(u string) {
	if u == "" {
		return
	}
	s.mu.Lock()
	s.url = u
	s.mu.Unlock()

	s.e.cfg.Tabs.Update(s.id, u)
	for _, c := range s.controllers.list() {
		c.HistoryChanged(u)
	}
}

// restart replaces the controllers with fresh ones for the platforms u
// belongs to.
func (s *Session) restart(u string) {
	if u == "" {
		return
	}
	specs := s.e.cfg.Catalog.ForURL(u)
	var guard suppress.Guard
	if s.e.cfg.Blocker != nil {
		guard = s.e.cfg.Blocker
	}

	n := s.controllers.replace(s.logger, func() []*suppress.Controller {
		cs := make([]*suppress.Controller, 0, len(specs))
		for _, spec := range specs {
			c := suppress.New(suppress.Config{
				TabID:     s.id,
				Platform:  spec,
				Document:  s.doc,
				Settings:  s.e.cfg.Settings,
				Mutations: s.feed,
				Guard:     guard,
				Window:    s.e.cfg.Window,
				Logger:    s.e.logger,
			})
			if err := c.Start(s.ctx); err != nil {
				s.logger.Warn("browser: start controller", "platform", spec.ID, "error", err)
				continue
			}
			cs = append(cs, c)
		}
		return cs
	})

	s.mu.Lock()
	s.url = u
	s.mu.Unlock()
	s.e.cfg.Tabs.Update(s.id, u)

	if n > 0 {
		s.logger.Debug("browser: controllers started", "url", u, "platforms", n)
	}
}

func (s *Session) each(fn func(*suppress.Controller) error) {
	for _, c := range s.controllers.list() {
		if err := fn(c); err != nil {
			s.logger.Debug("browser: controller event", "error", err)
		}
	}
}

// controllerSet holds the controllers of one document. Replacements and
// teardowns run one at a time; each replacement starts a new generation so
// a teardown requested for an older document leaves newer controllers alone.
type controllerSet struct {
	run sync.Mutex // held across a whole replace or stop

	mu  sync.Mutex
	gen uint64
	cs  []*suppress.Controller
}

func (cs *controllerSet) generation() uint64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.gen
}

func (cs *controllerSet) list() []*suppress.Controller {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]*suppress.Controller(nil), cs.cs...)
}

// replace closes the current controllers and installs the ones build
// returns. It reports how many were installed.
func (cs *controllerSet) replace(logger *slog.Logger, build func() []*suppress.Controller) int {
	cs.run.Lock()
	defer cs.run.Unlock()

	cs.mu.Lock()
	cs.gen++
	old := cs.cs
	cs.cs = nil
	cs.mu.Unlock()
	closeControllers(old, logger)

	fresh := build()
	cs.mu.Lock()
	cs.cs = fresh
	cs.mu.Unlock()
	return len(fresh)
}

// stopIf closes the controllers when no replacement happened since gen.
func (cs *controllerSet) stopIf(gen uint64, logger *slog.Logger) bool {
	cs.run.Lock()
	defer cs.run.Unlock()

	cs.mu.Lock()
	if cs.gen != gen {
		cs.mu.Unlock()
		return false
	}
	old := cs.cs
	cs.cs = nil
	cs.mu.Unlock()
	closeControllers(old, logger)
	return true
}

// stop closes the controllers unconditionally.
func (cs *controllerSet) stop(logger *slog.Logger) {
	cs.run.Lock()
	defer cs.run.Unlock()

	cs.mu.Lock()
	cs.gen++
	old := cs.cs
	cs.cs = nil
	cs.mu.Unlock()
	closeControllers(old, logger)
}

func closeControllers(cs []*suppress.Controller, logger *slog.Logger) {
	for _, c := range cs {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.Close(ctx); err != nil {
			logger.Debug("browser: close controller", "error", err)
		}
		cancel()
	}
}

// close stops the controllers and the event loop. The page itself is left
// to its owner.
func (s *Session) close() {
	s.controllers.stop(s.logger)
	s.cancel()
}
