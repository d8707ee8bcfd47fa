// Package suppress hides a platform's attention surfaces in one tab and
// puts them back exactly as they were. A Controller owns one (tab, platform)
// pair: it re-derives the platform's config from each settings push, always
// restores before re-applying, re-applies after debounced DOM mutations and
// visibility changes, and redirects single-page-app route changes that land
// on a blocked path.
package suppress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/quietfeed/internal/idgen"
	"github.com/hazyhaar/quietfeed/navblock"
	"github.com/hazyhaar/quietfeed/observe"
	"github.com/hazyhaar/quietfeed/platform"
)

// State of a controller.
type State int

const (
	StateUninitialized State = iota
	StateDisabled
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateActive:
		return "active"
	default:
		return "uninitialized"
	}
}

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("suppress: controller closed")

// SettingsSource yields the current settings snapshot.
type SettingsSource interface {
	Snapshot(ctx context.Context) (platform.Snapshot, error)
}

// Guard deduplicates redirects of one tab across enforcement layers.
// *navblock.Blocker satisfies it.
type Guard interface {
	Claim(tabID, rawURL string) bool
}

// Config wires a Controller.
type Config struct {
	TabID    string
	Platform platform.Spec
	Document Document
	Settings SettingsSource
	// Mutations is the tab's mutation batch source. Nil disables
	// mutation-driven re-application.
	Mutations observe.Source
	Guard     Guard
	Window    time.Duration
	// Tokens mints the element tokens. Default: random UUIDs.
	Tokens idgen.Generator
	Logger *slog.Logger
}

// Controller is the per tab, per platform state machine. Event handlers are
// serialised behind one mutex.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	ledger  *Ledger
	watched observe.Predicate
	rules   []navblock.Rule

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	state      State
	closed     bool
	current    platform.Config
	lastURL    string
	pendingURL string
	sub        *observe.Subscription
	nav        *observe.Debouncer
	applies    int
}

// New creates a controller in StateUninitialized.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = observe.DefaultWindow
	}
	logger := cfg.Logger.With("tab", cfg.TabID, "platform", cfg.Platform.ID)
	rules, err := navblock.CompilePlatform(cfg.Platform)
	if err != nil {
		logger.Warn("suppress: blocked paths not enforced", "error", err)
	}
	return &Controller{
		cfg:     cfg,
		logger:  logger,
		ledger:  NewLedger(cfg.Tokens),
		watched: observe.AnyWatched(Triggers(cfg.Platform)...),
		rules:   rules,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hidden returns how many elements are currently suppressed.
func (c *Controller) Hidden() int { return c.ledger.Len() }

// Applies returns how many suppression passes have run.
func (c *Controller) Applies() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applies
}

// Start reads the settings, enters Disabled or Active and attaches the
// mutation and navigation watchers. A settings read failure leaves the
// controller Disabled. The context bounds every later timer-driven pass.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != StateUninitialized {
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	var cfg platform.Config
	snap, err := c.cfg.Settings.Snapshot(ctx)
	if err != nil {
		c.logger.Warn("suppress: settings read failed, staying disabled", "error", err)
	} else {
		cfg, _ = snap.Find(c.cfg.Platform.ID)
	}

	if u, err := c.cfg.Document.URL(ctx); err == nil {
		c.lastURL = u
	}
	c.transitionLocked(ctx, cfg)

	c.nav = observe.NewDebouncer(c.cfg.Window, c.onHistory)
	if c.cfg.Mutations != nil {
		c.sub = observe.Watch(c.cfg.Mutations, observe.Options{
			Window:    c.cfg.Window,
			Predicate: c.qualifies,
			Callback:  c.onMutations,
			Logger:    c.logger,
		})
	}
	c.checkURLLocked(ctx, c.lastURL)
	return nil
}

// SettingsPushed re-derives the platform config from snap. When it changed,
// every suppression is restored and then re-applied from scratch.
func (c *Controller) SettingsPushed(ctx context.Context, snap platform.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	cfg, _ := snap.Find(c.cfg.Platform.ID)
	if c.state != StateUninitialized && cfg.Equal(c.current) {
		return nil
	}
	c.transitionLocked(ctx, cfg)
	if u, err := c.cfg.Document.URL(ctx); err == nil {
		c.lastURL = u
		c.checkURLLocked(ctx, u)
	}
	return nil
}

// Reapply runs a suppression pass if the controller is Active.
func (c *Controller) Reapply(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != StateActive {
		return nil
	}
	return c.applyLocked(ctx)
}

// Visible handles the tab becoming visible.
func (c *Controller) Visible(ctx context.Context) error { return c.Reapply(ctx) }

// Focused handles the window gaining focus.
func (c *Controller) Focused(ctx context.Context) error { return c.Reapply(ctx) }

// HistoryChanged reports an in-document route change. Bursts are debounced;
// only the last URL is checked.
func (c *Controller) HistoryChanged(rawURL string) {
	c.mu.Lock()
	if c.closed || c.nav == nil {
		c.mu.Unlock()
		return
	}
	c.pendingURL = rawURL
	nav := c.nav
	c.mu.Unlock()
	nav.Trigger()
}

// Close restores every element, stops timers and detaches from the
// mutation source. Idempotent.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub, nav, cancel := c.sub, c.nav, c.cancel
	c.sub, c.nav = nil, nil
	err := c.restoreLocked(ctx)
	c.ledger.Reset()
	c.state = StateUninitialized
	c.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if nav != nil {
		nav.Stop()
	}
	if cancel != nil {
		cancel()
	}
	c.logger.Debug("suppress: controller closed")
	return err
}

// transitionLocked restores, records cfg and re-applies when enabled.
func (c *Controller) transitionLocked(ctx context.Context, cfg platform.Config) {
	if err := c.restoreLocked(ctx); err != nil {
		c.logger.Warn("suppress: restore", "error", err)
	}
	c.current = cfg.Clone()
	if !cfg.Enabled {
		c.state = StateDisabled
		c.logger.Debug("suppress: disabled")
		return
	}
	c.state = StateActive
	if err := c.applyLocked(ctx); err != nil {
		c.logger.Warn("suppress: apply", "error", err)
	}
	c.logger.Debug("suppress: active", "options", cfg.ActiveOptions(), "hidden", c.ledger.Len())
}

func (c *Controller) applyLocked(ctx context.Context) error {
	c.applies++
	var errs []error
	for _, opt := range c.cfg.Platform.Options {
		if !c.current.OptionActive(opt.ID) {
			continue
		}
		for _, sel := range opt.Selectors {
			els, err := c.cfg.Document.Query(ctx, sel)
			if err != nil {
				errs = append(errs, fmt.Errorf("query %q: %w", sel, err))
				continue
			}
			for _, el := range els {
				if err := c.hide(ctx, el, opt.ID); err != nil {
					errs = append(errs, err)
				}
			}
		}
		for _, rule := range opt.Containers {
			els, err := c.cfg.Document.Query(ctx, rule.Selector)
			if err != nil {
				errs = append(errs, fmt.Errorf("query %q: %w", rule.Selector, err))
				continue
			}
			for _, el := range els {
				has, err := el.Has(ctx, rule.Has)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if !has {
					continue
				}
				if err := c.hide(ctx, el, opt.ID); err != nil {
					errs = append(errs, err)
				}
			}
		}
		for _, sel := range opt.Pause {
			els, err := c.cfg.Document.Query(ctx, sel)
			if err != nil {
				errs = append(errs, fmt.Errorf("query %q: %w", sel, err))
				continue
			}
			for _, el := range els {
				if err := c.pause(ctx, el, opt.ID); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("suppress: apply: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Controller) hide(ctx context.Context, el Element, reason string) error {
	if _, marked, err := el.Attr(ctx, AttrHidden); err != nil || marked {
		return err
	}
	display, err := el.ComputedDisplay(ctx)
	if err != nil {
		return err
	}
	rec := c.ledger.Add(display, reason)
	if err := el.SetAttr(ctx, AttrToken, rec.Token); err != nil {
		c.ledger.Take(rec.Token)
		return err
	}
	if err := el.ForceHidden(ctx); err != nil {
		c.untrack(ctx, el, rec.Token)
		return err
	}
	return el.SetAttr(ctx, AttrHidden, reason)
}

// pause stops a media element and turns its autoplay off. The element stays
// visible.
func (c *Controller) pause(ctx context.Context, el Element, reason string) error {
	if _, marked, err := el.Attr(ctx, AttrHidden); err != nil || marked {
		return err
	}
	_, autoplay, err := el.Attr(ctx, "autoplay")
	if err != nil {
		return err
	}
	rec := c.ledger.AddPaused(autoplay, reason)
	if err := el.SetAttr(ctx, AttrToken, rec.Token); err != nil {
		c.ledger.Take(rec.Token)
		return err
	}
	if err := el.PauseMedia(ctx); err != nil {
		c.untrack(ctx, el, rec.Token)
		return err
	}
	if err := el.SetAttr(ctx, AttrPaused, "true"); err != nil {
		return err
	}
	return el.SetAttr(ctx, AttrHidden, reason)
}

// untrack drops the record of an element whose suppression failed halfway.
func (c *Controller) untrack(ctx context.Context, el Element, token string) {
	c.ledger.Take(token)
	if err := el.RemoveAttr(ctx, AttrToken); err != nil {
		c.logger.Debug("suppress: remove token", "error", err)
	}
}

func (c *Controller) restoreLocked(ctx context.Context) error {
	marked, err := c.cfg.Document.Marked(ctx)
	if err != nil {
		return fmt.Errorf("suppress: restore: %w", err)
	}
	var errs []error
	for _, el := range marked {
		token, _, _ := el.Attr(ctx, AttrToken)
		rec, ok := c.ledger.Take(token)
		if _, paused, _ := el.Attr(ctx, AttrPaused); paused {
			// Without a record the original flag is unknown: autoplay stays off.
			if ok {
				if err := el.SetAutoplay(ctx, rec.Autoplay); err != nil {
					errs = append(errs, err)
				}
			}
			if err := el.RemoveAttr(ctx, AttrPaused); err != nil {
				errs = append(errs, err)
			}
		} else {
			if err := el.ClearDisplay(ctx); err != nil {
				errs = append(errs, err)
			}
			if ok && rec.OriginalDisplay != "" && rec.OriginalDisplay != "none" {
				if err := el.SetDisplay(ctx, rec.OriginalDisplay); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if err := el.RemoveAttr(ctx, AttrHidden); err != nil {
			errs = append(errs, err)
		}
		if err := el.RemoveAttr(ctx, AttrToken); err != nil {
			errs = append(errs, err)
		}
	}
	// Records of elements the page removed meanwhile.
	c.ledger.Reset()
	if len(errs) > 0 {
		return fmt.Errorf("suppress: restore: %w", errors.Join(errs...))
	}
	return nil
}

// qualifies is the mutation predicate: a watched node was added, or the
// batch reports a URL other than the last one seen.
func (c *Controller) qualifies(b observe.Batch) bool {
	c.mu.Lock()
	moved := b.URL != "" && b.URL != c.lastURL
	c.mu.Unlock()
	return moved || c.watched(b)
}

func (c *Controller) onMutations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateActive {
		return
	}
	ctx := c.ctx
	if err := c.applyLocked(ctx); err != nil {
		c.logger.Warn("suppress: reapply after mutations", "error", err)
	}
	if u, err := c.cfg.Document.URL(ctx); err == nil && u != c.lastURL {
		c.lastURL = u
		c.checkURLLocked(ctx, u)
	}
}

func (c *Controller) onHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	u := c.pendingURL
	c.pendingURL = ""
	if u == "" || u == c.lastURL {
		return
	}
	c.lastURL = u
	if c.state != StateActive {
		return
	}
	if err := c.applyLocked(c.ctx); err != nil {
		c.logger.Warn("suppress: reapply after navigation", "error", err)
	}
	c.checkURLLocked(c.ctx, u)
}

// checkURLLocked redirects away from a blocked path of an active option:
// back in history when there is history and the referrer is not blocked
// itself, to the platform root otherwise.
func (c *Controller) checkURLLocked(ctx context.Context, rawURL string) {
	if c.state != StateActive || rawURL == "" {
		return
	}
	optID, ok := c.blockingOption(rawURL)
	if !ok || !c.current.OptionActive(optID) {
		return
	}
	if c.cfg.Guard != nil && !c.cfg.Guard.Claim(c.cfg.TabID, rawURL) {
		return
	}

	doc := c.cfg.Document
	length, _ := doc.HistoryLength(ctx)
	ref, _ := doc.Referrer(ctx)
	if length > 1 && !c.blocked(ref) {
		c.logger.Info("suppress: blocked path, going back", "url", rawURL, "option", optID)
		err := doc.HistoryBack(ctx)
		if err == nil {
			return
		}
		c.logger.Warn("suppress: history back", "error", err)
	}
	c.logger.Info("suppress: blocked path, redirecting to root", "url", rawURL, "option", optID)
	if err := doc.Navigate(ctx, c.cfg.Platform.Root); err != nil {
		c.logger.Warn("suppress: redirect", "error", err)
	}
}

func (c *Controller) blocked(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	optID, ok := c.blockingOption(rawURL)
	return ok && c.current.OptionActive(optID)
}

// blockingOption returns the option whose blocked paths cover rawURL. The
// rules are the ones the navigation blocker enforces.
func (c *Controller) blockingOption(rawURL string) (string, bool) {
	for _, r := range c.rules {
		if r.Match(rawURL) {
			return r.OptionID, true
		}
	}
	return "", false
}

// Selectors returns every selector whose insertion should wake the
// controller: outright targets and container selectors of all options.
func Selectors(spec platform.Spec) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, o := range spec.Options {
		for _, s := range o.Selectors {
			add(s)
		}
		for _, r := range o.Containers {
			add(r.Selector)
		}
		for _, s := range o.Pause {
			add(s)
		}
	}
	return out
}

// Triggers returns the tag names whose insertion warrants re-application.
func Triggers(spec platform.Spec) []string {
	var out []string
	for _, o := range spec.Options {
		out = append(out, o.Triggers...)
	}
	return out
}
