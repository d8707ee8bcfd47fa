// Package navblock enforces the network-level navigation policy with two
// independent layers: a declarative rule set toggled wholesale (installed
// before page scripts run) and an imperative pre-navigation interceptor that
// redirects in-flight top-level navigations. Either layer may be missing;
// the other keeps working.
package navblock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// RuleSetID names the declarative rule set.
const RuleSetID = "shorts_blocking_rules"

// ErrUnsupported is returned by a RuleSet when the browser cannot install
// declarative rules.
var ErrUnsupported = errors.New("navblock: declarative blocking unsupported")

// PolicyFunc reports, at call time, whether blocking is engaged.
type PolicyFunc func(ctx context.Context) (bool, error)

// RuleSet is the declarative layer: a named group of rules enabled or
// disabled as a whole.
type RuleSet interface {
	ID() string
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// Navigation is a top-level navigation about to happen in a tab.
type Navigation struct {
	TabID    string
	URL      string
	TopLevel bool
}

// Action is what the interceptor wants done with a navigation.
type Action int

const (
	Allow Action = iota
	Redirect
)

func (a Action) String() string {
	if a == Redirect {
		return "redirect"
	}
	return "allow"
}

// Decision is the interceptor's verdict.
type Decision struct {
	Action Action
	Target string // redirect target, set when Action == Redirect
	Rule   *Rule
	// Duplicate is set on a redirect when another layer already claimed a
	// redirect of the same tab away from the same URL within the guard
	// window.
	Duplicate bool
}

// Config configures a Blocker.
type Config struct {
	Rules   []Rule
	RuleSet RuleSet // nil: imperative layer only
	Policy  PolicyFunc
	// GuardWindow suppresses a second redirect of the same tab to the same
	// URL within the window. Default: 2s.
	GuardWindow time.Duration
	Logger      *slog.Logger
}

// Blocker holds both layers behind one policy decision.
type Blocker struct {
	rules   []Rule
	ruleSet RuleSet
	policy  PolicyFunc
	guard   *cache.Cache
	logger  *slog.Logger

	mu      sync.Mutex
	engaged bool
}

// New creates a Blocker. The declarative layer starts disabled.
func New(cfg Config) *Blocker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GuardWindow <= 0 {
		cfg.GuardWindow = 2 * time.Second
	}
	if cfg.Policy == nil {
		cfg.Policy = func(context.Context) (bool, error) { return false, nil }
	}
	return &Blocker{
		rules:   cfg.Rules,
		ruleSet: cfg.RuleSet,
		policy:  cfg.Policy,
		guard:   cache.New(cfg.GuardWindow, 2*cfg.GuardWindow),
		logger:  cfg.Logger,
	}
}

// Engaged reports the last state Sync acted on.
func (b *Blocker) Engaged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engaged
}

// Sync brings the declarative layer in line with engaged. Calls that do not
// change the state are no-ops. A rule set that fails to toggle is logged and
// left to the imperative layer; Sync reports whether the state changed.
func (b *Blocker) Sync(ctx context.Context, engaged bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if engaged == b.engaged {
		return false
	}
	b.engaged = engaged

	if b.ruleSet == nil {
		b.logger.Info("navblock: policy changed, interceptor only", "engaged", engaged)
		return true
	}

	var err error
	if engaged {
		err = b.ruleSet.Enable(ctx)
	} else {
		err = b.ruleSet.Disable(ctx)
	}
	if err != nil {
		b.logger.Warn("navblock: rule set toggle failed, relying on interceptor",
			"rule_set", b.ruleSet.ID(), "engaged", engaged, "error", err)
		return true
	}
	b.logger.Info("navblock: rule set toggled", "rule_set", b.ruleSet.ID(), "engaged", engaged)
	return true
}

// Match returns the first rule covering rawURL.
func (b *Blocker) Match(rawURL string) (*Rule, bool) {
	for i := range b.rules {
		if b.rules[i].Match(rawURL) {
			return &b.rules[i], true
		}
	}
	return nil, false
}

// BeforeNavigate is the imperative layer. It consults the live policy, not
// the state Sync last saw, so a toggle takes effect on the next navigation.
func (b *Blocker) BeforeNavigate(ctx context.Context, nav Navigation) Decision {
	if !nav.TopLevel {
		return Decision{}
	}
	rule, ok := b.Match(nav.URL)
	if !ok {
		return Decision{}
	}

	engaged, err := b.policy(ctx)
	if err != nil {
		b.logger.Warn("navblock: policy read failed", "url", nav.URL, "error", err)
		return Decision{Rule: rule}
	}
	if !engaged {
		b.logger.Debug("navblock: navigation allowed, blocking disengaged", "url", nav.URL)
		return Decision{Rule: rule}
	}

	d := Decision{Action: Redirect, Target: rule.Platform.Root, Rule: rule}
	if !b.Claim(nav.TabID, nav.URL) {
		d.Duplicate = true
		b.logger.Debug("navblock: redirect already claimed", "tab", nav.TabID, "url", nav.URL)
		return d
	}
	b.logger.Info("navblock: redirecting navigation",
		"tab", nav.TabID, "url", nav.URL, "target", rule.Platform.Root)
	return d
}

// Claim records a redirect of tabID away from rawURL. It returns false when
// one was already claimed within the guard window, so the page-side tracker
// does not stack a second redirect onto one already under way. The verdict
// of BeforeNavigate does not depend on it.
func (b *Blocker) Claim(tabID, rawURL string) bool {
	return b.guard.Add(tabID+"\x00"+rawURL, struct{}{}, cache.DefaultExpiration) == nil
}
