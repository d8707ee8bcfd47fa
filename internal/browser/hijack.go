package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/quietfeed/navblock"
)

// HijackRuleSet is the declarative blocking layer on top of the Fetch
// domain: while enabled, document requests matching a rule are answered
// with a redirect to the platform root before they leave the browser.
type HijackRuleSet struct {
	mgr    *Manager
	rules  []navblock.Rule
	logger *slog.Logger

	mu     sync.Mutex
	router *rod.HijackRouter
}

// NewHijackRuleSet creates a rule set over rules. It installs nothing until
// Enable.
func NewHijackRuleSet(mgr *Manager, rules []navblock.Rule, logger *slog.Logger) *HijackRuleSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &HijackRuleSet{mgr: mgr, rules: rules, logger: logger}
}

// ID implements navblock.RuleSet.
func (h *HijackRuleSet) ID() string { return navblock.RuleSetID }

// Enable implements navblock.RuleSet. The router lives with the browser,
// not with ctx.
func (h *HijackRuleSet) Enable(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.router != nil {
		return nil
	}

	var b *rod.Browser
	if h.mgr != nil {
		b = h.mgr.Browser()
	}
	if b == nil {
		return navblock.ErrUnsupported
	}

	router := b.HijackRequests()
	for _, pattern := range hijackPatterns(h.rules) {
		if err := router.Add(pattern, proto.NetworkResourceTypeDocument, h.handle); err != nil {
			_ = router.Stop()
			return fmt.Errorf("browser: hijack %s: %w", pattern, err)
		}
	}
	go router.Run()

	h.router = router
	return nil
}

// Disable implements navblock.RuleSet.
func (h *HijackRuleSet) Disable(context.Context) error {
	h.mu.Lock()
	router := h.router
	h.router = nil
	h.mu.Unlock()

	if router == nil {
		return nil
	}
	if err := router.Stop(); err != nil {
		return fmt.Errorf("browser: stop hijack: %w", err)
	}
	return nil
}

// Rebind moves an enabled rule set onto the manager's current browser,
// after a recycle. A disabled rule set stays disabled.
func (h *HijackRuleSet) Rebind(ctx context.Context) error {
	h.mu.Lock()
	was := h.router != nil
	h.router = nil
	h.mu.Unlock()

	if !was {
		return nil
	}
	return h.Enable(ctx)
}

func (h *HijackRuleSet) handle(ctx *rod.Hijack) {
	u := ctx.Request.URL().String()
	if target, ok := redirectTarget(h.rules, u); ok {
		h.logger.Info("browser: blocked navigation", "url", u, "target", target)
		ctx.Response.Payload().ResponseCode = http.StatusFound
		ctx.Response.SetHeader("Location", target)
		ctx.Response.SetBody("")
		return
	}
	ctx.ContinueRequest(&proto.FetchContinueRequest{})
}

// redirectTarget returns the root of the platform whose rule covers rawURL.
func redirectTarget(rules []navblock.Rule, rawURL string) (string, bool) {
	for _, r := range rules {
		if r.Match(rawURL) {
			return r.Platform.Root, true
		}
	}
	return "", false
}

// hijackPatterns returns one Fetch URL pattern per platform domain the rules
// cover, subdomains included.
func hijackPatterns(rules []navblock.Rule) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rules {
		for _, d := range r.Platform.Domains {
			p := "*://*" + d + "/*"
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}
