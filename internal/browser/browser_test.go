package browser

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/quietfeed/navblock"
	"github.com/hazyhaar/quietfeed/platform"
)

func shortsRules(t *testing.T) []navblock.Rule {
	t.Helper()
	rules, err := navblock.CompileRules(platform.Default(), "youtube", "hide-shorts")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return rules
}

func TestHijackPatterns(t *testing.T) {
	got := hijackPatterns(shortsRules(t))
	if len(got) != 1 || got[0] != "*://*youtube.com/*" {
		t.Fatalf("patterns = %v", got)
	}
}

func TestRedirectTarget(t *testing.T) {
	rules := shortsRules(t)

	target, ok := redirectTarget(rules, "https://www.youtube.com/shorts/abc123")
	if !ok || target != "https://www.youtube.com/" {
		t.Fatalf("shorts: %q %v", target, ok)
	}
	if _, ok := redirectTarget(rules, "https://www.youtube.com/watch?v=abc"); ok {
		t.Fatal("watch page redirected")
	}
	if _, ok := redirectTarget(rules, "https://example.com/shorts/abc"); ok {
		t.Fatal("foreign host redirected")
	}
}

func TestHijackRuleSetWithoutBrowser(t *testing.T) {
	rs := NewHijackRuleSet(nil, shortsRules(t), nil)
	if rs.ID() != navblock.RuleSetID {
		t.Fatalf("id = %q", rs.ID())
	}
	if err := rs.Enable(context.Background()); !errors.Is(err, navblock.ErrUnsupported) {
		t.Fatalf("enable err = %v", err)
	}
	if err := rs.Disable(context.Background()); err != nil {
		t.Fatalf("disable err = %v", err)
	}
}

func TestObserverScript(t *testing.T) {
	script := observerScript(platform.Default())
	if !strings.HasPrefix(script, "window.__quietfeed_watch = [") {
		t.Fatalf("script prefix: %.60s", script)
	}
	if !strings.Contains(script, "ytd-reel-shelf-renderer") {
		t.Error("youtube selectors missing")
	}
	if !strings.Contains(script, bindingName) {
		t.Error("binding name missing from observer")
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"headful":  ModeHeadful,
		"remote":   ModeRemote,
		"headless": ModeHeadless,
		"":         ModeHeadless,
		"bogus":    ModeHeadless,
	}
	for in, want := range cases {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %v, want %v", in, got, want)
		}
	}
}
