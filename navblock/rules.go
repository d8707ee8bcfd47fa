package navblock

import (
	"fmt"
	"net/url"

	"github.com/gobwas/glob"

	"github.com/hazyhaar/quietfeed/platform"
)

// Rule blocks one path pattern of one platform option.
type Rule struct {
	Platform platform.Spec
	OptionID string
	Path     string // blocked path as written in the catalog
	Pattern  string // compiled glob over the URL path

	g glob.Glob
}

// Match reports whether rawURL falls under the rule: host on one of the
// platform's domains and the blocked path anywhere in the URL path.
func (r Rule) Match(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	if !r.Platform.MatchesHost(u.Hostname()) {
		return false
	}
	return r.g.Match(u.Path)
}

// CompileRules builds the rules for one option of one platform from the
// catalog's blocked paths.
func CompileRules(cat *platform.Catalog, platformID, optionID string) ([]Rule, error) {
	spec, ok := cat.Spec(platformID)
	if !ok {
		return nil, fmt.Errorf("navblock: unknown platform %q", platformID)
	}
	opt, ok := spec.Option(optionID)
	if !ok {
		return nil, fmt.Errorf("navblock: %s: unknown option %q", platformID, optionID)
	}
	return compile(spec, opt)
}

// CompilePlatform builds the rules of every option of spec that blocks
// paths, in catalog order.
func CompilePlatform(spec platform.Spec) ([]Rule, error) {
	var rules []Rule
	for _, opt := range spec.Options {
		rs, err := compile(spec, opt)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rs...)
	}
	return rules, nil
}

func compile(spec platform.Spec, opt platform.OptionSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(opt.BlockedPaths))
	for _, p := range opt.BlockedPaths {
		pattern := "*" + glob.QuoteMeta(p) + "*"
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("navblock: invalid blocked path %q: %w", p, err)
		}
		rules = append(rules, Rule{
			Platform: spec,
			OptionID: opt.ID,
			Path:     p,
			Pattern:  pattern,
			g:        g,
		})
	}
	return rules, nil
}
