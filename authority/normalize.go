package authority

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/quietfeed/platform"
)

// Normalizer turns any incoming snapshot into a full, catalog-shaped one.
type Normalizer struct {
	catalog  *platform.Catalog
	sanitize *bluemonday.Policy
}

// NewNormalizer creates a Normalizer over cat.
func NewNormalizer(cat *platform.Catalog) *Normalizer {
	return &Normalizer{catalog: cat, sanitize: bluemonday.StrictPolicy()}
}

// Normalize shapes next after the catalog: unknown platforms and options are
// dropped, duplicate option ids keep their first occurrence, missing entries
// are filled in disabled and catalog order is kept. Labels are stripped of
// markup.
//
// prev is the snapshot being replaced. A platform entry that carries no
// options and whose enabled flag flips relative to prev is a platform
// toggle: enabling turns all its options on, disabling turns them all off;
// without a flip its options carry over from prev. Entries that list options
// keep them as given. A nil prev applies no toggle rule.
func (n *Normalizer) Normalize(prev, next platform.Snapshot) platform.Snapshot {
	out := make(platform.Snapshot, 0, len(n.catalog.Platforms))
	for _, spec := range n.catalog.Platforms {
		cfg := platform.Config{
			ID:       spec.ID,
			Name:     spec.Name,
			Category: spec.Category,
			Options:  make([]platform.Option, 0, len(spec.Options)),
		}
		in, ok := next.Find(spec.ID)
		if ok {
			cfg.Enabled = in.Enabled
		}
		p, had := prev.Find(spec.ID)
		flagOnly := ok && len(in.Options) == 0
		for _, o := range spec.Options {
			opt := platform.Option{ID: o.ID, Label: o.Label}
			if flagOnly && had {
				if old, found := p.Option(o.ID); found {
					opt.Enabled = old.Enabled
				}
			}
			if got, found := in.Option(o.ID); ok && found {
				opt.Enabled = got.Enabled
				if label := n.label(got.Label); label != "" {
					opt.Label = label
				}
			}
			cfg.Options = append(cfg.Options, opt)
		}

		if flagOnly && had && p.Enabled != cfg.Enabled {
			setAll(&cfg, cfg.Enabled)
		}
		out = append(out, cfg)
	}
	return out
}

func setAll(cfg *platform.Config, enabled bool) {
	for i := range cfg.Options {
		cfg.Options[i].Enabled = enabled
	}
}

func (n *Normalizer) label(s string) string {
	return strings.TrimSpace(n.sanitize.Sanitize(s))
}

// ShortsBlocked is the network policy: the video platform is enabled and
// its hide-shorts option is on.
func ShortsBlocked(snap platform.Snapshot) bool {
	cfg, ok := snap.Find(VideoPlatform)
	return ok && cfg.OptionActive(ShortsOption)
}
