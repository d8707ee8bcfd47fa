package platform

import (
	_ "embed"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"golang.org/x/net/publicsuffix"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ContainerRule hides the element matching Selector when it holds a
// descendant matching Has.
type ContainerRule struct {
	Selector string `yaml:"selector"`
	Has      string `yaml:"has"`
}

// OptionSpec describes what an option suppresses on the page and which
// paths it blocks.
type OptionSpec struct {
	ID           string          `yaml:"id"`
	Label        string          `yaml:"label"`
	Selectors    []string        `yaml:"selectors"`
	Containers   []ContainerRule `yaml:"containers"`
	// Pause lists media elements whose playback is stopped and autoplay
	// turned off instead of being hidden.
	Pause        []string        `yaml:"pause"`
	Triggers     []string        `yaml:"triggers"`
	BlockedPaths []string        `yaml:"blocked_paths"`
}

// Spec is the catalog entry for one platform.
type Spec struct {
	ID       string       `yaml:"id"`
	Name     string       `yaml:"name"`
	Category string       `yaml:"category"`
	Root     string       `yaml:"root"`
	Domains  []string     `yaml:"domains"`
	Options  []OptionSpec `yaml:"options"`
}

// Option returns the option spec with the given id.
func (s Spec) Option(id string) (OptionSpec, bool) {
	for _, o := range s.Options {
		if o.ID == id {
			return o, true
		}
	}
	return OptionSpec{}, false
}

// Matches reports whether rawURL is served by one of the platform's domains.
func (s Spec) Matches(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	return s.MatchesHost(u.Hostname())
}

// MatchesHost reports whether host belongs to one of the platform's domains.
func (s Spec) MatchesHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	reg := registrable(host)
	for _, d := range s.Domains {
		if host == d || reg == registrable(d) || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// registrable returns the eTLD+1 of host, or host itself for IPs, single
// labels and anything publicsuffix rejects.
func registrable(host string) string {
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	reg, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return reg
}

// Catalog is the ordered set of platforms quietfeed knows.
type Catalog struct {
	Platforms []Spec `yaml:"platforms"`
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic("platform: embedded catalog: " + err.Error())
	}
	return c
}

// LoadCatalog reads a catalog from a YAML file. An empty path returns the
// embedded catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("platform: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("platform: parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool, len(c.Platforms))
	for i := range c.Platforms {
		p := &c.Platforms[i]
		if p.ID == "" {
			return fmt.Errorf("platform: catalog entry %d has no id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("platform: duplicate platform id %q", p.ID)
		}
		seen[p.ID] = true
		for j, d := range p.Domains {
			p.Domains[j] = strings.ToLower(d)
		}
		opts := make(map[string]bool, len(p.Options))
		for _, o := range p.Options {
			if o.ID == "" {
				return fmt.Errorf("platform: %s: option without id", p.ID)
			}
			if opts[o.ID] {
				return fmt.Errorf("platform: %s: duplicate option id %q", p.ID, o.ID)
			}
			opts[o.ID] = true
		}
	}
	return nil
}

// Spec returns the catalog entry for id.
func (c *Catalog) Spec(id string) (Spec, bool) {
	for _, p := range c.Platforms {
		if p.ID == id {
			return p, true
		}
	}
	return Spec{}, false
}

// ForURL returns every platform whose domains serve rawURL.
func (c *Catalog) ForURL(rawURL string) []Spec {
	var out []Spec
	for _, p := range c.Platforms {
		if p.Matches(rawURL) {
			out = append(out, p)
		}
	}
	return out
}

// Known reports whether rawURL belongs to any catalog platform.
func (c *Catalog) Known(rawURL string) bool {
	return len(c.ForURL(rawURL)) > 0
}

// Defaults returns the first-run snapshot: every platform and option
// disabled.
func (c *Catalog) Defaults() Snapshot {
	snap := make(Snapshot, 0, len(c.Platforms))
	for _, p := range c.Platforms {
		cfg := Config{
			ID:       p.ID,
			Name:     p.Name,
			Category: p.Category,
			Options:  make([]Option, 0, len(p.Options)),
		}
		for _, o := range p.Options {
			cfg.Options = append(cfg.Options, Option{ID: o.ID, Label: o.Label})
		}
		snap = append(snap, cfg)
	}
	return snap
}
