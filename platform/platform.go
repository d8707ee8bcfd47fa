// Package platform holds the settings data model (snapshot, platform
// configs, options) and the catalog of platforms quietfeed can suppress.
package platform

// Option is one toggleable suppression behaviour of a platform.
type Option struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
}

// Config is the user's settings for one platform.
type Config struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Enabled  bool     `json:"enabled"`
	Options  []Option `json:"options"`
}

// Option returns the option with the given id.
func (c Config) Option(id string) (Option, bool) {
	for _, o := range c.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// OptionActive reports whether an option is in force. A disabled platform
// has no active options whatever their stored state.
func (c Config) OptionActive(id string) bool {
	if !c.Enabled {
		return false
	}
	o, ok := c.Option(id)
	return ok && o.Enabled
}

// ActiveOptions returns the ids of every option in force, in display order.
func (c Config) ActiveOptions() []string {
	if !c.Enabled {
		return nil
	}
	var ids []string
	for _, o := range c.Options {
		if o.Enabled {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// Equal reports whether two configs carry the same settings.
func (c Config) Equal(o Config) bool {
	if c.ID != o.ID || c.Name != o.Name || c.Category != o.Category ||
		c.Enabled != o.Enabled || len(c.Options) != len(o.Options) {
		return false
	}
	for i := range c.Options {
		if c.Options[i] != o.Options[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	c.Options = append([]Option(nil), c.Options...)
	return c
}

// Snapshot is the complete, ordered settings of every known platform. It is
// always replaced whole.
type Snapshot []Config

// Find returns the config for a platform id.
func (s Snapshot) Find(id string) (Config, bool) {
	for _, c := range s {
		if c.ID == id {
			return c, true
		}
	}
	return Config{}, false
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for i, c := range s {
		out[i] = c.Clone()
	}
	return out
}
