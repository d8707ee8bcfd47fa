package platform

import (
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	if len(c.Platforms) != 4 {
		t.Fatalf("platforms: got %d, want 4", len(c.Platforms))
	}
	yt, ok := c.Spec("youtube")
	if !ok {
		t.Fatal("youtube missing from catalog")
	}
	if _, ok := yt.Option("hide-shorts"); !ok {
		t.Fatal("youtube hide-shorts option missing")
	}
}

func TestDefaults_AllDisabled(t *testing.T) {
	snap := Default().Defaults()
	for _, cfg := range snap {
		if cfg.Enabled {
			t.Errorf("%s enabled by default", cfg.ID)
		}
		for _, o := range cfg.Options {
			if o.Enabled {
				t.Errorf("%s/%s enabled by default", cfg.ID, o.ID)
			}
		}
	}
}

func TestParseCatalog_DuplicateOption(t *testing.T) {
	_, err := ParseCatalog([]byte(`
platforms:
  - id: a
    options:
      - id: x
      - id: x
`))
	if err == nil {
		t.Fatal("expected duplicate option error")
	}
}

func TestParseCatalog_DuplicatePlatform(t *testing.T) {
	_, err := ParseCatalog([]byte(`
platforms:
  - id: a
  - id: a
`))
	if err == nil {
		t.Fatal("expected duplicate platform error")
	}
}

func TestSpecMatches(t *testing.T) {
	c := Default()
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/watch?v=1", "youtube"},
		{"https://m.youtube.com/", "youtube"},
		{"https://x.com/home", "twitter"},
		{"https://mobile.twitter.com/", "twitter"},
		{"https://notyoutube.com/", ""},
		{"https://youtube.com.evil.org/", ""},
		{"not a url", ""},
	}
	for _, tt := range tests {
		got := c.ForURL(tt.url)
		switch {
		case tt.want == "" && len(got) != 0:
			t.Errorf("ForURL(%q): got %s, want none", tt.url, got[0].ID)
		case tt.want != "" && (len(got) != 1 || got[0].ID != tt.want):
			t.Errorf("ForURL(%q): got %v, want %s", tt.url, got, tt.want)
		}
	}
}

func TestConfig_OptionActive(t *testing.T) {
	cfg := Config{
		ID:      "youtube",
		Enabled: false,
		Options: []Option{{ID: "hide-shorts", Enabled: true}},
	}
	if cfg.OptionActive("hide-shorts") {
		t.Fatal("disabled platform must have no active options")
	}
	cfg.Enabled = true
	if !cfg.OptionActive("hide-shorts") {
		t.Fatal("expected hide-shorts active")
	}
	if cfg.OptionActive("missing") {
		t.Fatal("unknown option must be inactive")
	}
	if got := cfg.ActiveOptions(); len(got) != 1 || got[0] != "hide-shorts" {
		t.Fatalf("ActiveOptions: got %v", got)
	}
}

func TestSnapshotClone(t *testing.T) {
	snap := Default().Defaults()
	cp := snap.Clone()
	cp[0].Options[0].Enabled = true
	if snap[0].Options[0].Enabled {
		t.Fatal("Clone shares option slices")
	}
	if snap[0].Equal(cp[0]) {
		t.Fatal("Equal: modified clone reported equal")
	}
}

func TestTwitterAutoplayPauses(t *testing.T) {
	tw, _ := Default().Spec("twitter")
	opt, ok := tw.Option("hide-autoplay")
	if !ok {
		t.Fatal("twitter hide-autoplay option missing")
	}
	if len(opt.Pause) == 0 || len(opt.Selectors) != 0 {
		t.Fatalf("autoplay must pause media, not hide it: %+v", opt)
	}
}
