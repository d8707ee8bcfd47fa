package suppress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/quietfeed/internal/idgen"
	"github.com/hazyhaar/quietfeed/observe"
	"github.com/hazyhaar/quietfeed/platform"
)

// --- fake DOM ---

type fakeEl struct {
	doc      *fakeDoc
	tag      string
	computed string
	has      map[string]bool

	attrs      map[string]string
	inline     string
	forced     bool
	forceCalls int
	forceErr   error
	paused     bool
}

func (e *fakeEl) Attr(_ context.Context, name string) (string, bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	v, ok := e.attrs[name]
	return v, ok, nil
}

func (e *fakeEl) SetAttr(_ context.Context, name, value string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.attrs[name] = value
	return nil
}

func (e *fakeEl) RemoveAttr(_ context.Context, name string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	delete(e.attrs, name)
	return nil
}

func (e *fakeEl) ComputedDisplay(context.Context) (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if e.forced {
		return "none", nil
	}
	if e.inline != "" {
		return e.inline, nil
	}
	return e.computed, nil
}

func (e *fakeEl) ForceHidden(context.Context) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if e.forceErr != nil {
		return e.forceErr
	}
	e.forced = true
	e.forceCalls++
	return nil
}

func (e *fakeEl) ClearDisplay(context.Context) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.forced = false
	e.inline = ""
	return nil
}

func (e *fakeEl) SetDisplay(_ context.Context, v string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.inline = v
	return nil
}

func (e *fakeEl) PauseMedia(context.Context) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	delete(e.attrs, "autoplay")
	e.paused = true
	return nil
}

func (e *fakeEl) SetAutoplay(_ context.Context, on bool) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if on {
		e.attrs["autoplay"] = ""
	} else {
		delete(e.attrs, "autoplay")
	}
	return nil
}

func (e *fakeEl) Has(_ context.Context, sel string) (bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.has[sel], nil
}

type fakeDoc struct {
	mu        sync.Mutex
	bySel     map[string][]*fakeEl
	all       []*fakeEl
	url       string
	referrer  string
	history   int
	backs     int
	navigated []string
}

func newFakeDoc(url string) *fakeDoc {
	return &fakeDoc{bySel: make(map[string][]*fakeEl), url: url, history: 1}
}

func (d *fakeDoc) add(sel, tag, computed string) *fakeEl {
	d.mu.Lock()
	defer d.mu.Unlock()
	el := &fakeEl{doc: d, tag: tag, computed: computed, attrs: map[string]string{}, has: map[string]bool{}}
	d.bySel[sel] = append(d.bySel[sel], el)
	d.all = append(d.all, el)
	return el
}

func (d *fakeDoc) Query(_ context.Context, sel string) ([]Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Element
	for _, el := range d.bySel[sel] {
		out = append(out, el)
	}
	return out, nil
}

func (d *fakeDoc) Marked(context.Context) ([]Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Element
	for _, el := range d.all {
		if _, ok := el.attrs[AttrHidden]; ok {
			out = append(out, el)
		}
	}
	return out, nil
}

func (d *fakeDoc) markers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, el := range d.all {
		if _, ok := el.attrs[AttrHidden]; ok {
			n++
		}
		if _, ok := el.attrs[AttrToken]; ok {
			n++
		}
		if _, ok := el.attrs[AttrPaused]; ok {
			n++
		}
	}
	return n
}

func (d *fakeDoc) URL(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

func (d *fakeDoc) Referrer(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.referrer, nil
}

func (d *fakeDoc) HistoryLength(context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history, nil
}

func (d *fakeDoc) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navigated = append(d.navigated, url)
	return nil
}

func (d *fakeDoc) HistoryBack(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backs++
	return nil
}

func (d *fakeDoc) redirects() (backs int, navigated []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backs, append([]string(nil), d.navigated...)
}

// --- fixtures ---

type staticSettings struct {
	snap platform.Snapshot
	err  error
}

func (s staticSettings) Snapshot(context.Context) (platform.Snapshot, error) { return s.snap, s.err }

type guardFunc func(tabID, url string) bool

func (g guardFunc) Claim(tabID, url string) bool { return g(tabID, url) }

var videoSpec = platform.Spec{
	ID:      "video",
	Name:    "Video",
	Root:    "https://www.video.example/",
	Domains: []string{"video.example"},
	Options: []platform.OptionSpec{
		{
			ID:        "hide-shorts",
			Selectors: []string{"shorts-shelf"},
			Containers: []platform.ContainerRule{
				{Selector: "video-card", Has: `a[href*="/shorts/"]`},
			},
			Triggers:     []string{"shorts-shelf", "video-card"},
			BlockedPaths: []string{"/shorts/"},
		},
		{
			ID:        "hide-related",
			Selectors: []string{"#related"},
		},
		{
			ID:    "stop-autoplay",
			Pause: []string{"video"},
		},
	},
}

func settings(enabled bool, opts map[string]bool) platform.Snapshot {
	cfg := platform.Config{ID: "video", Name: "Video", Enabled: enabled}
	for _, o := range videoSpec.Options {
		cfg.Options = append(cfg.Options, platform.Option{ID: o.ID, Enabled: opts[o.ID]})
	}
	return platform.Snapshot{cfg}
}

func allOn() platform.Snapshot {
	return settings(true, map[string]bool{"hide-shorts": true, "hide-related": true})
}

func newController(t *testing.T, doc *fakeDoc, snap platform.Snapshot, feed observe.Source, guard Guard) *Controller {
	t.Helper()
	c := New(Config{
		TabID:     "tab-1",
		Platform:  videoSpec,
		Document:  doc,
		Settings:  staticSettings{snap: snap},
		Mutations: feed,
		Guard:     guard,
		Window:    20 * time.Millisecond,
		Tokens:    idgen.Sequence("el-"),
	})
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// --- tests ---

func TestStart_ActiveHidesTargets(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	shelf := doc.add("shorts-shelf", "shorts-shelf", "block")
	related := doc.add("#related", "div", "flex")
	withShort := doc.add("video-card", "video-card", "block")
	withShort.has[`a[href*="/shorts/"]`] = true
	plain := doc.add("video-card", "video-card", "block")

	c := newController(t, doc, allOn(), nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateActive {
		t.Fatalf("state: got %s, want active", c.State())
	}
	for _, el := range []*fakeEl{shelf, related, withShort} {
		if !el.forced || el.attrs[AttrHidden] == "" || el.attrs[AttrToken] == "" {
			t.Errorf("%s not suppressed: %+v", el.tag, el.attrs)
		}
	}
	if plain.forced {
		t.Error("container without a short was hidden")
	}
	if shelf.attrs[AttrHidden] != "hide-shorts" {
		t.Errorf("reason: got %q", shelf.attrs[AttrHidden])
	}
	if c.Hidden() != 3 {
		t.Fatalf("ledger: got %d records, want 3", c.Hidden())
	}
}

func TestReapply_Idempotent(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	shelf := doc.add("shorts-shelf", "shorts-shelf", "block")

	c := newController(t, doc, allOn(), nil, nil)
	c.Start(context.Background())
	c.Reapply(context.Background())
	c.Reapply(context.Background())

	if shelf.forceCalls != 1 {
		t.Fatalf("ForceHidden called %d times, want 1", shelf.forceCalls)
	}
	if c.Hidden() != 1 {
		t.Fatalf("ledger: got %d records, want 1", c.Hidden())
	}
}

func TestOptionsEvaluatedIndependently(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	shelf := doc.add("shorts-shelf", "shorts-shelf", "block")
	related := doc.add("#related", "div", "block")

	c := newController(t, doc, settings(true, map[string]bool{"hide-related": true}), nil, nil)
	c.Start(context.Background())

	if shelf.forced {
		t.Error("disabled option applied")
	}
	if !related.forced {
		t.Error("enabled option skipped")
	}
}

func TestRestore_TotalInverse(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	flex := doc.add("shorts-shelf", "shorts-shelf", "flex")
	sheetNone := doc.add("#related", "div", "none")

	c := newController(t, doc, allOn(), nil, nil)
	c.Start(context.Background())

	if err := c.SettingsPushed(context.Background(), settings(false, nil)); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateDisabled {
		t.Fatalf("state: got %s, want disabled", c.State())
	}
	if n := doc.markers(); n != 0 {
		t.Fatalf("%d marker attributes left after restore", n)
	}
	if flex.forced || flex.inline != "flex" {
		t.Errorf("flex element: forced=%v inline=%q", flex.forced, flex.inline)
	}
	if sheetNone.forced || sheetNone.inline != "" {
		t.Errorf("stylesheet-hidden element must get no inline override: inline=%q", sheetNone.inline)
	}
	if c.Hidden() != 0 {
		t.Fatalf("ledger not empty: %d", c.Hidden())
	}
}

func TestSettingsPushed_RestoreThenApply(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	shelf := doc.add("shorts-shelf", "shorts-shelf", "block")
	related := doc.add("#related", "div", "block")

	c := newController(t, doc, allOn(), nil, nil)
	c.Start(context.Background())

	c.SettingsPushed(context.Background(), settings(true, map[string]bool{"hide-related": true}))
	if shelf.forced {
		t.Error("option turned off but element still hidden")
	}
	if !related.forced || related.forceCalls != 2 {
		t.Errorf("related: forced=%v calls=%d, want re-applied from scratch", related.forced, related.forceCalls)
	}

	// Same settings again: nothing to do.
	c.SettingsPushed(context.Background(), settings(true, map[string]bool{"hide-related": true}))
	if related.forceCalls != 2 {
		t.Errorf("unchanged push re-applied: calls=%d", related.forceCalls)
	}
}

func TestStart_DisabledClearsStaleMarkers(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	stale := doc.add("shorts-shelf", "shorts-shelf", "block")
	stale.attrs[AttrHidden] = "hide-shorts"
	stale.attrs[AttrToken] = "from-a-previous-controller"
	stale.forced = true

	c := newController(t, doc, settings(false, nil), nil, nil)
	c.Start(context.Background())

	if c.State() != StateDisabled {
		t.Fatalf("state: got %s", c.State())
	}
	if doc.markers() != 0 || stale.forced {
		t.Fatal("disabled controller left suppression in the DOM")
	}
}

func TestStart_MissingPlatformIsDisabled(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	doc.add("shorts-shelf", "shorts-shelf", "block")

	c := newController(t, doc, platform.Snapshot{}, nil, nil)
	c.Start(context.Background())
	if c.State() != StateDisabled || doc.markers() != 0 {
		t.Fatalf("state=%s markers=%d", c.State(), doc.markers())
	}
}

func TestStart_SettingsErrorIsDisabled(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	c := New(Config{
		TabID:    "t",
		Platform: videoSpec,
		Document: doc,
		Settings: staticSettings{err: errors.New("boom")},
	})
	defer c.Close(context.Background())
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateDisabled {
		t.Fatalf("state: got %s", c.State())
	}
}

func TestMutations_Debounced(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	feed := &observe.Feed{}
	c := newController(t, doc, allOn(), feed, nil)
	c.Start(context.Background())
	base := c.Applies()

	late := doc.add("shorts-shelf", "shorts-shelf", "block")
	for i := 0; i < 10; i++ {
		feed.Publish(observe.Batch{Added: []observe.Node{{Tag: "shorts-shelf"}}})
	}
	// Batches adding nothing of interest are ignored.
	feed.Publish(observe.Batch{Added: []observe.Node{{Tag: "span"}}})

	waitFor(t, func() bool { return c.Applies() > base })
	time.Sleep(60 * time.Millisecond)

	if got := c.Applies() - base; got != 1 {
		t.Fatalf("re-applied %d times, want 1", got)
	}
	if !late.forced {
		t.Fatal("element added after the first pass not suppressed")
	}
}

func TestMutations_IgnoredWhenDisabled(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	feed := &observe.Feed{}
	c := newController(t, doc, settings(false, nil), feed, nil)
	c.Start(context.Background())

	el := doc.add("shorts-shelf", "shorts-shelf", "block")
	feed.Publish(observe.Batch{Added: []observe.Node{{Tag: "shorts-shelf", Watched: true}}})
	time.Sleep(60 * time.Millisecond)

	if el.forced || c.Applies() != 0 {
		t.Fatalf("disabled controller applied: forced=%v applies=%d", el.forced, c.Applies())
	}
}

func TestClose_RestoresAndDetaches(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	feed := &observe.Feed{}
	doc.add("shorts-shelf", "shorts-shelf", "block")

	c := newController(t, doc, allOn(), feed, nil)
	c.Start(context.Background())
	if feed.Len() != 1 {
		t.Fatalf("subscribers: got %d, want 1", feed.Len())
	}

	feed.Publish(observe.Batch{Added: []observe.Node{{Watched: true}}})
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	applies := c.Applies()

	if doc.markers() != 0 {
		t.Fatal("markers left after close")
	}
	if feed.Len() != 0 {
		t.Fatal("still subscribed after close")
	}
	time.Sleep(60 * time.Millisecond)
	if c.Applies() != applies {
		t.Fatal("pending pass ran after close")
	}
	if err := c.Reapply(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Reapply after close: got %v", err)
	}
}

func TestHistoryChanged_RedirectsBack(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	doc.history = 3
	doc.referrer = "https://www.video.example/watch?v=1"

	c := newController(t, doc, allOn(), nil, nil)
	c.Start(context.Background())

	c.HistoryChanged("https://www.video.example/shorts/a")
	c.HistoryChanged("https://www.video.example/shorts/b")

	waitFor(t, func() bool { b, _ := doc.redirects(); return b > 0 })
	time.Sleep(40 * time.Millisecond)
	backs, nav := doc.redirects()
	if backs != 1 || len(nav) != 0 {
		t.Fatalf("backs=%d navigated=%v, want one history back", backs, nav)
	}
}

func TestHistoryChanged_BlockedReferrerGoesToRoot(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	doc.history = 3
	doc.referrer = "https://www.video.example/shorts/previous"

	c := newController(t, doc, allOn(), nil, nil)
	c.Start(context.Background())
	c.HistoryChanged("https://www.video.example/shorts/next")

	waitFor(t, func() bool { _, n := doc.redirects(); return len(n) > 0 })
	backs, nav := doc.redirects()
	if backs != 0 || nav[0] != videoSpec.Root {
		t.Fatalf("backs=%d navigated=%v, want root", backs, nav)
	}
}

func TestHistoryChanged_OptionOffAllows(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	c := newController(t, doc, settings(true, map[string]bool{"hide-related": true}), nil, nil)
	c.Start(context.Background())
	c.HistoryChanged("https://www.video.example/shorts/a")

	time.Sleep(60 * time.Millisecond)
	backs, nav := doc.redirects()
	if backs != 0 || len(nav) != 0 {
		t.Fatalf("redirected with option off: backs=%d navigated=%v", backs, nav)
	}
}

func TestStart_OnBlockedPathRedirectsOnce(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/shorts/a")
	claims := 0
	guard := guardFunc(func(tabID, url string) bool {
		claims++
		return claims == 1
	})

	c := newController(t, doc, allOn(), nil, guard)
	c.Start(context.Background())
	// A settings push for the same URL must not redirect a second time.
	c.SettingsPushed(context.Background(), settings(true, map[string]bool{"hide-shorts": true}))

	_, nav := doc.redirects()
	if len(nav) != 1 || nav[0] != videoSpec.Root {
		t.Fatalf("navigated=%v, want exactly one redirect to root", nav)
	}
}

func TestSelectorsAndTriggers(t *testing.T) {
	sels := Selectors(videoSpec)
	want := []string{"shorts-shelf", "video-card", "#related", "video"}
	if len(sels) != len(want) {
		t.Fatalf("got %v, want %v", sels, want)
	}
	for i := range want {
		if sels[i] != want[i] {
			t.Fatalf("got %v, want %v", sels, want)
		}
	}
	if tr := Triggers(videoSpec); len(tr) != 2 {
		t.Fatalf("triggers: got %v", tr)
	}
}

func TestPause_StopsMediaWithoutHiding(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	auto := doc.add("video", "video", "block")
	auto.attrs["autoplay"] = ""
	still := doc.add("video", "video", "block")

	c := newController(t, doc, settings(true, map[string]bool{"stop-autoplay": true}), nil, nil)
	c.Start(context.Background())

	for _, el := range []*fakeEl{auto, still} {
		if !el.paused || el.forced {
			t.Fatalf("paused=%v forced=%v, want paused and visible", el.paused, el.forced)
		}
		if _, on := el.attrs["autoplay"]; on {
			t.Fatal("autoplay left on")
		}
		if el.attrs[AttrHidden] != "stop-autoplay" || el.attrs[AttrPaused] == "" {
			t.Fatalf("markers: %+v", el.attrs)
		}
	}

	c.SettingsPushed(context.Background(), settings(true, nil))
	if doc.markers() != 0 {
		t.Fatal("markers left after restore")
	}
	if _, on := auto.attrs["autoplay"]; !on {
		t.Fatal("autoplay not restored")
	}
	if _, on := still.attrs["autoplay"]; on {
		t.Fatal("autoplay turned on for an element that never had it")
	}
	if auto.inline != "" || still.inline != "" {
		t.Fatal("restore touched the display of a paused element")
	}
}

func TestHide_ForceFailureLeavesNoRecord(t *testing.T) {
	doc := newFakeDoc("https://www.video.example/")
	el := doc.add("shorts-shelf", "shorts-shelf", "block")
	el.forceErr = errors.New("detached")

	c := newController(t, doc, allOn(), nil, nil)
	c.Start(context.Background())

	if c.Hidden() != 0 {
		t.Fatalf("ledger: got %d records, want 0", c.Hidden())
	}
	if _, ok := el.attrs[AttrToken]; ok {
		t.Fatal("token left on an element that was never hidden")
	}
}
