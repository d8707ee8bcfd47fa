// Package authority is the single owner of the settings snapshot. It seeds
// defaults on first run, normalises every update, persists it whole, keeps
// the navigation blocker's rule set in line with the derived network policy
// and pushes settingsUpdated to every tab showing a known platform.
package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/quietfeed/message"
	"github.com/hazyhaar/quietfeed/platform"
	"github.com/hazyhaar/quietfeed/store"
	"github.com/hazyhaar/quietfeed/tabhost"
)

// SettingsKey is the sync-area key holding the snapshot.
const SettingsKey = "quietfeed-platform-settings"

// Network policy inputs.
const (
	VideoPlatform = "youtube"
	ShortsOption  = "hide-shorts"
)

const (
	DefaultBroadcastDelay    = 100 * time.Millisecond
	DefaultSendTimeout       = 2 * time.Second
	DefaultReconcileSchedule = "@every 1m"
)

var (
	ErrUnknownPlatform = errors.New("authority: unknown platform")
	ErrUnknownOption   = errors.New("authority: unknown option")
	// ErrNoSettings rejects an update that carries no snapshot.
	ErrNoSettings      = errors.New("authority: update without settings")
)

// PolicySyncer is the declarative blocking layer. *navblock.Blocker
// satisfies it.
type PolicySyncer interface {
	Sync(ctx context.Context, engaged bool) bool
}

// Tabs is the tab registry the authority broadcasts through.
// *tabhost.Host satisfies it.
type Tabs interface {
	Tabs() []tabhost.TabInfo
	Get(id string) (tabhost.TabInfo, bool)
	Send(ctx context.Context, id string, req message.Request) error
	Open(ctx context.Context, url string) (tabhost.TabInfo, error)
	Activate(ctx context.Context, id string) error
}

// Config wires an Authority.
type Config struct {
	Store   *store.Store
	Catalog *platform.Catalog
	Tabs    Tabs
	Policy  PolicySyncer

	BroadcastDelay    time.Duration
	// SendTimeout bounds the delivery to one tab. Tabs are delivered to
	// concurrently; a slow one delays no other.
	SendTimeout       time.Duration
	ReconcileSchedule string
	DashboardURL      string
	Logger            *slog.Logger
}

// Authority owns the settings snapshot. Safe for concurrent use.
type Authority struct {
	cfg    Config
	norm   *Normalizer
	logger *slog.Logger

	// mu serialises Apply, Reconcile and policy sync.
	mu sync.Mutex

	bcMu    sync.Mutex
	bcTimer *time.Timer
	baseCtx context.Context

	binding TabBinding

	lifeMu sync.Mutex
	cron   *cron.Cron
	unsub  func()
}

// New creates an Authority.
func New(cfg Config) *Authority {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = platform.Default()
	}
	if cfg.BroadcastDelay <= 0 {
		cfg.BroadcastDelay = DefaultBroadcastDelay
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.ReconcileSchedule == "" {
		cfg.ReconcileSchedule = DefaultReconcileSchedule
	}
	return &Authority{
		cfg:     cfg,
		norm:    NewNormalizer(cfg.Catalog),
		logger:  cfg.Logger,
		baseCtx: context.Background(),
	}
}

// Catalog returns the platform catalog.
func (a *Authority) Catalog() *platform.Catalog { return a.cfg.Catalog }

// Start seeds defaults, syncs policy, follows store changes and schedules
// periodic reconciliation. ctx bounds the authority's background work.
func (a *Authority) Start(ctx context.Context) error {
	a.bcMu.Lock()
	a.baseCtx = ctx
	a.bcMu.Unlock()

	if err := a.InitializeIfAbsent(ctx); err != nil {
		return err
	}

	c := cron.New()
	if _, err := c.AddFunc(a.cfg.ReconcileSchedule, func() {
		if err := a.Reconcile(ctx); err != nil {
			a.logger.Warn("authority: scheduled reconcile", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("authority: reconcile schedule %q: %w", a.cfg.ReconcileSchedule, err)
	}
	c.Start()

	unsub := a.cfg.Store.Subscribe(func(ch store.Change) {
		if !a.relevant(ch) {
			return
		}
		// Runs on the writer's goroutine, possibly inside Apply.
		go func() {
			if err := a.Reconcile(ctx); err != nil {
				a.logger.Warn("authority: reconcile after store change", "error", err)
			}
		}()
	})

	a.lifeMu.Lock()
	a.cron, a.unsub = c, unsub
	a.lifeMu.Unlock()

	a.logger.Info("authority: started", "reconcile", a.cfg.ReconcileSchedule)
	return nil
}

// Close stops background work.
func (a *Authority) Close() {
	a.lifeMu.Lock()
	c, unsub := a.cron, a.unsub
	a.cron, a.unsub = nil, nil
	a.lifeMu.Unlock()

	if unsub != nil {
		unsub()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	a.bcMu.Lock()
	if a.bcTimer != nil {
		a.bcTimer.Stop()
		a.bcTimer = nil
	}
	a.bcMu.Unlock()
}

func (a *Authority) relevant(ch store.Change) bool {
	if ch.Area != store.AreaSync {
		return false
	}
	if ch.External {
		return true
	}
	for _, k := range ch.Keys {
		if k == SettingsKey {
			return true
		}
	}
	return false
}

// InitializeIfAbsent writes the all-disabled defaults when no snapshot is
// stored. An existing snapshot is never overwritten.
func (a *Authority) InitializeIfAbsent(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	vals, err := a.cfg.Store.Get(ctx, store.AreaSync, SettingsKey)
	if err != nil {
		return fmt.Errorf("authority: initialize: %w", err)
	}
	if _, ok := vals[SettingsKey]; !ok {
		if err := a.cfg.Store.Set(ctx, store.AreaSync, map[string]any{
			SettingsKey: a.cfg.Catalog.Defaults(),
		}); err != nil {
			return fmt.Errorf("authority: initialize: %w", err)
		}
		a.logger.Info("authority: seeded default settings")
	}

	snap, err := a.snapshot(ctx)
	if err != nil {
		return err
	}
	a.syncPolicy(ctx, snap)
	return nil
}

// Snapshot returns the full current snapshot: the stored value merged onto
// the catalog defaults, or the defaults when nothing usable is stored.
func (a *Authority) Snapshot(ctx context.Context) (platform.Snapshot, error) {
	return a.snapshot(ctx)
}

func (a *Authority) snapshot(ctx context.Context) (platform.Snapshot, error) {
	var stored platform.Snapshot
	ok, err := a.cfg.Store.GetJSON(ctx, store.AreaSync, SettingsKey, &stored)
	if err != nil && !ok {
		return nil, fmt.Errorf("authority: read settings: %w", err)
	}
	if err != nil {
		a.logger.Warn("authority: stored settings undecodable, using defaults", "error", err)
		return a.cfg.Catalog.Defaults(), nil
	}
	if !ok {
		return a.cfg.Catalog.Defaults(), nil
	}
	return a.norm.Normalize(nil, stored), nil
}

// Engaged reports the live network policy. It is the navigation blocker's
// PolicyFunc.
func (a *Authority) Engaged(ctx context.Context) (bool, error) {
	snap, err := a.snapshot(ctx)
	if err != nil {
		return false, err
	}
	return ShortsBlocked(snap), nil
}

// Apply normalises snap against the current snapshot, persists it whole,
// syncs the network policy and schedules a broadcast. It returns the
// snapshot as stored.
func (a *Authority) Apply(ctx context.Context, snap platform.Snapshot) (platform.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, err := a.snapshot(ctx)
	if err != nil {
		a.logger.Warn("authority: previous settings unreadable", "error", err)
		prev = nil
	}
	next := a.norm.Normalize(prev, snap)

	if err := a.cfg.Store.Set(ctx, store.AreaSync, map[string]any{SettingsKey: next}); err != nil {
		a.logger.Error("authority: persist settings", "error", err)
		return nil, fmt.Errorf("authority: apply: %w", err)
	}
	a.syncPolicy(ctx, next)
	a.scheduleBroadcast()
	a.logger.Info("authority: settings applied", "shorts_blocked", ShortsBlocked(next))
	return next, nil
}

// SetOption changes one flag and applies the result. An empty optionID
// toggles the platform: every one of its options follows the new enabled
// flag.
func (a *Authority) SetOption(ctx context.Context, platformID, optionID string, enabled bool) (platform.Snapshot, error) {
	spec, ok := a.cfg.Catalog.Spec(platformID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, platformID)
	}
	if optionID != "" {
		if _, ok := spec.Option(optionID); !ok {
			return nil, fmt.Errorf("%w: %q/%q", ErrUnknownOption, platformID, optionID)
		}
	}

	snap, err := a.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	snap = snap.Clone()
	for i := range snap {
		if snap[i].ID != platformID {
			continue
		}
		if optionID == "" {
			snap[i].Enabled = enabled
			setAll(&snap[i], enabled)
			break
		}
		for j := range snap[i].Options {
			if snap[i].Options[j].ID == optionID {
				snap[i].Options[j].Enabled = enabled
			}
		}
	}
	return a.Apply(ctx, snap)
}

// Reconcile re-reads the snapshot, re-syncs the policy and rebroadcasts.
func (a *Authority) Reconcile(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap, err := a.snapshot(ctx)
	if err != nil {
		return err
	}
	a.syncPolicy(ctx, snap)
	a.scheduleBroadcast()
	return nil
}

// SyncPolicy toggles the rule set when the derived policy changed.
func (a *Authority) SyncPolicy(ctx context.Context, snap platform.Snapshot) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.syncPolicy(ctx, snap)
}

func (a *Authority) syncPolicy(ctx context.Context, snap platform.Snapshot) bool {
	if a.cfg.Policy == nil {
		return false
	}
	return a.cfg.Policy.Sync(ctx, ShortsBlocked(snap))
}

// scheduleBroadcast pushes the snapshot after BroadcastDelay. Requests
// within one delay coalesce into one broadcast of the latest snapshot.
func (a *Authority) scheduleBroadcast() {
	a.bcMu.Lock()
	defer a.bcMu.Unlock()
	if a.bcTimer != nil {
		a.bcTimer.Stop()
	}
	ctx := a.baseCtx
	a.bcTimer = time.AfterFunc(a.cfg.BroadcastDelay, func() {
		if ctx.Err() != nil {
			return
		}
		a.Broadcast(ctx)
	})
}

// Broadcast sends settingsUpdated with the current snapshot to every tab
// whose URL belongs to a catalog platform, each tab on its own goroutine
// bounded by SendTimeout. It returns how many tabs accepted the message
// before the timeout.
func (a *Authority) Broadcast(ctx context.Context) int {
	if a.cfg.Tabs == nil {
		return 0
	}
	snap, err := a.snapshot(ctx)
	if err != nil {
		a.logger.Warn("authority: broadcast skipped", "error", err)
		return 0
	}
	req := message.SettingsUpdated(snap)

	var targets []tabhost.TabInfo
	for _, tab := range a.cfg.Tabs.Tabs() {
		if a.cfg.Catalog.Known(tab.URL) {
			targets = append(targets, tab)
		}
	}
	if len(targets) == 0 {
		return 0
	}

	// Buffered so a receiver that ignores its context never blocks on send.
	results := make(chan bool, len(targets))
	for _, tab := range targets {
		go func(tab tabhost.TabInfo) {
			sctx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
			defer cancel()
			err := a.cfg.Tabs.Send(sctx, tab.ID, req)
			switch {
			case err == nil:
			case errors.Is(err, tabhost.ErrNoReceiver), errors.Is(err, tabhost.ErrTabGone):
				a.logger.Debug("authority: tab not listening", "tab", tab.ID, "error", err)
			default:
				a.logger.Warn("authority: broadcast to tab", "tab", tab.ID, "error", err)
			}
			results <- err == nil
		}(tab)
	}

	delivered := 0
	timeout := time.NewTimer(a.cfg.SendTimeout)
	defer timeout.Stop()
	for range targets {
		select {
		case ok := <-results:
			if ok {
				delivered++
			}
		case <-timeout.C:
			a.logger.Warn("authority: broadcast timed out", "delivered", delivered, "tabs", len(targets))
			return delivered
		}
	}
	a.logger.Debug("authority: broadcast", "delivered", delivered)
	return delivered
}

// TabLoaded handles a tab that finished loading rawURL: platform pages get
// the current snapshot.
func (a *Authority) TabLoaded(ctx context.Context, rawURL string) {
	if a.cfg.Catalog.Known(rawURL) {
		a.scheduleBroadcast()
	}
}
