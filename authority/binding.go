package authority

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hazyhaar/quietfeed/tabhost"
)

// ErrNoDashboard is returned by OpenDashboard when no dashboard URL is
// configured.
var ErrNoDashboard = errors.New("authority: no dashboard url configured")

// TabBinding remembers the dashboard tab.
type TabBinding struct {
	mu sync.Mutex
	id string
}

// Get returns the bound tab id, empty when none.
func (b *TabBinding) Get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// Set binds id.
func (b *TabBinding) Set(id string) {
	b.mu.Lock()
	b.id = id
	b.mu.Unlock()
}

// ClearIf drops the binding when it points at id. Reports whether it did.
func (b *TabBinding) ClearIf(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.id == "" || b.id != id {
		return false
	}
	b.id = ""
	return true
}

// OpenDashboard focuses the bound dashboard tab, or opens a new one when
// none is bound or the bound id no longer resolves.
func (a *Authority) OpenDashboard(ctx context.Context) (tabhost.TabInfo, error) {
	if a.cfg.DashboardURL == "" {
		return tabhost.TabInfo{}, ErrNoDashboard
	}

	if id := a.binding.Get(); id != "" {
		if info, ok := a.cfg.Tabs.Get(id); ok {
			err := a.cfg.Tabs.Activate(ctx, id)
			if err == nil {
				return info, nil
			}
			if !errors.Is(err, tabhost.ErrTabGone) {
				return tabhost.TabInfo{}, fmt.Errorf("authority: focus dashboard: %w", err)
			}
		}
		a.binding.ClearIf(id)
		a.logger.Debug("authority: stale dashboard binding cleared", "tab", id)
	}

	info, err := a.cfg.Tabs.Open(ctx, a.cfg.DashboardURL)
	if err != nil {
		return tabhost.TabInfo{}, fmt.Errorf("authority: open dashboard: %w", err)
	}
	a.binding.Set(info.ID)
	a.logger.Info("authority: dashboard opened", "tab", info.ID)
	return info, nil
}

// TabClosed clears the dashboard binding when its tab goes away.
func (a *Authority) TabClosed(id string) {
	if a.binding.ClearIf(id) {
		a.logger.Debug("authority: dashboard tab closed", "tab", id)
	}
}

// DashboardTab returns the bound dashboard tab id.
func (a *Authority) DashboardTab() string { return a.binding.Get() }
