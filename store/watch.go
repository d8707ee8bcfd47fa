package store

import (
	"context"
	"sort"
	"time"
)

// WatchOptions tunes Watch.
type WatchOptions struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after an external change is seen before
	// subscribers are notified. Further changes restart the window. 0 means
	// notify on the poll that saw the change.
	Debounce time.Duration
}

func (o *WatchOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
}

// Watch blocks until ctx is cancelled, polling the per-area revisions for
// writes this Store did not make (another process, another connection
// sharing the file). Each such area is reported once per quiet period as a
// Change with External set.
func (s *Store) Watch(ctx context.Context, opts WatchOptions) {
	opts.defaults()
	log := s.logger

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	var pendingSig int64 = -1

	log.Info("store: watch started", "interval", opts.Interval, "debounce", opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			log.Info("store: watch stopped")
			return

		case <-ticker.C:
			sig, err := s.externalSignature(ctx)
			if err != nil {
				log.Warn("store: revision check failed", "error", err)
				continue
			}
			if sig == 0 || sig == pendingSig {
				continue
			}
			if opts.Debounce <= 0 {
				s.CheckExternal(ctx)
				continue
			}
			// Restart the window only when the revisions actually moved,
			// not on every poll that still sees the same pending change.
			pendingSig = sig
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(opts.Debounce)
			debounceCh = debounceTimer.C
			log.Debug("store: external change detected, debouncing")

		case <-debounceCh:
			debounceCh = nil
			pendingSig = -1
			s.CheckExternal(ctx)
		}
	}
}

// CheckExternal compares the stored revisions with the ones this Store
// produced or already reported, notifies subscribers of every area that moved,
// and returns those changes.
func (s *Store) CheckExternal(ctx context.Context) []Change {
	revs, err := s.revisions(ctx)
	if err != nil {
		s.logger.Warn("store: revision check failed", "error", err)
		return nil
	}

	s.mu.Lock()
	var changes []Change
	for area, rev := range revs {
		if rev > s.seen[area] {
			s.seen[area] = rev
			changes = append(changes, Change{Area: area, External: true})
		}
	}
	s.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].Area < changes[j].Area })
	for _, c := range changes {
		s.logger.Info("store: external change", "area", c.Area)
		s.notify(c)
	}
	return changes
}

// externalSignature sums the revisions not yet seen; 0 means nothing new.
func (s *Store) externalSignature(ctx context.Context) (int64, error) {
	revs, err := s.revisions(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var sig int64
	for area, rev := range revs {
		if rev > s.seen[area] {
			sig += rev
		}
	}
	return sig, nil
}
