package license

import (
	"context"
	"time"
)

// DefaultSweepInterval is how often the background sweeper purges expired
// records.
const DefaultSweepInterval = 60 * time.Second

// Sweep removes every record whose expiry lies before now. It takes the same
// exclusion as all other mutations, so it can neither remove a record another
// operation just extended nor race a verification that is binding a device to
// a soon-to-expire record. Returns the number of records removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return 0, err
	}

	now := m.clock.Now()
	kept := records[:0]
	removed := 0
	for i := range records {
		if records[i].Expired(now) {
			removed++
			continue
		}
		kept = append(kept, records[i])
	}

	if removed == 0 {
		return 0, nil
	}
	if err := m.save(ctx, kept); err != nil {
		return 0, err
	}

	m.logger.Info("expiry sweep finished", "removed", removed, "remaining", len(kept))
	return removed, nil
}

// RunSweeper runs Sweep on the given interval until ctx is cancelled. A
// single goroutine drives the ticker, so sweeps never overlap themselves.
// Zero or negative intervals fall back to DefaultSweepInterval.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("expiry sweeper started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("expiry sweep failed", "error", err)
			}
		case <-ctx.Done():
			m.logger.Info("expiry sweeper stopped")
			return
		}
	}
}
