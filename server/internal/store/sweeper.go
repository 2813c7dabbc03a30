package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obsidianstack/weatheragg/pkg/types"
)

// Default expiry settings.
const (
	DefaultTTL           = 30 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// Committer persists a full snapshot of the store.
type Committer interface {
	Commit(records []types.Record) error
}

// Sweeper periodically expires records older than the TTL and re-commits the
// snapshot. Each sweep runs under mu, the same lock that serializes ingest,
// so an expiry and an ingest never interleave their mutate and commit halves.
type Sweeper struct {
	st       *Store
	commit   Committer
	mu       sync.Locker
	interval time.Duration
	ttl      atomic.Int64

	// OnSweep, if set, is called after every sweep that removed records.
	OnSweep func(removed int, err error)
}

// NewSweeper creates a Sweeper. Non-positive interval or ttl select the defaults.
func NewSweeper(st *Store, c Committer, mu sync.Locker, interval, ttl time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	w := &Sweeper{st: st, commit: c, mu: mu, interval: interval}
	w.ttl.Store(int64(ttl))
	return w
}

// TTL returns the current expiry age.
func (w *Sweeper) TTL() time.Duration {
	return time.Duration(w.ttl.Load())
}

// SetTTL changes the expiry age used by subsequent sweeps.
func (w *Sweeper) SetTTL(d time.Duration) {
	if d > 0 {
		w.ttl.Store(int64(d))
	}
}

// Sweep expires stale records and, if any were removed, commits the
// resulting snapshot. It returns the removed station ids.
func (w *Sweeper) Sweep() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := w.st.Expire(w.TTL())
	if len(removed) == 0 {
		return nil, nil
	}
	err := w.commit.Commit(w.st.SnapshotAll())
	if w.OnSweep != nil {
		w.OnSweep(len(removed), err)
	}
	return removed, err
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are logged
// and never stop the loop.
func (w *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			removed, err := w.Sweep()
			if err != nil {
				slog.Error("store: expiry commit failed", "removed", len(removed), "err", err)
				continue
			}
			if len(removed) > 0 {
				slog.Debug("store: expired stale records", "count", len(removed), "stations", removed)
			}
		}
	}
}
