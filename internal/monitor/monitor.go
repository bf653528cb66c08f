package monitor

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"relaymon/internal/config"
	"relaymon/internal/model"
	"relaymon/internal/snapshot"
)

// failureCooldown paces the loop after a cycle panics, so a persistent
// fault cannot spin it.
const failureCooldown = 60 * time.Second

// StatusSource is the slice of the external tool the monitor needs.
type StatusSource interface {
	ClientStatus(ctx context.Context) ([]model.PeerSample, error)
}

// Monitor owns the background sampling loop: poll the tool, merge the
// deltas, classify, persist. One instance per snapshot file.
type Monitor struct {
	cfg   config.MonitorConfig
	tool  StatusSource
	store *snapshot.Store
	now   func() time.Time

	mu      sync.Mutex
	running bool
}

func New(cfg config.MonitorConfig, tool StatusSource, store *snapshot.Store) *Monitor {
	return &Monitor{cfg: cfg, tool: tool, store: store, now: time.Now}
}

// RunCycle performs one poll-merge-persist pass. With skipUpdates the
// peer table refreshes but histories and timestamps stay untouched, for
// reflecting roster changes without advancing the time series.
func (m *Monitor) RunCycle(ctx context.Context, skipUpdates bool) error {
	samples, err := m.tool.ClientStatus(ctx)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	prev, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	hosts, maxScale := Merge(prev.HostMap(), samples, m.cfg.HistorySize, skipUpdates)
	for i := range hosts {
		if hosts[i].Status == model.StatusDisabled {
			continue
		}
		hosts[i].Status = Classify(hosts[i].TotalRx(), hosts[i].BytesReceived, m.cfg.HistorySize, m.cfg.OfflineAfter())
	}

	snap := model.Snapshot{MaxScale: maxScale, Hosts: hosts}
	if skipUpdates {
		snap.LastUpdate = prev.LastUpdate
		snap.UpdateTimestamps = prev.UpdateTimestamps
	} else {
		now := m.now().Unix()
		snap.LastUpdate = &now
		snap.UpdateTimestamps = appendBounded(prev.UpdateTimestamps, now, m.cfg.HistorySize)
	}

	if err := m.store.Save(snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Latest re-reads the store for read-only consumers.
func (m *Monitor) Latest() (model.Snapshot, error) {
	return m.store.Load()
}

// Start launches the background loop. It is idempotent: only the call
// that actually started the loop returns true.
func (m *Monitor) Start(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return false
	}
	m.running = true
	go m.loop(ctx)
	return true
}

// IsRunning reports whether the background loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// loop polls forever. Cycle errors are logged and the cadence continues;
// only context cancellation ends the loop.
func (m *Monitor) loop(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if wait := m.resumeDelay(); wait > 0 {
		log.Printf("monitor resuming, next poll in %s", wait.Round(time.Second))
		if !sleep(ctx, wait) {
			return
		}
	}
	log.Printf("monitor loop started interval=%s history=%d", m.cfg.Interval(), m.cfg.HistorySize)

	for {
		panicked, err := m.guardedCycle(ctx)
		if ctx.Err() != nil {
			return
		}
		pause := m.cfg.Interval()
		if panicked {
			pause = failureCooldown
		} else if err != nil {
			log.Printf("monitor cycle failed: %v", err)
		}
		if !sleep(ctx, pause) {
			return
		}
	}
}

// guardedCycle keeps a panicking cycle from killing the loop.
func (m *Monitor) guardedCycle(ctx context.Context) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			log.Printf("monitor cycle panic, cooling down %s: %v\n%s", failureCooldown, r, debug.Stack())
		}
	}()
	return false, m.RunCycle(ctx, false)
}

// resumeDelay honours the previous run's cadence across restarts: when
// the snapshot is fresher than one interval, wait out the remainder
// instead of polling immediately.
func (m *Monitor) resumeDelay() time.Duration {
	snap, err := m.store.Load()
	if err != nil || snap.LastUpdate == nil {
		return 0
	}
	elapsed := m.now().Sub(time.Unix(*snap.LastUpdate, 0))
	if elapsed < 0 || elapsed >= m.cfg.Interval() {
		return 0
	}
	return m.cfg.Interval() - elapsed
}

// sleep waits d unless the context ends first; false means shut down.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
