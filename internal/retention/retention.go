// Package retention permanently removes soft-deleted messages on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/pelusa-v/pelusa-dm/internal/logger"
	"github.com/pelusa-v/pelusa-dm/internal/metrics"
)

// Purger drops tombstones older than cutoff, at most limit per call.
type Purger interface {
	PurgeDeleted(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type Config struct {
	Cron      string
	Period    time.Duration
	BatchSize int
}

type Manager struct {
	store Purger
	cfg   Config
	now   func() time.Time

	mu      sync.Mutex
	running bool
}

func New(p Purger, cfg Config) (*Manager, error) {
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid retention cron %q", cfg.Cron)
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("retention period must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Manager{store: p, cfg: cfg, now: time.Now}, nil
}

// Start runs the schedule until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	logger.Info("retention_enabled", "cron", m.cfg.Cron, "period", m.cfg.Period)
	go m.scheduleLoop(ctx)
}

func (m *Manager) scheduleLoop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(m.cfg.Cron, m.now(), false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", m.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			if _, err := m.RunOnce(ctx); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce purges every tombstone older than the retention period and
// returns how many were removed. Overlapping runs are skipped.
func (m *Manager) RunOnce(ctx context.Context) (int, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return 0, nil
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	cutoff := m.now().Add(-m.cfg.Period)
	logger.Info("retention_run_start", "cutoff", cutoff)
	total := 0
	for {
		n, err := m.store.PurgeDeleted(ctx, cutoff, m.cfg.BatchSize)
		total += n
		metrics.RetentionPurged.Add(float64(n))
		if err != nil {
			return total, fmt.Errorf("purge deleted: %w", err)
		}
		if n < m.cfg.BatchSize || ctx.Err() != nil {
			break
		}
	}
	logger.Info("retention_run_done", "purged", total)
	return total, nil
}
