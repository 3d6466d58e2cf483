// Package health polls storage-backend health and folds the reports into a
// single verdict. A degraded backend is a reportable state, never an error;
// the monitor keeps running when a backend is impaired.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/shareledger/internal/store"
	"github.com/bardlex/shareledger/pkg/log"
)

// Prober is the probe surface the monitor needs from a backend.
type Prober interface {
	HealthCheck(ctx context.Context) *store.HealthReport
}

// Monitor polls one or more named backends on an interval and caches the
// latest report per backend.
type Monitor struct {
	interval time.Duration
	logger   *log.Logger

	mu      sync.RWMutex
	probers map[string]Prober
	reports map[string]*store.HealthReport
}

// NewMonitor creates a monitor polling at the given interval.
func NewMonitor(interval time.Duration, logger *log.Logger) *Monitor {
	return &Monitor{
		interval: interval,
		logger:   logger.WithComponent("health"),
		probers:  make(map[string]Prober),
		reports:  make(map[string]*store.HealthReport),
	}
}

// Register adds a backend under a name and probes it immediately so the
// first verdict does not wait for a tick.
func (m *Monitor) Register(ctx context.Context, name string, p Prober) {
	report := p.HealthCheck(ctx)

	m.mu.Lock()
	m.probers[name] = p
	m.reports[name] = report
	m.mu.Unlock()
}

// Run polls until the context is cancelled. The storage layer spawns no
// background tasks itself; the caller owns this goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	m.mu.RLock()
	probers := make(map[string]Prober, len(m.probers))
	for name, p := range m.probers {
		probers[name] = p
	}
	m.mu.RUnlock()

	for name, p := range probers {
		report := p.HealthCheck(ctx)

		m.mu.Lock()
		prev := m.reports[name]
		m.reports[name] = report
		m.mu.Unlock()

		if prev != nil && prev.Status != report.Status {
			m.logger.Info("backend health changed",
				"backend", name,
				"from", string(prev.Status),
				"to", string(report.Status),
				"detail", report.Detail,
			)
		}
	}
}

// Snapshot returns the latest report per backend.
func (m *Monitor) Snapshot() map[string]*store.HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*store.HealthReport, len(m.reports))
	for name, report := range m.reports {
		cp := *report
		out[name] = &cp
	}
	return out
}

// Verdict folds the cached reports into the worst observed status:
// any unavailable backend makes the verdict unavailable, otherwise any
// degraded one makes it degraded. No backends means unavailable.
func (m *Monitor) Verdict() store.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.reports) == 0 {
		return store.StatusUnavailable
	}

	verdict := store.StatusReady
	for _, report := range m.reports {
		switch report.Status {
		case store.StatusUnavailable:
			return store.StatusUnavailable
		case store.StatusDegraded:
			verdict = store.StatusDegraded
		}
	}
	return verdict
}
