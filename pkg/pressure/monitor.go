// The monitor watches for coarse low-memory signals from the host platform and for entries that
// sat unvisited past the inactivity cutoff. Pressure triggers a shrink pass on the store; the
// periodic sweep re-classifies entries and flags idle ones so the next eviction pass treats them
// as background work, whatever their prior tier. Neither path ever touches pinned entries.

package pressure

import (
	"context"
	"flag"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nobletooth/pomelo/pkg/cache"
)

var (
	shrinkFraction = flag.Float64("pressure_shrink_fraction", 0.5,
		"Fraction of cached bytes to shed when a memory pressure signal fires.")
	sweepInterval = flag.Duration("pressure_sweep_interval", time.Minute,
		"Interval of the re-classification and idle-entry sweep.")
	idleCutoff = flag.Duration("pressure_idle_cutoff", 30*time.Minute,
		"Inactivity period after which an entry is flagged for cleanup.")

	pressureSignalsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memory_pressure_signals_total",
		Help: "Total number of handled memory pressure signals.",
	})
	idleFlaggedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idle_entries_flagged_total",
		Help: "Total number of entries flagged idle by the sweep.",
	})
)

// Monitor requests shrink operations from the store in response to memory pressure and runs the
// periodic aging sweep.
type Monitor struct {
	store *cache.Store
	now   func() time.Time
}

// MonitorOption configures a Monitor at construction time.
type MonitorOption func(*Monitor)

// WithNow overrides the monitor's wall clock.
func WithNow(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor builds a monitor over the given store.
func NewMonitor(store *cache.Store, opts ...MonitorOption) *Monitor {
	m := &Monitor{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnPressureSignal sheds the configured fraction of cached bytes. The store exempts the current
// page and the two most-recently-accessed non-pinned entries from the pass.
func (m *Monitor) OnPressureSignal() {
	pressureSignalsMetric.Inc()
	m.store.ShrinkBy(*shrinkFraction)
}

// SweepOnce re-classifies every entry and flags the ones unvisited past the inactivity cutoff.
// It returns how many entries were newly flagged.
func (m *Monitor) SweepOnce() int {
	m.store.Sweep()
	flagged := m.store.MarkIdleBefore(m.now().Add(-*idleCutoff))
	idleFlaggedMetric.Add(float64(flagged))
	return flagged
}

// Run executes the periodic sweep until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(*sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce()
		}
	}
}
