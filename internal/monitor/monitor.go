// Package monitor detects periodic crawls that should have produced
// evidence but did not, and re-runs them with a bounded retry budget.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quillstats/rankwatch/internal/books"
	"github.com/quillstats/rankwatch/internal/executor"
	"github.com/quillstats/rankwatch/internal/metrics"
	"github.com/quillstats/rankwatch/internal/source"
)

// Runner executes one crawl source. Satisfied by executor.Executor.
type Runner interface {
	Run(ctx context.Context, src source.Source) executor.Result
}

// Config controls gap detection and repair.
type Config struct {
	// TickInterval is how often the monitor sweeps. Default 30m.
	TickInterval time.Duration
	// Window is the evidence tolerance around each expected time.
	Window time.Duration
	// Lookback is how many past intervals to check per source.
	Lookback int
	// MaxRetries bounds repair attempts per gap.
	MaxRetries int
	// RetrySpacing is the minimum time between attempts on one gap.
	RetrySpacing time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Minute
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Minute
	}
	if c.Lookback <= 0 {
		c.Lookback = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetrySpacing <= 0 {
		c.RetrySpacing = 10 * time.Minute
	}
	return c
}

// Gap is one expected-but-missing execution's evidence. Held only in
// monitor memory; repaired gaps are dropped, exhausted ones freeze.
type Gap struct {
	SourceID   string
	Expected   time.Time
	RetryCount int
	LastRetry  time.Time
	Errors     []string
	Exhausted  bool
}

func gapKey(sourceID string, expected time.Time) string {
	return fmt.Sprintf("%s@%d", sourceID, expected.Unix())
}

// Monitor compares expected periodic executions against persisted
// snapshots and re-invokes the executor for missing ones.
type Monitor struct {
	cfg     Config
	store   books.Store
	catalog *source.Catalog
	runner  Runner
	clock   books.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	gaps     map[string]*Gap
	resolved map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Monitor.
func New(store books.Store, catalog *source.Catalog, runner Runner, clock books.Clock, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		store:    store,
		catalog:  catalog,
		runner:   runner,
		clock:    clock,
		logger:   logger,
		gaps:     make(map[string]*Gap),
		resolved: make(map[string]time.Time),
	}
}

// Start launches the periodic sweep loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
	m.logger.Info("monitor started",
		zap.Duration("tick", m.cfg.TickInterval),
		zap.Int("lookback", m.cfg.Lookback),
	)
}

// Stop halts the sweep loop and waits for an in-flight sweep.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

// Sweep runs one detect-then-repair pass. Exposed so callers can
// force a pass outside the tick cadence.
func (m *Monitor) Sweep(ctx context.Context) {
	m.detect(ctx)
	m.repair(ctx)
	m.prune()
	metrics.SetOpenGaps(m.openCount())
}

// OpenGaps snapshots the tracked gaps, oldest expected time first.
func (m *Monitor) OpenGaps() []Gap {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Gap, 0, len(m.gaps))
	for _, g := range m.gaps {
		copied := *g
		copied.Errors = append([]string(nil), g.Errors...)
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expected.Before(out[j].Expected) })
	return out
}

// detect checks each interval-periodic source's recent expected
// execution times for persisted evidence.
func (m *Monitor) detect(ctx context.Context) {
	now := m.clock.Now()
	for _, cfg := range m.catalog.Periodic() {
		if cfg.Every <= 0 {
			// Cron-only sources have no fixed cadence to project;
			// their absence is visible in the execution list instead.
			continue
		}
		// Expected times sit on the interval grid so a gap keeps the
		// same identity across sweeps. The current grid point is
		// skipped: its crawl may legitimately still be in flight.
		anchor := now.Truncate(cfg.Every)
		for k := 1; k <= m.cfg.Lookback; k++ {
			expected := anchor.Add(-time.Duration(k) * cfg.Every)
			key := gapKey(cfg.ID, expected)

			m.mu.Lock()
			_, tracked := m.gaps[key]
			_, done := m.resolved[key]
			m.mu.Unlock()
			if tracked || done {
				continue
			}

			found, err := m.store.FindSnapshotNear(ctx, cfg.ID, expected, m.cfg.Window)
			if err != nil {
				m.logger.Error("snapshot lookup failed",
					zap.String("source", cfg.ID),
					zap.Time("expected", expected),
					zap.Error(err),
				)
				continue
			}
			if found {
				continue
			}

			m.mu.Lock()
			m.gaps[key] = &Gap{SourceID: cfg.ID, Expected: expected}
			m.mu.Unlock()
			m.logger.Warn("execution gap detected",
				zap.String("source", cfg.ID),
				zap.Time("expected", expected),
			)
		}
	}
}

// repair attempts every open gap that is due for a retry. A failing
// gap never blocks the others.
func (m *Monitor) repair(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	due := make([]*Gap, 0, len(m.gaps))
	for _, g := range m.gaps {
		if g.Exhausted {
			continue
		}
		if !g.LastRetry.IsZero() && now.Sub(g.LastRetry) < m.cfg.RetrySpacing {
			continue
		}
		due = append(due, g)
	}
	m.mu.Unlock()

	for _, g := range due {
		m.repairOne(ctx, g)
	}
}

func (m *Monitor) repairOne(ctx context.Context, g *Gap) {
	src, err := m.catalog.Get(g.SourceID)
	if err != nil {
		m.logger.Error("gap source no longer configured", zap.String("source", g.SourceID), zap.Error(err))
		m.drop(g)
		return
	}

	m.logger.Info("repairing gap",
		zap.String("source", g.SourceID),
		zap.Time("expected", g.Expected),
		zap.Int("attempt", g.RetryCount+1),
	)
	res := m.runner.Run(ctx, src)
	now := m.clock.Now()

	if res.Err == nil {
		m.mu.Lock()
		delete(m.gaps, gapKey(g.SourceID, g.Expected))
		m.resolved[gapKey(g.SourceID, g.Expected)] = g.Expected
		m.mu.Unlock()
		metrics.ObserveGapRepair("success")
		m.logger.Info("gap repaired",
			zap.String("source", g.SourceID),
			zap.Time("expected", g.Expected),
			zap.Int("items", res.ItemCount),
		)
		return
	}

	m.mu.Lock()
	g.RetryCount++
	g.LastRetry = now
	g.Errors = append(g.Errors, res.Err.Error())
	exhausted := g.RetryCount >= m.cfg.MaxRetries
	g.Exhausted = exhausted
	history := append([]string(nil), g.Errors...)
	m.mu.Unlock()

	if exhausted {
		metrics.ObserveGapRepair("exhausted")
		m.logger.Warn("gap repair retries exhausted, manual intervention required",
			zap.String("source", g.SourceID),
			zap.Time("expected", g.Expected),
			zap.Int("retries", g.RetryCount),
			zap.Strings("errors", history),
		)
		return
	}
	metrics.ObserveGapRepair("failure")
	m.logger.Warn("gap repair failed",
		zap.String("source", g.SourceID),
		zap.Time("expected", g.Expected),
		zap.Int("retry_count", g.RetryCount),
		zap.Error(res.Err),
	)
}

func (m *Monitor) drop(g *Gap) {
	m.mu.Lock()
	delete(m.gaps, gapKey(g.SourceID, g.Expected))
	m.mu.Unlock()
}

// prune forgets gaps and resolutions whose expected time has aged out
// of every lookback window.
func (m *Monitor) prune() {
	cutoff := m.clock.Now().Add(-24 * time.Hour)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, g := range m.gaps {
		if g.Expected.Before(cutoff) {
			delete(m.gaps, key)
		}
	}
	for key, expected := range m.resolved {
		if expected.Before(cutoff) {
			delete(m.resolved, key)
		}
	}
}

func (m *Monitor) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.gaps {
		if !g.Exhausted {
			n++
		}
	}
	return n
}
