// Package schedule runs periodic maintenance for the job store.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
)

// Ticker sweeps terminal jobs past retention and logs queue activity
type Ticker struct {
	store      *async.Store
	stats      *async.StatsAggregator
	workerPool *async.WorkerPool // optional, for system metrics in the tick log
	retention  time.Duration
	interval   time.Duration
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pulseLog        *zap.SugaredLogger
	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int
	swept           int64
}

// TickerConfig contains configuration for the maintenance ticker
type TickerConfig struct {
	Interval  time.Duration // How often to sweep
	Retention time.Duration // How long terminal jobs are kept; zero keeps them forever
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval:  time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}

// NewTicker creates a maintenance ticker. workerPool may be nil.
func NewTicker(ctx context.Context, store *async.Store, workerPool *async.WorkerPool, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if log == nil {
		log = logger.Logger
	}
	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		store:      store,
		stats:      async.NewStatsAggregator(store),
		workerPool: workerPool,
		retention:  cfg.Retention,
		interval:   cfg.Interval,
		now:        time.Now,
		ctx:        tickerCtx,
		cancel:     cancel,
		pulseLog:   logger.AddPulseSymbol(log.Named("ticker")),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Maintenance ticker started", "interval", t.interval, "retention", t.retention)
}

// Stop stops the ticker and waits for an in-flight sweep
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Maintenance ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			tick := t.ticksSinceStart
			t.mu.Unlock()

			t.logActivity()

			if _, err := t.Sweep(t.ctx); err != nil {
				t.pulseLog.Warnw("Maintenance tick error", logger.FieldError, err, "tick", tick)
			}
		}
	}
}

// Sweep deletes terminal jobs older than the retention period
func (t *Ticker) Sweep(ctx context.Context) (int64, error) {
	if t.retention <= 0 {
		return 0, nil
	}

	cutoff := t.now().UTC().Add(-t.retention)
	n, err := t.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "retention sweep failed")
	}

	if n > 0 {
		t.mu.Lock()
		t.swept += n
		t.mu.Unlock()
		t.pulseLog.Infow("Swept expired jobs", logger.FieldCount, n, "cutoff", cutoff)
	}
	return n, nil
}

// Swept returns the number of jobs deleted since start
func (t *Ticker) Swept() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.swept
}

// logActivity logs queue activity when it changed since the last tick
func (t *Ticker) logActivity() {
	stats, err := t.stats.ComputeStats(t.ctx, "", "")
	if err != nil {
		t.pulseLog.Warnw("Failed to get queue stats", logger.FieldError, err)
		return
	}

	activeWork := stats.Queued + stats.Processing

	t.mu.Lock()
	hasChanged := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()

	if !hasChanged {
		return
	}

	t.pulseLog.Infow(activityMessage(activeWork, t.systemMetrics()))
}

func (t *Ticker) systemMetrics() *async.SystemMetrics {
	if t.workerPool == nil {
		return nil
	}
	m := t.workerPool.GetSystemMetrics()
	return &m
}

// activityMessage renders one pulse symbol per five active jobs, capped at 60
func activityMessage(activeWork int, metrics *async.SystemMetrics) string {
	if activeWork == 0 {
		return "Pulse - queue idle"
	}

	numSymbols := min(activeWork/5+1, 60)
	indicator := strings.TrimSpace(strings.Repeat(logger.SymPulse+" ", numSymbols))
	msg := fmt.Sprintf("%s Pulse - %d jobs active", indicator, activeWork)

	if metrics != nil {
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			metrics.WorkersActive, metrics.WorkersTotal,
			metrics.MemoryUsedGB, metrics.MemoryTotalGB, metrics.MemoryPercent)
	}
	return msg
}
