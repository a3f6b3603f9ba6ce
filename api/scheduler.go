/*
scheduler.go - Automated maturation sweep scheduler

PURPOSE:
  Periodically promotes pending credits whose hold has elapsed from pending
  to completed across all accounts.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each account is matured under its own lock, one at a time
  - A failing account does not stop the sweep; it is retried on the next tick
  - Balance reads fold matured holds lazily, so a late or skipped sweep
    never changes what a user can spend

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 minute)
  - BatchSize: Accounts listed per query (default: 100)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewMaturationScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - ledger/engine.go: SweepMatured
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/loyalty-ledger/ledger"
)

// Sweeper promotes matured pending credits.
type Sweeper interface {
	SweepMatured(ctx context.Context, batchSize int) (ledger.SweepResult, error)
}

// MaturationScheduler runs SweepMatured on a ticker.
type MaturationScheduler struct {
	Sweeper       Sweeper
	Logger        *slog.Logger
	CheckInterval time.Duration
	BatchSize     int
	Enabled       bool

	ticker  *time.Ticker
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
	last    ledger.SweepResult
}

// NewMaturationScheduler creates a new scheduler.
func NewMaturationScheduler(sweeper Sweeper, logger *slog.Logger) *MaturationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MaturationScheduler{
		Sweeper:       sweeper,
		Logger:        logger,
		CheckInterval: time.Minute,
		BatchSize:     100,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (ms *MaturationScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.Enabled {
		ms.Logger.Info("maturation scheduler disabled, not starting")
		return
	}
	if ms.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ms.cancel = cancel
	ms.stop = make(chan struct{})
	ms.ticker = time.NewTicker(ms.CheckInterval)
	ms.wg.Add(1)

	go ms.run(ctx, ms.ticker, ms.stop)

	ms.Logger.Info("maturation scheduler started", "interval", ms.CheckInterval, "batch_size", ms.BatchSize)
}

// Stop stops the scheduler and waits for an in-flight sweep to return.
func (ms *MaturationScheduler) Stop() {
	ms.mu.Lock()
	if ms.ticker == nil {
		ms.mu.Unlock()
		return
	}
	ms.ticker.Stop()
	ms.cancel()
	close(ms.stop)
	ms.ticker = nil
	ms.mu.Unlock()

	ms.wg.Wait()
	ms.Logger.Info("maturation scheduler stopped")
}

func (ms *MaturationScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer ms.wg.Done()

	// Run immediately on start
	ms.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			ms.sweep(ctx)
		case <-stop:
			return
		}
	}
}

func (ms *MaturationScheduler) sweep(ctx context.Context) ledger.SweepResult {
	start := time.Now()
	res, err := ms.Sweeper.SweepMatured(ctx, ms.BatchSize)

	ms.mu.Lock()
	ms.lastRun = start
	ms.last = res
	ms.mu.Unlock()

	attrs := []any{
		"accounts", res.Accounts,
		"promoted", res.Promoted,
		"failed", res.Failed,
		"duration", time.Since(start),
	}
	switch {
	case err != nil && ctx.Err() != nil:
		ms.Logger.Info("maturation sweep interrupted", attrs...)
	case err != nil:
		ms.Logger.Error("maturation sweep failed", append(attrs, "error", err)...)
	case res.Promoted > 0:
		ms.Logger.Info("maturation sweep completed", attrs...)
	default:
		ms.Logger.Debug("maturation sweep found nothing due", attrs...)
	}
	return res
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ms *MaturationScheduler) RunNow(ctx context.Context) ledger.SweepResult {
	return ms.sweep(ctx)
}

// LastRun returns when the last sweep started and what it did.
func (ms *MaturationScheduler) LastRun() (time.Time, ledger.SweepResult) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lastRun, ms.last
}

// GetNextRunTime returns when the next scheduled sweep will occur.
func (ms *MaturationScheduler) GetNextRunTime() time.Time {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.lastRun.IsZero() {
		return time.Now().Add(ms.CheckInterval)
	}
	return ms.lastRun.Add(ms.CheckInterval)
}
