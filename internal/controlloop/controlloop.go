// Package controlloop drives the extractor's initial run and its
// periodic re-entry every N days, cancellable on shutdown.
package controlloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/go-co-op/gocron"
)

// RunFunc performs one full extraction pass (discover -> download ->
// parse -> publish for every pending file) and reports whether it
// completed without error.
type RunFunc func(ctx context.Context, forceReprocess bool) error

// ControlLoop wraps a gocron scheduler to run an initial pass
// immediately, then re-enter every PeriodicCheckDays, stopping
// in-flight work when its context is cancelled.
type ControlLoop struct {
	run               RunFunc
	periodicCheckDays int
	log               logger.Logger

	scheduler *gocron.Scheduler

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a ControlLoop that calls run on its initial pass and on
// every periodicCheckDays-day boundary thereafter.
func New(run RunFunc, periodicCheckDays int, log logger.Logger) *ControlLoop {
	return &ControlLoop{
		run:               run,
		periodicCheckDays: periodicCheckDays,
		log:               log.Function("ControlLoop"),
		scheduler:         gocron.NewScheduler(time.UTC),
	}
}

// Run performs the initial pass synchronously, then starts the
// periodic scheduler and blocks until ctx is cancelled.
func (c *ControlLoop) Run(ctx context.Context, forceReprocess bool) error {
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	runCtx := c.ctx
	c.mu.Unlock()

	c.log.Info("starting initial data processing")
	if err := c.run(runCtx, forceReprocess); err != nil {
		return fmt.Errorf("initial data processing failed: %w", err)
	}
	c.log.Info("initial data processing completed successfully")

	if _, err := c.scheduler.Every(c.periodicCheckDays).Days().WaitForSchedule().Do(c.runPeriodic); err != nil {
		return fmt.Errorf("scheduling periodic check: %w", err)
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.scheduler.StartAsync()
	c.log.Info("periodic check scheduled", "intervalDays", c.periodicCheckDays)

	<-ctx.Done()
	c.log.Info("shutdown requested, stopping periodic checks")
	c.Stop()
	return nil
}

func (c *ControlLoop) runPeriodic() {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	c.log.Info("starting periodic check for new or updated discogs files")
	start := time.Now()

	if err := c.run(ctx, false); err != nil {
		c.log.Err("periodic check failed", err)
		return
	}
	c.log.Info("periodic check completed successfully", "elapsed", time.Since(start))
}

// Stop cancels in-flight work and halts the scheduler.
func (c *ControlLoop) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.started {
		c.scheduler.Stop()
		c.started = false
	}
}
