package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Driver schedules the periodic pull: one run after a short initial delay,
// then on a fixed interval. After every successful pull it sweeps journaled
// pending publishes. It competes with the pipeline's CommitAndPush through
// the service's skip-if-busy guard, never through queuing.
type Driver struct {
	scheduler gocron.Scheduler
	svc       *Service
	log       *slog.Logger
	interval  time.Duration
	initial   time.Duration
	started   bool
}

// NewDriver creates the driver. A zero or negative interval disables
// periodic pulling; Start then does nothing.
func NewDriver(svc *Service, interval, initialDelay time.Duration, log *slog.Logger) (*Driver, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("gitsync: create scheduler: %w", err)
	}
	return &Driver{
		scheduler: scheduler,
		svc:       svc,
		log:       log,
		interval:  interval,
		initial:   initialDelay,
	}, nil
}

// Start registers the pull job and starts the scheduler.
func (d *Driver) Start() error {
	if d.interval <= 0 {
		d.log.Info("gitsync: periodic pull disabled")
		return nil
	}

	opts := []gocron.JobOption{gocron.WithName("vault-pull")}
	if d.initial > 0 {
		opts = append(opts, gocron.WithStartAt(
			gocron.WithStartDateTime(time.Now().Add(d.initial)),
		))
	}

	_, err := d.scheduler.NewJob(
		gocron.DurationJob(d.interval),
		gocron.NewTask(d.tick),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("gitsync: schedule pull: %w", err)
	}

	d.scheduler.Start()
	d.started = true
	d.log.Info("gitsync: periodic pull scheduled",
		slog.Duration("interval", d.interval),
		slog.Duration("initial_delay", d.initial))
	return nil
}

func (d *Driver) tick() {
	ctx := context.Background()
	if err := d.svc.doPull(ctx); err != nil {
		// Pull logged its own failure; pending files wait for the next tick.
		return
	}
	d.svc.FlushPending(ctx)
}

// Stop shuts the scheduler down, waiting for a running job to return.
func (d *Driver) Stop() error {
	if !d.started {
		return nil
	}
	if err := d.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("gitsync: scheduler shutdown: %w", err)
	}
	return nil
}
