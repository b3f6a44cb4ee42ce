// Package housekeeping reaps DeploymentElements left stuck in Ongoing past
// their grace period — a deploy call that crashed or lost its connection
// before recording Success/Failed. Mirrors a machiner-style reaper loop
// that sweeps abandoned machine records on a fixed interval.
package housekeeping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openrangelab/rangerd/infrastructure/logging"
	"github.com/openrangelab/rangerd/infrastructure/metrics"
	"github.com/openrangelab/rangerd/internal/store"
)

// Store is the slice of internal/store.Store the reaper depends on.
type Store interface {
	StaleOngoingElements(ctx context.Context, olderThan time.Time) ([]store.DeploymentElement, error)
}

// Reaper periodically marks stale Ongoing elements Failed.
type Reaper struct {
	store    Store
	grace    time.Duration
	logger   *logging.Logger
	m        *metrics.Metrics
	cron     *cron.Cron
	schedule string
}

// New builds a Reaper. schedule is a spec for robfig/cron's standard
// parser: a 5-field cron expression or a descriptor such as "@every 5m"
// (the default); grace is how long an element may sit in Ongoing
// before it's considered abandoned.
func New(st Store, schedule string, grace time.Duration, logger *logging.Logger, m *metrics.Metrics) *Reaper {
	if schedule == "" {
		schedule = "@every 5m"
	}
	if grace <= 0 {
		grace = 15 * time.Minute
	}
	return &Reaper{
		store:    st,
		grace:    grace,
		logger:   logger,
		m:        m,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start registers the sweep and starts the cron scheduler's own goroutine.
// It returns an error only if schedule fails to parse.
func (r *Reaper) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.schedule, func() { r.sweep(ctx) })
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// SweepOnce runs one reap pass immediately, outside the cron schedule; used
// by tests and by operators triggering a manual sweep.
func (r *Reaper) SweepOnce(ctx context.Context) ([]store.DeploymentElement, error) {
	return r.reap(ctx)
}

func (r *Reaper) sweep(ctx context.Context) {
	stale, err := r.reap(ctx)
	if err != nil {
		if r.logger != nil {
			r.logger.WithError(err).Warn("housekeeping sweep failed")
		}
		if r.m != nil {
			r.m.RecordError("housekeeping", "sweep_failed", "reap")
		}
		return
	}
	if len(stale) == 0 {
		return
	}
	if r.logger != nil {
		r.logger.WithFields(map[string]interface{}{"count": len(stale)}).Warn("reaped stale deployment elements")
		for _, elem := range stale {
			r.logger.LogElementTransition(ctx, elem.ID.String(), "Ongoing", "Failed", nil)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) ([]store.DeploymentElement, error) {
	return r.store.StaleOngoingElements(ctx, time.Now().UTC().Add(-r.grace))
}
