// Package eventpoller drives one scenario event through the
// Scheduled -> Awaiting -> Triggered|Expired state machine. The
// pipeline spawns one Task per event at deploy time; each Task owns its own
// goroutine and writes its event's has_triggered/expired_at exactly once.
package eventpoller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrangelab/rangerd/infrastructure/logging"
	"github.com/openrangelab/rangerd/infrastructure/metrics"
)

const defaultPollInterval = 3 * time.Second

// Store is the slice of internal/store.Store an event Task depends on.
type Store interface {
	ConditionStatuses(ctx context.Context, eventID uuid.UUID) ([]string, error)
	MarkTriggered(ctx context.Context, eventID uuid.UUID, at time.Time) (bool, error)
	ExpireEvent(ctx context.Context, eventID uuid.UUID, at time.Time) (bool, error)
}

// EventSpec names one event's polling parameters, resolved once at deploy
// time from the scenario and the Event record just inserted.
type EventSpec struct {
	EventID      uuid.UUID
	DeploymentID uuid.UUID
	Start        time.Time
	End          time.Time
	// Conditional is true when the event has non-empty condition
	// references; an informational event triggers the instant its start
	// time is reached.
	Conditional bool
}

// OnTrigger fires once, the instant an event is marked triggered, so the
// pipeline can dispatch the event's injects.
type OnTrigger func(ctx context.Context, spec EventSpec)

// Task polls a single event to a terminal state.
type Task struct {
	spec      EventSpec
	store     Store
	onTrigger OnTrigger
	logger    *logging.Logger
	m         *metrics.Metrics
	interval  time.Duration
}

// NewTask builds a polling task for one event at the default 3-second
// conditional-check tick.
func NewTask(spec EventSpec, store Store, onTrigger OnTrigger, logger *logging.Logger, m *metrics.Metrics) *Task {
	return &Task{spec: spec, store: store, onTrigger: onTrigger, logger: logger, m: m, interval: defaultPollInterval}
}

// WithInterval overrides the conditional poll tick; used by tests.
func (t *Task) WithInterval(d time.Duration) *Task {
	t.interval = d
	return t
}

// Run blocks until the event reaches Triggered or Expired, or ctx is
// cancelled. Cancellation at any await point performs no writes.
func (t *Task) Run(ctx context.Context) error {
	if err := t.awaitStart(ctx); err != nil {
		return err
	}

	if !t.spec.Conditional {
		return t.trigger(ctx, time.Now().UTC())
	}
	return t.pollConditions(ctx)
}

func (t *Task) awaitStart(ctx context.Context) error {
	now := time.Now().UTC()
	if !now.Before(t.spec.Start) {
		return nil
	}
	timer := time.NewTimer(t.spec.Start.Sub(now))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Task) pollConditions(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		now := time.Now().UTC()
		if now.After(t.spec.End) {
			return t.expire(ctx, now)
		}

		statuses, err := t.store.ConditionStatuses(ctx, t.spec.EventID)
		if err != nil {
			if t.logger != nil {
				t.logger.WithError(err).Warn("condition status query failed")
			}
		} else if allConditionSuccess(statuses) {
			return t.trigger(ctx, now)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func allConditionSuccess(statuses []string) bool {
	if len(statuses) == 0 {
		return false
	}
	for _, s := range statuses {
		if s != "ConditionSuccess" {
			return false
		}
	}
	return true
}

func (t *Task) trigger(ctx context.Context, at time.Time) error {
	changed, err := t.store.MarkTriggered(ctx, t.spec.EventID, at)
	if err != nil {
		t.recordOutcome("mark_error")
		return err
	}
	if changed {
		t.recordOutcome("triggered")
		if t.onTrigger != nil {
			t.onTrigger(ctx, t.spec)
		}
	}
	return nil
}

func (t *Task) expire(ctx context.Context, at time.Time) error {
	if _, err := t.store.ExpireEvent(ctx, t.spec.EventID, at); err != nil {
		t.recordOutcome("expire_error")
		return err
	}
	t.recordOutcome("expired")
	return nil
}

func (t *Task) recordOutcome(outcome string) {
	if t.m != nil {
		t.m.RecordEventPoll(outcome)
	}
}

// RunAll launches one Task per spec concurrently and waits for all of them to
// reach a terminal state or ctx to be cancelled; used by the pipeline to
// fan out step 7's "one EventPoller task per event".
func RunAll(ctx context.Context, specs []EventSpec, store Store, onTrigger OnTrigger, logger *logging.Logger, m *metrics.Metrics) {
	var wg sync.WaitGroup
	for _, spec := range specs {
		spec := spec
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := NewTask(spec, store, onTrigger, logger, m)
			if err := task.Run(ctx); err != nil && logger != nil && ctx.Err() == nil {
				logger.WithError(err).WithFields(map[string]interface{}{"event_id": spec.EventID}).Warn("event poll task failed")
			}
		}()
	}
	wg.Wait()
}
