// Package conditioningest drains a backend's condition value stream into
// persisted ConditionMessage records and, where a scenario metric is keyed
// to the condition, a derived Score. It is the consumer side of the
// stream internal/backend.Client.StreamCondition opens.
package conditioningest

import (
	"context"

	"github.com/google/uuid"

	"github.com/openrangelab/rangerd/infrastructure/logging"
	"github.com/openrangelab/rangerd/infrastructure/metrics"
	"github.com/openrangelab/rangerd/internal/backend"
	"github.com/openrangelab/rangerd/internal/scoring"
	"github.com/openrangelab/rangerd/internal/store"
)

// Store is the slice of internal/store.Store the ingestor depends on.
type Store interface {
	InsertConditionMessage(ctx context.Context, msg store.ConditionMessage) (store.ConditionMessage, error)
	InsertScore(ctx context.Context, score store.Score) (store.Score, error)
}

// MetricRef is one scenario metric keyed to the condition being ingested.
type MetricRef struct {
	Name     string
	MaxScore float64
}

// Target names the condition instance a stream belongs to: which exercise,
// deployment and VM it was deployed against, and which metrics (if any)
// derive a score from its readings.
type Target struct {
	DeploymentID     uuid.UUID
	ExerciseID       uuid.UUID
	VirtualMachineID string
	ConditionName    string
	ConditionID      string
	Metrics          []MetricRef

	// OnFirstAccepted, if set, fires once after the first reading is
	// persisted successfully, so a caller can promote the condition's
	// DeploymentElement out of ConditionPolling.
	OnFirstAccepted func()
}

// Ingestor drains one or more condition streams into the store.
type Ingestor struct {
	store  Store
	logger *logging.Logger
	m      *metrics.Metrics
}

// New builds an Ingestor.
func New(s Store, logger *logging.Logger, m *metrics.Metrics) *Ingestor {
	return &Ingestor{store: s, logger: logger, m: m}
}

// Run consumes client's condition stream for handlerID until the stream
// closes or ctx is cancelled, persisting a ConditionMessage (and Score,
// where target.Metrics names one) per reading. A malformed reading is
// logged and skipped rather than aborting the stream: a malformed
// reading is recoverable, not fatal.
func (ing *Ingestor) Run(ctx context.Context, client backend.Client, handlerID string, target Target) error {
	readings, err := client.StreamCondition(ctx, handlerID)
	if err != nil {
		return err
	}

	fired := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reading, ok := <-readings:
			if !ok {
				return nil
			}
			if ing.ingest(ctx, target, reading) && !fired {
				fired = true
				if target.OnFirstAccepted != nil {
					target.OnFirstAccepted()
				}
			}
		}
	}
}

// ingest persists one reading and its scores, reporting whether the
// reading was accepted and its ConditionMessage persisted.
func (ing *Ingestor) ingest(ctx context.Context, target Target, reading backend.ConditionReading) bool {
	value, err := scoring.ParseValue(target.ConditionName, reading.Value)
	if err != nil {
		if ing.logger != nil {
			ing.logger.WithError(err).WithFields(map[string]interface{}{
				"condition": target.ConditionName,
				"vm":        target.VirtualMachineID,
			}).Warn("condition reading rejected")
		}
		if ing.m != nil {
			ing.m.RecordConditionMessage("rejected")
		}
		return false
	}

	msg := store.ConditionMessage{
		DeploymentID:     target.DeploymentID,
		ExerciseID:       target.ExerciseID,
		VirtualMachineID: target.VirtualMachineID,
		ConditionName:    target.ConditionName,
		ConditionID:      target.ConditionID,
		Value:            value,
	}
	if _, err := ing.store.InsertConditionMessage(ctx, msg); err != nil {
		if ing.logger != nil {
			ing.logger.WithError(err).Warn("persisting condition message failed")
		}
		return false
	}
	if ing.m != nil {
		ing.m.RecordConditionMessage("accepted")
	}

	for _, metric := range target.Metrics {
		score := store.Score{
			ExerciseID:   target.ExerciseID,
			DeploymentID: target.DeploymentID,
			MetricName:   metric.Name,
			VMUUID:       target.VirtualMachineID,
			Value:        scoring.Compute(value, scoring.FromFloat(metric.MaxScore)),
		}
		if _, err := ing.store.InsertScore(ctx, score); err != nil && ing.logger != nil {
			ing.logger.WithError(err).WithFields(map[string]interface{}{"metric": metric.Name}).Warn("persisting score failed")
		}
	}
	return true
}
