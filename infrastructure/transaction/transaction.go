// Package transaction provides a generic saga: a sequence of named steps,
// each with a compensating action, executed in order and rolled back in
// reverse on the first failure.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openrangelab/rangerd/infrastructure/logging"
)

var ErrTransactionFailed = errors.New("transaction failed")

// CompensationFunc undoes the effect of a Step's Action.
type CompensationFunc func(ctx context.Context) error

// Step is one unit of a Transaction: an Action to perform and the
// Compensation that undoes it if a later step fails.
type Step struct {
	Name         string
	Action       func(ctx context.Context) error
	Compensation CompensationFunc
}

// Transaction runs its Steps in order; if one fails, every earlier step's
// Compensation runs in reverse order. A step is responsible for cleaning
// up its own partial side effects before returning its error — Transaction
// only rolls back steps that completed successfully.
type Transaction struct {
	logger *logging.Logger

	mu            sync.Mutex
	steps         []Step
	executedSteps int
}

// NewTransaction builds an empty Transaction. logger may be nil.
func NewTransaction(logger *logging.Logger) *Transaction {
	return &Transaction{logger: logger}
}

// AddStep appends a step and returns the Transaction for chaining.
func (t *Transaction) AddStep(name string, action func(ctx context.Context) error, compensation CompensationFunc) *Transaction {
	t.steps = append(t.steps, Step{Name: name, Action: action, Compensation: compensation})
	return t
}

// Execute runs every step in order, rolling back completed steps in
// reverse on the first failure.
func (t *Transaction) Execute(ctx context.Context) error {
	t.mu.Lock()
	t.executedSteps = 0
	t.mu.Unlock()

	for _, step := range t.steps {
		if err := step.Action(ctx); err != nil {
			t.rollback(ctx, t.executedSteps)
			return fmt.Errorf("%w: %s: %w", ErrTransactionFailed, step.Name, err)
		}
		t.mu.Lock()
		t.executedSteps++
		t.mu.Unlock()
	}
	return nil
}

func (t *Transaction) rollback(ctx context.Context, stepsExecuted int) {
	for i := stepsExecuted - 1; i >= 0; i-- {
		step := t.steps[i]
		if step.Compensation == nil {
			continue
		}
		if err := step.Compensation(ctx); err != nil && t.logger != nil {
			t.logger.WithError(err).WithFields(map[string]interface{}{"step": step.Name}).Warn("transaction compensation failed")
		}
	}
}
