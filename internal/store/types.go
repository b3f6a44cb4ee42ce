// Package store implements the authoritative Postgres-backed record of
// every artifact a deployment produces, plus Event, ConditionMessage, and
// Score persistence.
package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DeployerType mirrors backend.DeployerType without importing the backend
// package, keeping the store a leaf dependency: storage packages shouldn't
// need to import transport-layer types.
type DeployerType string

const (
	DeployerTemplate       DeployerType = "Template"
	DeployerVirtualMachine DeployerType = "VirtualMachine"
	DeployerSwitch         DeployerType = "Switch"
	DeployerFeature        DeployerType = "Feature"
	DeployerCondition      DeployerType = "Condition"
	DeployerInject         DeployerType = "Inject"
	DeployerEventInfo      DeployerType = "EventInfo"
	DeployerDeputyQuery    DeployerType = "DeputyQuery"
)

// ElementStatus is one of the lifecycle states a DeploymentElement passes
// through.
type ElementStatus string

const (
	StatusOngoing           ElementStatus = "Ongoing"
	StatusSuccess           ElementStatus = "Success"
	StatusFailed            ElementStatus = "Failed"
	StatusRemoved           ElementStatus = "Removed"
	StatusRemoveFailed      ElementStatus = "RemoveFailed"
	StatusConditionPolling  ElementStatus = "ConditionPolling"
	StatusConditionSuccess  ElementStatus = "ConditionSuccess"
	StatusConditionClosed   ElementStatus = "ConditionClosed"
	StatusConditionWarning  ElementStatus = "ConditionWarning"
)

// DeploymentElement is the durable unit-of-work record.
type DeploymentElement struct {
	ID                uuid.UUID
	DeploymentID      uuid.UUID
	ScenarioReference string
	HandlerReference  *string
	DeployerType      DeployerType
	Status            ElementStatus
	EventID           *uuid.UUID
	ParentNodeID      *uuid.UUID
	ExecutorLog       *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Event is the runtime record of one scenario event.
type Event struct {
	ID                    uuid.UUID
	DeploymentID          uuid.UUID
	ParentNodeID          *uuid.UUID
	Name                  string
	Start                 time.Time
	End                   time.Time
	HasTriggered          bool
	TriggeredAt           *time.Time
	ExpiredAt             *time.Time
	EventInfoDataChecksum *string
}

// ConditionMessage is one persisted reading from a condition's value stream.
type ConditionMessage struct {
	ID               uuid.UUID
	DeploymentID     uuid.UUID
	ExerciseID       uuid.UUID
	VirtualMachineID string
	ConditionName    string
	ConditionID      string
	Value            decimal.Decimal
	CreatedAt        time.Time
}

// Score is the derived value×max_score record emitted alongside a
// ConditionMessage when the condition is referenced by a metric.
type Score struct {
	ID           uuid.UUID
	ExerciseID   uuid.UUID
	DeploymentID uuid.UUID
	MetricName   string
	VMUUID       string
	Value        decimal.Decimal
	CreatedAt    time.Time
}
