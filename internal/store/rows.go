package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// deploymentElementRow mirrors the deployment_elements table column-for-column
// so sqlx can scan directly into it via struct tags, then convert to the
// domain DeploymentElement (nullable columns use sql.Null* rather than the
// domain's pointer fields).
type deploymentElementRow struct {
	ID                uuid.UUID      `db:"id"`
	DeploymentID      uuid.UUID      `db:"deployment_id"`
	ScenarioReference string         `db:"scenario_reference"`
	HandlerReference  sql.NullString `db:"handler_reference"`
	DeployerType      string         `db:"deployer_type"`
	Status            string         `db:"status"`
	EventID           uuid.NullUUID  `db:"event_id"`
	ParentNodeID      uuid.NullUUID  `db:"parent_node_id"`
	ExecutorLog       sql.NullString `db:"executor_log"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	DeletedAt         sql.NullTime   `db:"deleted_at"`
}

func (r deploymentElementRow) toElement() DeploymentElement {
	elem := DeploymentElement{
		ID:                r.ID,
		DeploymentID:      r.DeploymentID,
		ScenarioReference: r.ScenarioReference,
		DeployerType:      DeployerType(r.DeployerType),
		Status:            ElementStatus(r.Status),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.HandlerReference.Valid {
		elem.HandlerReference = &r.HandlerReference.String
	}
	if r.EventID.Valid {
		id := r.EventID.UUID
		elem.EventID = &id
	}
	if r.ParentNodeID.Valid {
		id := r.ParentNodeID.UUID
		elem.ParentNodeID = &id
	}
	if r.ExecutorLog.Valid {
		elem.ExecutorLog = &r.ExecutorLog.String
	}
	return elem
}

func toElements(rows []deploymentElementRow) []DeploymentElement {
	out := make([]DeploymentElement, len(rows))
	for i, r := range rows {
		out[i] = r.toElement()
	}
	return out
}

// eventRow mirrors the events table.
type eventRow struct {
	ID                    uuid.UUID      `db:"id"`
	DeploymentID          uuid.UUID      `db:"deployment_id"`
	ParentNodeID          uuid.NullUUID  `db:"parent_node_id"`
	Name                  string         `db:"name"`
	Start                 time.Time      `db:"starts_at"`
	End                   time.Time      `db:"ends_at"`
	HasTriggered          bool           `db:"has_triggered"`
	TriggeredAt           sql.NullTime   `db:"triggered_at"`
	ExpiredAt             sql.NullTime   `db:"expired_at"`
	EventInfoDataChecksum sql.NullString `db:"event_info_data_checksum"`
	CreatedAt             time.Time      `db:"created_at"`
	DeletedAt             sql.NullTime   `db:"deleted_at"`
}

func (r eventRow) toEvent() Event {
	ev := Event{
		ID:           r.ID,
		DeploymentID: r.DeploymentID,
		Name:         r.Name,
		Start:        r.Start,
		End:          r.End,
		HasTriggered: r.HasTriggered,
	}
	if r.ParentNodeID.Valid {
		id := r.ParentNodeID.UUID
		ev.ParentNodeID = &id
	}
	if r.TriggeredAt.Valid {
		ev.TriggeredAt = &r.TriggeredAt.Time
	}
	if r.ExpiredAt.Valid {
		ev.ExpiredAt = &r.ExpiredAt.Time
	}
	if r.EventInfoDataChecksum.Valid {
		ev.EventInfoDataChecksum = &r.EventInfoDataChecksum.String
	}
	return ev
}
