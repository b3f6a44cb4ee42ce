package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	apperrors "github.com/openrangelab/rangerd/infrastructure/errors"
)

// Watcher receives creation/update notifications for DeploymentElements;
// the concrete implementation (internal/wsink) fans these out to the
// websocket sink, treated here as an opaque collaborator.
type Watcher interface {
	NotifyElementCreated(ctx context.Context, elem DeploymentElement)
	NotifyElementUpdated(ctx context.Context, elem DeploymentElement)
	NotifyScore(ctx context.Context, score Score)
}

// Store is the Postgres-backed DeploymentElementStore.
type Store struct {
	db      *sqlx.DB
	watcher Watcher
}

// New wraps an already-open *sql.DB (opened via internal/platform/database)
// in the sqlx convenience layer.
func New(db *sql.DB, watcher Watcher) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres"), watcher: watcher}
}

// CreateElement inserts an Ongoing element and, when notifyWatchers is set,
// emits a creation event to the websocket sink.
func (s *Store) CreateElement(ctx context.Context, elem DeploymentElement, notifyWatchers bool) (DeploymentElement, error) {
	if elem.ID == uuid.Nil {
		elem.ID = uuid.New()
	}
	now := time.Now().UTC()
	elem.CreatedAt, elem.UpdatedAt = now, now

	const q = `
		INSERT INTO deployment_elements
			(id, deployment_id, scenario_reference, handler_reference, deployer_type,
			 status, event_id, parent_node_id, executor_log, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err := s.db.ExecContext(ctx, q,
		elem.ID, elem.DeploymentID, elem.ScenarioReference, elem.HandlerReference, elem.DeployerType,
		elem.Status, elem.EventID, elem.ParentNodeID, elem.ExecutorLog, elem.CreatedAt, elem.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return DeploymentElement{}, apperrors.DatabaseConflict("create_element", err)
		}
		return DeploymentElement{}, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "insert deployment element failed", 500, err)
	}

	if notifyWatchers && s.watcher != nil {
		s.watcher.NotifyElementCreated(ctx, elem)
	}
	return elem, nil
}

// transitions enumerates the legal status moves; any other pair is an
// IllegalStatusTransition. Ongoing is the universal starting point and
// RemoveFailed/Removed are reachable from any post-dispatch status via the
// undeploy sweep.
var transitions = map[ElementStatus]map[ElementStatus]bool{
	StatusOngoing: {
		StatusSuccess: true, StatusFailed: true,
		StatusConditionPolling: true, StatusConditionSuccess: true,
	},
	StatusSuccess:          {StatusRemoved: true, StatusRemoveFailed: true},
	StatusFailed:           {StatusRemoved: true, StatusRemoveFailed: true},
	StatusConditionPolling: {StatusConditionSuccess: true, StatusConditionClosed: true, StatusConditionWarning: true, StatusRemoved: true, StatusRemoveFailed: true},
	StatusConditionSuccess: {StatusConditionClosed: true, StatusConditionWarning: true, StatusRemoved: true, StatusRemoveFailed: true},
	StatusConditionWarning: {StatusConditionSuccess: true, StatusConditionClosed: true, StatusRemoved: true, StatusRemoveFailed: true},
	StatusConditionClosed:  {StatusRemoved: true, StatusRemoveFailed: true},
	StatusRemoveFailed:     {StatusRemoved: true, StatusRemoveFailed: true},
}

// ValidateTransition reports whether moving from `from` to `to` is legal.
func ValidateTransition(from, to ElementStatus) error {
	if from == to {
		return nil
	}
	if allowed, ok := transitions[from]; ok && allowed[to] {
		return nil
	}
	return apperrors.IllegalStatusTransition(string(from), string(to))
}

// UpdateElement writes status/handler_reference/executor_log and, when
// notifyWatchers is set, emits an update event.
func (s *Store) UpdateElement(ctx context.Context, elem DeploymentElement, notifyWatchers bool) error {
	elem.UpdatedAt = time.Now().UTC()

	const q = `
		UPDATE deployment_elements
		SET status=$1, handler_reference=$2, executor_log=$3, updated_at=$4
		WHERE id=$5 AND deleted_at IS NULL`

	result, err := s.db.ExecContext(ctx, q, elem.Status, elem.HandlerReference, elem.ExecutorLog, elem.UpdatedAt, elem.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "update deployment element failed", 500, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.ElementNotFound(elem.ID.String())
	}

	if notifyWatchers && s.watcher != nil {
		s.watcher.NotifyElementUpdated(ctx, elem)
	}
	return nil
}

// ElementsByDeployment returns every element recorded for a deployment.
func (s *Store) ElementsByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]DeploymentElement, error) {
	var rows []deploymentElementRow
	const q = `SELECT * FROM deployment_elements WHERE deployment_id=$1 AND deleted_at IS NULL`
	if err := s.db.SelectContext(ctx, &rows, q, deploymentID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "query elements by deployment failed", 500, err)
	}
	return toElements(rows), nil
}

// ElementsByEvent returns every element tied to an event (its conditions).
func (s *Store) ElementsByEvent(ctx context.Context, eventID uuid.UUID) ([]DeploymentElement, error) {
	var rows []deploymentElementRow
	const q = `SELECT * FROM deployment_elements WHERE event_id=$1 AND deleted_at IS NULL`
	if err := s.db.SelectContext(ctx, &rows, q, eventID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "query elements by event failed", 500, err)
	}
	return toElements(rows), nil
}

// ElementByDeploymentAndHandler resolves one element by its backend-issued
// handler reference.
func (s *Store) ElementByDeploymentAndHandler(ctx context.Context, deploymentID uuid.UUID, handlerRef string) (DeploymentElement, error) {
	var row deploymentElementRow
	const q = `SELECT * FROM deployment_elements WHERE deployment_id=$1 AND handler_reference=$2 AND deleted_at IS NULL`
	if err := s.db.GetContext(ctx, &row, q, deploymentID, handlerRef); err != nil {
		if err == sql.ErrNoRows {
			return DeploymentElement{}, apperrors.DatabaseRecordNotFound("deployment_elements", handlerRef)
		}
		return DeploymentElement{}, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "query element by handler failed", 500, err)
	}
	return row.toElement(), nil
}

// StaleOngoingElements returns elements still Ongoing past the grace
// period, locking each row (FOR UPDATE SKIP LOCKED) so multiple
// housekeeping sweeps across rangerd instances never double-reap the same
// element.
func (s *Store) StaleOngoingElements(ctx context.Context, olderThan time.Time) ([]DeploymentElement, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "begin stale sweep tx failed", 500, err)
	}
	defer tx.Rollback()

	var rows []deploymentElementRow
	const q = `
		SELECT * FROM deployment_elements
		WHERE status='Ongoing' AND updated_at < $1 AND deleted_at IS NULL
		FOR UPDATE SKIP LOCKED`
	if err := tx.SelectContext(ctx, &rows, q, olderThan); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "query stale elements failed", 500, err)
	}

	if len(rows) > 0 {
		ids := make([]uuid.UUID, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		const update = `UPDATE deployment_elements SET status='Failed', updated_at=now() WHERE id = ANY($1)`
		if _, err := tx.ExecContext(ctx, update, pq.Array(ids)); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "mark stale elements failed", 500, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "commit stale sweep tx failed", 500, err)
	}

	elems := toElements(rows)
	for i := range elems {
		elems[i].Status = StatusFailed
	}
	return elems, nil
}

// CreateEvent inserts an Event row at deploy time (has_triggered=false).
func (s *Store) CreateEvent(ctx context.Context, ev Event) (Event, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	const q = `
		INSERT INTO events (id, deployment_id, parent_node_id, name, starts_at, ends_at, has_triggered)
		VALUES ($1,$2,$3,$4,$5,$6,false)`
	_, err := s.db.ExecContext(ctx, q, ev.ID, ev.DeploymentID, ev.ParentNodeID, ev.Name, ev.Start, ev.End)
	if err != nil {
		return Event{}, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "insert event failed", 500, err)
	}
	return ev, nil
}

// MarkTriggered writes has_triggered=true, triggered_at=now exactly once:
// the WHERE clause only matches a row that has not yet triggered, so a
// second call (e.g. after a poller restart) is a no-op.
func (s *Store) MarkTriggered(ctx context.Context, eventID uuid.UUID, at time.Time) (bool, error) {
	const q = `UPDATE events SET has_triggered=true, triggered_at=$1 WHERE id=$2 AND has_triggered=false`
	result, err := s.db.ExecContext(ctx, q, at, eventID)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "mark event triggered failed", 500, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ConditionStatuses returns the status of every Condition-type
// DeploymentElement belonging to an event, for the EventPoller's
// conditional-trigger check.
func (s *Store) ConditionStatuses(ctx context.Context, eventID uuid.UUID) ([]string, error) {
	var statuses []string
	const q = `
		SELECT status FROM deployment_elements
		WHERE event_id=$1 AND deployer_type='Condition' AND deleted_at IS NULL`
	if err := s.db.SelectContext(ctx, &statuses, q, eventID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "query condition statuses failed", 500, err)
	}
	return statuses, nil
}

// ExpireEvent marks an event Expired exactly once (only when it has
// neither triggered nor already expired).
func (s *Store) ExpireEvent(ctx context.Context, eventID uuid.UUID, at time.Time) (bool, error) {
	const q = `UPDATE events SET expired_at=$1 WHERE id=$2 AND has_triggered=false AND expired_at IS NULL`
	result, err := s.db.ExecContext(ctx, q, at, eventID)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "expire event failed", 500, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// EventByID fetches one event record.
func (s *Store) EventByID(ctx context.Context, id uuid.UUID) (Event, error) {
	var row eventRow
	const q = `SELECT * FROM events WHERE id=$1 AND deleted_at IS NULL`
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return Event{}, apperrors.DatabaseRecordNotFound("events", id.String())
		}
		return Event{}, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "query event failed", 500, err)
	}
	return row.toEvent(), nil
}

// InsertConditionMessage persists one condition stream reading.
func (s *Store) InsertConditionMessage(ctx context.Context, msg ConditionMessage) (ConditionMessage, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = time.Now().UTC()
	const q = `
		INSERT INTO condition_messages
			(id, deployment_id, exercise_id, virtual_machine_id, condition_name, condition_id, value, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.db.ExecContext(ctx, q, msg.ID, msg.DeploymentID, msg.ExerciseID, msg.VirtualMachineID,
		msg.ConditionName, msg.ConditionID, msg.Value, msg.CreatedAt)
	if err != nil {
		return ConditionMessage{}, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "insert condition message failed", 500, err)
	}
	return msg, nil
}

// InsertScore persists a derived score point and notifies the websocket
// sink (ConditionIngest's emit step).
func (s *Store) InsertScore(ctx context.Context, score Score) (Score, error) {
	if score.ID == uuid.Nil {
		score.ID = uuid.New()
	}
	score.CreatedAt = time.Now().UTC()
	const q = `
		INSERT INTO scores (id, exercise_id, deployment_id, metric_name, vm_uuid, value, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := s.db.ExecContext(ctx, q, score.ID, score.ExerciseID, score.DeploymentID, score.MetricName,
		score.VMUUID, score.Value, score.CreatedAt)
	if err != nil {
		return Score{}, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "insert score failed", 500, err)
	}
	if s.watcher != nil {
		s.watcher.NotifyScore(ctx, score)
	}
	return score, nil
}

// EventInfoExists reports whether content with this checksum was already
// downloaded, so the pipeline can skip a redundant download.
func (s *Store) EventInfoExists(ctx context.Context, checksum string) (bool, error) {
	var exists bool
	const q = `SELECT EXISTS(SELECT 1 FROM event_info_data WHERE checksum=$1)`
	if err := s.db.GetContext(ctx, &exists, q, checksum); err != nil {
		return false, apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "event info existence check failed", 500, err)
	}
	return exists, nil
}

// CreateEventInfoRecord persists a downloaded event-info blob's metadata,
// keyed by checksum; if a row with that checksum already exists it is kept
// unchanged. event_info_data has no soft-delete column.
func (s *Store) CreateEventInfoRecord(ctx context.Context, checksum, filename, storagePath string, size int64) error {
	const q = `
		INSERT INTO event_info_data (checksum, filename, size, storage_path)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (checksum) DO NOTHING`
	_, err := s.db.ExecContext(ctx, q, checksum, filename, size, storagePath)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "insert event info record failed", 500, err)
	}
	return nil
}

// LinkEventChecksum records which event-info blob an event's download
// resolved to.
func (s *Store) LinkEventChecksum(ctx context.Context, eventID uuid.UUID, checksum string) error {
	const q = `UPDATE events SET event_info_data_checksum=$1 WHERE id=$2`
	_, err := s.db.ExecContext(ctx, q, checksum, eventID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeDatabaseConflict, "link event checksum failed", 500, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
