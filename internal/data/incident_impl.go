package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type IncidentModel struct {
	DB DBTX
}

const incidentColumns = `id, event_id, drone_id, flight_id, emergency_type, severity, message, position, battery_level, status,
		protocol_id, response_action, fallback_action, auto_executed,
		confirmation_required, confirmed_by, confirmed_at, confirmation_timeout_at,
		action_started_at, action_completed_at, action_success, action_error,
		resolved_at, resolved_by, resolution_notes, root_cause, root_cause_notes, lessons_learned,
		timeline, detected_at, created_at, updated_at`

// UpsertIncident writes the full incident row. Detection fields are only set on insert.
func (m *IncidentModel) UpsertIncident(ctx context.Context, inc *Incident) error {
	position, err := marshalNullable(inc.Position)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	if inc.Timeline == nil {
		inc.Timeline = []TimelineEntry{}
	}
	timeline, err := json.Marshal(inc.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}

	query := `
		INSERT INTO emergency_incidents (` + incidentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			protocol_id = EXCLUDED.protocol_id,
			response_action = EXCLUDED.response_action,
			fallback_action = EXCLUDED.fallback_action,
			auto_executed = EXCLUDED.auto_executed,
			confirmation_required = EXCLUDED.confirmation_required,
			confirmed_by = EXCLUDED.confirmed_by,
			confirmed_at = EXCLUDED.confirmed_at,
			confirmation_timeout_at = EXCLUDED.confirmation_timeout_at,
			action_started_at = EXCLUDED.action_started_at,
			action_completed_at = EXCLUDED.action_completed_at,
			action_success = EXCLUDED.action_success,
			action_error = EXCLUDED.action_error,
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by,
			resolution_notes = EXCLUDED.resolution_notes,
			root_cause = EXCLUDED.root_cause,
			root_cause_notes = EXCLUDED.root_cause_notes,
			lessons_learned = EXCLUDED.lessons_learned,
			timeline = EXCLUDED.timeline,
			updated_at = EXCLUDED.updated_at
		WHERE emergency_incidents.updated_at <= EXCLUDED.updated_at
	`
	_, err = m.DB.ExecContext(ctx, query,
		inc.ID, inc.EventID, inc.DroneID, nullString(inc.FlightID), inc.EmergencyType, inc.Severity, inc.Message, position, inc.BatteryLevel, inc.Status,
		inc.ProtocolID, inc.ResponseAction, nullString(string(inc.FallbackAction)), inc.AutoExecuted,
		inc.ConfirmationRequired, nullString(inc.ConfirmedBy), inc.ConfirmedAt, inc.ConfirmationTimeoutAt,
		inc.ActionStartedAt, inc.ActionCompletedAt, inc.ActionSuccess, nullString(inc.ActionError),
		inc.ResolvedAt, nullString(inc.ResolvedBy), nullString(inc.ResolutionNotes),
		nullString(inc.RootCause), nullString(inc.RootCauseNotes), nullString(inc.LessonsLearned),
		string(timeline), inc.DetectedAt, inc.CreatedAt, inc.UpdatedAt,
	)
	return err
}

func (m *IncidentModel) GetIncident(ctx context.Context, id uuid.UUID) (*Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM emergency_incidents WHERE id = $1`

	inc, err := scanIncident(m.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// ListIncidents returns newest first. An empty status lists every incident.
func (m *IncidentModel) ListIncidents(ctx context.Context, status IncidentStatus, limit int) ([]*Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + incidentColumns + ` FROM emergency_incidents
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := m.DB.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, inc)
	}
	return list, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var (
		flightID, fallback, confirmedBy, actionError sql.NullString
		resolvedBy, notes, rootCause, rootCauseNotes sql.NullString
		lessons                                      sql.NullString
		protocolID                                   uuid.NullUUID
		confirmedAt, timeoutAt, startedAt            pq.NullTime
		completedAt, resolvedAt                      pq.NullTime
		success                                      sql.NullBool
		battery                                      sql.NullFloat64
		position, timeline                           []byte
	)

	err := row.Scan(
		&inc.ID, &inc.EventID, &inc.DroneID, &flightID, &inc.EmergencyType, &inc.Severity, &inc.Message, &position, &battery, &inc.Status,
		&protocolID, &inc.ResponseAction, &fallback, &inc.AutoExecuted,
		&inc.ConfirmationRequired, &confirmedBy, &confirmedAt, &timeoutAt,
		&startedAt, &completedAt, &success, &actionError,
		&resolvedAt, &resolvedBy, &notes, &rootCause, &rootCauseNotes, &lessons,
		&timeline, &inc.DetectedAt, &inc.CreatedAt, &inc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inc.FlightID = flightID.String
	inc.FallbackAction = ResponseAction(fallback.String)
	inc.ConfirmedBy = confirmedBy.String
	inc.ActionError = actionError.String
	inc.ResolvedBy = resolvedBy.String
	inc.ResolutionNotes = notes.String
	inc.RootCause = rootCause.String
	inc.RootCauseNotes = rootCauseNotes.String
	inc.LessonsLearned = lessons.String

	if protocolID.Valid {
		inc.ProtocolID = &protocolID.UUID
	}
	inc.ConfirmedAt = nullTimePtr(confirmedAt)
	inc.ConfirmationTimeoutAt = nullTimePtr(timeoutAt)
	inc.ActionStartedAt = nullTimePtr(startedAt)
	inc.ActionCompletedAt = nullTimePtr(completedAt)
	inc.ResolvedAt = nullTimePtr(resolvedAt)
	if success.Valid {
		inc.ActionSuccess = &success.Bool
	}
	if battery.Valid {
		inc.BatteryLevel = &battery.Float64
	}

	if len(position) > 0 && string(position) != "null" {
		var p Position
		if err := json.Unmarshal(position, &p); err != nil {
			return nil, fmt.Errorf("decode position: %w", err)
		}
		inc.Position = &p
	}
	if len(timeline) > 0 {
		if err := json.Unmarshal(timeline, &inc.Timeline); err != nil {
			return nil, fmt.Errorf("decode timeline: %w", err)
		}
	}
	return &inc, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t pq.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// marshalNullable encodes v as a JSONB parameter, mapping nil to SQL NULL.
func marshalNullable(v any) (sql.NullString, error) {
	switch p := v.(type) {
	case *Position:
		if p == nil {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if p == nil {
			return sql.NullString{}, nil
		}
	case map[string]float64:
		if p == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
