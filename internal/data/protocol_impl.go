package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ProtocolModel struct {
	DB DBTX
}

const protocolColumns = `id, name, emergency_type, severity, response_action, fallback_action,
		requires_confirmation, confirmation_timeout_seconds, auto_execute_on_timeout, priority,
		thresholds, conditions, notify_operator, notify_sms, notify_email, is_system_default, is_active,
		created_at, updated_at`

func (m *ProtocolModel) ListActiveProtocols(ctx context.Context) ([]Protocol, error) {
	query := `SELECT ` + protocolColumns + ` FROM emergency_protocols
		WHERE is_active = true
		ORDER BY priority ASC, created_at ASC`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

func (m *ProtocolModel) GetProtocol(ctx context.Context, id uuid.UUID) (*Protocol, error) {
	query := `SELECT ` + protocolColumns + ` FROM emergency_protocols WHERE id = $1`

	p, err := scanProtocol(m.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (m *ProtocolModel) CreateProtocol(ctx context.Context, p *Protocol) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	p.IsActive = true
	p.Source = "database"

	thresholds, conditions, err := encodeProtocolPayloads(p)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO emergency_protocols (` + protocolColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, false, true, $16, $17)
	`
	_, err = m.DB.ExecContext(ctx, query,
		p.ID, p.Name, p.EmergencyType, p.Severity, p.ResponseAction, nullString(string(p.FallbackAction)),
		p.RequiresConfirmation, p.ConfirmationTimeoutSeconds, p.AutoExecuteOnTimeout, p.Priority,
		thresholds, conditions, p.NotifyOperator, p.NotifySMS, p.NotifyEmail,
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// UpdateProtocol rewrites a custom protocol. System defaults never live in this table.
func (m *ProtocolModel) UpdateProtocol(ctx context.Context, p *Protocol) error {
	p.UpdatedAt = time.Now().UTC()

	thresholds, conditions, err := encodeProtocolPayloads(p)
	if err != nil {
		return err
	}

	query := `
		UPDATE emergency_protocols SET
			name = $2, emergency_type = $3, severity = $4, response_action = $5, fallback_action = $6,
			requires_confirmation = $7, confirmation_timeout_seconds = $8, auto_execute_on_timeout = $9,
			priority = $10, thresholds = $11, conditions = $12,
			notify_operator = $13, notify_sms = $14, notify_email = $15, updated_at = $16
		WHERE id = $1 AND is_active = true
	`
	res, err := m.DB.ExecContext(ctx, query,
		p.ID, p.Name, p.EmergencyType, p.Severity, p.ResponseAction, nullString(string(p.FallbackAction)),
		p.RequiresConfirmation, p.ConfirmationTimeoutSeconds, p.AutoExecuteOnTimeout,
		p.Priority, thresholds, conditions,
		p.NotifyOperator, p.NotifySMS, p.NotifyEmail, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (m *ProtocolModel) DeactivateProtocol(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE emergency_protocols SET is_active = false, updated_at = $2 WHERE id = $1 AND is_active = true`
	res, err := m.DB.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func encodeProtocolPayloads(p *Protocol) (sql.NullString, sql.NullString, error) {
	thresholds, err := marshalNullable(p.Thresholds)
	if err != nil {
		return sql.NullString{}, sql.NullString{}, fmt.Errorf("marshal thresholds: %w", err)
	}
	conditions, err := marshalNullable(p.Conditions)
	if err != nil {
		return sql.NullString{}, sql.NullString{}, fmt.Errorf("marshal conditions: %w", err)
	}
	return thresholds, conditions, nil
}

func scanProtocol(row rowScanner) (*Protocol, error) {
	var p Protocol
	var fallback sql.NullString
	var thresholds, conditions []byte

	err := row.Scan(
		&p.ID, &p.Name, &p.EmergencyType, &p.Severity, &p.ResponseAction, &fallback,
		&p.RequiresConfirmation, &p.ConfirmationTimeoutSeconds, &p.AutoExecuteOnTimeout, &p.Priority,
		&thresholds, &conditions, &p.NotifyOperator, &p.NotifySMS, &p.NotifyEmail, &p.IsSystemDefault, &p.IsActive,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.FallbackAction = ResponseAction(fallback.String)
	p.Source = "database"

	if len(thresholds) > 0 {
		if err := json.Unmarshal(thresholds, &p.Thresholds); err != nil {
			return nil, fmt.Errorf("decode thresholds: %w", err)
		}
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
	}
	return &p, nil
}
