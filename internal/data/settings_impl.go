package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SettingsModel stores engine-wide settings in a single row keyed by id = 1.
type SettingsModel struct {
	DB DBTX
}

func (m *SettingsModel) GetOperationMode(ctx context.Context) (OperationMode, error) {
	query := `SELECT operation_mode FROM emergency_settings WHERE id = 1`

	var mode OperationMode
	err := m.DB.QueryRowContext(ctx, query).Scan(&mode)
	if err == sql.ErrNoRows {
		return ModeSupervised, nil
	}
	if err != nil {
		return "", err
	}
	if !mode.Valid() {
		return "", fmt.Errorf("stored operation mode %q is invalid", mode)
	}
	return mode, nil
}

func (m *SettingsModel) SetOperationMode(ctx context.Context, mode OperationMode) error {
	query := `
		INSERT INTO emergency_settings (id, operation_mode, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			operation_mode = EXCLUDED.operation_mode,
			updated_at = EXCLUDED.updated_at
	`
	_, err := m.DB.ExecContext(ctx, query, mode, time.Now().UTC())
	return err
}
