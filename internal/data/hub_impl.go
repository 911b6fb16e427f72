package data

import (
	"context"
	"database/sql"
)

type HubModel struct {
	DB DBTX
}

// GetHomeHub returns nil, nil when the drone has no home hub assigned.
func (m *HubModel) GetHomeHub(ctx context.Context, droneID string) (*Hub, error) {
	query := `
		SELECT h.id, h.name, h.lat, h.lng, h.is_active
		FROM drones d
		JOIN hubs h ON h.id = d.home_hub_id
		WHERE d.id = $1
	`
	var h Hub
	err := m.DB.QueryRowContext(ctx, query, droneID).Scan(&h.ID, &h.Name, &h.Lat, &h.Lng, &h.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (m *HubModel) ListActiveHubs(ctx context.Context) ([]Hub, error) {
	query := `SELECT id, name, lat, lng, is_active FROM hubs WHERE is_active = true`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hubs []Hub
	for rows.Next() {
		var h Hub
		if err := rows.Scan(&h.ID, &h.Name, &h.Lat, &h.Lng, &h.IsActive); err != nil {
			return nil, err
		}
		hubs = append(hubs, h)
	}
	return hubs, rows.Err()
}
