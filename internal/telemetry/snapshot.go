package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-utm/internal/data"
)

const DefaultSnapshotTTL = 10 * time.Minute

// Snapshot is the most recent known state of a drone.
type Snapshot struct {
	DroneID        string        `json:"droneId"`
	FlightID       string        `json:"flightId,omitempty"`
	Position       data.Position `json:"position"`
	BatteryLevel   float64       `json:"batteryLevel"`
	SignalStrength float64       `json:"signalStrength"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// SnapshotStore keeps the latest sample per drone in Redis so the response
// executor can validate actions without touching detection state.
type SnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSnapshotStore(client *redis.Client, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotStore{client: client, ttl: ttl}
}

func snapshotKey(droneID string) string {
	return fmt.Sprintf("drone:state:%s", droneID)
}

func (s *SnapshotStore) Save(ctx context.Context, sample Sample) error {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	key := snapshotKey(sample.DroneID)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"flight_id", sample.FlightID,
		"lat", sample.Position.Lat,
		"lng", sample.Position.Lng,
		"altitude", sample.Position.Altitude,
		"battery", sample.BatteryLevel,
		"signal", sample.SignalStrength,
		"updated_at", ts.UnixMilli(),
	)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns nil, nil when nothing is known about the drone.
func (s *SnapshotStore) Get(ctx context.Context, droneID string) (*Snapshot, error) {
	vals, err := s.client.HGetAll(ctx, snapshotKey(droneID)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}

	snap := &Snapshot{DroneID: droneID, FlightID: vals["flight_id"]}
	fields := []struct {
		name string
		dst  *float64
	}{
		{"lat", &snap.Position.Lat},
		{"lng", &snap.Position.Lng},
		{"altitude", &snap.Position.Altitude},
		{"battery", &snap.BatteryLevel},
		{"signal", &snap.SignalStrength},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(vals[f.name], 64)
		if err != nil {
			return nil, fmt.Errorf("snapshot field %s: %w", f.name, err)
		}
		*f.dst = v
	}
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		snap.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return snap, nil
}

func (s *SnapshotStore) Delete(ctx context.Context, droneID string) error {
	return s.client.Del(ctx, snapshotKey(droneID)).Err()
}
