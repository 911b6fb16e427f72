package executor

import (
	"context"
	"fmt"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/telemetry"
)

// Battery planning, percent.
const (
	batteryPerKm     = 1.0
	rthReserve       = 10.0
	divertReserve    = 5.0
	reasonNoHubs     = "No safe zones nearby"
	reasonNoHome     = "No home hub registered"
	reasonNoPosition = "Current position unknown"
)

// SnapshotReader returns the latest known drone state, or nil when unknown.
type SnapshotReader interface {
	Get(ctx context.Context, droneID string) (*telemetry.Snapshot, error)
}

type Validation struct {
	Safe       bool      `json:"safe"`
	Reason     string    `json:"reason,omitempty"`
	Target     *data.Hub `json:"target,omitempty"`
	DistanceKm float64   `json:"distanceKm,omitempty"`
	Required   float64   `json:"requiredBattery,omitempty"`
}

// Validator decides whether an action can be flown with the current state.
// LAND is always accepted; it does not check terrain, water or populated
// areas under the drone.
type Validator struct {
	hubs      data.HubRepository
	snapshots SnapshotReader
}

// NewValidator accepts nil dependencies. Without hubs RTH and DIVERT are never
// safe; without a snapshot the position and battery recorded on the incident
// at detection are used.
func NewValidator(hubs data.HubRepository, snapshots SnapshotReader) *Validator {
	if hubs == nil {
		hubs = noHubs{}
	}
	if snapshots == nil {
		snapshots = noSnapshots{}
	}
	return &Validator{hubs: hubs, snapshots: snapshots}
}

type noHubs struct{}

func (noHubs) GetHomeHub(context.Context, string) (*data.Hub, error) { return nil, nil }
func (noHubs) ListActiveHubs(context.Context) ([]data.Hub, error)    { return nil, nil }

type noSnapshots struct{}

func (noSnapshots) Get(context.Context, string) (*telemetry.Snapshot, error) { return nil, nil }

func (v *Validator) ValidateAction(ctx context.Context, inc data.Incident, action data.ResponseAction) (Validation, error) {
	switch action {
	case data.ActionRTH:
		return v.validateRTH(ctx, inc)
	case data.ActionDivert:
		return v.validateDivert(ctx, inc)
	case data.ActionLand, data.ActionHover, data.ActionDescend, data.ActionClimb, data.ActionEStop, data.ActionNone:
		return Validation{Safe: true}, nil
	}
	return Validation{Reason: fmt.Sprintf("unknown action %q", action)}, nil
}

func (v *Validator) current(ctx context.Context, inc data.Incident) (*data.Position, float64, bool, error) {
	snap, err := v.snapshots.Get(ctx, inc.DroneID)
	if err != nil {
		return nil, 0, false, fmt.Errorf("read drone state: %w", err)
	}
	if snap == nil {
		if inc.Position == nil || inc.BatteryLevel == nil {
			return nil, 0, false, nil
		}
		pos := *inc.Position
		return &pos, *inc.BatteryLevel, true, nil
	}
	pos := snap.Position
	return &pos, snap.BatteryLevel, true, nil
}

func (v *Validator) validateRTH(ctx context.Context, inc data.Incident) (Validation, error) {
	home, err := v.hubs.GetHomeHub(ctx, inc.DroneID)
	if err != nil {
		return Validation{}, fmt.Errorf("look up home hub: %w", err)
	}
	if home == nil {
		return Validation{Reason: reasonNoHome}, nil
	}
	pos, battery, ok, err := v.current(ctx, inc)
	if err != nil {
		return Validation{}, err
	}
	if !ok {
		return Validation{Reason: reasonNoPosition}, nil
	}

	dist := DistanceKm(*pos, hubPosition(*home))
	need := dist*batteryPerKm + rthReserve
	res := Validation{Target: home, DistanceKm: dist, Required: need}
	if battery < need {
		res.Reason = fmt.Sprintf("Insufficient battery for RTH: need %.1f%%, have %.1f%%", need, battery)
		return res, nil
	}
	res.Safe = true
	return res, nil
}

func (v *Validator) validateDivert(ctx context.Context, inc data.Incident) (Validation, error) {
	hubs, err := v.hubs.ListActiveHubs(ctx)
	if err != nil {
		return Validation{}, fmt.Errorf("list hubs: %w", err)
	}
	if len(hubs) == 0 {
		return Validation{Reason: reasonNoHubs}, nil
	}
	pos, battery, ok, err := v.current(ctx, inc)
	if err != nil {
		return Validation{}, err
	}
	if !ok {
		return Validation{Reason: reasonNoPosition}, nil
	}

	nearest := hubs[0]
	best := DistanceKm(*pos, hubPosition(nearest))
	for _, h := range hubs[1:] {
		if d := DistanceKm(*pos, hubPosition(h)); d < best {
			nearest, best = h, d
		}
	}

	need := best*batteryPerKm + divertReserve
	res := Validation{Target: &nearest, DistanceKm: best, Required: need}
	if battery < need {
		res.Reason = fmt.Sprintf("Insufficient battery to divert to %s: need %.1f%%, have %.1f%%", nearest.Name, need, battery)
		return res, nil
	}
	res.Safe = true
	return res, nil
}
