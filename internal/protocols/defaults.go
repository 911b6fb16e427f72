package protocols

import (
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-utm/internal/data"
)

const (
	SourceSystem   = "system"
	SourceFile     = "file"
	SourceDatabase = "database"
)

// namespace for deterministic protocol ids, so system and file protocols keep
// the same id across restarts and incidents can reference them.
var namespace = uuid.MustParse("8f0c5f52-6d1e-4b7a-9a57-1f3a0c2b7d10")

func protocolID(source string, t data.EmergencyType, s data.Severity) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(source+"/"+string(t)+"/"+string(s)))
}

type rule struct {
	t          data.EmergencyType
	s          data.Severity
	name       string
	action     data.ResponseAction
	fallback   data.ResponseAction
	confirm    bool
	timeout    int
	autoOnTime bool
	priority   int
}

var systemRules = []rule{
	{data.TypeCollisionAircraft, data.SeverityEmergency, "Aircraft collision imminent", data.ActionDescend, data.ActionHover, false, 0, true, 1},
	{data.TypeCollisionAircraft, data.SeverityCritical, "Aircraft in proximity", data.ActionDescend, data.ActionHover, true, 10, true, 1},
	{data.TypeCollisionDrone, data.SeverityEmergency, "Drone collision imminent", data.ActionClimb, data.ActionHover, false, 0, true, 2},
	{data.TypeCollisionDrone, data.SeverityCritical, "Drone in proximity", data.ActionHover, data.ActionClimb, true, 10, true, 2},
	{data.TypeCollisionObstacle, data.SeverityEmergency, "Obstacle collision imminent", data.ActionHover, data.ActionClimb, false, 0, true, 5},
	{data.TypeCollisionObstacle, data.SeverityCritical, "Obstacle in proximity", data.ActionClimb, data.ActionHover, true, 5, true, 5},
	{data.TypeGeofenceBreach, data.SeverityCritical, "Geofence breached", data.ActionRTH, data.ActionLand, true, 10, true, 10},
	{data.TypeBatteryCritical, data.SeverityEmergency, "Battery depleted", data.ActionLand, data.ActionHover, false, 0, true, 40},
	{data.TypeBatteryCritical, data.SeverityCritical, "Battery critical", data.ActionRTH, data.ActionLand, true, 30, true, 40},
	{data.TypeBatteryRapidDischarge, data.SeverityCritical, "Battery failing", data.ActionLand, data.ActionHover, true, 20, true, 42},
	{data.TypeBatteryRapidDischarge, data.SeverityWarning, "Battery draining fast", data.ActionRTH, data.ActionLand, true, 60, false, 42},
	{data.TypeBatteryLow, data.SeverityWarning, "Battery low", data.ActionRTH, data.ActionLand, true, 60, false, 45},
	{data.TypeGPSDegraded, data.SeverityCritical, "GPS unusable", data.ActionHover, data.ActionLand, false, 0, true, 50},
	{data.TypeGPSDegraded, data.SeverityWarning, "GPS degraded", data.ActionHover, data.ActionLand, true, 30, true, 50},
	{data.TypeSignalLost, data.SeverityCritical, "Link lost", data.ActionRTH, data.ActionLand, false, 0, true, 55},
	{data.TypeSignalLost, data.SeverityWarning, "Link interrupted", data.ActionHover, data.ActionRTH, true, 15, true, 55},
	{data.TypeGeofenceWarning, data.SeverityWarning, "Approaching geofence", data.ActionHover, data.ActionRTH, true, 30, false, 60},
	{data.TypeSignalWeak, data.SeverityWarning, "Link degraded", data.ActionNone, data.ActionHover, false, 0, false, 70},
}

// Defaults returns the built-in protocol set, one per type and severity the
// detector can produce. Each call returns fresh values.
func Defaults() []data.Protocol {
	epoch := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]data.Protocol, 0, len(systemRules))
	for _, r := range systemRules {
		timeout := r.timeout
		if timeout == 0 {
			timeout = data.DefaultConfirmationTimeoutSeconds
		}
		out = append(out, data.Protocol{
			ID:                         protocolID(SourceSystem, r.t, r.s),
			Name:                       r.name,
			EmergencyType:              r.t,
			Severity:                   r.s,
			ResponseAction:             r.action,
			FallbackAction:             r.fallback,
			RequiresConfirmation:       r.confirm,
			ConfirmationTimeoutSeconds: timeout,
			AutoExecuteOnTimeout:       r.autoOnTime,
			Priority:                   r.priority,
			NotifyOperator:             true,
			NotifySMS:                  r.s == data.SeverityEmergency,
			IsSystemDefault:            true,
			IsActive:                   true,
			Source:                     SourceSystem,
			CreatedAt:                  epoch,
			UpdatedAt:                  epoch,
		})
	}
	return out
}
