package detection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/eventbus"
	"github.com/technosupport/ts-utm/internal/metrics"
	"github.com/technosupport/ts-utm/internal/telemetry"
)

// Engine turns raw drone signals into typed emergency events. Calls for the
// same drone are serialized on that drone's state; different drones run in parallel.
type Engine struct {
	bus    eventbus.Publisher
	log    *zap.Logger
	now    func() time.Time
	states sync.Map // drone id -> *droneState
}

func NewEngine(bus eventbus.Publisher, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		bus: bus,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) state(droneID string) *droneState {
	if v, ok := e.states.Load(droneID); ok {
		return v.(*droneState)
	}
	v, _ := e.states.LoadOrStore(droneID, newDroneState())
	return v.(*droneState)
}

// AnalyzeTelemetry runs the battery, signal and GPS checks and returns the
// events that were actually published after deduplication.
func (e *Engine) AnalyzeTelemetry(sample telemetry.Sample) []data.EmergencyEvent {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	pos := sample.Position

	st := e.state(sample.DroneID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Every telemetry event carries the battery level so the response can be
	// planned without a snapshot store.
	newEvent := func(t data.EmergencyType, sev data.Severity, msg string, payload map[string]any) data.EmergencyEvent {
		p := pos
		if _, ok := payload["batteryLevel"]; !ok {
			payload["batteryLevel"] = sample.BatteryLevel
		}
		return data.EmergencyEvent{
			ID:         uuid.New(),
			Type:       t,
			Severity:   sev,
			DroneID:    sample.DroneID,
			FlightID:   sample.FlightID,
			Message:    msg,
			Data:       payload,
			DetectedAt: ts,
			Position:   &p,
		}
	}

	var candidates []data.EmergencyEvent

	level := sample.BatteryLevel
	st.recordBattery(level, ts)
	switch {
	case level <= batteryEmergencyLevel:
		candidates = append(candidates, newEvent(data.TypeBatteryCritical, data.SeverityEmergency,
			fmt.Sprintf("Battery at %.1f%%, immediate landing required", level),
			map[string]any{"batteryLevel": level}))
	case level <= batteryCriticalLevel:
		candidates = append(candidates, newEvent(data.TypeBatteryCritical, data.SeverityCritical,
			fmt.Sprintf("Battery critically low at %.1f%%", level),
			map[string]any{"batteryLevel": level}))
	case level <= batteryWarningLevel:
		candidates = append(candidates, newEvent(data.TypeBatteryLow, data.SeverityWarning,
			fmt.Sprintf("Battery low at %.1f%%", level),
			map[string]any{"batteryLevel": level}))
	}

	if rate, ok := st.dischargeRate(); ok {
		var sev data.Severity
		switch {
		case rate >= dischargeCriticalRate:
			sev = data.SeverityCritical
		case rate >= dischargeWarningRate:
			sev = data.SeverityWarning
		}
		if sev != "" {
			payload := map[string]any{
				"dischargeRate": rate,
				"batteryLevel":  level,
				"samples":       len(st.battery),
			}
			if sample.BatteryDischargeRate != nil {
				payload["reportedDischargeRate"] = *sample.BatteryDischargeRate
			}
			candidates = append(candidates, newEvent(data.TypeBatteryRapidDischarge, sev,
				fmt.Sprintf("Battery discharging at %.2f%%/min", rate), payload))
		}
	}

	strength := sample.SignalStrength
	st.lastSignal = strength
	if strength <= signalLostThreshold {
		if st.signalLostSince.IsZero() {
			st.signalLostSince = ts
		}
		lost := ts.Sub(st.signalLostSince)
		var sev data.Severity
		switch {
		case lost >= signalLostCritical:
			sev = data.SeverityCritical
		case lost >= signalLostWarning:
			sev = data.SeverityWarning
		}
		if sev != "" {
			candidates = append(candidates, newEvent(data.TypeSignalLost, sev,
				fmt.Sprintf("Signal lost for %.0fs", lost.Seconds()),
				map[string]any{"signalStrength": strength, "lostSeconds": lost.Seconds()}))
		}
	} else {
		st.signalLostSince = time.Time{}
		if strength < signalWeakThreshold {
			candidates = append(candidates, newEvent(data.TypeSignalWeak, data.SeverityWarning,
				fmt.Sprintf("Signal weak at %.0f", strength),
				map[string]any{"signalStrength": strength}))
		}
	}

	if sample.GPSHdop != nil {
		hdop := *sample.GPSHdop
		var sev data.Severity
		switch {
		case hdop >= hdopCritical:
			sev = data.SeverityCritical
		case hdop >= hdopWarning:
			sev = data.SeverityWarning
		}
		if sev != "" {
			payload := map[string]any{"hdop": hdop}
			if sample.GPSSatellites != nil {
				payload["satellites"] = *sample.GPSSatellites
			}
			candidates = append(candidates, newEvent(data.TypeGPSDegraded, sev,
				fmt.Sprintf("GPS accuracy degraded, HDOP %.1f", hdop), payload))
		}
	}

	return e.emitLocked(st, candidates)
}

// AnalyzeGeofence returns the published event, or nil. A sample inside the safe
// zone clears both geofence flags for the drone.
func (e *Engine) AnalyzeGeofence(sample telemetry.GeofenceSample) *data.EmergencyEvent {
	st := e.state(sample.DroneID)
	st.mu.Lock()
	defer st.mu.Unlock()

	payload := map[string]any{"distanceToBoundary": sample.DistanceToBoundary}
	if sample.BoundaryName != "" {
		payload["boundaryName"] = sample.BoundaryName
	}

	var candidate data.EmergencyEvent
	switch {
	case sample.IsBreached:
		candidate = e.simpleEvent(sample.DroneID, sample.FlightID, data.TypeGeofenceBreach, data.SeverityCritical,
			fmt.Sprintf("Geofence %s breached", boundaryLabel(sample.BoundaryName)), payload)
	case sample.DistanceToBoundary <= geofenceProximityMeters:
		candidate = e.simpleEvent(sample.DroneID, sample.FlightID, data.TypeGeofenceWarning, data.SeverityWarning,
			fmt.Sprintf("%.0fm from geofence %s", sample.DistanceToBoundary, boundaryLabel(sample.BoundaryName)), payload)
	default:
		delete(st.active, data.TypeGeofenceBreach)
		delete(st.active, data.TypeGeofenceWarning)
		return nil
	}

	emitted := e.emitLocked(st, []data.EmergencyEvent{candidate})
	if len(emitted) == 0 {
		return nil
	}
	return &emitted[0]
}

// AnalyzeCollision returns the published event, or nil when the threat is out of range.
func (e *Engine) AnalyzeCollision(sample telemetry.CollisionSample) *data.EmergencyEvent {
	band, ok := collisionBands[string(sample.ThreatType)]
	if !ok {
		return nil
	}

	var sev data.Severity
	switch {
	case sample.Distance < band.emergency:
		sev = data.SeverityEmergency
	case sample.Distance < band.critical:
		sev = data.SeverityCritical
	default:
		return nil
	}

	payload := map[string]any{
		"threatType": string(sample.ThreatType),
		"distance":   sample.Distance,
		"bearing":    sample.Bearing,
	}
	if sample.ThreatID != "" {
		payload["threatId"] = sample.ThreatID
	}
	t := data.EmergencyType("collision_" + string(sample.ThreatType))
	candidate := e.simpleEvent(sample.DroneID, sample.FlightID, t, sev,
		fmt.Sprintf("%s at %.0fm, bearing %.0f", sample.ThreatType, sample.Distance, sample.Bearing), payload)

	st := e.state(sample.DroneID)
	st.mu.Lock()
	defer st.mu.Unlock()

	emitted := e.emitLocked(st, []data.EmergencyEvent{candidate})
	if len(emitted) == 0 {
		return nil
	}
	return &emitted[0]
}

func (e *Engine) simpleEvent(droneID, flightID string, t data.EmergencyType, sev data.Severity, msg string, payload map[string]any) data.EmergencyEvent {
	return data.EmergencyEvent{
		ID:         uuid.New(),
		Type:       t,
		Severity:   sev,
		DroneID:    droneID,
		FlightID:   flightID,
		Message:    msg,
		Data:       payload,
		DetectedAt: e.now(),
	}
}

func boundaryLabel(name string) string {
	if name == "" {
		return "boundary"
	}
	return name
}

// emitLocked publishes every candidate whose type is not already active. An
// active type is published again only when the candidate is more severe, so a
// drone sliding from critical into emergency is not held back by the older flag.
func (e *Engine) emitLocked(st *droneState, candidates []data.EmergencyEvent) []data.EmergencyEvent {
	var out []data.EmergencyEvent
	for _, evt := range candidates {
		if cur, active := st.active[evt.Type]; active && !evt.Severity.MoreSevereThan(cur.severity) {
			metrics.DetectionsSuppressed.WithLabelValues(string(evt.Type)).Inc()
			continue
		}
		if err := e.bus.Publish(eventbus.TopicDetected, evt); err != nil {
			e.log.Error("publish detected event failed",
				zap.String("drone_id", evt.DroneID),
				zap.String("type", string(evt.Type)),
				zap.Error(err),
			)
			continue
		}
		st.active[evt.Type] = activeEmergency{severity: evt.Severity, eventID: evt.ID}
		metrics.DetectionsTotal.WithLabelValues(string(evt.Type), string(evt.Severity)).Inc()
		e.log.Info("emergency detected",
			zap.String("drone_id", evt.DroneID),
			zap.String("type", string(evt.Type)),
			zap.String("severity", string(evt.Severity)),
		)
		out = append(out, evt)
	}
	return out
}

// ClearEmergency re-arms detection of one type. It reports whether the type was active.
func (e *Engine) ClearEmergency(droneID string, t data.EmergencyType) bool {
	v, ok := e.states.Load(droneID)
	if !ok {
		return false
	}
	st := v.(*droneState)
	st.mu.Lock()
	defer st.mu.Unlock()
	_, was := st.active[t]
	delete(st.active, t)
	return was
}

// ClearAllEmergencies is called on flight end. Battery history and the signal
// timer are reset too since the next flight starts from a fresh state.
func (e *Engine) ClearAllEmergencies(droneID string) {
	v, ok := e.states.Load(droneID)
	if !ok {
		return
	}
	st := v.(*droneState)
	st.mu.Lock()
	st.reset()
	st.mu.Unlock()
}

// ActiveEmergencies lists the active types for a drone, sorted by name.
func (e *Engine) ActiveEmergencies(droneID string) []data.EmergencyType {
	v, ok := e.states.Load(droneID)
	if !ok {
		return nil
	}
	st := v.(*droneState)
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]data.EmergencyType, 0, len(st.active))
	for t := range st.active {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OnIncidentClosed keeps the active set in step with open incidents. It is
// subscribed to the resolved and execution_failed topics.
func (e *Engine) OnIncidentClosed(_ context.Context, evt eventbus.Event) {
	var inc data.Incident
	switch p := evt.Payload.(type) {
	case eventbus.IncidentPayload:
		inc = p.Incident
	case eventbus.ExecutionFailedPayload:
		inc = p.Incident
	default:
		return
	}

	v, ok := e.states.Load(inc.DroneID)
	if !ok {
		return
	}
	st := v.(*droneState)
	st.mu.Lock()
	defer st.mu.Unlock()
	if cur, ok := st.active[inc.EmergencyType]; ok && cur.eventID == inc.EventID {
		delete(st.active, inc.EmergencyType)
	}
}
