package emergency

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-utm/internal/config"
	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/decision"
	"github.com/technosupport/ts-utm/internal/eventbus"
	"github.com/technosupport/ts-utm/internal/ingest"
)

type memIncidents struct {
	mu   sync.Mutex
	rows map[uuid.UUID]data.Incident
}

func (m *memIncidents) UpsertIncident(_ context.Context, inc *data.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = make(map[uuid.UUID]data.Incident)
	}
	m.rows[inc.ID] = inc.Clone()
	return nil
}

func (m *memIncidents) GetIncident(_ context.Context, id uuid.UUID) (*data.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.rows[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	return &inc, nil
}

func (m *memIncidents) ListIncidents(context.Context, data.IncidentStatus, int) ([]*data.Incident, error) {
	return nil, nil
}

func (m *memIncidents) get(id uuid.UUID) (data.Incident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.rows[id]
	return inc, ok
}

type topicRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *topicRecorder) record(_ context.Context, evt eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *topicRecorder) commands() []eventbus.DroneCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.DroneCommand
	for _, e := range r.events {
		if cmd, ok := e.Payload.(eventbus.DroneCommand); ok {
			out = append(out, cmd)
		}
	}
	return out
}

func testOptions() Options {
	return Options{
		Mode:            data.ModeSupervised,
		SimulationScale: 0.001,
		Retention:       time.Hour,
	}
}

func startService(t *testing.T, opts Options, deps Deps) (*Service, *topicRecorder) {
	t.Helper()
	svc, err := New(opts, deps)
	require.NoError(t, err)
	rec := &topicRecorder{}
	svc.Bus.SubscribeAll(rec.record)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc, rec
}

func telemetryBody(t *testing.T, battery float64, at time.Time) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"droneId":        "drone-1",
		"flightId":       "flight-1",
		"timestamp":      at,
		"batteryLevel":   battery,
		"signalStrength": 95,
		"position":       data.Position{Lat: 12.97, Lng: 77.59, Altitude: 80},
	})
	require.NoError(t, err)
	return body
}

func findIncident(svc *Service, t data.EmergencyType) (data.Incident, bool) {
	for _, inc := range svc.Store.List("", 0) {
		if inc.EmergencyType == t {
			return inc, true
		}
	}
	return data.Incident{}, false
}

func findIncidentBySeverity(svc *Service, t data.EmergencyType, sev data.Severity) (data.Incident, bool) {
	for _, inc := range svc.Store.List("", 0) {
		if inc.EmergencyType == t && inc.Severity == sev {
			return inc, true
		}
	}
	return data.Incident{}, false
}

func TestService_BatteryDrainEndToEnd(t *testing.T) {
	repo := &memIncidents{}
	svc, rec := startService(t, testOptions(), Deps{Incidents: repo})

	ctx := context.Background()
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ingestLevel := func(i int, level float64) []data.EmergencyEvent {
		events, err := svc.Pipeline.Ingest(ctx, ingest.KindTelemetry, telemetryBody(t, level, start.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		return events
	}

	// Nine readings keep the discharge-rate check out of the picture.
	levels := []float64{30, 26, 24, 20, 15, 10, 8, 6}
	for i, level := range levels {
		events := ingestLevel(i, level)
		switch level {
		case 24:
			require.Len(t, events, 1)
			assert.Equal(t, data.TypeBatteryLow, events[0].Type)
		case 10:
			require.Len(t, events, 1)
			assert.Equal(t, data.TypeBatteryCritical, events[0].Type)
			assert.Equal(t, data.SeverityCritical, events[0].Severity)
		default:
			assert.Empty(t, events, "battery %.0f", level)
		}
	}

	require.Eventually(t, func() bool { return len(svc.Decision.Pending()) == 2 }, 2*time.Second, 10*time.Millisecond)
	low, ok := findIncident(svc, data.TypeBatteryLow)
	require.True(t, ok)
	assert.Equal(t, data.IncidentPendingConfirmation, low.Status)
	assert.Equal(t, data.ActionRTH, low.ResponseAction)
	waiting, ok := findIncidentBySeverity(svc, data.TypeBatteryCritical, data.SeverityCritical)
	require.True(t, ok)
	assert.Equal(t, data.IncidentPendingConfirmation, waiting.Status)

	events := ingestLevel(len(levels), 4)
	require.Len(t, events, 1, "escalation inside battery_critical is not deduplicated")
	assert.Equal(t, data.TypeBatteryCritical, events[0].Type)
	assert.Equal(t, data.SeverityEmergency, events[0].Severity)

	require.Eventually(t, func() bool {
		inc, ok := findIncidentBySeverity(svc, data.TypeBatteryCritical, data.SeverityEmergency)
		return ok && inc.Status == data.IncidentResolved
	}, 3*time.Second, 10*time.Millisecond)

	critical, _ := findIncidentBySeverity(svc, data.TypeBatteryCritical, data.SeverityEmergency)
	assert.True(t, critical.AutoExecuted)
	assert.False(t, critical.ConfirmationRequired)
	assert.Nil(t, critical.ConfirmedAt)
	require.NotNil(t, critical.ActionSuccess)
	assert.True(t, *critical.ActionSuccess)
	assert.Equal(t, data.ActionLand, critical.ResponseAction)

	superseded, err := svc.Store.Get(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, data.IncidentResolved, superseded.Status)
	assert.Contains(t, superseded.ResolutionNotes, "superseded")
	assert.Nil(t, superseded.ActionStartedAt, "the RTH was never sent")

	pending := svc.Decision.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, low.ID, pending[0].IncidentID)

	cmds := rec.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, data.ActionLand, cmds[0].Command)
	assert.True(t, cmds[0].Emergency)

	require.Eventually(t, func() bool {
		active := svc.Detector.ActiveEmergencies("drone-1")
		return len(active) == 1 && active[0] == data.TypeBatteryLow
	}, 2*time.Second, 10*time.Millisecond, "resolution re-arms battery_critical only")

	require.NoError(t, svc.Shutdown(context.Background()))

	stored, ok := repo.get(critical.ID)
	require.True(t, ok)
	assert.Equal(t, data.IncidentResolved, stored.Status)

	stored, ok = repo.get(waiting.ID)
	require.True(t, ok)
	assert.Equal(t, data.IncidentResolved, stored.Status)

	stored, ok = repo.get(low.ID)
	require.True(t, ok)
	assert.Equal(t, data.IncidentEscalated, stored.Status, "pending confirmations escalate on shutdown")

	_, err = svc.Decision.HandleDetected(data.EmergencyEvent{ID: uuid.New(), DroneID: "drone-1"})
	assert.ErrorIs(t, err, decision.ErrStopped)
}

func TestService_OperatorConfirmation(t *testing.T) {
	svc, rec := startService(t, testOptions(), Deps{})
	ctx := context.Background()

	body := []byte(`{"droneId":"drone-2","signalStrength":90,"batteryLevel":90,"gpsHdop":3}`)
	events, err := svc.Pipeline.Ingest(ctx, ingest.KindTelemetry, body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, data.TypeGPSDegraded, events[0].Type)

	require.Eventually(t, func() bool { return len(svc.Decision.Pending()) == 1 }, 2*time.Second, 10*time.Millisecond)
	pending := svc.Decision.Pending()[0]

	inc, err := svc.Decision.ConfirmAction(pending.IncidentID, true, "op-7")
	require.NoError(t, err)
	assert.Equal(t, data.IncidentExecuting, inc.Status)
	assert.False(t, inc.AutoExecuted)

	require.Eventually(t, func() bool {
		got, err := svc.Store.Get(pending.IncidentID)
		return err == nil && got.Status == data.IncidentResolved
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, rec.commands(), 1)

	_, err = svc.Decision.ConfirmAction(pending.IncidentID, true, "op-7")
	assert.ErrorIs(t, err, decision.ErrNoPendingConfirmation)
}

func TestService_FlightEndedClearsState(t *testing.T) {
	svc, _ := startService(t, Options{Mode: data.ModeAuto, SimulationScale: 0.001}, Deps{})
	ctx := context.Background()

	_, err := svc.Pipeline.Ingest(ctx, ingest.KindTelemetry, []byte(`{"droneId":"drone-3","batteryLevel":20,"signalStrength":90}`))
	require.NoError(t, err)
	assert.NotEmpty(t, svc.Detector.ActiveEmergencies("drone-3"))

	_, err = svc.Pipeline.Ingest(ctx, ingest.KindFlightEnded, []byte(`{"droneId":"drone-3","flightId":"f-3"}`))
	require.NoError(t, err)
	assert.Empty(t, svc.Detector.ActiveEmergencies("drone-3"))
}

func TestService_AckCompletionNeedsNATS(t *testing.T) {
	opts := testOptions()
	opts.Completion = config.CompletionAck
	_, err := New(opts, Deps{})
	assert.ErrorContains(t, err, "NATS")

	opts.Completion = "carrier-pigeon"
	_, err = New(opts, Deps{})
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestService_ShutdownIsIdempotent(t *testing.T) {
	svc, err := New(testOptions(), Deps{})
	require.NoError(t, err)
	assert.NoError(t, svc.Shutdown(context.Background()), "never started")

	require.NoError(t, svc.Start(context.Background()))
	assert.Error(t, svc.Start(context.Background()))
	assert.NoError(t, svc.Shutdown(context.Background()))
	assert.NoError(t, svc.Shutdown(context.Background()))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Executor.Workers = 3
	cfg.Persistence.SpoolMaxMB = 64

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, data.ModeAuto, opts.Mode)
	assert.Equal(t, 3, opts.Executor.Workers)
	assert.Equal(t, "utm", opts.Ingest.Prefix)
	assert.Equal(t, int64(64), opts.SpoolMaxMB)
	assert.Equal(t, 24*time.Hour, opts.Retention)
	assert.Equal(t, config.CompletionSimulated, opts.Completion)
}
