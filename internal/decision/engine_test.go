package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/eventbus"
	"github.com/technosupport/ts-utm/internal/incidents"
)

type published struct {
	topic   eventbus.Topic
	payload any
}

type recordingBus struct {
	mu     sync.Mutex
	events []published
}

func (b *recordingBus) Publish(topic eventbus.Topic, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{topic, payload})
	return nil
}

func (b *recordingBus) count(topic eventbus.Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

func (b *recordingBus) last(topic eventbus.Topic) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].topic == topic {
			return b.events[i].payload
		}
	}
	return nil
}

type staticSource struct {
	protocols []data.Protocol
	err       error
}

func (s *staticSource) Load(context.Context) ([]data.Protocol, error) {
	return s.protocols, s.err
}

type MockSettingsRepo struct {
	mock.Mock
}

func (m *MockSettingsRepo) GetOperationMode(ctx context.Context) (data.OperationMode, error) {
	args := m.Called(ctx)
	return args.Get(0).(data.OperationMode), args.Error(1)
}

func (m *MockSettingsRepo) SetOperationMode(ctx context.Context, mode data.OperationMode) error {
	args := m.Called(ctx, mode)
	return args.Error(0)
}

func batteryLowProtocol() data.Protocol {
	return data.Protocol{
		ID:                         uuid.New(),
		Name:                       "Battery low",
		EmergencyType:              data.TypeBatteryLow,
		Severity:                   data.SeverityWarning,
		ResponseAction:             data.ActionRTH,
		FallbackAction:             data.ActionLand,
		RequiresConfirmation:       true,
		ConfirmationTimeoutSeconds: 30,
		AutoExecuteOnTimeout:       false,
	}
}

func newTestEngine(t *testing.T, protocols ...data.Protocol) (*Engine, *recordingBus, *incidents.Store) {
	t.Helper()
	bus := &recordingBus{}
	store := incidents.NewStore(nil)
	e, err := New(bus, store, &staticSource{protocols: protocols}, nil, nil, Config{Mode: data.ModeSupervised})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Shutdown)
	return e, bus, store
}

func event(t data.EmergencyType, sev data.Severity, payload map[string]any) data.EmergencyEvent {
	return data.EmergencyEvent{
		ID:         uuid.New(),
		Type:       t,
		Severity:   sev,
		DroneID:    "drone-1",
		FlightID:   "flight-1",
		Data:       payload,
		DetectedAt: time.Now().UTC(),
	}
}

func TestNeedsConfirmation_HardOverrides(t *testing.T) {
	e, _, _ := newTestEngine(t)
	requires := data.Protocol{RequiresConfirmation: true}

	for _, level := range []float64{0, 1.5, 4.99, 5} {
		evt := event(data.TypeBatteryCritical, data.SeverityCritical, map[string]any{"batteryLevel": level})
		assert.False(t, e.NeedsConfirmation(evt, requires), "battery %.2f", level)
	}
	evt := event(data.TypeBatteryCritical, data.SeverityCritical, map[string]any{"batteryLevel": 5.1})
	assert.True(t, e.NeedsConfirmation(evt, requires))

	for _, typ := range []data.EmergencyType{data.TypeCollisionAircraft, data.TypeGeofenceBreach, data.TypeSignalLost} {
		assert.False(t, e.NeedsConfirmation(event(typ, data.SeverityEmergency, nil), requires), string(typ))
	}

	assert.False(t, e.NeedsConfirmation(event(data.TypeBatteryLow, data.SeverityWarning, nil), data.Protocol{}))

	require.NoError(t, e.SetMode(context.Background(), data.ModeAuto))
	assert.False(t, e.NeedsConfirmation(event(data.TypeBatteryLow, data.SeverityWarning, nil), requires))
}

func TestHandleDetected_ExactProtocolQueuesConfirmation(t *testing.T) {
	p := batteryLowProtocol()
	e, bus, store := newTestEngine(t, p)

	inc, err := e.HandleDetected(event(data.TypeBatteryLow, data.SeverityWarning, map[string]any{"batteryLevel": 24.0}))
	require.NoError(t, err)
	assert.Equal(t, data.IncidentPendingConfirmation, inc.Status)
	assert.Equal(t, data.ActionRTH, inc.ResponseAction)
	require.NotNil(t, inc.ProtocolID)
	assert.Equal(t, p.ID, *inc.ProtocolID)
	assert.True(t, inc.ConfirmationRequired)
	require.NotNil(t, inc.ConfirmationTimeoutAt)

	assert.Equal(t, 1, bus.count(eventbus.TopicIncidentCreated))
	req, ok := bus.last(eventbus.TopicActionRequired).(eventbus.ActionRequiredPayload)
	require.True(t, ok)
	assert.Equal(t, 30, req.TimeoutSeconds)
	assert.Equal(t, data.ActionLand, req.FallbackAction)

	pending := e.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, inc.ID, pending[0].IncidentID)

	stored, err := store.Get(inc.ID)
	require.NoError(t, err)
	events := timelineEvents(stored)
	assert.Equal(t, []string{"created", "protocol_matched", "awaiting_confirmation"}, events)
}

func TestHandleDetected_FallsBackToMostSevereProtocolOfType(t *testing.T) {
	warning := batteryLowProtocol()
	warning.EmergencyType = data.TypeGPSDegraded
	critical := warning
	critical.ID = uuid.New()
	critical.Severity = data.SeverityCritical
	critical.ResponseAction = data.ActionLand
	critical.RequiresConfirmation = false
	e, _, _ := newTestEngine(t, warning, critical)

	set := e.protocols.Load()
	got, matched := set.match(event(data.TypeGPSDegraded, data.SeverityEmergency, nil))
	assert.True(t, matched)
	assert.Equal(t, critical.ID, got.ID)
}

func TestHandleDetected_DefaultResponseWhenNothingMatches(t *testing.T) {
	e, bus, _ := newTestEngine(t)

	tests := []struct {
		sev  data.Severity
		want data.ResponseAction
	}{
		{data.SeverityEmergency, data.ActionLand},
		{data.SeverityCritical, data.ActionRTH},
		{data.SeverityWarning, data.ActionHover},
	}
	for _, tt := range tests {
		inc, err := e.HandleDetected(event(data.TypeSignalWeak, tt.sev, nil))
		require.NoError(t, err)
		assert.Equal(t, tt.want, inc.ResponseAction)
		assert.Equal(t, data.IncidentExecuting, inc.Status)
		assert.Nil(t, inc.ProtocolID)
		assert.Contains(t, timelineEvents(inc), "no matching protocol")
	}
	assert.Equal(t, 3, bus.count(eventbus.TopicExecuteResponse))
}

func TestHandleDetected_EmergencyExecutesImmediately(t *testing.T) {
	p := batteryLowProtocol()
	p.EmergencyType = data.TypeBatteryCritical
	p.Severity = data.SeverityEmergency
	p.ResponseAction = data.ActionLand
	p.FallbackAction = data.ActionHover
	e, bus, _ := newTestEngine(t, p)

	inc, err := e.HandleDetected(event(data.TypeBatteryCritical, data.SeverityEmergency, map[string]any{"batteryLevel": 4.0}))
	require.NoError(t, err)
	assert.Equal(t, data.IncidentExecuting, inc.Status)
	assert.True(t, inc.AutoExecuted)
	assert.Empty(t, e.Pending())

	exec, ok := bus.last(eventbus.TopicExecuteResponse).(eventbus.ExecuteResponsePayload)
	require.True(t, ok)
	assert.Equal(t, data.ActionLand, exec.Action)
	assert.Equal(t, data.ActionHover, exec.FallbackAction)
	assert.Zero(t, bus.count(eventbus.TopicActionRequired))
}

func TestHandleDetected_DuplicateIsTolerated(t *testing.T) {
	e, bus, _ := newTestEngine(t, batteryLowProtocol())

	evt := event(data.TypeBatteryLow, data.SeverityWarning, nil)
	first, err := e.HandleDetected(evt)
	require.NoError(t, err)

	second, err := e.HandleDetected(evt)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, bus.count(eventbus.TopicIncidentCreated))
	assert.Len(t, e.Pending(), 1)
}

func TestConfirmAction_Approve(t *testing.T) {
	e, bus, _ := newTestEngine(t, batteryLowProtocol())
	inc, err := e.HandleDetected(event(data.TypeBatteryLow, data.SeverityWarning, nil))
	require.NoError(t, err)

	got, err := e.ConfirmAction(inc.ID, true, "operator-7")
	require.NoError(t, err)
	assert.Equal(t, data.IncidentExecuting, got.Status)
	assert.Equal(t, "operator-7", got.ConfirmedBy)
	assert.NotNil(t, got.ConfirmedAt)
	assert.False(t, got.AutoExecuted)
	assert.Equal(t, 1, bus.count(eventbus.TopicExecuteResponse))
	assert.Empty(t, e.Pending())

	_, err = e.ConfirmAction(inc.ID, true, "operator-7")
	assert.ErrorIs(t, err, ErrNoPendingConfirmation)
}

func TestConfirmAction_RejectResolvesWithoutExecution(t *testing.T) {
	p := batteryLowProtocol()
	p.ConfirmationTimeoutSeconds = 1
	p.AutoExecuteOnTimeout = true
	e, bus, store := newTestEngine(t, p)

	inc, err := e.HandleDetected(event(data.TypeBatteryLow, data.SeverityWarning, nil))
	require.NoError(t, err)

	got, err := e.ConfirmAction(inc.ID, false, "operator-7")
	require.NoError(t, err)
	assert.Equal(t, data.IncidentResolved, got.Status)
	assert.Contains(t, got.ResolutionNotes, "rejected")
	assert.Equal(t, 1, bus.count(eventbus.TopicActionRejected))
	assert.Equal(t, 1, bus.count(eventbus.TopicResolved))

	// The timer would have fired by now if it had not been cancelled.
	time.Sleep(1500 * time.Millisecond)
	final, err := store.Get(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, data.IncidentResolved, final.Status)
	assert.Zero(t, bus.count(eventbus.TopicExecuteResponse))
}

func TestConfirmAction_UnknownIncident(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.ConfirmAction(uuid.New(), true, "operator-7")
	assert.ErrorIs(t, err, ErrIncidentNotFound)

	inc, err := e.HandleDetected(event(data.TypeCollisionAircraft, data.SeverityEmergency, nil))
	require.NoError(t, err)
	_, err = e.ConfirmAction(inc.ID, true, "operator-7")
	assert.ErrorIs(t, err, ErrNoPendingConfirmation)

	after, _ := e.store.Get(inc.ID)
	assert.Equal(t, data.IncidentExecuting, after.Status, "state untouched")
}

func TestConfirmationTimeout_AutoExecutes(t *testing.T) {
	p := batteryLowProtocol()
	p.ConfirmationTimeoutSeconds = 1
	p.AutoExecuteOnTimeout = true
	e, bus, store := newTestEngine(t, p)

	inc, err := e.HandleDetected(event(data.TypeBatteryLow, data.SeverityWarning, nil))
	require.NoError(t, err)
	require.Equal(t, data.IncidentPendingConfirmation, inc.Status)

	assert.Eventually(t, func() bool {
		cur, _ := store.Get(inc.ID)
		return cur.Status == data.IncidentExecuting
	}, 3*time.Second, 20*time.Millisecond)

	cur, _ := store.Get(inc.ID)
	assert.False(t, cur.AutoExecuted, "supervised warning stays operator-path even on timeout")
	assert.Contains(t, timelineEvents(cur), "confirmation_timeout")
	assert.Equal(t, "timeout", timelineEntry(cur, "executing").Data["trigger"])
	assert.Equal(t, 1, bus.count(eventbus.TopicExecuteResponse))

	_, err = e.ConfirmAction(inc.ID, true, "late-operator")
	assert.ErrorIs(t, err, ErrNoPendingConfirmation)
}

func TestHandleDetected_MoreSevereEventSupersedesPending(t *testing.T) {
	critical := data.Protocol{
		ID:                         uuid.New(),
		Name:                       "Battery critical",
		EmergencyType:              data.TypeBatteryCritical,
		Severity:                   data.SeverityCritical,
		ResponseAction:             data.ActionRTH,
		FallbackAction:             data.ActionLand,
		RequiresConfirmation:       true,
		ConfirmationTimeoutSeconds: 30,
	}
	landNow := critical
	landNow.ID = uuid.New()
	landNow.Name = "Battery exhausted"
	landNow.Severity = data.SeverityEmergency
	landNow.ResponseAction = data.ActionLand
	landNow.RequiresConfirmation = false
	e, bus, store := newTestEngine(t, critical, landNow, batteryLowProtocol())

	low, err := e.HandleDetected(event(data.TypeBatteryLow, data.SeverityWarning, map[string]any{"batteryLevel": 24.0}))
	require.NoError(t, err)
	older, err := e.HandleDetected(event(data.TypeBatteryCritical, data.SeverityCritical, map[string]any{"batteryLevel": 9.0}))
	require.NoError(t, err)
	require.Equal(t, data.IncidentPendingConfirmation, older.Status)
	require.Len(t, e.Pending(), 2)

	newer, err := e.HandleDetected(event(data.TypeBatteryCritical, data.SeverityEmergency, map[string]any{"batteryLevel": 4.0}))
	require.NoError(t, err)
	assert.Equal(t, data.IncidentExecuting, newer.Status, "emergency never waits for an operator")
	assert.Equal(t, data.ActionLand, newer.ResponseAction)
	assert.True(t, newer.AutoExecuted)

	cur, err := store.Get(older.ID)
	require.NoError(t, err)
	assert.Equal(t, data.IncidentResolved, cur.Status)
	assert.Contains(t, cur.ResolutionNotes, "superseded")
	assert.Contains(t, cur.ResolutionNotes, newer.ID.String())
	assert.Contains(t, timelineEvents(cur), "superseded")

	pending := e.Pending()
	require.Len(t, pending, 1, "other types keep waiting")
	assert.Equal(t, low.ID, pending[0].IncidentID)
	assert.Equal(t, 1, bus.count(eventbus.TopicResolved))
	assert.Equal(t, 1, bus.count(eventbus.TopicExecuteResponse))

	_, err = e.ConfirmAction(older.ID, true, "operator-1")
	assert.ErrorIs(t, err, ErrNoPendingConfirmation)
}

func TestConfirmationTimeout_EscalatesWithoutAutoExecute(t *testing.T) {
	p := batteryLowProtocol()
	p.ConfirmationTimeoutSeconds = 1
	e, bus, store := newTestEngine(t, p)

	inc, err := e.HandleDetected(event(data.TypeBatteryLow, data.SeverityWarning, nil))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		cur, _ := store.Get(inc.ID)
		return cur.Status == data.IncidentEscalated
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, bus.count(eventbus.TopicEscalated))
	assert.Zero(t, bus.count(eventbus.TopicExecuteResponse))
}

func TestShutdown_EscalatesPending(t *testing.T) {
	e, bus, store := newTestEngine(t, batteryLowProtocol())

	a, err := e.HandleDetected(event(data.TypeBatteryLow, data.SeverityWarning, nil))
	require.NoError(t, err)
	evt := event(data.TypeBatteryLow, data.SeverityWarning, nil)
	evt.DroneID = "drone-2"
	b, err := e.HandleDetected(evt)
	require.NoError(t, err)

	e.Shutdown()

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		cur, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, data.IncidentEscalated, cur.Status)
	}
	assert.Equal(t, 2, bus.count(eventbus.TopicEscalated))
	assert.Empty(t, e.Pending())

	_, err = e.HandleDetected(event(data.TypeBatteryLow, data.SeverityWarning, nil))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSetMode(t *testing.T) {
	settings := new(MockSettingsRepo)
	settings.On("GetOperationMode", mock.Anything).Return(data.ModeAuto, nil)
	settings.On("SetOperationMode", mock.Anything, data.ModeSupervised).Return(nil)
	settings.On("SetOperationMode", mock.Anything, data.ModeAuto).Return(errors.New("db down"))

	bus := &recordingBus{}
	e, err := New(bus, incidents.NewStore(nil), nil, settings, nil, Config{})
	require.NoError(t, err)
	assert.Equal(t, data.ModeSupervised, e.Mode())

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, data.ModeAuto, e.Mode(), "persisted mode wins")

	require.NoError(t, e.SetMode(context.Background(), data.ModeSupervised))
	changed, ok := bus.last(eventbus.TopicModeChanged).(eventbus.ModeChangedPayload)
	require.True(t, ok)
	assert.Equal(t, data.ModeSupervised, changed.Mode)
	assert.Equal(t, data.ModeAuto, changed.PreviousMode)

	assert.Error(t, e.SetMode(context.Background(), data.ModeAuto))
	assert.Equal(t, data.ModeSupervised, e.Mode(), "failed persist keeps the old mode")

	assert.ErrorIs(t, e.SetMode(context.Background(), "manual"), ErrInvalidMode)
	settings.AssertExpectations(t)
}

func TestReloadProtocols_KeepsPendingProtocol(t *testing.T) {
	p := batteryLowProtocol()
	src := &staticSource{protocols: []data.Protocol{p}}
	e, err := New(&recordingBus{}, incidents.NewStore(nil), src, nil, nil, Config{})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Shutdown)

	inc, err := e.HandleDetected(event(data.TypeBatteryLow, data.SeverityWarning, nil))
	require.NoError(t, err)

	changed := p
	changed.ResponseAction = data.ActionLand
	src.protocols = []data.Protocol{changed}
	require.NoError(t, e.ReloadProtocols(context.Background()))
	assert.Equal(t, data.ActionLand, e.Protocols()[0].ResponseAction)
	assert.Equal(t, data.ActionRTH, e.Pending()[0].Action)

	got, err := e.ConfirmAction(inc.ID, true, "op")
	require.NoError(t, err)
	assert.Equal(t, data.ActionRTH, got.ResponseAction)

	src.err = errors.New("file unreadable")
	assert.Error(t, e.ReloadProtocols(context.Background()))
	assert.Len(t, e.Protocols(), 1, "failed reload keeps the current set")
}

func TestConfirmVersusTimeoutRace(t *testing.T) {
	p := batteryLowProtocol()
	p.ConfirmationTimeoutSeconds = 1
	p.AutoExecuteOnTimeout = true
	e, bus, _ := newTestEngine(t, p)

	inc, err := e.HandleDetected(event(data.TypeBatteryLow, data.SeverityWarning, nil))
	require.NoError(t, err)

	time.Sleep(990 * time.Millisecond)
	_, _ = e.ConfirmAction(inc.ID, true, "op")
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, bus.count(eventbus.TopicExecuteResponse), "exactly one path executes")
}

func timelineEntry(inc data.Incident, event string) data.TimelineEntry {
	for _, entry := range inc.Timeline {
		if entry.Event == event {
			return entry
		}
	}
	return data.TimelineEntry{}
}

func timelineEvents(inc data.Incident) []string {
	out := make([]string, 0, len(inc.Timeline))
	for _, entry := range inc.Timeline {
		out = append(out, entry.Event)
	}
	return out
}
