package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/telemetry"
)

type fakeDetector struct {
	mu        sync.Mutex
	telemetry []telemetry.Sample
	geofence  []telemetry.GeofenceSample
	collision []telemetry.CollisionSample
	cleared   []string
}

func (d *fakeDetector) AnalyzeTelemetry(s telemetry.Sample) []data.EmergencyEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.telemetry = append(d.telemetry, s)
	if s.BatteryLevel <= 10 {
		return []data.EmergencyEvent{{Type: data.TypeBatteryCritical, DroneID: s.DroneID}}
	}
	return nil
}

func (d *fakeDetector) AnalyzeGeofence(s telemetry.GeofenceSample) *data.EmergencyEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.geofence = append(d.geofence, s)
	if s.IsBreached {
		return &data.EmergencyEvent{Type: data.TypeGeofenceBreach, DroneID: s.DroneID}
	}
	return nil
}

func (d *fakeDetector) AnalyzeCollision(s telemetry.CollisionSample) *data.EmergencyEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.collision = append(d.collision, s)
	return nil
}

func (d *fakeDetector) ClearAllEmergencies(droneID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared = append(d.cleared, droneID)
}

func (d *fakeDetector) telemetryFor(droneID string) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []float64
	for _, s := range d.telemetry {
		if s.DroneID == droneID {
			out = append(out, s.BatteryLevel)
		}
	}
	return out
}

func setupSnapshots(t *testing.T) *telemetry.SnapshotStore {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return telemetry.NewSnapshotStore(rdb, time.Minute)
}

func TestDedup(t *testing.T) {
	d, err := NewDedup(10, time.Second)
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))
	assert.False(t, d.IsDuplicate("b"))

	now = now.Add(2 * time.Second)
	assert.False(t, d.IsDuplicate("a"), "expired entries are accepted again")
	assert.True(t, d.IsDuplicate("a"))
}

func TestBuildDedupKey(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	assert.Equal(t, "telemetry|d1|f1|1700000000123", BuildDedupKey(KindTelemetry, "d1", "f1", ts))
	assert.Empty(t, BuildDedupKey(KindTelemetry, "d1", "f1", time.Time{}))

	a := BodyDedupKey(KindGeofence, "d1", []byte(`{"droneId":"d1"}`))
	b := BodyDedupKey(KindGeofence, "d1", []byte(`{"droneId":"d1","isBreached":true}`))
	assert.NotEqual(t, a, b)
}

func TestDecode(t *testing.T) {
	msg, err := Decode(KindTelemetry, []byte(`{"droneId":"d1","flightId":"f1","timestamp":"2026-01-01T00:00:00Z","batteryLevel":55,"gpsHdop":2.5}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Telemetry)
	assert.Equal(t, "d1", msg.DroneID)
	assert.Equal(t, 2.5, *msg.Telemetry.GPSHdop)
	assert.Nil(t, msg.Telemetry.GPSSatellites)
	assert.NotEmpty(t, msg.Key)

	msg, err = Decode(KindCollision, []byte(`{"droneId":"d1","threatType":"aircraft","distance":80}`))
	require.NoError(t, err)
	assert.Equal(t, telemetry.ThreatAircraft, msg.Collision.ThreatType)

	msg, err = Decode(KindFlightEnded, []byte(`{"droneId":"d1","flightId":"f1"}`))
	require.NoError(t, err)
	assert.Empty(t, msg.Key)
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]struct {
		kind Kind
		body string
	}{
		"bad json":        {KindTelemetry, `{`},
		"no drone":        {KindTelemetry, `{"batteryLevel":50}`},
		"battery range":   {KindTelemetry, `{"droneId":"d1","batteryLevel":140}`},
		"geofence drone":  {KindGeofence, `{"isBreached":true}`},
		"unknown threat":  {KindCollision, `{"droneId":"d1","threatType":"bird"}`},
		"flight no drone": {KindFlightEnded, `{"flightId":"f1"}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.kind, []byte(tc.body))
			assert.ErrorIs(t, err, telemetry.ErrInvalidSample)
		})
	}

	_, err := Decode("weather", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPipeline_TelemetryStoresSnapshot(t *testing.T) {
	snaps := setupSnapshots(t)
	det := &fakeDetector{}
	p := NewPipeline(det, snaps, nil, nil)
	ctx := context.Background()

	events, err := p.Ingest(ctx, KindTelemetry, []byte(`{"droneId":"d1","flightId":"f1","batteryLevel":8,"position":{"lat":47.1,"lng":8.2,"altitude":60}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, data.TypeBatteryCritical, events[0].Type)

	snap, err := snaps.Get(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 8.0, snap.BatteryLevel)
	assert.Equal(t, 47.1, snap.Position.Lat)
}

func TestPipeline_FlightEndedClears(t *testing.T) {
	snaps := setupSnapshots(t)
	det := &fakeDetector{}
	p := NewPipeline(det, snaps, nil, nil)
	ctx := context.Background()

	_, err := p.Ingest(ctx, KindTelemetry, []byte(`{"droneId":"d1","batteryLevel":50}`))
	require.NoError(t, err)
	_, err = p.Ingest(ctx, KindFlightEnded, []byte(`{"droneId":"d1","flightId":"f1"}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"d1"}, det.cleared)
	snap, err := snaps.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestPipeline_DropsRedeliveries(t *testing.T) {
	dedup, err := NewDedup(100, time.Minute)
	require.NoError(t, err)
	det := &fakeDetector{}
	p := NewPipeline(det, nil, dedup, nil)
	ctx := context.Background()

	body := []byte(`{"droneId":"d1","timestamp":"2026-01-01T00:00:00Z","batteryLevel":50}`)
	_, err = p.Ingest(ctx, KindTelemetry, body)
	require.NoError(t, err)
	_, err = p.Ingest(ctx, KindTelemetry, body)
	require.NoError(t, err)
	_, err = p.Ingest(ctx, KindTelemetry, []byte(`{"droneId":"d1","timestamp":"2026-01-01T00:00:01Z","batteryLevel":49}`))
	require.NoError(t, err)

	assert.Equal(t, []float64{50, 49}, det.telemetryFor("d1"))

	breach := []byte(`{"droneId":"d1","isBreached":true}`)
	events, _ := p.Ingest(ctx, KindGeofence, breach)
	assert.Len(t, events, 1)
	events, _ = p.Ingest(ctx, KindGeofence, breach)
	assert.Empty(t, events)
}

type failingSnapshots struct{}

func (failingSnapshots) Save(context.Context, telemetry.Sample) error {
	return errors.New("redis down")
}

func (failingSnapshots) Delete(context.Context, string) error {
	return errors.New("redis down")
}

func TestPipeline_SnapshotFailureStillDetects(t *testing.T) {
	det := &fakeDetector{}
	p := NewPipeline(det, failingSnapshots{}, nil, nil)

	events, err := p.Ingest(context.Background(), KindTelemetry, []byte(`{"droneId":"d1","batteryLevel":5}`))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

type fakeSource struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
	unsubbed []string
	failOn   string
}

func (s *fakeSource) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subject == s.failOn {
		return nil, errors.New("permission denied")
	}
	if s.handlers == nil {
		s.handlers = map[string]func([]byte){}
	}
	s.handlers[subject] = handler
	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.unsubbed = append(s.unsubbed, subject)
		return nil
	}, nil
}

func (s *fakeSource) deliver(subject, body string) {
	s.mu.Lock()
	h := s.handlers[subject]
	s.mu.Unlock()
	h([]byte(body))
}

func TestSubscriber_PreservesPerDroneOrder(t *testing.T) {
	src := &fakeSource{}
	det := &fakeDetector{}
	sub := NewSubscriber(src, NewPipeline(det, nil, nil, nil), SubscriberConfig{Shards: 4}, nil)
	require.NoError(t, sub.Start(context.Background()))

	for _, level := range []string{"90", "80", "70", "60"} {
		src.deliver("utm.telemetry", `{"droneId":"d1","batteryLevel":`+level+`}`)
		src.deliver("utm.telemetry", `{"droneId":"d2","batteryLevel":`+level+`}`)
	}
	src.deliver("utm.telemetry", `not json`)
	src.deliver("utm.flights.ended", `{"droneId":"d2"}`)

	require.NoError(t, sub.Stop())

	assert.Equal(t, []float64{90, 80, 70, 60}, det.telemetryFor("d1"))
	assert.Equal(t, []float64{90, 80, 70, 60}, det.telemetryFor("d2"))
	assert.Equal(t, []string{"d2"}, det.cleared)
	assert.Len(t, src.unsubbed, 4)

	// Late deliveries after stop are ignored.
	src.deliver("utm.telemetry", `{"droneId":"d1","batteryLevel":10}`)
	assert.Len(t, det.telemetryFor("d1"), 4)
}

func TestSubscriber_StartFailureUnwinds(t *testing.T) {
	src := &fakeSource{failOn: "edge.collision"}
	sub := NewSubscriber(src, NewPipeline(&fakeDetector{}, nil, nil, nil), SubscriberConfig{Prefix: "edge"}, nil)

	err := sub.Start(context.Background())
	require.Error(t, err)
	require.NoError(t, sub.Stop())
}

func TestSubjects(t *testing.T) {
	s := Subjects("")
	assert.Equal(t, "utm.telemetry", s[KindTelemetry])
	assert.Equal(t, "utm.flights.ended", s[KindFlightEnded])
}
