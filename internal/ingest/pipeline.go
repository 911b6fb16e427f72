package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/metrics"
	"github.com/technosupport/ts-utm/internal/telemetry"
)

type Kind string

const (
	KindTelemetry   Kind = "telemetry"
	KindGeofence    Kind = "geofence"
	KindCollision   Kind = "collision"
	KindFlightEnded Kind = "flight_ended"
)

var ErrUnknownKind = errors.New("unknown sample kind")

// Detector is the part of the detection engine the pipeline drives.
type Detector interface {
	AnalyzeTelemetry(sample telemetry.Sample) []data.EmergencyEvent
	AnalyzeGeofence(sample telemetry.GeofenceSample) *data.EmergencyEvent
	AnalyzeCollision(sample telemetry.CollisionSample) *data.EmergencyEvent
	ClearAllEmergencies(droneID string)
}

type SnapshotWriter interface {
	Save(ctx context.Context, sample telemetry.Sample) error
	Delete(ctx context.Context, droneID string) error
}

// Message is one decoded inbound sample. Exactly one of the typed fields is set.
type Message struct {
	Kind    Kind
	DroneID string
	Key     string

	Telemetry   *telemetry.Sample
	Geofence    *telemetry.GeofenceSample
	Collision   *telemetry.CollisionSample
	FlightEnded *telemetry.FlightEnded
}

// Decode parses and validates a raw JSON sample of the given kind.
func Decode(kind Kind, body []byte) (Message, error) {
	msg := Message{Kind: kind}
	switch kind {
	case KindTelemetry:
		var s telemetry.Sample
		if err := json.Unmarshal(body, &s); err != nil {
			return msg, fmt.Errorf("%w: %v", telemetry.ErrInvalidSample, err)
		}
		if err := s.Validate(); err != nil {
			return msg, err
		}
		msg.Telemetry, msg.DroneID = &s, s.DroneID
		msg.Key = BuildDedupKey(kind, s.DroneID, s.FlightID, s.Timestamp)
	case KindGeofence:
		var s telemetry.GeofenceSample
		if err := json.Unmarshal(body, &s); err != nil {
			return msg, fmt.Errorf("%w: %v", telemetry.ErrInvalidSample, err)
		}
		if err := s.Validate(); err != nil {
			return msg, err
		}
		msg.Geofence, msg.DroneID = &s, s.DroneID
		msg.Key = BodyDedupKey(kind, s.DroneID, body)
	case KindCollision:
		var s telemetry.CollisionSample
		if err := json.Unmarshal(body, &s); err != nil {
			return msg, fmt.Errorf("%w: %v", telemetry.ErrInvalidSample, err)
		}
		if err := s.Validate(); err != nil {
			return msg, err
		}
		msg.Collision, msg.DroneID = &s, s.DroneID
		msg.Key = BodyDedupKey(kind, s.DroneID, body)
	case KindFlightEnded:
		var s telemetry.FlightEnded
		if err := json.Unmarshal(body, &s); err != nil {
			return msg, fmt.Errorf("%w: %v", telemetry.ErrInvalidSample, err)
		}
		if s.DroneID == "" {
			return msg, errors.Join(telemetry.ErrInvalidSample, errors.New("droneId is required"))
		}
		msg.FlightEnded, msg.DroneID = &s, s.DroneID
	default:
		return msg, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return msg, nil
}

// Pipeline feeds decoded samples to the detection engine. The snapshot store
// and dedup cache are optional.
type Pipeline struct {
	detector     Detector
	snapshots    SnapshotWriter
	dedup        *Dedup
	log          *zap.Logger
	storeTimeout time.Duration
}

func NewPipeline(detector Detector, snapshots SnapshotWriter, dedup *Dedup, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		detector:     detector,
		snapshots:    snapshots,
		dedup:        dedup,
		log:          log,
		storeTimeout: 2 * time.Second,
	}
}

// Ingest decodes and processes one raw sample.
func (p *Pipeline) Ingest(ctx context.Context, kind Kind, body []byte) ([]data.EmergencyEvent, error) {
	msg, err := Decode(kind, body)
	if err != nil {
		metrics.TelemetryRejectedTotal.WithLabelValues(string(kind)).Inc()
		return nil, err
	}
	return p.Process(ctx, msg), nil
}

// Process returns the emergency events the sample produced after detection
// deduplication. Duplicates produce nothing.
func (p *Pipeline) Process(ctx context.Context, msg Message) []data.EmergencyEvent {
	if p.dedup != nil && msg.Key != "" && p.dedup.IsDuplicate(msg.Key) {
		metrics.TelemetryDuplicatesTotal.WithLabelValues(string(msg.Kind)).Inc()
		return nil
	}
	metrics.TelemetrySamplesTotal.WithLabelValues(string(msg.Kind)).Inc()

	switch {
	case msg.Telemetry != nil:
		p.saveSnapshot(ctx, *msg.Telemetry)
		return p.detector.AnalyzeTelemetry(*msg.Telemetry)
	case msg.Geofence != nil:
		return single(p.detector.AnalyzeGeofence(*msg.Geofence))
	case msg.Collision != nil:
		return single(p.detector.AnalyzeCollision(*msg.Collision))
	case msg.FlightEnded != nil:
		p.endFlight(ctx, *msg.FlightEnded)
	}
	return nil
}

func (p *Pipeline) saveSnapshot(ctx context.Context, s telemetry.Sample) {
	if p.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	if err := p.snapshots.Save(ctx, s); err != nil {
		p.log.Error("save drone snapshot failed", zap.String("drone_id", s.DroneID), zap.Error(err))
	}
}

func (p *Pipeline) endFlight(ctx context.Context, f telemetry.FlightEnded) {
	p.detector.ClearAllEmergencies(f.DroneID)
	p.log.Info("flight ended, emergencies cleared",
		zap.String("drone_id", f.DroneID),
		zap.String("flight_id", f.FlightID),
	)
	if p.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	if err := p.snapshots.Delete(ctx, f.DroneID); err != nil {
		p.log.Error("delete drone snapshot failed", zap.String("drone_id", f.DroneID), zap.Error(err))
	}
}

func single(evt *data.EmergencyEvent) []data.EmergencyEvent {
	if evt == nil {
		return nil
	}
	return []data.EmergencyEvent{*evt}
}
