package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/metrics"
)

// Source delivers raw messages for a subject. The returned func unsubscribes.
type Source interface {
	Subscribe(subject string, handler func(body []byte)) (func() error, error)
}

// NATSSource adapts a NATS connection.
type NATSSource struct {
	Conn *nats.Conn
}

func (s NATSSource) Subscribe(subject string, handler func(body []byte)) (func() error, error) {
	sub, err := s.Conn.Subscribe(subject, func(m *nats.Msg) { handler(m.Data) })
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

type SubscriberConfig struct {
	Prefix    string
	Shards    int
	ShardSize int
}

// Subjects maps each sample kind to its inbound subject.
func Subjects(prefix string) map[Kind]string {
	if prefix == "" {
		prefix = "utm"
	}
	return map[Kind]string{
		KindTelemetry:   prefix + ".telemetry",
		KindGeofence:    prefix + ".geofence",
		KindCollision:   prefix + ".collision",
		KindFlightEnded: prefix + ".flights.ended",
	}
}

// Subscriber fans inbound samples out to a fixed set of shard workers. A drone
// always hashes to the same shard, so its samples are processed in arrival order
// while different drones proceed in parallel.
type Subscriber struct {
	source   Source
	pipeline *Pipeline
	cfg      SubscriberConfig
	log      *zap.Logger

	mu     sync.Mutex
	closed bool
	unsubs []func() error
	shards []chan Message
	wg     sync.WaitGroup
}

func NewSubscriber(source Source, pipeline *Pipeline, cfg SubscriberConfig, log *zap.Logger) *Subscriber {
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.ShardSize <= 0 {
		cfg.ShardSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{source: source, pipeline: pipeline, cfg: cfg, log: log}
}

func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shards = make([]chan Message, s.cfg.Shards)
	for i := range s.shards {
		ch := make(chan Message, s.cfg.ShardSize)
		s.shards[i] = ch
		s.wg.Add(1)
		go s.run(ctx, ch)
	}

	for kind, subject := range Subjects(s.cfg.Prefix) {
		unsub, err := s.source.Subscribe(subject, s.handler(kind))
		if err != nil {
			s.stopLocked()
			return err
		}
		s.unsubs = append(s.unsubs, unsub)
		s.log.Info("subscribed", zap.String("subject", subject))
	}
	return nil
}

func (s *Subscriber) handler(kind Kind) func(body []byte) {
	return func(body []byte) {
		msg, err := Decode(kind, body)
		if err != nil {
			metrics.TelemetryRejectedTotal.WithLabelValues(string(kind)).Inc()
			s.log.Warn("dropping bad sample", zap.String("kind", string(kind)), zap.Error(err))
			return
		}
		s.dispatch(msg)
	}
}

func (s *Subscriber) dispatch(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.shards) == 0 {
		return
	}
	ch := s.shards[xxhash.Sum64String(msg.DroneID)%uint64(len(s.shards))]
	// Blocking here applies backpressure to the NATS delivery goroutine.
	ch <- msg
}

func (s *Subscriber) run(ctx context.Context, ch <-chan Message) {
	defer s.wg.Done()
	for msg := range ch {
		s.pipeline.Process(ctx, msg)
	}
}

// Stop unsubscribes, then drains the shards.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	err := s.stopLocked()
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Subscriber) stopLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, unsub := range s.unsubs {
		if err := unsub(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ch := range s.shards {
		close(ch)
	}
	return errors.Join(errs...)
}
