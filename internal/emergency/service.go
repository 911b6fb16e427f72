// Package emergency assembles the detection, decision, execution and
// persistence components into one running service.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/config"
	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/decision"
	"github.com/technosupport/ts-utm/internal/detection"
	"github.com/technosupport/ts-utm/internal/eventbus"
	"github.com/technosupport/ts-utm/internal/executor"
	"github.com/technosupport/ts-utm/internal/incidents"
	"github.com/technosupport/ts-utm/internal/ingest"
	"github.com/technosupport/ts-utm/internal/protocols"
	"github.com/technosupport/ts-utm/internal/telemetry"
)

type Options struct {
	Mode             data.OperationMode
	HandledCacheSize int

	ProtocolFile   string
	WatchProtocols bool

	Executor        executor.Config
	Completion      string
	SimulationScale float64
	AckTimeout      time.Duration

	NATSPrefix      string
	PublishRetryMax int
	Ingest          ingest.SubscriberConfig
	DedupMaxKeys    int
	DedupTTL        time.Duration

	Persister  incidents.PersisterConfig
	SpoolDir   string
	SpoolMaxMB int64
	// Retention is how long resolved incidents stay in memory.
	Retention time.Duration
}

// OptionsFromConfig maps the file configuration onto service options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Mode:             cfg.Engine.Mode,
		HandledCacheSize: cfg.Engine.HandledCacheSize,
		ProtocolFile:     cfg.Protocols.File,
		WatchProtocols:   cfg.Protocols.Watch,
		Executor: executor.Config{
			Workers:       cfg.Executor.Workers,
			QueueSize:     cfg.Executor.QueueSize,
			ActionTimeout: cfg.Executor.ActionTimeout(),
		},
		Completion:      cfg.Executor.Completion,
		SimulationScale: cfg.Executor.SimulationScale,
		AckTimeout:      cfg.Executor.AckTimeout(),
		NATSPrefix:      cfg.NATS.Prefix,
		PublishRetryMax: cfg.NATS.PublishRetryMax,
		Ingest: ingest.SubscriberConfig{
			Prefix:    cfg.NATS.Prefix,
			Shards:    cfg.Ingest.Shards,
			ShardSize: cfg.Ingest.ShardSize,
		},
		DedupMaxKeys: cfg.Ingest.DedupMaxKeys,
		DedupTTL:     cfg.Ingest.DedupTTL(),
		Persister: incidents.PersisterConfig{
			QueueSize:      cfg.Persistence.QueueSize,
			WriteTimeout:   cfg.Persistence.WriteTimeout(),
			ReplayInterval: cfg.Persistence.ReplayInterval(),
		},
		SpoolDir:   cfg.Persistence.SpoolDir,
		SpoolMaxMB: cfg.Persistence.SpoolMaxMB,
		Retention:  cfg.Persistence.Retention(),
	}
}

// Deps are the external stores and connections. All are optional: without
// Postgres incidents live only in memory, without Redis the executor has no
// position data and without NATS nothing leaves the process.
type Deps struct {
	Incidents data.IncidentRepository
	Protocols data.ProtocolRepository
	Settings  data.SettingsRepository
	Hubs      data.HubRepository
	Snapshots *telemetry.SnapshotStore
	NATS      *nats.Conn
	Log       *zap.Logger
}

type Service struct {
	opts Options
	log  *zap.Logger

	Bus       *eventbus.Bus
	Store     *incidents.Store
	Detector  *detection.Engine
	Decision  *decision.Engine
	Executor  *executor.Executor
	Pipeline  *ingest.Pipeline
	Protocols *protocols.Source

	persister  *incidents.Persister
	subscriber *ingest.Subscriber
	watcher    *protocols.Watcher

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options, deps Deps) (*Service, error) {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}

	s := &Service{opts: opts, log: log}
	s.Bus = eventbus.New(log.Named("bus"))

	if deps.Incidents != nil {
		var spool *incidents.Spool
		if opts.SpoolDir != "" {
			var err error
			if spool, err = incidents.NewSpool(opts.SpoolDir, opts.SpoolMaxMB); err != nil {
				return nil, err
			}
		}
		s.persister = incidents.NewPersister(deps.Incidents, spool, log.Named("persister"), opts.Persister)
		s.Store = incidents.NewStore(s.persister.Enqueue)
	} else {
		s.Store = incidents.NewStore(nil)
	}

	s.Detector = detection.NewEngine(s.Bus, log.Named("detection"))

	s.Protocols = protocols.NewSource(opts.ProtocolFile, deps.Protocols, log.Named("protocols"))
	dec, err := decision.New(s.Bus, s.Store, s.Protocols, deps.Settings, log.Named("decision"), decision.Config{
		Mode:             opts.Mode,
		HandledCacheSize: opts.HandledCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("decision engine: %w", err)
	}
	s.Decision = dec

	completion, err := s.completion(deps.NATS)
	if err != nil {
		return nil, err
	}

	var (
		reader executor.SnapshotReader
		writer ingest.SnapshotWriter
	)
	if deps.Snapshots != nil {
		reader, writer = deps.Snapshots, deps.Snapshots
	}
	validator := executor.NewValidator(deps.Hubs, reader)
	s.Executor = executor.New(opts.Executor, s.Bus, s.Store, validator, completion, log.Named("executor"))

	dedup, err := ingest.NewDedup(opts.DedupMaxKeys, opts.DedupTTL)
	if err != nil {
		return nil, fmt.Errorf("ingest dedup: %w", err)
	}
	s.Pipeline = ingest.NewPipeline(s.Detector, writer, dedup, log.Named("ingest"))

	if deps.NATS != nil {
		s.subscriber = ingest.NewSubscriber(ingest.NATSSource{Conn: deps.NATS}, s.Pipeline, opts.Ingest, log.Named("subscriber"))
		bridge := eventbus.NewNATSBridge(deps.NATS, opts.NATSPrefix, opts.PublishRetryMax, log.Named("bridge"))
		s.Bus.SubscribeAll(bridge.Forward)
	}

	if opts.WatchProtocols && opts.ProtocolFile != "" {
		s.watcher = protocols.NewWatcher(opts.ProtocolFile, s.Decision.ReloadProtocols, log.Named("watcher"))
	}

	s.Bus.Subscribe(eventbus.TopicDetected, s.Decision.OnDetected)
	s.Bus.Subscribe(eventbus.TopicExecuteResponse, s.Executor.OnExecuteResponse)
	s.Bus.Subscribe(eventbus.TopicResolved, s.Detector.OnIncidentClosed)
	s.Bus.Subscribe(eventbus.TopicExecutionFailed, s.Detector.OnIncidentClosed)

	return s, nil
}

func (s *Service) completion(nc *nats.Conn) (executor.Completion, error) {
	switch s.opts.Completion {
	case "", config.CompletionSimulated:
		return executor.SimulatedCompletion{Scale: s.opts.SimulationScale}, nil
	case config.CompletionAck:
		if nc == nil {
			return nil, errors.New("ack completion requires a NATS connection")
		}
		return executor.NewAckCompletion(executor.NATSAcks{Conn: nc}, s.opts.NATSPrefix, s.opts.AckTimeout), nil
	}
	return nil, fmt.Errorf("unknown completion mode %q", s.opts.Completion)
}

// Start loads protocols and the persisted mode, then starts the workers and
// the inbound subscriptions.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("service already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if s.persister != nil {
		s.persister.Start(runCtx)
	}
	if err := s.Decision.Start(ctx); err != nil {
		cancel()
		if s.persister != nil {
			s.persister.Close()
		}
		return err
	}
	s.Executor.Start()

	if s.subscriber != nil {
		if err := s.subscriber.Start(runCtx); err != nil {
			cancel()
			s.Executor.Close()
			if s.persister != nil {
				s.persister.Close()
			}
			return fmt.Errorf("ingest subscriber: %w", err)
		}
	}

	if s.watcher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watcher.Run(runCtx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pruneLoop(runCtx)
	}()

	s.cancel = cancel
	s.started = true
	s.log.Info("emergency service started",
		zap.String("mode", string(s.Decision.Mode())),
		zap.Int("protocols", len(s.Decision.Protocols())),
		zap.Bool("nats", s.subscriber != nil),
		zap.Bool("persistence", s.persister != nil),
	)
	return nil
}

func (s *Service) pruneLoop(ctx context.Context) {
	interval := s.opts.Retention / 4
	if interval > 10*time.Minute {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Store.Prune(time.Now().UTC().Add(-s.opts.Retention)); n > 0 {
				s.log.Debug("pruned resolved incidents", zap.Int("count", n))
			}
		}
	}
}

// Shutdown stops intake first, then lets in-flight work drain in dependency
// order: pending confirmations are escalated, running actions finish, queued
// bus events are delivered and the last incident snapshots are written.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		var err error
		if s.subscriber != nil {
			err = s.subscriber.Stop()
		}
		s.Decision.Shutdown()
		s.Executor.Close()
		s.Bus.Close()
		if s.persister != nil {
			s.persister.Close()
		}
		s.cancel()
		s.wg.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		s.log.Info("emergency service stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
