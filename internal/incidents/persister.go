package incidents

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/metrics"
)

type PersisterConfig struct {
	QueueSize      int
	WriteTimeout   time.Duration
	ReplayInterval time.Duration
}

func (c *PersisterConfig) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReplayInterval <= 0 {
		c.ReplayInterval = 30 * time.Second
	}
}

// Persister writes incident snapshots to Postgres on a single background
// worker, so writes for one incident land in the order they were made. Failed
// writes go to the spool when one is configured and are replayed later.
type Persister struct {
	repo  data.IncidentRepository
	spool *Spool
	log   *zap.Logger
	cfg   PersisterConfig

	mu     sync.RWMutex
	closed bool
	queue  chan data.Incident
	quit   chan struct{}
	wg     sync.WaitGroup
}

func NewPersister(repo data.IncidentRepository, spool *Spool, log *zap.Logger, cfg PersisterConfig) *Persister {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.defaults()
	return &Persister{
		repo:  repo,
		spool: spool,
		log:   log,
		cfg:   cfg,
		queue: make(chan data.Incident, cfg.QueueSize),
		quit:  make(chan struct{}),
	}
}

// Enqueue never blocks. A full queue drops the snapshot; the next mutation of
// the same incident carries the full state again.
func (p *Persister) Enqueue(inc data.Incident) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- inc:
	default:
		metrics.PersistQueueDropped.Inc()
		p.log.Error("incident persist queue full, dropping snapshot",
			zap.String("incident_id", inc.ID.String()),
			zap.String("status", string(inc.Status)),
		)
	}
}

// Start runs the writer and, with a spool, the periodic replayer. Both stop
// when ctx is cancelled or Close is called.
func (p *Persister) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for inc := range p.queue {
			p.write(context.Background(), inc)
		}
	}()

	if p.spool == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.ReplayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.quit:
				return
			case <-ticker.C:
				p.replay(ctx)
			}
		}
	}()
}

// Close stops accepting snapshots and waits for the queue to drain.
func (p *Persister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Persister) write(ctx context.Context, inc data.Incident) {
	err := p.upsert(ctx, inc)
	if err == nil {
		return
	}
	metrics.PersistFailures.Inc()
	if p.spool == nil {
		p.log.Error("persist incident failed",
			zap.String("incident_id", inc.ID.String()),
			zap.Error(err),
		)
		return
	}
	p.log.Warn("persist incident failed, spooling",
		zap.String("incident_id", inc.ID.String()),
		zap.Error(err),
	)
	if err := p.spool.Append(inc); err != nil {
		p.log.Error("incident spool write failed",
			zap.String("incident_id", inc.ID.String()),
			zap.Error(err),
		)
	}
}

func (p *Persister) upsert(ctx context.Context, inc data.Incident) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	return p.repo.UpsertIncident(ctx, &inc)
}

func (p *Persister) replay(ctx context.Context) {
	flushed, err := p.spool.Replay(ctx, p.upsert)
	if err != nil {
		p.log.Error("incident spool replay failed", zap.Error(err))
		return
	}
	if flushed > 0 {
		p.log.Info("incident spool replayed", zap.Int("flushed", flushed))
	}
}
