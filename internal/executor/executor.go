package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/eventbus"
	"github.com/technosupport/ts-utm/internal/incidents"
	"github.com/technosupport/ts-utm/internal/metrics"
)

var (
	ErrQueueFull = errors.New("executor queue full")
	ErrClosed    = errors.New("executor stopped")
)

type Config struct {
	Workers   int
	QueueSize int
	// ActionTimeout bounds validation plus execution of one incident.
	ActionTimeout time.Duration
}

// Executor carries out response actions on a fixed worker pool. Whatever
// happens inside, the incident ends up resolved, with actionSuccess telling
// whether the action worked.
type Executor struct {
	cfg        Config
	bus        eventbus.Publisher
	store      *incidents.Store
	validator  *Validator
	completion Completion
	log        *zap.Logger
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
	jobs   chan eventbus.ExecuteResponsePayload
	wg     sync.WaitGroup
}

func New(cfg Config, bus eventbus.Publisher, store *incidents.Store, validator *Validator, completion Completion, log *zap.Logger) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 8
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 2 * time.Minute
	}
	if completion == nil {
		completion = SimulatedCompletion{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		cfg:        cfg,
		bus:        bus,
		store:      store,
		validator:  validator,
		completion: completion,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		jobs:       make(chan eventbus.ExecuteResponsePayload, cfg.QueueSize),
	}
}

func (x *Executor) Start() {
	for i := 0; i < x.cfg.Workers; i++ {
		x.wg.Add(1)
		go x.worker()
	}
}

// Close stops intake and waits for queued and running actions to finish.
func (x *Executor) Close() {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.closed = true
	close(x.jobs)
	x.mu.Unlock()
	x.wg.Wait()
}

func (x *Executor) worker() {
	defer x.wg.Done()
	for req := range x.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), x.cfg.ActionTimeout)
		x.Execute(ctx, req)
		cancel()
	}
}

// OnExecuteResponse is the bus handler for emergency.execute_response.
func (x *Executor) OnExecuteResponse(_ context.Context, evt eventbus.Event) {
	req, ok := evt.Payload.(eventbus.ExecuteResponsePayload)
	if !ok {
		return
	}
	if err := x.Enqueue(req); err != nil {
		x.log.Error("cannot queue response action",
			zap.String("incident_id", req.IncidentID.String()),
			zap.Error(err),
		)
	}
}

// Enqueue never blocks. When the pool is saturated or closed the incident is
// failed immediately rather than left executing.
func (x *Executor) Enqueue(req eventbus.ExecuteResponsePayload) error {
	x.mu.RLock()
	cause := ErrClosed
	if !x.closed {
		select {
		case x.jobs <- req:
			x.mu.RUnlock()
			return nil
		default:
			cause = ErrQueueFull
		}
	}
	x.mu.RUnlock()

	metrics.ExecutorQueueDropped.Inc()
	x.fail(req, cause, false)
	return cause
}

// Execute validates and runs one action synchronously.
func (x *Executor) Execute(ctx context.Context, req eventbus.ExecuteResponsePayload) {
	started := x.now()
	recording := false

	defer func() {
		if r := recover(); r != nil {
			x.log.Error("panic while executing response",
				zap.String("incident_id", req.IncidentID.String()),
				zap.Any("panic", r),
			)
			x.fail(req, fmt.Errorf("panic: %v", r), recording)
		}
	}()

	inc, err := x.store.Get(req.IncidentID)
	if err != nil {
		x.log.Error("execute response for unknown incident",
			zap.String("incident_id", req.IncidentID.String()),
			zap.Error(err),
		)
		return
	}

	action, err := x.selectAction(ctx, inc, req.Action, req.FallbackAction)
	if err != nil {
		x.fail(req, err, false)
		metrics.RecordExecution(string(req.Action), "failed", time.Since(started).Seconds())
		return
	}

	if _, err := x.store.Update(inc.ID, func(i *data.Incident) {
		i.ResponseAction = action
		i.ActionStartedAt = &started
		i.AddTimeline(started, "action_started", map[string]any{
			"action":    string(action),
			"requested": string(req.Action),
		})
	}); err != nil {
		x.fail(req, err, false)
		return
	}

	x.publish(eventbus.TopicRecordingStart, eventbus.RecordingRequest{
		IncidentID: inc.ID,
		DroneID:    inc.DroneID,
		FlightID:   inc.FlightID,
	})
	recording = true

	cmd := eventbus.DroneCommand{
		DroneID:    inc.DroneID,
		FlightID:   inc.FlightID,
		Command:    action,
		Emergency:  true,
		IncidentID: inc.ID,
	}
	wait, err := x.completion.Prepare(ctx, cmd)
	if err != nil {
		x.fail(req, err, recording)
		metrics.RecordExecution(string(action), "failed", time.Since(started).Seconds())
		return
	}
	if err := x.bus.Publish(eventbus.TopicDroneCommand, cmd); err != nil {
		x.fail(req, fmt.Errorf("send drone command: %w", err), recording)
		metrics.RecordExecution(string(action), "failed", time.Since(started).Seconds())
		return
	}
	x.log.Info("drone command sent",
		zap.String("incident_id", inc.ID.String()),
		zap.String("drone_id", inc.DroneID),
		zap.String("command", string(action)),
	)

	if err := wait(ctx); err != nil {
		x.fail(req, err, recording)
		metrics.RecordExecution(string(action), "failed", time.Since(started).Seconds())
		return
	}

	done := x.now()
	resolved, err := x.store.Transition(inc.ID, data.IncidentResolved, func(i *data.Incident) {
		ok := true
		i.ActionSuccess = &ok
		i.ActionCompletedAt = &done
		i.ResolvedAt = &done
		i.ResolvedBy = "system"
		i.ResolutionNotes = fmt.Sprintf("%s completed", action)
		i.AddTimeline(done, "action_completed", map[string]any{
			"action":     string(action),
			"durationMs": done.Sub(started).Milliseconds(),
		})
	}, data.IncidentExecuting)
	if err != nil {
		x.log.Error("resolve incident failed", zap.String("incident_id", inc.ID.String()), zap.Error(err))
		return
	}

	x.publish(eventbus.TopicRecordingStop, eventbus.RecordingRequest{
		IncidentID: inc.ID,
		DroneID:    inc.DroneID,
		FlightID:   inc.FlightID,
	})
	metrics.RecordExecution(string(action), "success", done.Sub(started).Seconds())
	x.log.Info("response action completed",
		zap.String("incident_id", inc.ID.String()),
		zap.String("action", string(action)),
		zap.Duration("took", done.Sub(started)),
	)
	x.publish(eventbus.TopicResolved, eventbus.NewIncidentPayload(resolved, resolved.ResolutionNotes))
}

// selectAction returns the primary action if safe, else the fallback if safe,
// else HOVER.
func (x *Executor) selectAction(ctx context.Context, inc data.Incident, primary, fallback data.ResponseAction) (data.ResponseAction, error) {
	v, err := x.validator.ValidateAction(ctx, inc, primary)
	if err != nil {
		return "", err
	}
	if v.Safe {
		return primary, nil
	}
	x.noteUnsafe(inc, primary, v.Reason)

	if fallback != "" && fallback != primary {
		fv, err := x.validator.ValidateAction(ctx, inc, fallback)
		if err != nil {
			return "", err
		}
		if fv.Safe {
			metrics.ActionFallbacks.WithLabelValues(string(primary), string(fallback)).Inc()
			return fallback, nil
		}
		x.noteUnsafe(inc, fallback, fv.Reason)
	}

	metrics.ActionFallbacks.WithLabelValues(string(primary), string(data.ActionHover)).Inc()
	return data.ActionHover, nil
}

func (x *Executor) noteUnsafe(inc data.Incident, action data.ResponseAction, reason string) {
	x.log.Warn("response action unsafe",
		zap.String("incident_id", inc.ID.String()),
		zap.String("action", string(action)),
		zap.String("reason", reason),
	)
	if _, err := x.store.Update(inc.ID, func(i *data.Incident) {
		i.AddTimeline(x.now(), "action_unsafe", map[string]any{
			"action": string(action),
			"reason": reason,
		})
	}); err != nil {
		x.log.Error("record unsafe action failed", zap.String("incident_id", inc.ID.String()), zap.Error(err))
	}
}

// fail resolves the incident as unsuccessful and announces it.
func (x *Executor) fail(req eventbus.ExecuteResponsePayload, cause error, recording bool) {
	now := x.now()
	failed, err := x.store.Transition(req.IncidentID, data.IncidentResolved, func(i *data.Incident) {
		ok := false
		i.ActionSuccess = &ok
		i.ActionError = cause.Error()
		i.ActionCompletedAt = &now
		i.ResolvedAt = &now
		i.ResolvedBy = "system"
		i.ResolutionNotes = "execution failed"
		i.AddTimeline(now, "execution_failed", map[string]any{"error": cause.Error()})
	}, data.IncidentExecuting)
	if err != nil {
		x.log.Error("mark incident failed",
			zap.String("incident_id", req.IncidentID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}

	if recording {
		x.publish(eventbus.TopicRecordingStop, eventbus.RecordingRequest{
			IncidentID: failed.ID,
			DroneID:    failed.DroneID,
			FlightID:   failed.FlightID,
		})
	}
	x.log.Error("response action failed",
		zap.String("incident_id", failed.ID.String()),
		zap.String("drone_id", failed.DroneID),
		zap.Error(cause),
	)
	x.publish(eventbus.TopicExecutionFailed, eventbus.ExecutionFailedPayload{
		IncidentPayload: eventbus.NewIncidentPayload(failed, "execution failed"),
		Error:           cause.Error(),
	})
}

func (x *Executor) publish(topic eventbus.Topic, payload any) {
	if err := x.bus.Publish(topic, payload); err != nil {
		x.log.Error("publish failed", zap.String("topic", string(topic)), zap.Error(err))
	}
}
