package decision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/eventbus"
	"github.com/technosupport/ts-utm/internal/incidents"
	"github.com/technosupport/ts-utm/internal/metrics"
)

var (
	ErrNoPendingConfirmation = errors.New("no pending confirmation found")
	ErrIncidentNotFound      = errors.New("incident not found")
	ErrInvalidMode           = errors.New("invalid operation mode")
	ErrStopped               = errors.New("decision engine stopped")
)

// batteryOverrideLevel: at or below this level nothing waits for an operator.
const batteryOverrideLevel = 5.0

type Config struct {
	// Mode is used until Start loads the persisted mode.
	Mode             data.OperationMode
	HandledCacheSize int
}

// Engine turns detected events into incidents and decides whether each one
// executes at once or waits for an operator.
type Engine struct {
	bus      eventbus.Publisher
	store    *incidents.Store
	source   ProtocolSource
	settings data.SettingsRepository
	log      *zap.Logger
	now      func() time.Time

	protocols atomic.Pointer[protocolSet]
	mode      atomic.Value // data.OperationMode

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingConfirmation
	stopped bool

	// event id -> incident id, for duplicate HandleDetected calls
	handled *lru.Cache[uuid.UUID, uuid.UUID]
}

type pendingConfirmation struct {
	incidentID    uuid.UUID
	droneID       string
	emergencyType data.EmergencyType
	severity      data.Severity
	protocol      data.Protocol
	deadline      time.Time
	timer         *time.Timer
}

// PendingInfo describes one incident waiting for an operator.
type PendingInfo struct {
	IncidentID           uuid.UUID           `json:"incidentId"`
	DroneID              string              `json:"droneId"`
	Action               data.ResponseAction `json:"action"`
	ProtocolName         string              `json:"protocolName"`
	Deadline             time.Time           `json:"deadline"`
	AutoExecuteOnTimeout bool                `json:"autoExecuteOnTimeout"`
}

func New(bus eventbus.Publisher, store *incidents.Store, source ProtocolSource, settings data.SettingsRepository, log *zap.Logger, cfg Config) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.HandledCacheSize <= 0 {
		cfg.HandledCacheSize = 10000
	}
	if cfg.Mode == "" {
		cfg.Mode = data.ModeSupervised
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, cfg.Mode)
	}
	handled, err := lru.New[uuid.UUID, uuid.UUID](cfg.HandledCacheSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		bus:      bus,
		store:    store,
		source:   source,
		settings: settings,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		pending:  make(map[uuid.UUID]*pendingConfirmation),
		handled:  handled,
	}
	e.mode.Store(cfg.Mode)
	e.protocols.Store(newProtocolSet(nil))
	return e, nil
}

// Start loads the persisted operation mode and the protocol set.
func (e *Engine) Start(ctx context.Context) error {
	if e.settings != nil {
		mode, err := e.settings.GetOperationMode(ctx)
		if err != nil {
			return fmt.Errorf("load operation mode: %w", err)
		}
		if mode.Valid() {
			e.mode.Store(mode)
		}
	}
	return e.ReloadProtocols(ctx)
}

func (e *Engine) Mode() data.OperationMode {
	return e.mode.Load().(data.OperationMode)
}

// SetMode persists the mode, then swaps it in. Incidents already past the
// confirmation decision keep the path they were given.
func (e *Engine) SetMode(ctx context.Context, mode data.OperationMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if e.settings != nil {
		if err := e.settings.SetOperationMode(ctx, mode); err != nil {
			return fmt.Errorf("persist operation mode: %w", err)
		}
	}
	prev := e.mode.Swap(mode).(data.OperationMode)

	e.log.Info("operation mode changed",
		zap.String("mode", string(mode)),
		zap.String("previous", string(prev)),
	)
	e.publish(eventbus.TopicModeChanged, eventbus.ModeChangedPayload{Mode: mode, PreviousMode: prev})
	return nil
}

// ReloadProtocols swaps the protocol cache. Pending confirmations keep the
// protocol they were queued with. On error the current set stays.
func (e *Engine) ReloadProtocols(ctx context.Context) error {
	if e.source == nil {
		return nil
	}
	list, err := e.source.Load(ctx)
	if err != nil {
		metrics.ProtocolReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("load protocols: %w", err)
	}
	set := newProtocolSet(list)
	e.protocols.Store(set)
	metrics.ProtocolReloads.WithLabelValues("ok").Inc()
	metrics.ProtocolsLoaded.Set(float64(len(set.all)))
	e.log.Info("protocols reloaded", zap.Int("count", len(set.all)))
	return nil
}

// Protocols returns the active set sorted by priority.
func (e *Engine) Protocols() []data.Protocol {
	all := e.protocols.Load().all
	out := make([]data.Protocol, len(all))
	copy(out, all)
	return out
}

// OnDetected is the bus handler for emergency.detected.
func (e *Engine) OnDetected(_ context.Context, evt eventbus.Event) {
	detected, ok := evt.Payload.(data.EmergencyEvent)
	if !ok {
		return
	}
	if _, err := e.HandleDetected(detected); err != nil && !errors.Is(err, ErrStopped) {
		e.log.Error("handle detected event failed",
			zap.String("event_id", detected.ID.String()),
			zap.String("drone_id", detected.DroneID),
			zap.Error(err),
		)
	}
}

// HandleDetected creates exactly one incident per event and routes it either
// to confirmation or straight to execution. A repeated event returns the
// existing incident.
func (e *Engine) HandleDetected(evt data.EmergencyEvent) (data.Incident, error) {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return data.Incident{}, ErrStopped
	}

	id := uuid.New()
	if seen, _ := e.handled.ContainsOrAdd(evt.ID, id); seen {
		existingID, _ := e.handled.Get(evt.ID)
		existing, err := e.store.Get(existingID)
		if err != nil {
			// the first call has not stored its incident yet
			existing = data.Incident{ID: existingID}
		}
		e.log.Warn("duplicate detected event ignored",
			zap.String("event_id", evt.ID.String()),
			zap.String("incident_id", existingID.String()),
			zap.String("status", string(existing.Status)),
		)
		return existing, nil
	}

	protocol, matched := e.protocols.Load().match(evt)

	inc := data.Incident{
		ID:             id,
		EventID:        evt.ID,
		DroneID:        evt.DroneID,
		FlightID:       evt.FlightID,
		EmergencyType:  evt.Type,
		Severity:       evt.Severity,
		Message:        evt.Message,
		Position:       evt.Position,
		ResponseAction: protocol.ResponseAction,
		FallbackAction: protocol.FallbackAction,
		DetectedAt:     evt.DetectedAt,
	}
	if level, ok := evt.BatteryLevel(); ok {
		inc.BatteryLevel = &level
	}
	if matched {
		pid := protocol.ID
		inc.ProtocolID = &pid
	}
	inc = e.store.Create(inc)

	note := map[string]any{"action": string(protocol.ResponseAction)}
	event := "protocol_matched"
	if matched {
		note["protocol"] = protocol.Name
		note["protocolSeverity"] = string(protocol.Severity)
	} else {
		event = "no matching protocol"
	}
	inc, err := e.store.Update(inc.ID, func(i *data.Incident) {
		i.AddTimeline(e.now(), event, note)
	})
	if err != nil {
		return data.Incident{}, err
	}

	e.log.Info("incident created",
		zap.String("incident_id", inc.ID.String()),
		zap.String("drone_id", inc.DroneID),
		zap.String("type", string(inc.EmergencyType)),
		zap.String("severity", string(inc.Severity)),
		zap.String("action", string(inc.ResponseAction)),
		zap.Bool("protocol_matched", matched),
	)
	e.publish(eventbus.TopicIncidentCreated, eventbus.NewIncidentPayload(inc, ""))
	e.supersedePending(inc)

	if e.NeedsConfirmation(evt, protocol) {
		return e.QueueForConfirmation(inc, protocol)
	}
	return e.ExecuteResponse(inc.ID, protocol, "immediate")
}

// NeedsConfirmation applies the hard overrides first: auto mode, emergency
// severity and a near-empty battery never wait for an operator.
func (e *Engine) NeedsConfirmation(evt data.EmergencyEvent, protocol data.Protocol) bool {
	if e.Mode() == data.ModeAuto {
		return false
	}
	if evt.Severity == data.SeverityEmergency {
		return false
	}
	if level, ok := evt.BatteryLevel(); ok && level <= batteryOverrideLevel {
		return false
	}
	return protocol.RequiresConfirmation
}

// QueueForConfirmation moves the incident to pending_confirmation, arms the
// timeout and announces the required action.
func (e *Engine) QueueForConfirmation(inc data.Incident, protocol data.Protocol) (data.Incident, error) {
	timeout := protocol.ConfirmationTimeout()
	deadline := e.now().Add(timeout)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return e.escalateLocked(inc.ID, "engine stopped", data.IncidentActive)
	}

	queued, err := e.store.Transition(inc.ID, data.IncidentPendingConfirmation, func(i *data.Incident) {
		i.ConfirmationRequired = true
		i.ConfirmationTimeoutAt = &deadline
		i.AddTimeline(e.now(), "awaiting_confirmation", map[string]any{
			"action":         string(protocol.ResponseAction),
			"timeoutSeconds": int(timeout.Seconds()),
			"autoExecute":    protocol.AutoExecuteOnTimeout,
		})
	}, data.IncidentActive)
	if err != nil {
		return data.Incident{}, err
	}

	id := queued.ID
	e.pending[id] = &pendingConfirmation{
		incidentID:    id,
		droneID:       queued.DroneID,
		emergencyType: queued.EmergencyType,
		severity:      queued.Severity,
		protocol:      protocol,
		deadline:      deadline,
		timer:         time.AfterFunc(timeout, func() { e.onConfirmationTimeout(id) }),
	}
	metrics.PendingConfirmations.Inc()

	e.log.Info("incident awaiting confirmation",
		zap.String("incident_id", id.String()),
		zap.String("action", string(protocol.ResponseAction)),
		zap.Duration("timeout", timeout),
	)
	e.publish(eventbus.TopicActionRequired, eventbus.ActionRequiredPayload{
		IncidentPayload:      eventbus.NewIncidentPayload(queued, ""),
		Action:               protocol.ResponseAction,
		FallbackAction:       protocol.FallbackAction,
		TimeoutAt:            deadline,
		TimeoutSeconds:       int(timeout.Seconds()),
		AutoExecuteOnTimeout: protocol.AutoExecuteOnTimeout,
	})
	return queued, nil
}

// claim removes the pending entry. Exactly one of the timer, the operator and
// shutdown gets it.
func (e *Engine) claim(id uuid.UUID) (*pendingConfirmation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claimLocked(id)
}

func (e *Engine) claimLocked(id uuid.UUID) (*pendingConfirmation, bool) {
	p, ok := e.pending[id]
	if !ok {
		return nil, false
	}
	delete(e.pending, id)
	p.timer.Stop()
	metrics.PendingConfirmations.Dec()
	return p, true
}

// ConfirmAction records an operator decision on a pending incident.
func (e *Engine) ConfirmAction(incidentID uuid.UUID, approved bool, userID string) (data.Incident, error) {
	p, ok := e.claim(incidentID)
	if !ok {
		if _, err := e.store.Get(incidentID); err != nil {
			return data.Incident{}, fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentID)
		}
		return data.Incident{}, fmt.Errorf("%w: %s", ErrNoPendingConfirmation, incidentID)
	}

	now := e.now()
	if approved {
		metrics.ConfirmationOutcomes.WithLabelValues("approved").Inc()
		return e.executeFrom(incidentID, p.protocol, "operator", func(i *data.Incident) {
			i.ConfirmedBy = userID
			i.ConfirmedAt = &now
			i.AddTimeline(now, "confirmed", map[string]any{"userId": userID})
		}, data.IncidentPendingConfirmation)
	}

	metrics.ConfirmationOutcomes.WithLabelValues("rejected").Inc()
	resolved, err := e.store.Transition(incidentID, data.IncidentResolved, func(i *data.Incident) {
		i.ConfirmedBy = userID
		i.ConfirmedAt = &now
		i.ResolvedAt = &now
		i.ResolvedBy = userID
		i.ResolutionNotes = "rejected by operator"
		i.AddTimeline(now, "rejected", map[string]any{"userId": userID})
	}, data.IncidentPendingConfirmation)
	if err != nil {
		return data.Incident{}, err
	}

	e.log.Info("incident action rejected",
		zap.String("incident_id", incidentID.String()),
		zap.String("user_id", userID),
	)
	e.publish(eventbus.TopicActionRejected, eventbus.NewIncidentPayload(resolved, "rejected by operator"))
	e.publish(eventbus.TopicResolved, eventbus.NewIncidentPayload(resolved, "rejected by operator"))
	return resolved, nil
}

// supersedePending resolves confirmations still waiting for the same drone and
// type when inc is more severe. The newer incident carries the response.
func (e *Engine) supersedePending(inc data.Incident) {
	e.mu.Lock()
	var older []uuid.UUID
	for id, p := range e.pending {
		if p.droneID != inc.DroneID || p.emergencyType != inc.EmergencyType || !inc.Severity.MoreSevereThan(p.severity) {
			continue
		}
		if _, ok := e.claimLocked(id); ok {
			older = append(older, id)
		}
	}
	e.mu.Unlock()

	for _, id := range older {
		metrics.ConfirmationOutcomes.WithLabelValues("superseded").Inc()
		now := e.now()
		notes := "superseded by incident " + inc.ID.String()
		resolved, err := e.store.Transition(id, data.IncidentResolved, func(i *data.Incident) {
			i.ResolvedAt = &now
			i.ResolvedBy = "system"
			i.ResolutionNotes = notes
			i.AddTimeline(now, "superseded", map[string]any{
				"incidentId": inc.ID.String(),
				"severity":   string(inc.Severity),
			})
		}, data.IncidentPendingConfirmation)
		if err != nil {
			e.log.Error("supersede pending incident failed", zap.String("incident_id", id.String()), zap.Error(err))
			continue
		}
		e.log.Info("pending incident superseded",
			zap.String("incident_id", id.String()),
			zap.String("by_incident_id", inc.ID.String()),
			zap.String("severity", string(inc.Severity)),
		)
		e.publish(eventbus.TopicResolved, eventbus.NewIncidentPayload(resolved, notes))
	}
}

func (e *Engine) onConfirmationTimeout(id uuid.UUID) {
	p, ok := e.claim(id)
	if !ok {
		return
	}

	if p.protocol.AutoExecuteOnTimeout {
		metrics.ConfirmationOutcomes.WithLabelValues("timeout_executed").Inc()
		_, err := e.executeFrom(id, p.protocol, "timeout", func(i *data.Incident) {
			i.AddTimeline(e.now(), "confirmation_timeout", map[string]any{"autoExecute": true})
		}, data.IncidentPendingConfirmation)
		if err != nil {
			e.log.Error("auto-execute after timeout failed", zap.String("incident_id", id.String()), zap.Error(err))
		}
		return
	}

	metrics.ConfirmationOutcomes.WithLabelValues("timeout_escalated").Inc()
	e.mu.Lock()
	_, err := e.escalateLocked(id, "confirmation timeout", data.IncidentPendingConfirmation)
	e.mu.Unlock()
	if err != nil {
		e.log.Error("escalate after timeout failed", zap.String("incident_id", id.String()), zap.Error(err))
	}
}

func (e *Engine) escalateLocked(id uuid.UUID, reason string, from ...data.IncidentStatus) (data.Incident, error) {
	escalated, err := e.store.Transition(id, data.IncidentEscalated, func(i *data.Incident) {
		i.AddTimeline(e.now(), "escalated", map[string]any{"reason": reason})
	}, from...)
	if err != nil {
		return data.Incident{}, err
	}
	e.log.Warn("incident escalated",
		zap.String("incident_id", id.String()),
		zap.String("drone_id", escalated.DroneID),
		zap.String("reason", reason),
	)
	e.publish(eventbus.TopicEscalated, eventbus.NewIncidentPayload(escalated, reason))
	return escalated, nil
}

// ExecuteResponse hands an active incident to the executor.
func (e *Engine) ExecuteResponse(incidentID uuid.UUID, protocol data.Protocol, trigger string) (data.Incident, error) {
	return e.executeFrom(incidentID, protocol, trigger, nil, data.IncidentActive)
}

func (e *Engine) executeFrom(id uuid.UUID, protocol data.Protocol, trigger string, mutate func(*data.Incident), from ...data.IncidentStatus) (data.Incident, error) {
	mode := e.Mode()
	inc, err := e.store.Transition(id, data.IncidentExecuting, func(i *data.Incident) {
		if mutate != nil {
			mutate(i)
		}
		i.AutoExecuted = mode == data.ModeAuto || i.Severity == data.SeverityEmergency
		i.AddTimeline(e.now(), "executing", map[string]any{
			"action":       string(i.ResponseAction),
			"trigger":      trigger,
			"autoExecuted": i.AutoExecuted,
		})
	}, from...)
	if err != nil {
		return data.Incident{}, err
	}

	e.log.Info("executing response",
		zap.String("incident_id", inc.ID.String()),
		zap.String("drone_id", inc.DroneID),
		zap.String("action", string(inc.ResponseAction)),
		zap.String("trigger", trigger),
	)
	e.publish(eventbus.TopicExecuteResponse, eventbus.ExecuteResponsePayload{
		IncidentID:     inc.ID,
		DroneID:        inc.DroneID,
		FlightID:       inc.FlightID,
		EmergencyType:  inc.EmergencyType,
		Severity:       inc.Severity,
		Action:         inc.ResponseAction,
		FallbackAction: protocol.FallbackAction,
		AutoExecuted:   inc.AutoExecuted,
	})
	return inc, nil
}

// Pending lists incidents waiting for an operator, earliest deadline first.
func (e *Engine) Pending() []PendingInfo {
	e.mu.Lock()
	out := make([]PendingInfo, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, PendingInfo{
			IncidentID:           p.incidentID,
			DroneID:              p.droneID,
			Action:               p.protocol.ResponseAction,
			ProtocolName:         p.protocol.Name,
			Deadline:             p.deadline,
			AutoExecuteOnTimeout: p.protocol.AutoExecuteOnTimeout,
		})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out
}

// Shutdown cancels every confirmation timer and escalates the waiting
// incidents. Later detected events are refused.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true

	ids := make([]uuid.UUID, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	for _, id := range ids {
		if _, ok := e.claimLocked(id); !ok {
			continue
		}
		metrics.ConfirmationOutcomes.WithLabelValues("shutdown").Inc()
		if _, err := e.escalateLocked(id, "engine shutdown", data.IncidentPendingConfirmation); err != nil {
			e.log.Error("escalate on shutdown failed", zap.String("incident_id", id.String()), zap.Error(err))
		}
	}
	e.log.Info("decision engine stopped", zap.Int("escalated", len(ids)))
}

func (e *Engine) publish(topic eventbus.Topic, payload any) {
	if err := e.bus.Publish(topic, payload); err != nil {
		e.log.Error("publish failed", zap.String("topic", string(topic)), zap.Error(err))
	}
}
