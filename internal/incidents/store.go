package incidents

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/metrics"
)

var (
	ErrNotFound          = errors.New("incident not found")
	ErrInvalidTransition = errors.New("invalid incident transition")
	ErrStillOpen         = errors.New("incident is still open")
)

// allowed lists the legal next states. Any non-terminal state may jump to
// resolved when execution fails hard.
var allowed = map[data.IncidentStatus][]data.IncidentStatus{
	data.IncidentActive: {
		data.IncidentPendingConfirmation,
		data.IncidentExecuting,
		data.IncidentResolved,
		data.IncidentEscalated,
	},
	data.IncidentPendingConfirmation: {
		data.IncidentExecuting,
		data.IncidentResolved,
		data.IncidentEscalated,
	},
	data.IncidentExecuting: {
		data.IncidentResolved,
	},
}

func CanTransition(from, to data.IncidentStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store is the in-memory authority for incidents. Every mutation is handed to
// the onChange hook as a clone while the lock is held, so the hook sees changes
// in order and must not block (the Persister only enqueues).
type Store struct {
	mu       sync.RWMutex
	items    map[uuid.UUID]*data.Incident
	onChange func(data.Incident)
	now      func() time.Time
}

func NewStore(onChange func(data.Incident)) *Store {
	if onChange == nil {
		onChange = func(data.Incident) {}
	}
	return &Store{
		items:    make(map[uuid.UUID]*data.Incident),
		onChange: onChange,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new incident. The timeline gets a "created" entry and the
// status starts at active regardless of what the caller passed.
func (s *Store) Create(inc data.Incident) data.Incident {
	now := s.now()
	if inc.ID == uuid.Nil {
		inc.ID = uuid.New()
	}
	inc.Status = data.IncidentActive
	inc.CreatedAt = now
	inc.UpdatedAt = now
	if inc.Timeline == nil {
		inc.Timeline = []data.TimelineEntry{}
	}
	inc.AddTimeline(now, "created", map[string]any{
		"type":     string(inc.EmergencyType),
		"severity": string(inc.Severity),
	})

	stored := inc.Clone()
	s.mu.Lock()
	s.items[inc.ID] = &stored
	s.onChange(inc.Clone())
	s.mu.Unlock()

	metrics.IncidentsCreated.WithLabelValues(string(inc.EmergencyType), string(inc.Severity)).Inc()
	metrics.RecordTransition(string(data.IncidentActive))
	return inc
}

func (s *Store) Get(id uuid.UUID) (data.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.items[id]
	if !ok {
		return data.Incident{}, ErrNotFound
	}
	return inc.Clone(), nil
}

// Transition moves the incident to `to` if its current status is one of from
// (or any status when from is empty) and the edge is legal. mutate runs under
// the lock before UpdatedAt is stamped. The returned incident is a copy.
func (s *Store) Transition(id uuid.UUID, to data.IncidentStatus, mutate func(*data.Incident), from ...data.IncidentStatus) (data.Incident, error) {
	s.mu.Lock()
	inc, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return data.Incident{}, ErrNotFound
	}
	if len(from) > 0 && !containsStatus(from, inc.Status) {
		cur := inc.Status
		s.mu.Unlock()
		return data.Incident{}, fmt.Errorf("%w: %s is %s, expected %v", ErrInvalidTransition, id, cur, from)
	}
	if !CanTransition(inc.Status, to) {
		cur := inc.Status
		s.mu.Unlock()
		return data.Incident{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
	}

	inc.Status = to
	if mutate != nil {
		mutate(inc)
	}
	inc.UpdatedAt = s.now()
	out := inc.Clone()
	s.onChange(out.Clone())
	s.mu.Unlock()

	metrics.RecordTransition(string(to))
	return out, nil
}

// Update applies a change that does not move the status, such as a timeline
// note or a swapped response action.
func (s *Store) Update(id uuid.UUID, mutate func(*data.Incident)) (data.Incident, error) {
	s.mu.Lock()
	inc, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return data.Incident{}, ErrNotFound
	}
	status := inc.Status
	mutate(inc)
	inc.Status = status
	inc.UpdatedAt = s.now()
	out := inc.Clone()
	s.onChange(out.Clone())
	s.mu.Unlock()
	return out, nil
}

// RecordInvestigation stores the review on a resolved or escalated incident.
// A later review replaces the earlier one; both stay in the timeline.
func (s *Store) RecordInvestigation(id uuid.UUID, inv data.Investigation, userID string) (data.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.items[id]
	if !ok {
		return data.Incident{}, ErrNotFound
	}
	if !inc.Status.Terminal() {
		return data.Incident{}, fmt.Errorf("%w: %s is %s", ErrStillOpen, id, inc.Status)
	}

	now := s.now()
	inc.RootCause = inv.RootCause
	inc.RootCauseNotes = inv.RootCauseNotes
	inc.LessonsLearned = inv.LessonsLearned
	inc.AddTimeline(now, "investigation_recorded", map[string]any{
		"userId":    userID,
		"rootCause": inv.RootCause,
	})
	inc.UpdatedAt = now
	out := inc.Clone()
	s.onChange(out.Clone())
	return out, nil
}

// List returns incidents newest first. An empty status matches all.
func (s *Store) List(status data.IncidentStatus, limit int) []data.Incident {
	s.mu.RLock()
	out := make([]data.Incident, 0, len(s.items))
	for _, inc := range s.items {
		if status != "" && inc.Status != status {
			continue
		}
		out = append(out, inc.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// OpenForDrone returns the non-terminal incidents for a drone.
func (s *Store) OpenForDrone(droneID string) []data.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []data.Incident
	for _, inc := range s.items {
		if inc.DroneID == droneID && !inc.Status.Terminal() {
			out = append(out, inc.Clone())
		}
	}
	return out
}

// Prune drops terminal incidents last updated before cutoff. They remain in
// Postgres; only the in-memory copy goes.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, inc := range s.items {
		if inc.Status.Terminal() && inc.UpdatedAt.Before(cutoff) {
			delete(s.items, id)
			n++
		}
	}
	return n
}

func containsStatus(list []data.IncidentStatus, s data.IncidentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
