package data

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EmergencyType string

const (
	TypeBatteryCritical       EmergencyType = "battery_critical"
	TypeBatteryLow            EmergencyType = "battery_low"
	TypeBatteryRapidDischarge EmergencyType = "battery_rapid_discharge"
	TypeSignalLost            EmergencyType = "signal_lost"
	TypeSignalWeak            EmergencyType = "signal_weak"
	TypeGPSDegraded           EmergencyType = "gps_degraded"
	TypeGeofenceBreach        EmergencyType = "geofence_breach"
	TypeGeofenceWarning       EmergencyType = "geofence_warning"
	TypeCollisionAircraft     EmergencyType = "collision_aircraft"
	TypeCollisionDrone        EmergencyType = "collision_drone"
	TypeCollisionObstacle     EmergencyType = "collision_obstacle"
)

// Severity is totally ordered: warning < critical < emergency.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Rank returns 0 for unknown values so they sort below warning.
func (s Severity) Rank() int {
	switch s {
	case SeverityEmergency:
		return 3
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

func (s Severity) MoreSevereThan(o Severity) bool {
	return s.Rank() > o.Rank()
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

type ResponseAction string

const (
	ActionRTH     ResponseAction = "RTH"
	ActionLand    ResponseAction = "LAND"
	ActionHover   ResponseAction = "HOVER"
	ActionDivert  ResponseAction = "DIVERT"
	ActionDescend ResponseAction = "DESCEND"
	ActionClimb   ResponseAction = "CLIMB"
	ActionEStop   ResponseAction = "ESTOP"
	ActionNone    ResponseAction = "NONE"
)

func (a ResponseAction) Valid() bool {
	switch a {
	case ActionRTH, ActionLand, ActionHover, ActionDivert, ActionDescend, ActionClimb, ActionEStop, ActionNone:
		return true
	}
	return false
}

type IncidentStatus string

const (
	IncidentActive              IncidentStatus = "active"
	IncidentPendingConfirmation IncidentStatus = "pending_confirmation"
	IncidentExecuting           IncidentStatus = "executing"
	IncidentResolved            IncidentStatus = "resolved"
	IncidentEscalated           IncidentStatus = "escalated"
)

func (s IncidentStatus) Terminal() bool {
	return s == IncidentResolved || s == IncidentEscalated
}

type OperationMode string

const (
	ModeAuto       OperationMode = "auto"
	ModeSupervised OperationMode = "supervised"
)

func (m OperationMode) Valid() bool {
	return m == ModeAuto || m == ModeSupervised
}

type Position struct {
	Lat      float64 `json:"lat" yaml:"lat"`
	Lng      float64 `json:"lng" yaml:"lng"`
	Altitude float64 `json:"altitude" yaml:"altitude"`
}

// EmergencyEvent is produced by detection and consumed once to seed an Incident.
type EmergencyEvent struct {
	ID         uuid.UUID      `json:"id"`
	Type       EmergencyType  `json:"type"`
	Severity   Severity       `json:"severity"`
	DroneID    string         `json:"droneId"`
	FlightID   string         `json:"flightId,omitempty"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	DetectedAt time.Time      `json:"detectedAt"`
	Position   *Position      `json:"position,omitempty"`
}

// BatteryLevel reports the battery reading attached by the detector, if any.
func (e EmergencyEvent) BatteryLevel() (float64, bool) {
	if e.Data == nil {
		return 0, false
	}
	switch v := e.Data["batteryLevel"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

type TimelineEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

type Incident struct {
	ID            uuid.UUID      `json:"id"`
	EventID       uuid.UUID      `json:"eventId"`
	DroneID       string         `json:"droneId"`
	FlightID      string         `json:"flightId,omitempty"`
	EmergencyType EmergencyType  `json:"emergencyType"`
	Severity      Severity       `json:"severity"`
	Message       string         `json:"message"`
	Position      *Position      `json:"position,omitempty"`
	BatteryLevel  *float64       `json:"batteryLevel,omitempty"`
	Status        IncidentStatus `json:"status"`

	ProtocolID     *uuid.UUID     `json:"protocolId,omitempty"`
	ResponseAction ResponseAction `json:"responseAction"`
	FallbackAction ResponseAction `json:"fallbackAction,omitempty"`
	AutoExecuted   bool           `json:"autoExecuted"`

	ConfirmationRequired  bool       `json:"confirmationRequired"`
	ConfirmedBy           string     `json:"confirmedBy,omitempty"`
	ConfirmedAt           *time.Time `json:"confirmedAt,omitempty"`
	ConfirmationTimeoutAt *time.Time `json:"confirmationTimeoutAt,omitempty"`

	ActionStartedAt   *time.Time `json:"actionStartedAt,omitempty"`
	ActionCompletedAt *time.Time `json:"actionCompletedAt,omitempty"`
	ActionSuccess     *bool      `json:"actionSuccess,omitempty"`
	ActionError       string     `json:"actionError,omitempty"`

	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`

	RootCause      string `json:"rootCause,omitempty"`
	RootCauseNotes string `json:"rootCauseNotes,omitempty"`
	LessonsLearned string `json:"lessonsLearned,omitempty"`

	Timeline []TimelineEntry `json:"timeline"`

	DetectedAt time.Time `json:"detectedAt"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Clone returns a copy that shares no mutable state with i.
func (i Incident) Clone() Incident {
	c := i
	if i.Position != nil {
		p := *i.Position
		c.Position = &p
	}
	if i.BatteryLevel != nil {
		b := *i.BatteryLevel
		c.BatteryLevel = &b
	}
	c.ProtocolID = cloneUUID(i.ProtocolID)
	c.ConfirmedAt = cloneTime(i.ConfirmedAt)
	c.ConfirmationTimeoutAt = cloneTime(i.ConfirmationTimeoutAt)
	c.ActionStartedAt = cloneTime(i.ActionStartedAt)
	c.ActionCompletedAt = cloneTime(i.ActionCompletedAt)
	c.ResolvedAt = cloneTime(i.ResolvedAt)
	if i.ActionSuccess != nil {
		b := *i.ActionSuccess
		c.ActionSuccess = &b
	}
	c.Timeline = make([]TimelineEntry, len(i.Timeline))
	copy(c.Timeline, i.Timeline)
	return c
}

// Investigation is the post-incident review attached to a closed incident.
type Investigation struct {
	RootCause      string `json:"rootCause"`
	RootCauseNotes string `json:"rootCauseNotes,omitempty"`
	LessonsLearned string `json:"lessonsLearned,omitempty"`
}

// AddTimeline appends an entry; the timeline is never rewritten.
func (i *Incident) AddTimeline(at time.Time, event string, data map[string]any) {
	i.Timeline = append(i.Timeline, TimelineEntry{Timestamp: at, Event: event, Data: data})
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUUID(u *uuid.UUID) *uuid.UUID {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}

const DefaultConfirmationTimeoutSeconds = 30

type Protocol struct {
	ID                         uuid.UUID          `json:"id" yaml:"-"`
	Name                       string             `json:"name" yaml:"name"`
	EmergencyType              EmergencyType      `json:"emergencyType" yaml:"emergency_type"`
	Severity                   Severity           `json:"severity" yaml:"severity"`
	ResponseAction             ResponseAction     `json:"responseAction" yaml:"response_action"`
	FallbackAction             ResponseAction     `json:"fallbackAction,omitempty" yaml:"fallback_action"`
	RequiresConfirmation       bool               `json:"requiresConfirmation" yaml:"requires_confirmation"`
	ConfirmationTimeoutSeconds int                `json:"confirmationTimeoutSeconds" yaml:"confirmation_timeout_seconds"`
	AutoExecuteOnTimeout       bool               `json:"autoExecuteOnTimeout" yaml:"auto_execute_on_timeout"`
	Priority                   int                `json:"priority" yaml:"priority"`
	Thresholds                 map[string]float64 `json:"thresholds,omitempty" yaml:"thresholds"`
	Conditions                 map[string]any     `json:"conditions,omitempty" yaml:"conditions"`
	NotifyOperator             bool               `json:"notifyOperator" yaml:"notify_operator"`
	NotifySMS                  bool               `json:"notifySms" yaml:"notify_sms"`
	NotifyEmail                bool               `json:"notifyEmail" yaml:"notify_email"`
	IsSystemDefault            bool               `json:"isSystemDefault" yaml:"-"`
	IsActive                   bool               `json:"isActive" yaml:"-"`
	Source                     string             `json:"source" yaml:"-"`
	CreatedAt                  time.Time          `json:"createdAt" yaml:"-"`
	UpdatedAt                  time.Time          `json:"updatedAt" yaml:"-"`
}

func (p Protocol) ConfirmationTimeout() time.Duration {
	if p.ConfirmationTimeoutSeconds <= 0 {
		return DefaultConfirmationTimeoutSeconds * time.Second
	}
	return time.Duration(p.ConfirmationTimeoutSeconds) * time.Second
}

type Hub struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	IsActive bool      `json:"isActive"`
}

type IncidentRepository interface {
	UpsertIncident(ctx context.Context, inc *Incident) error
	GetIncident(ctx context.Context, id uuid.UUID) (*Incident, error)
	ListIncidents(ctx context.Context, status IncidentStatus, limit int) ([]*Incident, error)
}

type ProtocolRepository interface {
	ListActiveProtocols(ctx context.Context) ([]Protocol, error)
	GetProtocol(ctx context.Context, id uuid.UUID) (*Protocol, error)
	CreateProtocol(ctx context.Context, p *Protocol) error
	UpdateProtocol(ctx context.Context, p *Protocol) error
	DeactivateProtocol(ctx context.Context, id uuid.UUID) error
}

type SettingsRepository interface {
	GetOperationMode(ctx context.Context) (OperationMode, error)
	SetOperationMode(ctx context.Context, mode OperationMode) error
}

type HubRepository interface {
	GetHomeHub(ctx context.Context, droneID string) (*Hub, error)
	ListActiveHubs(ctx context.Context) ([]Hub, error)
}
