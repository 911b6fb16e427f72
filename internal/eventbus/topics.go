package eventbus

import (
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-utm/internal/data"
)

type Topic string

const (
	TopicDetected        Topic = "emergency.detected"
	TopicIncidentCreated Topic = "emergency.incident_created"
	TopicActionRequired  Topic = "emergency.action_required"
	TopicActionRejected  Topic = "emergency.action_rejected"
	TopicExecuteResponse Topic = "emergency.execute_response"
	TopicResolved        Topic = "emergency.resolved"
	TopicEscalated       Topic = "emergency.escalated"
	TopicExecutionFailed Topic = "emergency.execution_failed"
	TopicModeChanged     Topic = "emergency.mode_changed"

	TopicDroneCommand   Topic = "drone.command"
	TopicRecordingStart Topic = "blackbox.start"
	TopicRecordingStop  Topic = "blackbox.stop"
)

// IncidentPayload is the common body of every incident lifecycle event.
type IncidentPayload struct {
	IncidentID    uuid.UUID           `json:"incidentId"`
	DroneID       string              `json:"droneId"`
	FlightID      string              `json:"flightId,omitempty"`
	EmergencyType data.EmergencyType  `json:"emergencyType"`
	Severity      data.Severity       `json:"severity"`
	Status        data.IncidentStatus `json:"status"`
	Reason        string              `json:"reason,omitempty"`
	Incident      data.Incident       `json:"incident"`
}

func NewIncidentPayload(inc data.Incident, reason string) IncidentPayload {
	return IncidentPayload{
		IncidentID:    inc.ID,
		DroneID:       inc.DroneID,
		FlightID:      inc.FlightID,
		EmergencyType: inc.EmergencyType,
		Severity:      inc.Severity,
		Status:        inc.Status,
		Reason:        reason,
		Incident:      inc,
	}
}

type ActionRequiredPayload struct {
	IncidentPayload
	Action               data.ResponseAction `json:"action"`
	FallbackAction       data.ResponseAction `json:"fallbackAction,omitempty"`
	TimeoutAt            time.Time           `json:"timeoutAt"`
	TimeoutSeconds       int                 `json:"timeoutSeconds"`
	AutoExecuteOnTimeout bool                `json:"autoExecuteOnTimeout"`
}

type ExecuteResponsePayload struct {
	IncidentID     uuid.UUID           `json:"incidentId"`
	DroneID        string              `json:"droneId"`
	FlightID       string              `json:"flightId,omitempty"`
	EmergencyType  data.EmergencyType  `json:"emergencyType"`
	Severity       data.Severity       `json:"severity"`
	Action         data.ResponseAction `json:"action"`
	FallbackAction data.ResponseAction `json:"fallbackAction,omitempty"`
	AutoExecuted   bool                `json:"autoExecuted"`
}

type ExecutionFailedPayload struct {
	IncidentPayload
	Error string `json:"error"`
}

type ModeChangedPayload struct {
	Mode         data.OperationMode `json:"mode"`
	PreviousMode data.OperationMode `json:"previousMode"`
}

// DroneCommand is delivered to the vehicle link by an external collaborator.
type DroneCommand struct {
	DroneID    string              `json:"droneId"`
	FlightID   string              `json:"flightId,omitempty"`
	Command    data.ResponseAction `json:"command"`
	Emergency  bool                `json:"emergency"`
	IncidentID uuid.UUID           `json:"incidentId"`
}

// RecordingRequest starts or stops high-frequency blackbox capture.
type RecordingRequest struct {
	IncidentID uuid.UUID `json:"incidentId"`
	DroneID    string    `json:"droneId"`
	FlightID   string    `json:"flightId,omitempty"`
}

// DroneIDOf returns the drone an event payload concerns, or "" for fleet-wide
// events such as mode changes.
func DroneIDOf(payload any) string {
	switch p := payload.(type) {
	case data.EmergencyEvent:
		return p.DroneID
	case IncidentPayload:
		return p.DroneID
	case ActionRequiredPayload:
		return p.DroneID
	case ExecutionFailedPayload:
		return p.DroneID
	case ExecuteResponsePayload:
		return p.DroneID
	case DroneCommand:
		return p.DroneID
	case RecordingRequest:
		return p.DroneID
	}
	return ""
}
