package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/decision"
	"github.com/technosupport/ts-utm/internal/middleware"
)

// DecisionService is the part of the decision engine the API drives.
type DecisionService interface {
	Mode() data.OperationMode
	SetMode(ctx context.Context, mode data.OperationMode) error
	ConfirmAction(incidentID uuid.UUID, approved bool, userID string) (data.Incident, error)
	ReloadProtocols(ctx context.Context) error
	Protocols() []data.Protocol
	Pending() []decision.PendingInfo
}

type IncidentStore interface {
	Get(id uuid.UUID) (data.Incident, error)
	List(status data.IncidentStatus, limit int) []data.Incident
	OpenForDrone(droneID string) []data.Incident
	RecordInvestigation(id uuid.UUID, inv data.Investigation, userID string) (data.Incident, error)
}

type DetectionService interface {
	ActiveEmergencies(droneID string) []data.EmergencyType
	ClearEmergency(droneID string, t data.EmergencyType) bool
	ClearAllEmergencies(droneID string)
}

type EmergencyHandler struct {
	Decision  DecisionService
	Incidents IncidentStore
	Detection DetectionService
	// History serves incidents already pruned from memory. Optional.
	History data.IncidentRepository
	Log     *zap.Logger
}

// GET /api/v1/emergency/incidents
func (h *EmergencyHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	status := data.IncidentStatus(r.URL.Query().Get("status"))
	limit := queryLimit(r, 50, 500)

	if r.URL.Query().Get("history") == "true" && h.History != nil {
		list, err := h.History.ListIncidents(r.Context(), status, limit)
		if err != nil {
			h.Log.Error("list incident history failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "Failed to list incidents")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"incidents": list, "count": len(list)})
		return
	}

	list := h.Incidents.List(status, limit)
	respondJSON(w, http.StatusOK, map[string]any{"incidents": list, "count": len(list)})
}

// GET /api/v1/emergency/incidents/pending
func (h *EmergencyHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	pending := h.Decision.Pending()
	respondJSON(w, http.StatusOK, map[string]any{"pending": pending, "count": len(pending)})
}

// GET /api/v1/emergency/incidents/{id}
func (h *EmergencyHandler) GetIncident(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid incident ID")
		return
	}

	inc, err := h.Incidents.Get(id)
	if err == nil {
		respondJSON(w, http.StatusOK, inc)
		return
	}
	if h.History == nil {
		respondErr(w, err)
		return
	}
	stored, err := h.History.GetIncident(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

// POST /api/v1/emergency/incidents/{id}/confirm
func (h *EmergencyHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid incident ID")
		return
	}

	var req struct {
		Approved *bool `json:"approved"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Approved == nil {
		respondError(w, http.StatusBadRequest, "approved is required")
		return
	}

	inc, err := h.Decision.ConfirmAction(id, *req.Approved, ac.UserID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

// PATCH /api/v1/emergency/incidents/{id}/investigation
func (h *EmergencyHandler) RecordInvestigation(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid incident ID")
		return
	}

	var req data.Investigation
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RootCause = strings.TrimSpace(req.RootCause)
	if req.RootCause == "" {
		respondError(w, http.StatusBadRequest, "rootCause is required")
		return
	}

	inc, err := h.Incidents.RecordInvestigation(id, req, ac.UserID)
	if err != nil {
		respondErr(w, err)
		return
	}
	h.Log.Info("investigation recorded",
		zap.String("incident_id", id.String()),
		zap.String("user_id", ac.UserID),
	)
	respondJSON(w, http.StatusOK, inc)
}

// GET /api/v1/emergency/mode
func (h *EmergencyHandler) GetMode(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"mode": h.Decision.Mode()})
}

// PUT /api/v1/emergency/mode
func (h *EmergencyHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode data.OperationMode `json:"mode"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Decision.SetMode(r.Context(), req.Mode); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"mode": h.Decision.Mode()})
}

// POST /api/v1/emergency/prioritize
func (h *EmergencyHandler) Prioritize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []data.EmergencyEvent `json:"events"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": decision.PrioritizeEmergencies(req.Events)})
}

// GET /api/v1/emergency/drones/{id}/emergencies
func (h *EmergencyHandler) DroneEmergencies(w http.ResponseWriter, r *http.Request) {
	droneID := chi.URLParam(r, "id")
	active := h.Detection.ActiveEmergencies(droneID)
	if active == nil {
		active = []data.EmergencyType{}
	}
	open := h.Incidents.OpenForDrone(droneID)
	if open == nil {
		open = []data.Incident{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"droneId":   droneID,
		"active":    active,
		"incidents": open,
	})
}

// DELETE /api/v1/emergency/drones/{id}/emergencies[/{type}]
func (h *EmergencyHandler) ClearEmergencies(w http.ResponseWriter, r *http.Request) {
	droneID := chi.URLParam(r, "id")
	t := data.EmergencyType(chi.URLParam(r, "type"))

	var cleared bool
	if t == "" {
		h.Detection.ClearAllEmergencies(droneID)
		cleared = true
	} else {
		cleared = h.Detection.ClearEmergency(droneID, t)
	}

	fields := []zap.Field{zap.String("drone_id", droneID), zap.String("type", string(t))}
	if ac, ok := middleware.GetAuthContext(r.Context()); ok {
		fields = append(fields, zap.String("user_id", ac.UserID))
	}
	h.Log.Info("emergency cleared by operator", fields...)

	respondJSON(w, http.StatusOK, map[string]any{"droneId": droneID, "cleared": cleared})
}
