package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/protocols"
)

// ProtocolHandler manages custom protocols. Every write reloads the decision
// engine's protocol cache.
type ProtocolHandler struct {
	Decision DecisionService
	Repo     data.ProtocolRepository
	Log      *zap.Logger
}

// GET /api/v1/emergency/protocols
func (h *ProtocolHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.Decision.Protocols()
	respondJSON(w, http.StatusOK, map[string]any{"protocols": list, "count": len(list)})
}

// POST /api/v1/emergency/protocols
func (h *ProtocolHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		respondError(w, http.StatusServiceUnavailable, "Protocol store unavailable")
		return
	}
	var p data.Protocol
	if !decodeJSON(w, r, &p) {
		return
	}
	if err := protocols.ValidateProtocol(p); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	protocols.ApplyDefaults(&p, protocols.SourceDatabase)
	p.ID = uuid.New()
	p.IsSystemDefault = false
	if err := h.Repo.CreateProtocol(r.Context(), &p); err != nil {
		h.Log.Error("create protocol failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to create protocol")
		return
	}
	h.reload(r)
	respondJSON(w, http.StatusCreated, p)
}

// PUT /api/v1/emergency/protocols/{id}
func (h *ProtocolHandler) Update(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		respondError(w, http.StatusServiceUnavailable, "Protocol store unavailable")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid protocol ID")
		return
	}
	existing, err := h.Repo.GetProtocol(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}

	var p data.Protocol
	if !decodeJSON(w, r, &p) {
		return
	}
	if err := protocols.ValidateProtocol(p); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	protocols.ApplyDefaults(&p, protocols.SourceDatabase)
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	if err := h.Repo.UpdateProtocol(r.Context(), &p); err != nil {
		respondErr(w, err)
		return
	}
	h.reload(r)
	respondJSON(w, http.StatusOK, p)
}

// DELETE /api/v1/emergency/protocols/{id}
func (h *ProtocolHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		respondError(w, http.StatusServiceUnavailable, "Protocol store unavailable")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid protocol ID")
		return
	}
	if err := h.Repo.DeactivateProtocol(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	h.reload(r)
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/emergency/protocols/reload
func (h *ProtocolHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.Decision.ReloadProtocols(r.Context()); err != nil {
		h.Log.Error("protocol reload failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"count": len(h.Decision.Protocols())})
}

// reload failures keep the previous set active; the write itself succeeded.
func (h *ProtocolHandler) reload(r *http.Request) {
	if err := h.Decision.ReloadProtocols(r.Context()); err != nil {
		h.Log.Error("protocol reload after write failed", zap.Error(err))
	}
}
