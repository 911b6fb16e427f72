package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/decision"
	"github.com/technosupport/ts-utm/internal/incidents"
	"github.com/technosupport/ts-utm/internal/telemetry"
)

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, decision.ErrIncidentNotFound),
		errors.Is(err, incidents.ErrNotFound),
		errors.Is(err, data.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, decision.ErrNoPendingConfirmation),
		errors.Is(err, incidents.ErrInvalidTransition),
		errors.Is(err, incidents.ErrStillOpen):
		return http.StatusConflict
	case errors.Is(err, decision.ErrInvalidMode),
		errors.Is(err, telemetry.ErrInvalidSample):
		return http.StatusBadRequest
	case errors.Is(err, decision.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondErr(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err.Error())
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
