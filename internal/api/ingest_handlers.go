package api

import (
	"context"
	"io"
	"net/http"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/ingest"
)

type Ingestor interface {
	Ingest(ctx context.Context, kind ingest.Kind, body []byte) ([]data.EmergencyEvent, error)
}

// IngestHandler accepts samples over HTTP for gateways without NATS access.
type IngestHandler struct {
	Pipeline Ingestor
}

func (h *IngestHandler) handle(kind ingest.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			respondError(w, http.StatusRequestEntityTooLarge, "Body too large")
			return
		}
		events, err := h.Pipeline.Ingest(r.Context(), kind, body)
		if err != nil {
			respondErr(w, err)
			return
		}
		if events == nil {
			events = []data.EmergencyEvent{}
		}
		respondJSON(w, http.StatusAccepted, map[string]any{"events": events})
	}
}

// POST /api/v1/emergency/telemetry
func (h *IngestHandler) Telemetry() http.HandlerFunc { return h.handle(ingest.KindTelemetry) }

// POST /api/v1/emergency/geofence
func (h *IngestHandler) Geofence() http.HandlerFunc { return h.handle(ingest.KindGeofence) }

// POST /api/v1/emergency/collision
func (h *IngestHandler) Collision() http.HandlerFunc { return h.handle(ingest.KindCollision) }

// POST /api/v1/emergency/flights/ended
func (h *IngestHandler) FlightEnded() http.HandlerFunc { return h.handle(ingest.KindFlightEnded) }
