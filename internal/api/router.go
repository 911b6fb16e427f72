package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/middleware"
	"github.com/technosupport/ts-utm/internal/tokens"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

type RouterConfig struct {
	Emergency *EmergencyHandler
	Protocols *ProtocolHandler
	Ingest    *IngestHandler
	Stream    *StreamHub
	Auth      *middleware.JWTAuth
	RateLimit *middleware.RateLimit
	Ready     map[string]ReadinessCheck
	Log       *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Emergency.Log == nil {
		cfg.Emergency.Log = log
	}
	if cfg.Protocols.Log == nil {
		cfg.Protocols.Log = log
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS)
	if cfg.RateLimit != nil {
		r.Use(cfg.RateLimit.PerIP)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/readyz", readiness(cfg.Ready))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/emergency", func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)
		if cfg.RateLimit != nil {
			r.Use(cfg.RateLimit.PerUser)
		}

		// The stream is long-lived and must not sit behind the request timeout.
		r.With(middleware.RequireRole(tokens.RoleViewer)).Get("/stream", cfg.Stream.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(30 * time.Second))

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(tokens.RoleViewer))
				r.Get("/incidents", cfg.Emergency.ListIncidents)
				r.Get("/incidents/pending", cfg.Emergency.ListPending)
				r.Get("/incidents/{id}", cfg.Emergency.GetIncident)
				r.Get("/mode", cfg.Emergency.GetMode)
				r.Get("/protocols", cfg.Protocols.List)
				r.Get("/drones/{id}/emergencies", cfg.Emergency.DroneEmergencies)
				r.Post("/prioritize", cfg.Emergency.Prioritize)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(tokens.RoleOperator))
				r.Post("/incidents/{id}/confirm", cfg.Emergency.Confirm)
				r.Delete("/drones/{id}/emergencies", cfg.Emergency.ClearEmergencies)
				r.Delete("/drones/{id}/emergencies/{type}", cfg.Emergency.ClearEmergencies)
				r.Post("/telemetry", cfg.Ingest.Telemetry())
				r.Post("/geofence", cfg.Ingest.Geofence())
				r.Post("/collision", cfg.Ingest.Collision())
				r.Post("/flights/ended", cfg.Ingest.FlightEnded())
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(tokens.RoleSupervisor))
				r.Put("/mode", cfg.Emergency.SetMode)
				r.Patch("/incidents/{id}/investigation", cfg.Emergency.RecordInvestigation)
				r.Post("/protocols", cfg.Protocols.Create)
				r.Post("/protocols/reload", cfg.Protocols.Reload)
				r.Put("/protocols/{id}", cfg.Protocols.Update)
				r.Delete("/protocols/{id}", cfg.Protocols.Deactivate)
			})
		})
	})

	return r
}

func readiness(checks map[string]ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		respondJSON(w, status, results)
	}
}
