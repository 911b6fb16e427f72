package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/api"
	"github.com/technosupport/ts-utm/internal/config"
	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/emergency"
	"github.com/technosupport/ts-utm/internal/logging"
	"github.com/technosupport/ts-utm/internal/middleware"
	"github.com/technosupport/ts-utm/internal/ratelimit"
	"github.com/technosupport/ts-utm/internal/telemetry"
	"github.com/technosupport/ts-utm/internal/tokens"
)

var inMemory bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the emergency service and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log, err := logging.New(cfg.Env)
		if err != nil {
			return err
		}
		defer log.Sync()
		return serve(cfg, log)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&inMemory, "in-memory", false, "run without Postgres; incidents and protocol edits are not persisted")
}

func serve(cfg *config.Config, log *zap.Logger) error {
	ready := map[string]api.ReadinessCheck{}
	deps := emergency.Deps{Log: log}

	var protocolRepo data.ProtocolRepository
	var history data.IncidentRepository
	if !inMemory {
		db, err := sql.Open("postgres", cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		ready["postgres"] = db.PingContext

		incidentRepo := &data.IncidentModel{DB: db}
		protocolRepo = &data.ProtocolModel{DB: db}
		history = incidentRepo
		deps.Incidents = incidentRepo
		deps.Protocols = protocolRepo
		deps.Settings = &data.SettingsModel{DB: db}
		deps.Hubs = &data.HubModel{DB: db}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Warn("redis unavailable, continuing without drone snapshots", zap.Error(err))
	} else {
		deps.Snapshots = telemetry.NewSnapshotStore(rdb, cfg.Redis.SnapshotTTL())
	}
	ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("emergencyd"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		deps.NATS = nc
		ready["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New(nc.Status().String())
			}
			return nil
		}
		log.Info("connected to NATS", zap.String("url", nc.ConnectedUrlRedacted()))
	}

	svc, err := emergency.New(emergency.OptionsFromConfig(cfg), deps)
	if err != nil {
		return err
	}

	hub := api.NewStreamHub(log.Named("stream"))
	svc.Bus.SubscribeAll(hub.Broadcast)

	if err := svc.Start(context.Background()); err != nil {
		return err
	}

	tokenMgr := tokens.NewManager(cfg.JWT.SigningKey, cfg.JWT.TTL())
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimit.Salt)

	router := api.NewRouter(api.RouterConfig{
		Emergency: &api.EmergencyHandler{
			Decision:  svc.Decision,
			Incidents: svc.Store,
			Detection: svc.Detector,
			History:   history,
		},
		Protocols: &api.ProtocolHandler{Decision: svc.Decision, Repo: protocolRepo},
		Ingest:    &api.IngestHandler{Pipeline: svc.Pipeline},
		Stream:    hub,
		Auth:      middleware.NewJWTAuth(tokenMgr),
		RateLimit: middleware.NewRateLimit(limiter, cfg.RateLimit, log),
		Ready:     ready,
		Log:       log.Named("http"),
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigs:
		log.Info("shutdown requested", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		log.Error("http server failed", zap.Error(runErr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	if err := svc.Shutdown(ctx); err != nil {
		log.Error("emergency service shutdown failed", zap.Error(err))
	}
	hub.Close()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("http server shutdown failed", zap.Error(err))
	}
	log.Info("emergencyd stopped")
	return runErr
}
