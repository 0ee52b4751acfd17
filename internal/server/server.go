// Package server assembles the services and the HTTP route table.
package server

import (
	"fmt"
	"net/http"

	"kidgate/internal/apperr"
	"kidgate/internal/audit"
	"kidgate/internal/auth"
	"kidgate/internal/clock"
	"kidgate/internal/config"
	"kidgate/internal/configdist"
	"kidgate/internal/credentials"
	"kidgate/internal/database"
	"kidgate/internal/devices"
	"kidgate/internal/handlers"
	"kidgate/internal/heartbeat"
	"kidgate/internal/identity"
	"kidgate/internal/jobs"
	"kidgate/internal/middleware"
	"kidgate/internal/parents"
	"kidgate/internal/respond"
	"kidgate/internal/scheduler"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// App holds the wired services behind the router.
type App struct {
	Router       *mux.Router
	DeviceCodec  *auth.Codec
	SessionCodec *auth.Codec
	Audit        *audit.Logger
	Identity     *identity.Service
	Heartbeat    *heartbeat.Collector
	Config       *configdist.Service
	Jobs         *jobs.Queue
	Scheduler    *scheduler.Scheduler
}

func New(cfg *config.Config, db *database.DB, log zerolog.Logger, clk clock.Clock) (*App, error) {
	if clk == nil {
		clk = clock.Real()
	}

	deviceCodec, err := auth.NewCodec([]byte(cfg.Auth.DeviceTokenSecret), auth.DeviceAudience, clk)
	if err != nil {
		return nil, fmt.Errorf("device token codec: %w", err)
	}
	sessionCodec, err := auth.NewCodec([]byte(cfg.Auth.JWTSecret), auth.SessionAudience, clk)
	if err != nil {
		return nil, fmt.Errorf("session token codec: %w", err)
	}

	auditLog := audit.New(db, log, clk)
	app := &App{
		DeviceCodec:  deviceCodec,
		SessionCodec: sessionCodec,
		Audit:        auditLog,
		Identity: identity.NewService(db, deviceCodec, auditLog, log,
			identity.WithClock(clk),
			identity.WithTokenTTL(cfg.Auth.DeviceTokenTTL),
		),
		Heartbeat: heartbeat.NewCollector(db, auditLog, log, clk),
		Config:    configdist.NewService(db, auditLog, log, clk),
		Jobs:      jobs.NewQueue(db, auditLog, log, clk),
		Scheduler: scheduler.New(db, auditLog, log, clk, cfg.Liveness.SweepInterval, cfg.Liveness.OfflineAfter),
	}

	parentStore := parents.NewStore(db, clk)
	deviceStore := devices.NewStore(db)

	trusted, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	router.Use(middleware.Logging(log)...)
	router.Use(middleware.RealIP(trusted))
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))

	healthHandler := handlers.NewHealthHandler(db)
	router.HandleFunc("/healthz", healthHandler.Health).Methods("GET")

	// Public routes
	authHandler := handlers.NewAuthHandler(parentStore, sessionCodec, cfg.Auth.SessionTTL, auditLog)
	router.HandleFunc("/api/auth/register", authHandler.Register).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/auth/login", authHandler.Login).Methods("POST", "OPTIONS")

	deviceHandler := handlers.NewDeviceHandler(app.Identity, app.Heartbeat, app.Config, app.Jobs, deviceStore)
	router.HandleFunc("/api/device/refresh", deviceHandler.Refresh).Methods("POST", "OPTIONS")

	// Device routes (requires device bearer token)
	deviceRouter := router.PathPrefix("/api/device").Subrouter()
	deviceRouter.Use(middleware.DeviceAuth(deviceCodec))
	deviceRouter.HandleFunc("/heartbeat", deviceHandler.Heartbeat).Methods("POST", "OPTIONS")
	deviceRouter.HandleFunc("/config", deviceHandler.Config).Methods("GET", "OPTIONS")
	deviceRouter.HandleFunc("/jobs/next", deviceHandler.NextJob).Methods("GET", "POST", "OPTIONS")
	deviceRouter.HandleFunc("/jobs/{id}/ack", deviceHandler.AckJob).Methods("POST", "OPTIONS")

	// Admin routes (requires X-API-Key)
	adminHandler := handlers.NewAdminHandler(app.Config, credentials.NewStore(db), auditLog, clk)
	jobsHandler := handlers.NewJobsHandler(app.Jobs, deviceStore)
	adminRouter := router.PathPrefix("/api/admin").Subrouter()
	adminRouter.Use(middleware.AdminAuth(cfg.Auth.AdminAPIKey))
	adminRouter.HandleFunc("/jobs", jobsHandler.AdminCreateJob).Methods("POST", "OPTIONS")
	adminRouter.HandleFunc("/jobs/{id}", jobsHandler.AdminGetJob).Methods("GET", "OPTIONS")
	adminRouter.HandleFunc("/devices/{id}/config", adminHandler.PublishConfig).Methods("POST", "OPTIONS")
	adminRouter.HandleFunc("/bootstrap-secrets", adminHandler.ProvisionBootstrap).Methods("POST", "OPTIONS")
	adminRouter.HandleFunc("/audit/{target}", adminHandler.AuditLog).Methods("GET", "OPTIONS")

	// Protected API routes (requires parent session)
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(middleware.SessionAuth(sessionCodec))

	apiRouter.HandleFunc("/auth/me", authHandler.Me).Methods("GET", "OPTIONS")

	// Devices
	devicesHandler := handlers.NewDevicesHandler(app.Identity, deviceStore)
	apiRouter.HandleFunc("/devices", devicesHandler.ListDevices).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/devices/bind", devicesHandler.Bind).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/devices/{id}/jobs", jobsHandler.ListJobs).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/devices/{id}/jobs", jobsHandler.CreateJob).Methods("POST", "OPTIONS")

	// Children
	childrenHandler := handlers.NewChildrenHandler(parentStore)
	apiRouter.HandleFunc("/children", childrenHandler.ListChildren).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/children", childrenHandler.CreateChild).Methods("POST", "OPTIONS")

	// Commands
	commandsHandler := handlers.NewCommandsHandler()
	apiRouter.HandleFunc("/commands", commandsHandler.ListCommands).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/commands/{type}", commandsHandler.GetCommand).Methods("GET", "OPTIONS")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond.Error(w, r, apperr.NotFound("Not found"))
	})

	app.Router = router
	return app, nil
}
