package main

import (
	"context"
	"fmt"
	stlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Orius-AI/Orius-Node/internal/config"
	consul_client "github.com/Orius-AI/Orius-Node/internal/consul"
	"github.com/Orius-AI/Orius-Node/internal/dispatch"
	"github.com/Orius-AI/Orius-Node/internal/generator"
	"github.com/Orius-AI/Orius-Node/internal/handlers"
	nats_client "github.com/Orius-AI/Orius-Node/internal/nats"
	"github.com/Orius-AI/Orius-Node/internal/reaper"
	"github.com/Orius-AI/Orius-Node/internal/server"
	"github.com/Orius-AI/Orius-Node/internal/store"
	"github.com/Orius-AI/Orius-Node/internal/trust"
	"github.com/Orius-AI/Orius-Node/internal/verify"
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadConfig("configs/config.yaml")
	if err != nil {
		stlog.Fatalf("Failed to load configuration: %v", err) // Use standard log before Zap is up
	}

	// --- Logger ---
	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		stlog.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = logger.Sync() // Flush logs before exiting
	}()

	logger.Info("Grid Dispatch Service starting up...")

	// --- Store ---
	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open task store", zap.Error(err))
	}
	defer func() {
		_ = st.Close()
	}()

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.Initialize(initCtx); err != nil {
		initCancel()
		logger.Fatal("Failed to initialize task store", zap.Error(err))
	}
	initCancel()

	// --- Consul Client & Service Registration ---
	// Discovery is optional like NATS; the service keeps dispatching
	// without it.
	serviceID := config.GenerateServiceID(cfg.ServiceIDPrefix)
	consulClient, err := consul_client.Connect(cfg.ConsulAddress, logger)
	if err != nil {
		logger.Error("Failed to connect to Consul agent. Running unregistered.", zap.Error(err))
		consulClient = nil
	}
	if consulClient != nil {
		logger.Info("Generated unique service ID for Consul", zap.String("service_id", serviceID))
		if err := consul_client.RegisterService(consulClient, cfg, serviceID, logger); err != nil {
			logger.Error("Failed to register service with Consul. Running unregistered.", zap.Error(err))
			consulClient = nil
		} else {
			logger.Info("Successfully registered service with Consul",
				zap.String("service_name", cfg.ServiceName),
				zap.String("service_id", serviceID),
			)
		}
	}

	// --- NATS Client ---
	nc, err := nats_client.Connect(cfg.NatsAddress, logger)
	if err != nil {
		// Log error but continue, events degrade to log-only mode
		logger.Error("Failed to establish initial NATS connection. Service may be degraded.", zap.Error(err))
	}
	if nc != nil {
		logger.Info("Successfully connected to NATS", zap.String("address", cfg.NatsAddress))
	} else {
		logger.Warn("Running without NATS connection. Lifecycle events will not be published.")
	}
	publisher := nats_client.NewPublisher(nc, cfg.NatsEventSubjectPrefix, logger)

	// --- Services ---
	secret := []byte(cfg.ManifestSecret)
	trustService := trust.NewService(st, cfg.Trust, publisher, logger)
	dispatcher := dispatch.NewDispatcher(st, trustService, cfg.Dispatch, secret, logger)
	verifier := verify.NewVerifier(st, trustService, cfg.Verification, secret, publisher, logger)
	gen := generator.NewGenerator(st, cfg.Generator, publisher, logger)
	reap := reaper.New(st, cfg.Reaper, logger)

	// --- Background Loops ---
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go gen.Run(bgCtx)
	go reap.Run(bgCtx)

	// --- Setup Router and HTTP Server ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewStructuredLogger(logger)) // Zap logging middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	// Health Check endpoint (required by Consul registration)
	r.Get(cfg.HealthCheckPath, func(w http.ResponseWriter, r *http.Request) {
		healthStatus := http.StatusOK
		healthMsg := "Grid Dispatch Service is healthy."

		// NATS is optional; report but do not fail the check on it
		if nc == nil || nc.Status() != nats.CONNECTED {
			healthMsg += " NATS: degraded."
			logger.Debug("Health check: NATS is not connected")
		} else {
			healthMsg += " NATS: OK."
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(healthStatus)
		fmt.Fprintln(w, healthMsg)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks/request", handlers.RequestTask(dispatcher, logger))
		r.Post("/tasks/{taskID}/submit", handlers.SubmitResult(verifier, logger))
		r.Get("/tasks/{taskID}/result", handlers.GetTaskResult(st, logger))
		r.Put("/nodes/{nodeID}/capabilities", handlers.RegisterCapabilities(st, logger))
		r.Get("/nodes/{nodeID}/trust", handlers.GetTrust(trustService, logger))
	})

	srv := server.NewServer(cfg, r, logger)

	// --- Start Server Goroutine ---
	go srv.Start()

	// --- Graceful Shutdown & Consul Deregistration ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit // Block until a signal is received

	logger.Info("Shutdown signal received, starting graceful shutdown...")

	bgCancel() // Stop generator and reaper loops

	// Deregister from Consul if we registered
	if consulClient != nil {
		if err := consul_client.DeregisterService(consulClient, serviceID, logger); err != nil {
			logger.Error("Error deregistering service from Consul", zap.Error(err))
		} else {
			logger.Info("Successfully deregistered service from Consul")
		}
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.Stop(ctx) // Call Stop on our custom Server type

	// Close NATS connection gracefully if it was established
	if nc != nil {
		logger.Info("Draining NATS connection...")
		if err := nc.Drain(); err != nil {
			logger.Error("Error draining NATS connection", zap.Error(err))
		}
		logger.Info("NATS connection drained and closed")
	}

	logger.Info("Grid Dispatch Service gracefully stopped")
}

// openStore selects the storage backend from config.
func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("Using in-memory task store; state will not survive restarts")
		return store.NewMemoryStore(), nil
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing database URL: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			return nil, fmt.Errorf("creating connection pool: %w", err)
		}
		return store.NewPostgresStore(pool, logger), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// setupLogger configures Zap based on the log level string.
func setupLogger(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.Set(levelString); err != nil {
		logLevel = zapcore.InfoLevel // Default to info if parsing fails
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(logLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// NewStructuredLogger returns a middleware that logs request details using Zap.
func NewStructuredLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				duration := time.Since(start)
				logger.Info("Request completed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_ip", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", duration),
				)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
