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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kerntest/orchestrator/internal/config"
	consul_client "github.com/kerntest/orchestrator/internal/consul"
	"github.com/kerntest/orchestrator/internal/handlers"
	"github.com/kerntest/orchestrator/internal/monitor"
	nats_client "github.com/kerntest/orchestrator/internal/nats"
	"github.com/kerntest/orchestrator/internal/server"
	"github.com/kerntest/orchestrator/internal/service"
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

	logger.Info("Test Orchestrator Service starting up...")

	// --- Consul Client & Service Registration ---
	consulClient, err := consul_client.Connect(cfg.ConsulAddress, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Consul agent", zap.Error(err))
	}

	serviceID := config.GenerateServiceID(cfg.ServiceIDPrefix)
	logger.Info("Generated unique service ID for Consul", zap.String("service_id", serviceID))

	err = consul_client.RegisterService(consulClient, cfg, serviceID, logger)
	if err != nil {
		logger.Fatal("Failed to register service with Consul", zap.Error(err))
	}
	logger.Info("Successfully registered service with Consul",
		zap.String("service_name", cfg.ServiceName),
		zap.String("service_id", serviceID),
	)

	// --- Orchestrator Service ---
	orch, err := service.New(cfg, service.Options{}, logger)
	if err != nil {
		logger.Fatal("Failed to assemble orchestrator service", zap.Error(err))
	}

	// --- NATS Client & Plan Source ---
	// The orchestrator stays up without NATS: jobs can still be submitted
	// over HTTP, and health reporting reflects the missing plan source.
	var planSource *monitor.NatsPlanSource
	nc, err := nats_client.Connect(cfg.NatsAddress, logger)
	if err != nil {
		logger.Error("Failed to establish initial NATS connection. Plan ingestion will be unavailable.", zap.Error(err))
	}
	if nc != nil {
		defer nc.Close() // Ensure NATS connection is closed on exit

		js, jsErr := nats_client.ConnectJetStream(nc, logger)
		if jsErr != nil {
			logger.Error("Failed to get JetStream context, plan ingestion disabled", zap.Error(jsErr))
		} else {
			if streamErr := nats_client.EnsureStream(js, cfg.NatsPlanStream, []string{cfg.NatsPlanSubject}, logger); streamErr != nil {
				logger.Error("Failed to ensure plan stream exists", zap.Error(streamErr))
			}
			planSource, err = monitor.NewNatsPlanSource(nc, cfg.NatsPlanSubject, cfg.NatsPlanQueueGroup, logger)
			if err != nil {
				logger.Error("Failed to subscribe to plan stream, plan ingestion disabled", zap.Error(err))
			} else {
				orch.SetPlanSource(planSource)
			}
		}
	} else {
		logger.Warn("Running without NATS connection. Plans must be submitted via the HTTP API.")
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := orch.Start(startCtx); err != nil {
		startCancel()
		logger.Fatal("Failed to start orchestrator service", zap.Error(err))
	}
	startCancel()

	// --- Setup Router and HTTP Server ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewStructuredLogger(logger)) // Zap logging middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	// Health Check endpoint (required by Consul registration)
	r.Get(cfg.HealthCheckPath, handlers.Health(orch, logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", handlers.SubmitJob(orch, logger))
		r.Get("/jobs/{jobID}", handlers.GetJobStatus(orch, logger))
		r.Get("/jobs/{jobID}/history", handlers.GetJobHistory(orch, logger))
		r.Post("/jobs/{jobID}/cancel", handlers.CancelJob(orch, logger))
		r.Get("/queue", handlers.GetQueueStatus(orch, logger))
		r.Get("/metrics", handlers.GetMetrics(orch, logger))
		r.Post("/environments", handlers.RegisterEnvironment(orch, logger))
		r.Get("/environments", handlers.ListEnvironments(orch, logger))
		r.Delete("/environments/{envID}", handlers.DeregisterEnvironment(orch, logger))
	})

	srv := server.NewServer(cfg, r, logger)

	// --- Start Server Goroutine ---
	go srv.Start()

	// --- Graceful Shutdown & Consul Deregistration ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit // Block until a signal is received

	logger.Info("Shutdown signal received, starting graceful shutdown...")

	// Deregister from Consul
	if err := consul_client.DeregisterService(consulClient, serviceID, logger); err != nil {
		logger.Error("Error deregistering service from Consul", zap.Error(err))
	} else {
		logger.Info("Successfully deregistered service from Consul")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop taking requests first, then drain the scheduler.
	srv.Stop(ctx)

	if err := orch.Stop(ctx); err != nil {
		logger.Error("Error stopping orchestrator service", zap.Error(err))
	}

	if planSource != nil {
		planSource.Close()
	}
	if nc != nil {
		logger.Info("Draining NATS connection...")
		if err := nc.Drain(); err != nil {
			logger.Error("Error draining NATS connection", zap.Error(err))
		}
		logger.Info("NATS connection drained and closed")
	}

	logger.Info("Test Orchestrator Service gracefully stopped")
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
