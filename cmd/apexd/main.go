// Package main is the entry point for the apexd orchestrator daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/agent"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/capacity"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/clock"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/config"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/logger"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/tracing"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/events"
	extbus "github.com/JoshuaAFerguson/APEX-sub021/internal/events/bus"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/orchestrator"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/orchestrator/api"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/orchestrator/streaming"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/task/store"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/workflow"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting apexd",
		zap.String("project_path", cfg.ProjectPath),
		zap.String("database", cfg.Database.Driver))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the task store
	var st *store.Store
	switch cfg.Database.Driver {
	case "postgres":
		st, err = store.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	default:
		st, err = store.OpenSQLite(cfg.SQLitePath())
	}
	if err != nil {
		log.Fatal("failed to open task store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	// 4. Load the workflow catalogue
	registry := workflow.NewDefaultRegistry()
	if cfg.Workflows.File != "" {
		registry, err = workflow.LoadFile(cfg.Workflows.File)
		if err != nil {
			log.Fatal("failed to load workflow catalogue",
				zap.String("file", cfg.Workflows.File), zap.Error(err))
		}
	}

	// 5. Internal event bus and optional NATS fan-out
	bus := events.NewBus(0, log)
	defer bus.Close()

	var fanout extbus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := extbus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		fanout = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	}

	// 6. Capacity monitor on the system clock
	monitor := capacity.NewMonitor(orchestrator.CapacityConfig(cfg), clock.New(), bus, log)

	// 7. Agent runtime. The scripted runtime stands in until a real
	// agent transport is configured; it replays deterministic stage
	// scripts and is also what --dry-run style smoke tests use.
	runtime := agent.NewScriptedRuntime()

	// 8. Orchestrator service
	serviceCfg := orchestrator.DefaultServiceConfig()
	serviceCfg.Scheduler.PollInterval = cfg.PollIntervalDuration()
	serviceCfg.Scheduler.DrainTimeout = cfg.ShutdownDrainDuration()
	service := orchestrator.NewService(serviceCfg, st, registry, monitor, runtime, bus, fanout, log)

	// 9. WebSocket hub fed from the internal bus
	wsHub := streaming.NewHub(log)
	go wsHub.Run(ctx)
	wsSubs := streaming.BindBus(bus, wsHub)
	defer func() {
		for _, sub := range wsSubs {
			bus.Unsubscribe(sub)
		}
	}()

	// 10. Start the orchestrator
	if err := service.Start(ctx); err != nil {
		log.Fatal("failed to start orchestrator", zap.Error(err))
	}
	log.Info("orchestrator started")

	// 11. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.RequestLogger(log))
	router.Use(api.Recovery(log))
	router.Use(api.CORS())

	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, service, log)

	wsHandler := streaming.NewWSHandler(wsHub, log)
	streaming.SetupWebSocketRoutes(v1, wsHandler)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down apexd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", zap.Error(err))
	}

	if err := service.Stop(); err != nil {
		log.Warn("orchestrator stopped with warnings", zap.Error(err))
	}
	cancel()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}

	log.Info("apexd stopped")
}
