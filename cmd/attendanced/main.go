package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"attendance-agent/config"
	"attendance-agent/internal/api"
	"attendance-agent/internal/apiclient"
	"attendance-agent/internal/artifact"
	"attendance-agent/internal/attendance"
	"attendance-agent/internal/db"
	"attendance-agent/internal/logger"
	"attendance-agent/internal/metrics"
	"attendance-agent/internal/notification"
	"attendance-agent/internal/offline"
	"attendance-agent/internal/recognition"
	"attendance-agent/internal/scheduler"
	"attendance-agent/internal/store"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}

	if len(os.Args) > 1 {
		cfg.DeviceID = os.Args[1]
	}
	if cfg.DeviceID == "" {
		fmt.Fprintf(os.Stderr, "usage: %s <device-id>\n", os.Args[0])
		os.Exit(2)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	sugar := zl.Sugar()
	sugar.Infow("configuration loaded", "path", configPath, "device_id", cfg.DeviceID, "storage", cfg.Storage.Backend)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize database
	var gormDB *gorm.DB
	if cfg.Storage.Backend != store.BackendFile {
		gormDB, err = db.Init(cfg.Storage, zl)
		if err != nil {
			sugar.Fatalw("failed to initialize database", "error", err)
		}
		sugar.Infow("database initialized", "backend", cfg.Storage.Backend)
	}

	queueStore, sentStore, err := store.New(cfg.Storage, gormDB, zl)
	if err != nil {
		sugar.Fatalw("failed to initialize local storage", "error", err)
	}

	// Create a context that is cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := apiclient.New(cfg.API, zl.Named("apiclient"), m)
	if err := client.EnsureToken(ctx); err != nil {
		// Not fatal: the device may start offline and authenticate later.
		sugar.Warnw("initial authentication failed", "error", err)
	}

	queue := offline.New(queueStore, cfg.Connectivity, zl.Named("offline"), m)
	processor := attendance.New(ctx, cfg.Attendance, client, queue, sentStore, zl.Named("attendance"), m)
	queue.OnDelivered(processor.MarkSent)
	artifacts := artifact.New(cfg.Storage.ModelsDir, client, cfg.Scheduler.VersionCache, zl.Named("artifact"), m)

	pool := notification.NewWorkerPool(cfg.WorkerPool.Size, cfg.Push, zl.Named("notification"), m)
	pool.Start(ctx)

	svc := scheduler.NewService(cfg, cfg.DeviceID, scheduler.Deps{
		Client:     client,
		Artifacts:  artifacts,
		Processor:  processor,
		Queue:      queue,
		Loader:     recognition.NewSidecarLoader(cfg.Recognition.SidecarURL, cfg.Recognition.RequestTimeout, zl.Named("recognition")),
		OpenCamera: recognition.SnapshotOpener(cfg.Recognition.CameraSnapshotURL, cfg.Recognition.RequestTimeout),
		Notifier:   pool,
	}, zl.Named("scheduler"), m)

	var server *http.Server
	if cfg.Status.Enabled {
		router := api.NewRouter(api.NewHandler(svc, queue, zl.Named("api")), reg)
		server = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Status.Port),
			Handler: router,
		}
		go func() {
			sugar.Infow("status server starting", "port", cfg.Status.Port)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sugar.Errorw("status server stopped", "error", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	<-ctx.Done()
	sugar.Infow("shutdown signal received, stopping services")

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			sugar.Errorw("status server shutdown", "error", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2*time.Minute + 10*time.Second):
		sugar.Warnw("scheduler did not stop in time")
	}
	closeDB(gormDB, zl)
	sugar.Infow("agent stopped")
}

func closeDB(gdb *gorm.DB, zl *zap.Logger) {
	if gdb == nil {
		return
	}
	sqlDB, err := gdb.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		zl.Sugar().Warnw("failed to close database", "error", err)
	}
}
