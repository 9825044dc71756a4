package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ffsho/AttendanceSystem/internal/api"
	"github.com/ffsho/AttendanceSystem/internal/api/handlers"
	"github.com/ffsho/AttendanceSystem/internal/api/ws"
	"github.com/ffsho/AttendanceSystem/internal/config"
	"github.com/ffsho/AttendanceSystem/internal/enroll"
	"github.com/ffsho/AttendanceSystem/internal/models"
	"github.com/ffsho/AttendanceSystem/internal/observability"
	"github.com/ffsho/AttendanceSystem/internal/queue"
	"github.com/ffsho/AttendanceSystem/internal/storage"
	"github.com/ffsho/AttendanceSystem/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting attendance API service", "port", cfg.Server.Port, "mode", cfg.Attendance.InstitutionMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("run migrations", "error", err)
		os.Exit(1)
	}

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// WebSocket hub fed by recorded attendance events
	hub := ws.NewHub()
	go hub.Run()

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create attendance consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	err = consumer.ConsumeAttendance(ctx, "api-attendance", func(_ context.Context, ev models.RecordedEvent) error {
		hub.BroadcastAttendance(ev)
		return nil
	})
	if err != nil {
		slog.Warn("start attendance consumer", "error", err)
	}

	routerCfg := api.RouterConfig{
		APIKey:          cfg.Server.APIKey,
		Kind:            cfg.Attendance.InstitutionMode.IdentityKind(),
		Location:        cfg.Attendance.Location(),
		StatsWindowDays: cfg.Attendance.StatsWindowDays,
		Threshold:       cfg.Vision.SimilarityThreshold,
		Identities:      db,
		Attendance:      db,
		Samples:         db,
		Objects:         minioStore,
		Notifier:        producer,
		Hub:             hub,
		Checks: map[string]handlers.Check{
			"postgres": db.Ping,
			"minio":    minioStore.Ping,
			"nats":     func(context.Context) error { return producer.Ping() },
		},
	}

	// Face models back enrollment uploads and photo search; without them
	// those endpoints answer 503.
	if err := vision.InitRuntime(cfg.Vision.ONNXLibrary); err != nil {
		slog.Warn("onnx runtime init failed, enrollment and search unavailable", "error", err)
	} else {
		defer vision.DestroyRuntime()
		faceModels, err := vision.LoadModels(cfg.Vision)
		if err != nil {
			slog.Warn("vision models unavailable, enrollment and search unavailable", "error", err)
		} else {
			defer faceModels.Close()
			analyzer := faceModels.Analyzer()
			routerCfg.Embedder = analyzer
			routerCfg.Enroller = enroll.NewService(db, minioStore, analyzer, faceModels.Embedder, cfg.Enrollment,
				enroll.WithNotifier(producer),
			)
			slog.Info("vision models ready for API")
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(routerCfg)

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}
