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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ffsho/AttendanceSystem/internal/attendance"
	"github.com/ffsho/AttendanceSystem/internal/capture"
	"github.com/ffsho/AttendanceSystem/internal/config"
	"github.com/ffsho/AttendanceSystem/internal/gallery"
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

	slog.Info("starting attendance tracker",
		"mode", cfg.Attendance.InstitutionMode,
		"timezone", cfg.Attendance.Timezone,
		"device", cfg.Capture.Device,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := vision.InitRuntime(cfg.Vision.ONNXLibrary); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer vision.DestroyRuntime()

	faceModels, err := vision.LoadModels(cfg.Vision)
	if err != nil {
		slog.Error("load vision models", "error", err)
		os.Exit(1)
	}
	defer faceModels.Close()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	// Gallery
	holder := gallery.NewHolder()
	reloader := gallery.NewReloader(holder, db, minioStore, faceModels.Analyzer(), cfg.Attendance.InstitutionMode.IdentityKind())
	if report, err := reloader.Reload(ctx); err != nil {
		slog.Warn("initial gallery load failed, starting empty", "error", err)
	} else {
		slog.Info("gallery loaded",
			"identities", report.IdentitiesScanned,
			"samples", report.SamplesEmbedded,
			"skipped", report.SamplesSkipped,
		)
	}

	// Pipeline
	dedup := attendance.NewDeduplicator(db, cfg.Attendance.Location())
	ctrl := vision.NewController(faceModels.Detector, faceModels.Embedder, holder, dedup,
		cfg.Vision.SimilarityThreshold, cfg.Vision.MaxFaces,
		vision.WithNotifier(producer),
	)

	camera := capture.NewCamera(cfg.Capture)
	go func() {
		if err := camera.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("camera stopped", "error", err)
		}
	}()

	view := &preview{}
	runner := vision.NewRunner(ctrl, camera, cfg.Capture.Interval, view.sink)
	go func() {
		_ = runner.Run(ctx)
	}()

	// Gallery control
	ctl := newControl(reloader, dedup)
	go ctl.run(ctx)

	sub, err := consumer.SubscribeGallery(func(cmd models.GalleryCommand) {
		ctl.submit(cmd)
	})
	if err != nil {
		slog.Warn("subscribe gallery control", "error", err)
	} else {
		defer func() { _ = sub.Unsubscribe() }()
	}

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/preview.jpg", view)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		slog.Info("tracker metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// SIGHUP re-reads settings; SIGINT/SIGTERM stop the tracker.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-hup:
			applySettings(*configPath, cfg, ctrl, reloader, ctl)
		case <-quit:
			slog.Info("shutting down tracker...")
			cancel()
			time.Sleep(time.Second)
			slog.Info("tracker stopped")
			return
		}
	}
}

// applySettings reloads the settings that can change without a restart.
func applySettings(path string, current *config.Config, ctrl *vision.Controller, reloader *gallery.Reloader, ctl *control) {
	next, err := config.Load(path)
	if err != nil {
		slog.Error("reload config, keeping current settings", "error", err)
		return
	}

	ctrl.Reconfigure(next.Vision.SimilarityThreshold, next.Vision.MaxFaces)
	if next.Attendance.Timezone != current.Attendance.Timezone {
		slog.Warn("timezone change requires a restart", "current", current.Attendance.Timezone, "configured", next.Attendance.Timezone)
	}

	cmd := models.GalleryCommand{Action: models.GalleryActionReload, Reason: "settings"}
	if kind := next.Attendance.InstitutionMode.IdentityKind(); kind != reloader.Kind() {
		reloader.SetKind(kind)
		cmd.Action = models.GalleryActionReset
	}
	current.Vision = next.Vision
	current.Attendance.InstitutionMode = next.Attendance.InstitutionMode
	ctl.submit(cmd)

	slog.Info("settings applied",
		"threshold", ctrl.Threshold(),
		"max_faces", ctrl.MaxFaces(),
		"mode", next.Attendance.InstitutionMode,
	)
}
