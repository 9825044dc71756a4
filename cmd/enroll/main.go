package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ffsho/AttendanceSystem/internal/capture"
	"github.com/ffsho/AttendanceSystem/internal/config"
	"github.com/ffsho/AttendanceSystem/internal/enroll"
	"github.com/ffsho/AttendanceSystem/internal/models"
	"github.com/ffsho/AttendanceSystem/internal/observability"
	"github.com/ffsho/AttendanceSystem/internal/queue"
	"github.com/ffsho/AttendanceSystem/internal/storage"
	"github.com/ffsho/AttendanceSystem/internal/vision"
	"github.com/ffsho/AttendanceSystem/pkg/dto"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	var form dto.CreateIdentityForm
	flag.StringVar(&form.LastName, "last-name", "", "last name (required)")
	flag.StringVar(&form.FirstName, "first-name", "", "first name (required)")
	flag.StringVar(&form.Patronymic, "patronymic", "", "patronymic")
	flag.StringVar(&form.Faculty, "faculty", "", "faculty (educational mode)")
	flag.StringVar(&form.Group, "group", "", "group (educational mode)")
	flag.StringVar(&form.Position, "position", "", "position (enterprise mode)")
	flag.StringVar(&form.HireDate, "hire-date", "", "hire date YYYY-MM-DD (enterprise mode)")
	flag.StringVar(&form.BirthDate, "birth-date", "", "birth date YYYY-MM-DD (enterprise mode)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	in, err := form.NewIdentity(cfg.Attendance.InstitutionMode.IdentityKind())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid identity: %v\n", err)
		os.Exit(2)
	}

	// Ctrl-C aborts the registration and rolls it back.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, in); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "registration aborted")
		} else {
			fmt.Fprintf(os.Stderr, "registration failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, in models.NewIdentity) error {
	if err := vision.InitRuntime(cfg.Vision.ONNXLibrary); err != nil {
		return err
	}
	defer vision.DestroyRuntime()

	faceModels, err := vision.LoadModels(cfg.Vision)
	if err != nil {
		return err
	}
	defer faceModels.Close()

	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		return err
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		return err
	}

	opts := []enroll.Option{
		enroll.WithProgress(func(captured, required int) {
			fmt.Printf("\rcaptured samples: %d/%d", captured, required)
			if captured == required {
				fmt.Println()
			}
		}),
	}
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Warn("nats unavailable, running trackers will not reload", "error", err)
	} else {
		defer producer.Close()
		opts = append(opts, enroll.WithNotifier(producer))
	}

	camCtx, stopCamera := context.WithCancel(ctx)
	defer stopCamera()
	camera := capture.NewCamera(cfg.Capture)
	go func() {
		if err := camera.Run(camCtx); err != nil && camCtx.Err() == nil {
			slog.Error("camera stopped", "error", err)
		}
	}()

	svc := enroll.NewService(db, minioStore, faceModels.Analyzer(), faceModels.Embedder, cfg.Enrollment, opts...)
	fmt.Printf("look at the camera, collecting %d samples (Ctrl-C to abort)\n", cfg.Enrollment.Samples)

	res, err := svc.Enroll(ctx, in, enroll.CameraSource{Camera: camera, Timeout: 2 * time.Second})
	if err != nil {
		return err
	}
	fmt.Printf("registered %s (id %d) with %d samples\n", res.Identity.DisplayName(), res.Identity.ID, res.Samples)
	return nil
}
