package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ffsho/AttendanceSystem/internal/models"
)

const (
	AttendanceStreamName  = "ATTENDANCE"
	AttendanceSubjectBase = "attendance"
	// RecordedSubject carries models.RecordedEvent payloads.
	RecordedSubject = AttendanceSubjectBase + ".recorded"
	// GalleryControlSubject is plain NATS; trackers only act on commands
	// received while they run.
	GalleryControlSubject = "gallery.control"
)

func connect(natsURL string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return nc, js, nil
}

type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewProducer(natsURL string) (*Producer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Producer{nc: nc, js: js}, nil
}

func attendanceStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        AttendanceStreamName,
		Subjects:    []string{AttendanceSubjectBase + ".>"},
		Retention:   jetstream.InterestPolicy,
		MaxAge:      24 * time.Hour,
		MaxMsgs:     1000000,
		Storage:     jetstream.FileStorage,
		Duplicates:  time.Minute,
		Description: "Recorded attendance events",
	}
}

// EnsureStreams creates the attendance stream if it doesn't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	cfg := attendanceStreamConfig()

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
		cancel()
		if err == nil {
			slog.Info("ensured NATS stream", "name", cfg.Name)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
		}
		slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

// PublishAttendance implements vision.Notifier. The event id doubles as the
// JetStream message id, so a retried publish is deduplicated by the server.
func (p *Producer) PublishAttendance(ctx context.Context, ev models.RecordedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal attendance event: %w", err)
	}

	opts := []jetstream.PublishOpt{}
	if ev.EventID != "" {
		opts = append(opts, jetstream.WithMsgID(ev.EventID))
	}
	if _, err := p.js.Publish(ctx, RecordedSubject, payload, opts...); err != nil {
		return fmt.Errorf("publish attendance event: %w", err)
	}
	return nil
}

// PublishGalleryCommand publishes a control command via raw NATS (not JetStream).
func (p *Producer) PublishGalleryCommand(_ context.Context, cmd models.GalleryCommand) error {
	payload, err := encodeGalleryCommand(cmd)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(GalleryControlSubject, payload); err != nil {
		return fmt.Errorf("publish gallery command: %w", err)
	}
	return nil
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}

func encodeGalleryCommand(cmd models.GalleryCommand) ([]byte, error) {
	if err := validateGalleryCommand(cmd); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal gallery command: %w", err)
	}
	return payload, nil
}

func decodeGalleryCommand(data []byte) (models.GalleryCommand, error) {
	var cmd models.GalleryCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("unmarshal gallery command: %w", err)
	}
	return cmd, validateGalleryCommand(cmd)
}

func validateGalleryCommand(cmd models.GalleryCommand) error {
	switch cmd.Action {
	case models.GalleryActionReload, models.GalleryActionReset:
		return nil
	default:
		return fmt.Errorf("unknown gallery action %q", cmd.Action)
	}
}
