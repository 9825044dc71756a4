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

type AttendanceHandler func(ctx context.Context, ev models.RecordedEvent) error

type GalleryHandler func(cmd models.GalleryCommand)

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// ConsumeAttendance delivers newly recorded attendance events (for the API
// to broadcast via WebSocket). Handler errors are redelivered up to 3 times.
func (c *Consumer) ConsumeAttendance(ctx context.Context, consumerName string, handler AttendanceHandler) error {
	stream, err := c.js.Stream(ctx, AttendanceStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", AttendanceStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: RecordedSubject,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				var ev models.RecordedEvent
				if err := json.Unmarshal(msg.Data(), &ev); err != nil {
					slog.Warn("drop malformed attendance event", "error", err)
					_ = msg.Term()
					continue
				}
				if err := handler(ctx, ev); err != nil {
					slog.Error("process attendance event", "error", err)
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}
	}()

	slog.Info("attendance consumer started", "consumer", consumerName)
	return nil
}

// SubscribeGallery calls handler for every valid gallery control command.
func (c *Consumer) SubscribeGallery(handler GalleryHandler) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(GalleryControlSubject, func(msg *nats.Msg) {
		cmd, err := decodeGalleryCommand(msg.Data)
		if err != nil {
			slog.Warn("ignore gallery command", "error", err)
			return
		}
		handler(cmd)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", GalleryControlSubject, err)
	}
	return sub, nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}
