package redisclient

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-queue/internal/events"
)

const notifyStreamMaxLen = 100_000

// NotificationOutbox appends domain events to a redis stream. The
// notification dispatcher reads the stream with its own consumer group and
// decides on email, SMS or push delivery.
type NotificationOutbox struct {
	client *redis.Client
	stream string
}

func NewNotificationOutbox(client *redis.Client, stream string) *NotificationOutbox {
	return &NotificationOutbox{client: client, stream: stream}
}

func (o *NotificationOutbox) Publish(ctx context.Context, ev events.Event) error {
	err := o.client.XAdd(ctx, &redis.XAddArgs{
		Stream: o.stream,
		MaxLen: notifyStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"type":      string(ev.Type),
			"topic":     ev.Topic,
			"timestamp": ev.Timestamp.UnixMilli(),
			"data":      string(ev.Data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", o.stream, err)
	}
	return nil
}
