package redisclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-queue/internal/events"
)

// LocalPublisher delivers an event to the sessions connected to this instance.
type LocalPublisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Relay forwards events between api-server instances over redis pub/sub so a
// session connected to any instance sees every event of its topics.
// Events published locally are already delivered by the local hub; the relay
// ignores its own messages when they come back.
type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	local   LocalPublisher
	log     logrus.FieldLogger
}

func NewRelay(client *redis.Client, channel, origin string, local LocalPublisher, log logrus.FieldLogger) *Relay {
	return &Relay{
		client:  client,
		channel: channel,
		origin:  origin,
		local:   local,
		log:     log,
	}
}

// Publish sends ev to the other instances.
func (r *Relay) Publish(ctx context.Context, ev events.Event) error {
	ev.Origin = r.origin
	ev.Seq = 0
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal relay event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Run consumes the relay channel until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.WithField("channel", r.channel).Info("event relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload string) {
	var ev events.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.log.WithError(err).Warn("dropping malformed relay message")
		return
	}
	if ev.Origin == r.origin {
		return
	}
	if err := r.local.Publish(ctx, ev); err != nil {
		r.log.WithError(err).WithField("topic", ev.Topic).Warn("relay delivery failed")
	}
}
