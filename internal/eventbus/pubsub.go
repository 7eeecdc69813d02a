// Package eventbus delivers realtime events to rooms (one per user, one per
// order, one per trip) over Redis pub/sub, plus an in-process hub that fans
// each channel message out to whichever local connections are subscribed
// to it.
package eventbus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Bus publishes JSON-encoded events to named channels and lets callers
// subscribe to one.
type Bus struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

func New(client *redis.Client, logger *zap.SugaredLogger) *Bus {
	return &Bus{client: client, logger: logger}
}

// Publish marshals event to JSON and publishes it on channel.
func (b *Bus) Publish(ctx context.Context, channel string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, data).Err()
}

// Subscribe blocks, delivering every message published to channel to
// handler until ctx is cancelled. readyChan, if non-nil, receives a single
// value once the subscription is confirmed live.
func (b *Bus) Subscribe(ctx context.Context, channel string, readyChan chan<- struct{}, handler func([]byte) error) error {
	pubsub := b.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if readyChan != nil {
		readyChan <- struct{}{}
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handler([]byte(msg.Payload)); err != nil {
				b.logger.Warnw("eventbus handler error", "channel", channel, "error", err)
			}
		}
	}
}

// Room channel naming conventions used across the dispatch core.
func UserRoom(userID string) string  { return "user:" + userID }
func OrderRoom(orderID string) string { return "order:" + orderID }
func TripRoom(tripID string) string  { return "trip:" + tripID }
