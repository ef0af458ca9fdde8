package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"delivery-dispatch/internal/events"
	"delivery-dispatch/internal/metrics"
)

// Broker carries published events to every hub that should see them. Run
// blocks, handing each event to deliver in publish order, until ctx is done.
type Broker interface {
	Publish(ctx context.Context, e events.Event) error
	Run(ctx context.Context, deliver func(events.Event)) error
}

// LocalBroker keeps events inside this process.
type LocalBroker struct {
	queue chan events.Event
}

func NewLocalBroker(buffer int) *LocalBroker {
	if buffer < 1 {
		buffer = 256
	}
	return &LocalBroker{queue: make(chan events.Event, buffer)}
}

func (b *LocalBroker) Publish(_ context.Context, e events.Event) error {
	select {
	case b.queue <- e:
		return nil
	default:
		metrics.RealtimeDropped.Inc()
		return fmt.Errorf("local broker queue full, dropped %s", e.Name)
	}
}

func (b *LocalBroker) Run(ctx context.Context, deliver func(events.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-b.queue:
			deliver(e)
		}
	}
}

// envelope is the pub/sub wire form. The payload stays raw so it is encoded
// once by the publisher and passed through untouched by every subscriber.
type envelope struct {
	Name    string          `json:"event"`
	Rooms   []string        `json:"rooms"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"data"`
}

// RedisBroker fans events out to every instance subscribed to one channel, so
// a client connected to instance A hears about a transition committed on B.
type RedisBroker struct {
	client  *goredis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisBroker(client *goredis.Client, channel string) *RedisBroker {
	return &RedisBroker{
		client:  client,
		channel: channel,
		logger:  slog.Default().With("component", "realtime-broker"),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Name, err)
	}
	msg, err := json.Marshal(envelope{Name: e.Name, Rooms: e.Rooms, Key: e.Key, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Name, err)
	}
	return b.client.Publish(context.WithoutCancel(ctx), b.channel, msg).Err()
}

func (b *RedisBroker) Run(ctx context.Context, deliver func(events.Event)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reading.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("discarding malformed event", slog.String("error", err.Error()))
				continue
			}
			deliver(events.Event{Name: env.Name, Rooms: env.Rooms, Key: env.Key, Payload: env.Payload})
		}
	}
}
