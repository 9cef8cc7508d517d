package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	appLog "roomcal/internal/log"
	"roomcal/internal/model"
)

const DefaultRelayChannel = "roomcal:changes"

// RelayConfig selects the Redis server used for cross-instance fan-out.
type RelayConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// redisClient is the part of *redis.Client the relay uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

// Relay extends a local Broadcaster across server instances. Every
// notification is delivered locally and published on a Redis channel;
// Run delivers what other instances publish.
type Relay struct {
	local   *Broadcaster
	client  redisClient
	channel string
	origin  string
}

type relayEnvelope struct {
	Origin  string        `json:"origin"`
	Message model.Message `json:"message"`
}

func NewRelay(local *Broadcaster, cfg RelayConfig) *Relay {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRelay(local, client, cfg.Channel)
}

func newRelay(local *Broadcaster, client redisClient, channel string) *Relay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &Relay{
		local:   local,
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
	}
}

// Notify delivers n to local sessions, then publishes it. A publish error
// is returned but local delivery has already happened.
func (r *Relay) Notify(ctx context.Context, n model.ChangeNotification) error {
	if n.EmittedAt.IsZero() {
		n.EmittedAt = r.local.clock.Now()
	}
	r.local.Deliver(n)

	payload, err := json.Marshal(relayEnvelope{Origin: r.origin, Message: n.Message()})
	if err != nil {
		return fmt.Errorf("relay: encode: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay: publish to %s: %w", r.channel, err)
	}
	return nil
}

// Run subscribes to the relay channel and delivers remote notifications
// until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", r.channel, err)
	}
	appLog.Info("relay: subscribed", "channel", r.channel, "origin", r.origin)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

// handle delivers one published payload unless this instance sent it.
func (r *Relay) handle(payload string) bool {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		appLog.Warn("relay: dropping undecodable payload", "err", err)
		return false
	}
	if env.Origin == r.origin {
		return false
	}
	n, ok := env.Message.Notification()
	if !ok {
		appLog.Warn("relay: dropping unknown message type", "type", env.Message.Type)
		return false
	}
	if n.EmittedAt.IsZero() {
		n.EmittedAt = r.local.clock.Now()
	}
	r.local.Deliver(n)
	return true
}

func (r *Relay) Close() error { return r.client.Close() }
