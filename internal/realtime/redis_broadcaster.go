package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/jobpulse/internal/config"
	"github.com/timmy/jobpulse/internal/domain"
	"github.com/timmy/jobpulse/internal/logger"
	"github.com/timmy/jobpulse/internal/service"
)

const (
	envelopeEvent = "event"
	envelopeClose = "close"

	defaultChannel = "jobpulse:events"
)

// envelope is the wire format on the Redis channel.
type envelope struct {
	Type  string           `json:"type"`
	JobID string           `json:"job_id"`
	Event *domain.JobEvent `json:"event,omitempty"`
}

// RedisBroadcaster publishes job events to a Redis channel. Every instance runs a
// forwarder that replays the channel into its local registry, so an observer sees
// the same stream no matter which instance the producer runs on.
//
// The publishing instance receives its own messages through the forwarder too;
// local delivery only happens directly when publishing fails.
type RedisBroadcaster struct {
	rdb     *redis.Client
	channel string
	local   service.Broadcaster
	logger  *logger.Logger
}

// NewRedisBroadcaster connects to Redis and verifies the connection.
// Parameters:
//   - ctx: bounds the initial ping.
//   - cfg: redis address and channel.
//   - local: registry the forwarder delivers into.
//   - log: base logger.
// Returns:
//   - *RedisBroadcaster: connected broadcaster; call StartForwarder before serving.
//   - error: when Redis cannot be reached.
func NewRedisBroadcaster(ctx context.Context, cfg *config.RedisConfig, local service.Broadcaster, log *logger.Logger) (*RedisBroadcaster, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisBroadcasterWithClient(rdb, cfg.Channel, local, log), nil
}

// NewRedisBroadcasterWithClient wraps an existing client.
func NewRedisBroadcasterWithClient(rdb *redis.Client, channel string, local service.Broadcaster, log *logger.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = defaultChannel
	}
	if local == nil {
		local = service.NopBroadcaster{}
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &RedisBroadcaster{
		rdb:     rdb,
		channel: channel,
		local:   local,
		logger:  log.WithFields(logger.Fields{logger.FieldComponent: "redis_broadcaster", "channel": channel}),
	}
}

// Broadcast publishes ev. If Redis rejects it, the event is delivered to the
// local registry only.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, jobID string, ev domain.JobEvent) {
	if err := b.publish(ctx, envelope{Type: envelopeEvent, JobID: jobID, Event: &ev}); err != nil {
		b.logger.WithError(err).WithField(logger.FieldJobID, jobID).Warn("Publish failed, delivering locally")
		b.local.Broadcast(ctx, jobID, ev)
	}
}

// CloseAll publishes a close for jobID, falling back to a local close.
func (b *RedisBroadcaster) CloseAll(ctx context.Context, jobID string) {
	if err := b.publish(ctx, envelope{Type: envelopeClose, JobID: jobID}); err != nil {
		b.logger.WithError(err).WithField(logger.FieldJobID, jobID).Warn("Publish failed, closing locally")
		b.local.CloseAll(ctx, jobID)
	}
}

func (b *RedisBroadcaster) publish(ctx context.Context, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes to the channel and replays every message into the
// local registry until ctx is cancelled. It returns once the subscription is live.
func (b *RedisBroadcaster) StartForwarder(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)

	// make sure the subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				b.dispatch(ctx, m.Payload)
			}
		}
	}()

	b.logger.Info("Redis forwarder started")
	return nil
}

func (b *RedisBroadcaster) dispatch(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.WithError(err).Warn("Bad payload on event channel")
		return
	}
	switch env.Type {
	case envelopeEvent:
		if env.Event == nil {
			return
		}
		b.local.Broadcast(ctx, env.JobID, *env.Event)
	case envelopeClose:
		b.local.CloseAll(ctx, env.JobID)
	default:
		b.logger.Warnf("Unknown envelope type %q", env.Type)
	}
}

// Ping checks the Redis connection.
func (b *RedisBroadcaster) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close closes the Redis client, which also ends the forwarder.
func (b *RedisBroadcaster) Close() error {
	return b.rdb.Close()
}
