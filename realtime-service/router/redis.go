package router

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"wiki-realtime/shared/protocol"
)

// Emitter delivers an envelope to the members of its room.
type Emitter interface {
	Emit(ctx context.Context, env protocol.Envelope) error
}

// RedisEmitter publishes envelopes on a Redis channel so that every router
// instance subscribed with SubscribeEnvelopes relays them to its own
// connections.
type RedisEmitter struct {
	rc      *redis.Client
	channel string
}

func NewRedisEmitter(rc *redis.Client, channel string) *RedisEmitter {
	return &RedisEmitter{rc: rc, channel: channel}
}

func (e *RedisEmitter) Emit(ctx context.Context, env protocol.Envelope) error {
	payload, err := sonic.Marshal(env)
	if err != nil {
		return err
	}
	return e.rc.Publish(ctx, e.channel, payload).Err()
}

// SubscribeEnvelopes relays envelopes from the Redis channel to local until ctx
// is cancelled, resubscribing whenever the channel is lost.
func SubscribeEnvelopes(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, local Emitter, ready chan<- struct{}) {
	for {
		sub := rc.Subscribe(ctx, channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("envelope subscription failed")
			if !wait(ctx, time.Second) {
				return
			}
			bridgeReconnects.Inc()
			continue
		}
		if ready != nil {
			close(ready)
			ready = nil
		}

		relay(ctx, logger, sub.Channel(), local)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("envelope channel closed, reconnecting")
		if !wait(ctx, time.Second) {
			return
		}
		bridgeReconnects.Inc()
	}
}

func relay(ctx context.Context, logger *log.Logger, ch <-chan *redis.Message, local Emitter) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env protocol.Envelope
			if err := sonic.UnmarshalString(msg.Payload, &env); err != nil {
				logger.WithError(err).Error("unable to parse envelope")
				continue
			}
			if err := local.Emit(ctx, env); err != nil {
				logger.WithError(err).WithField("room", env.Room).Warn("relay envelope failed")
			}
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
