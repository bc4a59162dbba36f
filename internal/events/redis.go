package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisChannel is used when no channel is configured.
const DefaultRedisChannel = "splat-jobs"

// RedisBus fans job events across API instances over Redis pub/sub.
type RedisBus struct {
	log     zerolog.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus connects to addr and verifies the connection with a ping.
func NewRedisBus(ctx context.Context, addr, channel string, log zerolog.Logger) (*RedisBus, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultRedisChannel
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{
		log:     log.With().Str("component", "redis_bus").Logger(),
		rdb:     rdb,
		channel: channel,
	}, nil
}

// Publish sends ev to every subscribed instance, including this one.
func (b *RedisBus) Publish(ctx context.Context, ev JobEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}
	return nil
}

// StartForwarder subscribes to the channel and calls onEvent for each event
// until ctx is done.
func (b *RedisBus) StartForwarder(ctx context.Context, onEvent func(JobEvent)) error {
	if onEvent == nil {
		return errors.New("onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	// Receive confirms the subscription before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close() //nolint:errcheck
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				ev, err := decodeEvent(m.Payload)
				if err != nil {
					b.log.Warn().Err(err).Msg("bad job event payload")
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return nil
}

// Close releases the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

func decodeEvent(payload string) (JobEvent, error) {
	var ev JobEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return JobEvent{}, err
	}
	if ev.JobID == uuid.Nil {
		return JobEvent{}, errors.New("job event without job_id")
	}
	return ev, nil
}
