// Package infra holds concrete infrastructure adapters. The Redis adapter is
// optional: with REDIS_URL unset the hub runs single-instance and presence
// lives only in the local registry.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceTTL    = 60 * time.Second
	relayChannel   = "callvault:relay"
	presencePrefix = "callvault:presence:"
)

// RelayFrame is one envelope forwarded across instances: the target address
// plus the raw frame to write to its socket.
type RelayFrame struct {
	Target string
	Frame  []byte
}

// Redis provides cross-instance presence and frame relay over pub/sub.
type Redis struct {
	rdb      *redis.Client
	instance string
	log      *slog.Logger
}

// NewRedis connects and pings; the caller decides whether a failure is fatal
// or a fall-back to single-instance mode.
func NewRedis(url, instanceID string, log *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis connected", "addr", opts.Addr)
	return &Redis{rdb: rdb, instance: instanceID, log: log}, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

// SetPresence marks address online on this instance. Refreshed by the
// connection's ping loop; the TTL clears entries from crashed instances.
func (r *Redis) SetPresence(ctx context.Context, address string) error {
	return r.rdb.Set(ctx, presencePrefix+address, r.instance, presenceTTL).Err()
}

func (r *Redis) ClearPresence(ctx context.Context, address string) error {
	return r.rdb.Del(ctx, presencePrefix+address).Err()
}

// Instance returns which instance holds address's connection, or "" when
// offline everywhere.
func (r *Redis) Instance(ctx context.Context, address string) (string, error) {
	v, err := r.rdb.Get(ctx, presencePrefix+address).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// PublishRelay forwards a frame for a peer connected to another instance.
func (r *Redis) PublishRelay(ctx context.Context, target string, frame []byte) error {
	payload := append([]byte(target+"\n"), frame...)
	return r.rdb.Publish(ctx, relayChannel, payload).Err()
}

// SubscribeRelay delivers frames published by other instances until ctx is
// cancelled. deliver runs on the subscriber goroutine and must not block.
func (r *Redis) SubscribeRelay(ctx context.Context, deliver func(RelayFrame)) {
	sub := r.rdb.Subscribe(ctx, relayChannel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				raw := []byte(msg.Payload)
				for i, b := range raw {
					if b == '\n' {
						deliver(RelayFrame{Target: string(raw[:i]), Frame: raw[i+1:]})
						break
					}
				}
			}
		}
	}()
}
