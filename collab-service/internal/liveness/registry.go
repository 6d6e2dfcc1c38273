// Package liveness tracks which collab-service instances are running so
// that members held for a crashed peer can be reaped.
package liveness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
)

// Registry announces this instance and answers whether peers are alive.
type Registry interface {
	Announce(ctx context.Context) error
	Alive(ctx context.Context, instanceID string) (bool, error)
	StartHeartbeat(ctx context.Context) error
	StopHeartbeat()
	Close() error
}

// Config controls key naming and expiry.
type Config struct {
	Prefix            string        `mapstructure:"prefix"`
	KeyTTL            time.Duration `mapstructure:"key_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// RedisRegistry keeps one expiring key per instance. A peer whose key has
// expired missed every heartbeat for KeyTTL and is considered gone.
type RedisRegistry struct {
	client            *redis.Client
	instanceID        string
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration
	mu                sync.Mutex
	cancel            context.CancelFunc
	done              chan struct{}
}

// NewRedisRegistry uses client, which is not closed by Close.
func NewRedisRegistry(client *redis.Client, instanceID string, cfg Config) *RedisRegistry {
	return &RedisRegistry{
		client:            client,
		instanceID:        instanceID,
		prefix:            cfg.Prefix,
		keyTTL:            cfg.KeyTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
}

func (r *RedisRegistry) keyFor(instanceID string) string {
	return fmt.Sprintf("%s:instance:%s", r.prefix, instanceID)
}

// Announce writes or refreshes this instance's key.
func (r *RedisRegistry) Announce(ctx context.Context) error {
	if err := r.client.Set(ctx, r.keyFor(r.instanceID), time.Now().UTC().Format(time.RFC3339), r.keyTTL).Err(); err != nil {
		return fmt.Errorf("failed to announce instance: %w", err)
	}
	return nil
}

// Alive reports whether the instance's key still exists.
func (r *RedisRegistry) Alive(ctx context.Context, instanceID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.keyFor(instanceID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to lookup instance: %w", err)
	}
	return n > 0, nil
}

// StartHeartbeat announces now and then every HeartbeatInterval.
func (r *RedisRegistry) StartHeartbeat(ctx context.Context) error {
	if err := r.Announce(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.heartbeatLoop(ctx)
	l := pkglog.L()
	l.Info().
		Str(pkglog.FieldInstance, r.instanceID).
		Dur("interval", r.heartbeatInterval).
		Dur("ttl", r.keyTTL).
		Msg("instance heartbeat started")
	return nil
}

func (r *RedisRegistry) heartbeatLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Announce(ctx); err != nil && ctx.Err() == nil {
				l := pkglog.L()
				l.Error().Err(err).Str(pkglog.FieldInstance, r.instanceID).Msg("failed to refresh instance key")
			}
		}
	}
}

// StopHeartbeat stops refreshing and removes this instance's key.
func (r *RedisRegistry) StopHeartbeat() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	ctx, timeout := context.WithTimeout(context.Background(), 2*time.Second)
	defer timeout()
	if err := r.client.Del(ctx, r.keyFor(r.instanceID)).Err(); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Str(pkglog.FieldInstance, r.instanceID).Msg("failed to remove instance key")
	}
}

// Close stops the heartbeat.
func (r *RedisRegistry) Close() error {
	r.StopHeartbeat()
	return nil
}
