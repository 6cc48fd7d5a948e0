// Package redislock implements keylock.Locker on Redis so several arenad processes share per-key locks.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix      = "arena:lock:"
	defaultLeaseTTL       = 15 * time.Second
	defaultRetryInterval  = 25 * time.Millisecond
	defaultReleaseTimeout = 2 * time.Second
	leaseRenewalDivisor   = 3
	defaultPingTimeout    = 2 * time.Second
)

var ErrInvalidLockerConfig = errors.New("invalid redis locker config")

var releaseScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = owner token
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = owner token
-- ARGV[2] = lease in milliseconds
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Options tunes a Locker. Zero values take defaults.
type Options struct {
	KeyPrefix     string
	LeaseTTL      time.Duration
	RetryInterval time.Duration
	Logger        *zap.Logger
}

func (options Options) withDefaults() Options {
	out := options
	if out.KeyPrefix == "" {
		out.KeyPrefix = defaultKeyPrefix
	}
	if out.LeaseTTL <= 0 {
		out.LeaseTTL = defaultLeaseTTL
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = defaultRetryInterval
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Locker holds a lock as a key owned by a random token. The holder renews the lease every LeaseTTL/3 until
// release, so a lock outlives LeaseTTL only while its process keeps reaching Redis. A crashed holder frees
// the key within one LeaseTTL.
type Locker struct {
	client  redis.Cmdable
	options Options
}

// New returns a Locker on client.
func New(client redis.Cmdable, options Options) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidLockerConfig)
	}
	return &Locker{client: client, options: options.withDefaults()}, nil
}

// Open connects to addr and validates connectivity via PING.
func Open(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: redis addr is required", ErrInvalidLockerConfig)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Lock polls SETNX until the key is free or ctx is done.
func (locker *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := locker.options.KeyPrefix + key
	token := uuid.NewString()
	for {
		acquired, err := locker.client.SetNX(ctx, redisKey, token, locker.options.LeaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if acquired {
			return locker.hold(redisKey, token), nil
		}
		timer := time.NewTimer(locker.options.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (locker *Locker) hold(redisKey string, token string) func() {
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go locker.renew(redisKey, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			releaseCtx, cancel := context.WithTimeout(context.Background(), defaultReleaseTimeout)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, locker.client, []string{redisKey}, token).Err(); err != nil {
				locker.options.Logger.Warn("redis lock release failed; key expires with its lease",
					zap.String("key", redisKey),
					zap.Duration("lease_ttl", locker.options.LeaseTTL),
					zap.Error(err),
				)
			}
		})
	}
}

func (locker *Locker) renew(redisKey string, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(locker.options.LeaseTTL / leaseRenewalDivisor)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		renewCtx, cancel := context.WithTimeout(context.Background(), defaultReleaseTimeout)
		extended, err := renewScript.Run(renewCtx, locker.client, []string{redisKey}, token, locker.options.LeaseTTL.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil:
			locker.options.Logger.Warn("redis lock renewal failed", zap.String("key", redisKey), zap.Error(err))
		case extended == 0:
			locker.options.Logger.Error("redis lock lease lost before release", zap.String("key", redisKey))
			return
		}
	}
}
