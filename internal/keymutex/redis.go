package keymutex

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// releaseScript deletes the lease only if it still carries our token, so an
// expired lease re-acquired by another process is never removed by us.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// ErrLeaseTimeout is returned when the lease could not be obtained before
// the caller's context ended.
var ErrLeaseTimeout = errors.New("keymutex: lease not acquired")

// RedisLease implements Lease with SET NX PX and a token-checked release.
type RedisLease struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLease returns a lease backed by rdb, or nil when rdb is nil so the
// result can be passed straight to WithLease.
func NewRedisLease(rdb redis.Cmdable, ttl time.Duration) Lease {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{rdb: rdb, prefix: "attestor:lock:", ttl: ttl, poll: 25 * time.Millisecond}
}

// Acquire polls until the key is free, backing off up to one second between
// attempts.
func (l *RedisLease) Acquire(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()
	wait := l.poll
	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// Release even when the caller's ctx is already done.
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := releaseScript.Run(rctx, l.rdb, []string{k}, token).Err(); err != nil {
					log.Warn().Err(err).Str("key", k).Msg("lease release failed")
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrLeaseTimeout, ctx.Err())
		case <-time.After(wait):
		}
		if wait < time.Second {
			wait *= 2
		}
	}
}

// NewRedisClient connects to addr and pings it. It returns nil when addr is
// empty or the server is unreachable, in which case leases are disabled.
func NewRedisClient(addr, password string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis unreachable; cross-instance locks disabled")
		_ = client.Close()
		return nil
	}
	return client
}
