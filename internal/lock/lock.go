// Package lock provides short leases that keep concurrent work from overlapping.
//
// Backends:
//   - Local (in-process, single instance)
//   - Redis (shared between instances)
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"formline/internal/config"
)

// Locker hands out expiring leases on a key. Acquire never blocks waiting for
// a held lease: ok is false when another holder owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// FromConfig returns a Redis locker when an address is configured, otherwise a Local one.
func FromConfig(ctx context.Context, cfg *config.Config) (Locker, error) {
	if cfg.Redis.Addr == "" {
		return NewLocal(), nil
	}
	return NewRedis(ctx, RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
}

type Local struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

type lease struct {
	owner   string
	expires time.Time
}

func NewLocal() *Local {
	return &Local{leases: map[string]lease{}, now: time.Now}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return func() {}, false, nil
	}
	owner := newOwner()
	l.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[key]; ok && cur.owner == owner {
			delete(l.leases, key)
		}
	}, true, nil
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Redis struct {
	client *redis.Client
	prefix string
}

// releaseScript deletes the key only while it still holds our owner token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("lock: redis ping failed: %w", err)
	}
	return &Redis{client: rdb, prefix: opts.Prefix}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return "lock:" + k
	}
	return r.prefix + ":lock:" + k
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	owner := newOwner()
	k := r.key(key)
	ok, err := r.client.SetNX(ctx, k, owner, ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return func() {}, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.client, []string{k}, owner).Err()
	}, true, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func newOwner() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
