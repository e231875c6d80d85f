package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisLockTTL          = 30 * time.Second
	redisLockPollInterval = 20 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a Redis backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisBackend keeps collection documents as Redis strings and serialises
// writers across processes with a token lock per collection.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects and pings the server.
func OpenRedis(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "commons:"
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (b *RedisBackend) Load(ctx context.Context, collection Collection) ([]byte, error) {
	payload, err := b.client.Get(ctx, b.documentKey(collection)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return payload, err
}

func (b *RedisBackend) Save(ctx context.Context, collection Collection, payload []byte) error {
	return b.client.Set(ctx, b.documentKey(collection), payload, 0).Err()
}

// Acquire polls SET NX until the lock is free or ctx ends. The lock expires
// on its own if the holder dies.
func (b *RedisBackend) Acquire(ctx context.Context, collection Collection) (func(), error) {
	key := b.lockKey(collection)
	token := uuid.NewString()
	for {
		ok, err := b.client.SetNX(ctx, key, token, redisLockTTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(redisLockPollInterval):
		}
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		releaseScript.Run(releaseCtx, b.client, []string{key}, token)
	}, nil
}

// Close releases the client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) documentKey(collection Collection) string {
	return b.prefix + "doc:" + string(collection)
}

func (b *RedisBackend) lockKey(collection Collection) string {
	return b.prefix + "lock:" + string(collection)
}
