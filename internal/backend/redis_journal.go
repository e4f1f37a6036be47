package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisPending = "pending"
	redisDone    = "done"
)

// RedisJournalConfig 描述 Redis 日志的连接参数。
type RedisJournalConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisJournal 使用 SETNX 在多个副本之间共享支付尝试状态。
type RedisJournal struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisJournal 连接 Redis 并创建日志。
func NewRedisJournal(cfg RedisJournalConfig) (*RedisJournal, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisJournalWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisJournalWithClient 复用已有的 Redis 客户端。
func NewRedisJournalWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisJournal {
	if prefix == "" {
		prefix = "airuntime:payments:"
	}
	if ttl <= 0 {
		ttl = defaultJournalTTL
	}
	return &RedisJournal{client: client, prefix: prefix, ttl: ttl}
}

// Begin 实现 Journal。
func (j *RedisJournal) Begin(ctx context.Context, key string) error {
	ok, err := j.client.SetNX(ctx, j.prefix+key, redisPending, j.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return nil
	}
	state, err := j.client.Get(ctx, j.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// 键在两次调用之间过期，重新占用。
		return j.Begin(ctx, key)
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	if state == redisDone {
		return ErrAttemptCompleted
	}
	return ErrAttemptInFlight
}

// Complete 实现 Journal。
func (j *RedisJournal) Complete(ctx context.Context, key string) error {
	if err := j.client.Set(ctx, j.prefix+key, redisDone, j.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// releaseScript 仅删除仍处于 pending 状态的键。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release 实现 Journal。
func (j *RedisJournal) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, j.client, []string{j.prefix + key}, redisPending).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Close 关闭底层连接。
func (j *RedisJournal) Close() error {
	return j.client.Close()
}
