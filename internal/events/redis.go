package events

import (
	"context"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
)

// RedisConfig 描述 Redis 列表的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

const defaultRedisKey = "airuntime:turns"

// RedisPublisher 使用 Redis list 投递事件，消费者可以通过 BRPOP 读取。
type RedisPublisher struct {
	client *redis.Client
	key    string
}

// NewRedisPublisher 创建 Redis 发布器并检查连通性。
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisPublisherWithClient(client, cfg.Key), nil
}

// NewRedisPublisherWithClient 复用已有的 Redis 客户端。
func NewRedisPublisherWithClient(client *redis.Client, key string) *RedisPublisher {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisPublisher{client: client, key: key}
}

// Publish 将事件以 JSON 形式推入列表头部。
func (p *RedisPublisher) Publish(ctx context.Context, event TurnEvent) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}
	if err := p.client.LPush(ctx, p.key, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
