package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
)

// TurnEvent 描述一次轮次的结果摘要。
type TurnEvent struct {
	TurnID       string `json:"turn_id"`
	SessionID    string `json:"session_id"`
	Subject      string `json:"subject"`
	Outcome      string `json:"outcome"`
	ErrorCode    string `json:"error_code,omitempty"`
	ToolCalls    int    `json:"tool_calls"`
	ToolFailures int    `json:"tool_failures"`
	DurationMs   int64  `json:"duration_ms"`
	OccurredAt   int64  `json:"occurred_at"`
}

// Publisher 负责投递轮次事件。
type Publisher interface {
	Publish(ctx context.Context, event TurnEvent) error
	Close() error
}

// Config 选择事件驱动及其连接参数。
type Config struct {
	Driver   string
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// New 根据驱动名称创建发布器。
func New(cfg Config) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return Nop(), nil
	case "memory":
		return NewMemoryPublisher(0), nil
	case "redis":
		return NewRedisPublisher(cfg.Redis)
	case "rabbitmq":
		return NewRabbitMQPublisher(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown events driver %q", cfg.Driver))
	}
}

func encode(event TurnEvent) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化轮次事件失败")
	}
	return payload, nil
}

type nopPublisher struct{}

// Nop 返回丢弃所有事件的发布器。
func Nop() Publisher { return nopPublisher{} }

func (nopPublisher) Publish(context.Context, TurnEvent) error { return nil }
func (nopPublisher) Close() error                              { return nil }

// MemoryPublisher 使用 channel 缓存事件，主要用于测试与单机调试。
type MemoryPublisher struct {
	ch     chan TurnEvent
	mu     sync.Mutex
	closed bool
}

// NewMemoryPublisher 创建一个内存发布器，size 为缓冲区大小。
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 64
	}
	return &MemoryPublisher{ch: make(chan TurnEvent, size)}
}

// Publish 将事件写入缓冲区。缓冲区已满时丢弃最旧的一条。
func (p *MemoryPublisher) Publish(ctx context.Context, event TurnEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "事件队列已关闭")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for {
		select {
		case p.ch <- event:
			return nil
		default:
		}
		select {
		case <-p.ch:
		default:
		}
	}
}

// Drain 取出当前缓存的全部事件。
func (p *MemoryPublisher) Drain() []TurnEvent {
	var events []TurnEvent
	for {
		select {
		case event, ok := <-p.ch:
			if !ok {
				return events
			}
			events = append(events, event)
		default:
			return events
		}
	}
}

// Close 关闭内存发布器。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		close(p.ch)
		p.closed = true
	}
	p.mu.Unlock()
	return nil
}
