package backend

import (
	"context"
	"errors"
	"sync"
	"time"
)

// 支付尝试日志返回的哨兵错误。
var (
	ErrAttemptCompleted = errors.New(KindDuplicate)
	ErrAttemptInFlight  = errors.New(KindInFlight)
)

const defaultJournalTTL = 24 * time.Hour

// Journal 记录支付幂等键的状态，防止同一笔支付在本进程（或共享 Redis 的多个副本）内被重复提交。
type Journal interface {
	// Begin 占用幂等键。键已成功时返回 ErrAttemptCompleted，正在处理时返回 ErrAttemptInFlight。
	Begin(ctx context.Context, key string) error
	// Complete 将键标记为已成功。
	Complete(ctx context.Context, key string) error
	// Release 释放处理中的键，使同一尝试可以再次提交。
	Release(ctx context.Context, key string) error
}

type attemptState int

const (
	attemptPending attemptState = iota + 1
	attemptDone
)

type attempt struct {
	state   attemptState
	expires time.Time
}

// MemoryJournal 是基于内存的支付尝试日志。
type MemoryJournal struct {
	mu       sync.Mutex
	ttl      time.Duration
	attempts map[string]attempt
	now      func() time.Time
}

// NewMemoryJournal 创建内存日志，ttl 控制记录保留时长。
func NewMemoryJournal(ttl time.Duration) *MemoryJournal {
	if ttl <= 0 {
		ttl = defaultJournalTTL
	}
	return &MemoryJournal{ttl: ttl, attempts: make(map[string]attempt), now: time.Now}
}

// Begin 实现 Journal。
func (j *MemoryJournal) Begin(_ context.Context, key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	if existing, ok := j.attempts[key]; ok && now.Before(existing.expires) {
		if existing.state == attemptDone {
			return ErrAttemptCompleted
		}
		return ErrAttemptInFlight
	}
	j.attempts[key] = attempt{state: attemptPending, expires: now.Add(j.ttl)}
	j.evictLocked(now)
	return nil
}

// Complete 实现 Journal。
func (j *MemoryJournal) Complete(_ context.Context, key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts[key] = attempt{state: attemptDone, expires: j.now().Add(j.ttl)}
	return nil
}

// Release 实现 Journal。已成功的键不会被释放。
func (j *MemoryJournal) Release(_ context.Context, key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if existing, ok := j.attempts[key]; ok && existing.state == attemptPending {
		delete(j.attempts, key)
	}
	return nil
}

func (j *MemoryJournal) evictLocked(now time.Time) {
	for key, a := range j.attempts {
		if !now.Before(a.expires) {
			delete(j.attempts, key)
		}
	}
}
