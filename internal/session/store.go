package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ganeshballa0/bank-of-anthos/internal/llm"
	"github.com/ganeshballa0/bank-of-anthos/pkg/logger"
)

// Key 唯一标识一个会话。User 参与键计算，因此不同用户永远不会共享会话。
type Key struct {
	App       string
	User      string
	SessionID string
}

// Session 保存一次编排过程的消息历史。
type Session struct {
	key     Key
	created time.Time
	clock   func() time.Time

	mu      sync.Mutex
	history []llm.Message
	touched time.Time
}

// Key 返回会话键。
func (s *Session) Key() Key {
	return s.key
}

// Owner 返回会话所属用户。
func (s *Session) Owner() string {
	return s.key.User
}

// Append 追加消息。
func (s *Session) Append(msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msgs...)
	s.touched = s.clock()
}

// History 返回历史消息的副本。
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Len 返回历史消息条数。
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

func (s *Session) lastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

// lockEntry 是带引用计数的会话锁。
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// Option 配置 Store。
type Option func(*Store)

// WithClock 替换时间来源，仅用于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store 是进程内的会话存储。
type Store struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	locks    map[Key]*lockEntry
	now      func() time.Time
	logger   *slog.Logger
}

// NewStore 创建空的会话存储。
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[Key]*Session),
		locks:    make(map[Key]*lockEntry),
		now:      time.Now,
		logger:   logger.Named("session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate 返回已有会话，不存在时创建。第二个返回值表示是否新建。
func (s *Store) GetOrCreate(app, user, sessionID string) (*Session, bool) {
	key := Key{App: app, User: user, SessionID: sessionID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[key]; ok {
		existing.mu.Lock()
		existing.touched = s.now()
		existing.mu.Unlock()
		return existing, false
	}
	now := s.now()
	created := &Session{key: key, created: now, clock: s.now, touched: now}
	s.sessions[key] = created
	s.logger.Debug("session created", slog.String("user", user), slog.String("session", sessionID))
	return created, true
}

// Get 返回已有会话。
func (s *Store) Get(app, user, sessionID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[Key{App: app, User: user, SessionID: sessionID}]
	return existing, ok
}

// Discard 删除会话。
func (s *Store) Discard(app, user, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, Key{App: app, User: user, SessionID: sessionID})
}

// Len 返回当前会话数量。
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// acquire 获取或创建锁条目并增加引用计数。调用方必须在使用完毕后调用 release。
func (s *Store) acquire(key Key) *lockEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.locks[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		s.locks[key] = entry
	}
	entry.refs++
	return entry
}

// release 减少引用计数，归零时删除条目。
func (s *Store) release(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.locks[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(s.locks, key)
	}
}

// Lock 获取会话锁，返回的 unlock 必须且只能调用一次。不同的键互不阻塞；等待锁时响应 ctx 取消。
func (s *Store) Lock(ctx context.Context, key Key) (func(), error) {
	entry := s.acquire(key)
	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		s.release(key)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			s.release(key)
		})
	}, nil
}

// WithLock 在持有会话锁期间执行 fn。
func (s *Store) WithLock(ctx context.Context, key Key, fn func(context.Context) error) error {
	unlock, err := s.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Sweep 删除空闲时间超过 idle 且没有被持有的会话，返回删除数量。
func (s *Store) Sweep(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-idle)
	removed := 0
	for key, sess := range s.sessions {
		if _, busy := s.locks[key]; busy {
			continue
		}
		if sess.lastActive().Before(cutoff) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed
}

// Run 周期性清理空闲会话，直到 ctx 结束。
func (s *Store) Run(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(idle); removed > 0 {
				s.logger.Info("idle sessions swept", slog.Int("removed", removed), slog.Int("remaining", s.Len()))
			}
		}
	}
}
