package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ganeshballa0/bank-of-anthos/internal/auth"
	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
	"github.com/ganeshballa0/bank-of-anthos/internal/events"
	"github.com/ganeshballa0/bank-of-anthos/internal/llm"
	"github.com/ganeshballa0/bank-of-anthos/internal/observability/alerting"
	"github.com/ganeshballa0/bank-of-anthos/internal/session"
	"github.com/ganeshballa0/bank-of-anthos/internal/storage/mysql"
	"github.com/ganeshballa0/bank-of-anthos/internal/tool"
	"github.com/ganeshballa0/bank-of-anthos/pkg/logger"
)

// State 是轮次状态机中的状态。
type State string

const (
	StateStart         State = "start"
	StateAuthenticated State = "authenticated"
	StateSessionReady  State = "session_ready"
	StateRunning       State = "running"
	StateFinalizing    State = "finalizing"
	StateAnswered      State = "answered"
	StateEscalated     State = "escalated"
	StateFailed        State = "failed"
)

// 固定的回答文本。
const (
	NoResponseAnswer   = "No response generated."
	NoEscalationReason = "No specific message."
	escalationPrefix   = "Agent escalated: "
)

// 默认的执行边界。
const (
	DefaultAppName      = "banking_ai_runtime"
	DefaultMaxToolCalls = 8
	DefaultMaxParallel  = 4
	defaultLockWait     = 30 * time.Second
	sinkTimeout         = 5 * time.Second
)

// AskRequest 描述一次对话轮次的输入。
type AskRequest struct {
	Identity *auth.Identity
	Prompt   string
	// TurnID 为空时自动生成。同一 TurnID 的重放会得到相同的支付幂等键。
	TurnID string
}

// TurnResult 汇总一次轮次的结果。
type TurnResult struct {
	TurnID       string        `json:"turn_id"`
	SessionID    string        `json:"session_id"`
	State        State         `json:"outcome"`
	Answer       string        `json:"answer"`
	ToolCalls    int           `json:"tool_calls"`
	ToolFailures int           `json:"tool_failures"`
	Duration     time.Duration `json:"-"`
}

// Observer 接收轮次级别的指标。
type Observer interface {
	ObserveTurn(outcome string, d time.Duration)
	ObserveSinkFailure(sink string)
	SetActiveSessions(n int)
}

// Agent 驱动推理代理与工具注册表完成一次轮次，是系统的业务核心。
type Agent struct {
	reasoner llm.Reasoner
	tools    *tool.Registry
	sessions *session.Store

	repo     mysql.TurnRepository
	events   events.Publisher
	alerts   alerting.Dispatcher
	observer Observer

	appName      string
	maxToolCalls int
	maxParallel  int
	maxSteps     int
	lockWait     time.Duration
	turnTimeout  time.Duration

	logger *slog.Logger
	audit  *slog.Logger
	now    func() time.Time
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithAppName 设置会话键中的应用名。
func WithAppName(name string) Option {
	return func(a *Agent) {
		if strings.TrimSpace(name) != "" {
			a.appName = name
		}
	}
}

// WithMaxToolCalls 设置单个轮次允许的工具调用总数。
func WithMaxToolCalls(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxToolCalls = n
		}
	}
}

// WithMaxParallel 设置同一步中并发执行的工具调用数量。
func WithMaxParallel(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxParallel = n
		}
	}
}

// WithTurnTimeout 为整个轮次设置超时。
func WithTurnTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.turnTimeout = d
		}
	}
}

// WithLockWait 设置等待同一会话上其他轮次的最长时间。
func WithLockWait(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.lockWait = d
		}
	}
}

// WithTurnRepository 配置轮次记录仓库。
func WithTurnRepository(repo mysql.TurnRepository) Option {
	return func(a *Agent) { a.repo = repo }
}

// WithEventPublisher 配置轮次事件发布器。
func WithEventPublisher(p events.Publisher) Option {
	return func(a *Agent) { a.events = p }
}

// WithAlerts 配置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(a *Agent) { a.alerts = d }
}

// WithObserver 配置指标观察者。
func WithObserver(o Observer) Option {
	return func(a *Agent) { a.observer = o }
}

// WithClock 替换时间来源，仅用于测试。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New 创建一个 Agent。
func New(reasoner llm.Reasoner, tools *tool.Registry, sessions *session.Store, opts ...Option) *Agent {
	ag := &Agent{
		reasoner:     reasoner,
		tools:        tools,
		sessions:     sessions,
		appName:      DefaultAppName,
		maxToolCalls: DefaultMaxToolCalls,
		maxParallel:  DefaultMaxParallel,
		lockWait:     defaultLockWait,
		logger:       logger.Named("agent"),
		audit:        logger.Audit(),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	// 空的工具调用步骤同样计入步数上限，保证循环一定终止。
	ag.maxSteps = 2 * ag.maxToolCalls
	return ag
}

// Tools 返回工具注册表。
func (a *Agent) Tools() *tool.Registry { return a.tools }

// Ask 执行一次完整的对话轮次。返回错误时 TurnResult 仍然有效，State 为 StateFailed 且 Answer 为空。
func (a *Agent) Ask(ctx context.Context, req AskRequest) (*TurnResult, error) {
	start := a.now()
	result := &TurnResult{TurnID: strings.TrimSpace(req.TurnID), State: StateStart}
	if result.TurnID == "" {
		result.TurnID = uuid.NewString()
	}

	if a.reasoner == nil || a.tools == nil || a.sessions == nil {
		err := xerrors.New(xerrors.CodeInitializationFailure, "agent not configured")
		a.fail(result, err)
		a.finish(ctx, req, result, start, err)
		return result, err
	}

	if a.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.turnTimeout)
		defer cancel()
	}

	// 步骤 1：身份。
	identity := req.Identity
	if identity == nil {
		a.fail(result, auth.ErrUnauthorized)
		a.finish(ctx, req, result, start, auth.ErrUnauthorized)
		return result, auth.ErrUnauthorized
	}
	a.transition(result, StateAuthenticated)

	if strings.TrimSpace(req.Prompt) == "" {
		err := xerrors.New(xerrors.CodeInvalidArgument, "prompt is required")
		a.fail(result, err)
		a.finish(ctx, req, result, start, err)
		return result, err
	}

	// 步骤 2：会话。生成的会话 ID 只在本轮次内有效。
	// 先持有会话锁再取会话，清理任务不会删除被持有的会话。
	result.SessionID = identity.SessionID
	key := session.Key{App: a.appName, User: identity.Subject, SessionID: identity.SessionID}
	unlock, err := a.lockSession(ctx, key)
	if err != nil {
		a.fail(result, err)
		a.finish(ctx, req, result, start, err)
		return result, err
	}
	sess, created := a.sessions.GetOrCreate(key.App, key.User, key.SessionID)
	if identity.SessionGenerated {
		defer a.sessions.Discard(key.App, key.User, key.SessionID)
	}
	a.logger.Debug("session ready",
		slog.String("turn_id", result.TurnID),
		slog.String("session", identity.SessionID),
		slog.Bool("created", created),
	)
	a.transition(result, StateSessionReady)

	// 步骤 3：工具循环。
	err = a.run(ctx, sess, identity, req.Prompt, result)
	unlock()
	if err != nil {
		a.fail(result, err)
	}
	a.finish(ctx, req, result, start, err)
	return result, err
}

// lockSession 等待同一会话上的其他轮次结束。等待超过 lockWait 视为会话故障。
func (a *Agent) lockSession(ctx context.Context, key session.Key) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, a.lockWait)
	defer cancel()
	unlock, err := a.sessions.Lock(lockCtx, key)
	if err == nil {
		return unlock, nil
	}
	if ctx.Err() != nil {
		return nil, interrupted(ctx.Err())
	}
	return nil, xerrors.Wrap(CodeSessionFailure, err, "session busy")
}

func (a *Agent) run(ctx context.Context, sess *session.Session, identity *auth.Identity, prompt string, result *TurnResult) error {
	a.transition(result, StateRunning)
	// 本轮次的消息先记在 pending 中，只有到达终态才写回会话。
	// 失败或取消的轮次不会在会话里留下没有结果的工具调用。
	base := sess.History()
	pending := []llm.Message{llm.UserMessage(prompt)}
	history := func() []llm.Message {
		out := make([]llm.Message, 0, len(base)+len(pending))
		return append(append(out, base...), pending...)
	}

	inv := tool.NewInvocation(identity, result.TurnID)
	specs := a.tools.Specs()

	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}
		if step > a.maxSteps {
			return xerrors.New(CodeToolCeiling, fmt.Sprintf("no terminal event after %d steps", a.maxSteps))
		}

		event, err := a.reasoner.Next(ctx, llm.Request{
			Subject: identity.Subject,
			Account: identity.Account,
			History: history(),
			Tools:   specs,
		})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return interrupted(ctxErr)
		}
		if err != nil {
			return xerrors.Wrap(CodeReasonerFailure, err, "reasoning agent failed")
		}

		switch event.Kind {
		case llm.EventToolCalls:
			if len(event.Calls) == 0 {
				continue
			}
			if result.ToolCalls+len(event.Calls) > a.maxToolCalls {
				return xerrors.New(CodeToolCeiling, fmt.Sprintf("tool call ceiling %d exceeded", a.maxToolCalls))
			}
			calls := numberCalls(event.Calls, result.ToolCalls)
			result.ToolCalls += len(calls)
			pending = append(pending, llm.Message{Role: llm.RoleAssistant, ToolCalls: calls})

			results := a.dispatch(ctx, inv, calls)
			if err := ctx.Err(); err != nil {
				return interrupted(err)
			}
			// 结果按调用发出的顺序回填。
			for i, res := range results {
				if !res.OK() {
					result.ToolFailures++
				}
				pending = append(pending, llm.ToolResultMessage(calls[i], res))
			}

		case llm.EventFinal:
			a.transition(result, StateFinalizing)
			answer := event.Text()
			if strings.TrimSpace(answer) == "" {
				answer = NoResponseAnswer
			}
			sess.Append(append(pending, llm.Message{Role: llm.RoleAssistant, Content: answer})...)
			result.Answer = answer
			a.transition(result, StateAnswered)
			return nil

		case llm.EventEscalate:
			a.transition(result, StateFinalizing)
			reason := strings.TrimSpace(event.Reason)
			if reason == "" {
				reason = NoEscalationReason
			}
			result.Answer = escalationPrefix + reason
			sess.Append(append(pending, llm.Message{Role: llm.RoleAssistant, Content: result.Answer})...)
			a.transition(result, StateEscalated)
			return nil

		default:
			return xerrors.New(CodeReasonerFailure, fmt.Sprintf("unexpected event kind %q", event.Kind))
		}
	}
}

// dispatch 执行同一步中的工具调用。多个调用并发执行，数量受 maxParallel 限制。
func (a *Agent) dispatch(ctx context.Context, inv *tool.Invocation, calls []tool.Call) []tool.Result {
	results := make([]tool.Result, len(calls))
	if len(calls) == 1 {
		results[0] = a.tools.Invoke(ctx, inv, calls[0])
		return results
	}

	var g errgroup.Group
	g.SetLimit(a.maxParallel)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = a.tools.Invoke(ctx, inv, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// numberCalls 为缺少 ID 的调用补齐 ID，保证工具结果能与调用一一对应。
func numberCalls(calls []tool.Call, offset int) []tool.Call {
	numbered := make([]tool.Call, len(calls))
	for i, call := range calls {
		if strings.TrimSpace(call.ID) == "" {
			call.ID = fmt.Sprintf("call_%d", offset+i+1)
		}
		numbered[i] = call
	}
	return numbered
}

func interrupted(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "turn timed out")
	}
	return xerrors.Wrap(xerrors.CodeCancelled, err, "turn cancelled")
}

func (a *Agent) transition(result *TurnResult, next State) {
	a.logger.Debug("turn transition",
		slog.String("turn_id", result.TurnID),
		slog.String("from", string(result.State)),
		slog.String("to", string(next)),
	)
	result.State = next
}

func (a *Agent) fail(result *TurnResult, err error) {
	result.Answer = ""
	a.transition(result, StateFailed)
	a.logger.Warn("turn failed",
		slog.String("turn_id", result.TurnID),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	)
}

// finish 记录审计日志、指标、轮次记录与事件。这些环节的失败只记录日志，不影响回答。
func (a *Agent) finish(ctx context.Context, req AskRequest, result *TurnResult, start time.Time, turnErr error) {
	result.Duration = a.now().Sub(start)

	var subject, account string
	if req.Identity != nil {
		subject = req.Identity.Subject
		account = req.Identity.Account
	}
	errorCode := ""
	if turnErr != nil {
		errorCode = string(xerrors.CodeOf(turnErr))
	}

	a.audit.Info("turn_completed",
		slog.String("turn_id", result.TurnID),
		slog.String("subject", subject),
		slog.String("session", result.SessionID),
		slog.String("outcome", string(result.State)),
		slog.String("error_code", errorCode),
		slog.Int("tool_calls", result.ToolCalls),
		slog.Int("tool_failures", result.ToolFailures),
		slog.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	if a.observer != nil {
		a.observer.ObserveTurn(string(result.State), result.Duration)
		if a.sessions != nil {
			a.observer.SetActiveSessions(a.sessions.Len())
		}
	}

	// 未认证的请求不落库也不发布事件。
	if req.Identity == nil {
		return
	}

	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	if a.repo != nil {
		record := &mysql.TurnRecord{
			TurnID:       result.TurnID,
			SessionID:    result.SessionID,
			Subject:      subject,
			Account:      account,
			Prompt:       req.Prompt,
			Answer:       result.Answer,
			Outcome:      string(result.State),
			ErrorCode:    errorCode,
			ToolCalls:    result.ToolCalls,
			ToolFailures: result.ToolFailures,
			DurationMs:   result.Duration.Milliseconds(),
			CreatedAt:    start.Unix(),
		}
		if err := a.repo.Save(sinkCtx, record); err != nil {
			a.sinkFailed(sinkCtx, "repository", result.TurnID, subject, err)
		}
	}

	if a.events != nil {
		event := events.TurnEvent{
			TurnID:       result.TurnID,
			SessionID:    result.SessionID,
			Subject:      subject,
			Outcome:      string(result.State),
			ErrorCode:    errorCode,
			ToolCalls:    result.ToolCalls,
			ToolFailures: result.ToolFailures,
			DurationMs:   result.Duration.Milliseconds(),
			OccurredAt:   start.Unix(),
		}
		if err := a.events.Publish(sinkCtx, event); err != nil {
			a.sinkFailed(sinkCtx, "events", result.TurnID, subject, err)
		}
	}

	if turnErr != nil && xerrors.ShouldAlert(turnErr) {
		a.alert(sinkCtx, turnErr, result.TurnID, subject)
	}
}

func (a *Agent) sinkFailed(ctx context.Context, sink, turnID, subject string, err error) {
	a.logger.Error("turn sink failed",
		slog.String("sink", sink),
		slog.String("turn_id", turnID),
		slog.Any("error", err),
	)
	if a.observer != nil {
		a.observer.ObserveSinkFailure(sink)
	}
	if xerrors.ShouldAlert(err) {
		a.alert(ctx, err, turnID, subject)
	}
}

func (a *Agent) alert(ctx context.Context, err error, turnID, subject string) {
	if a.alerts == nil {
		return
	}
	if notifyErr := a.alerts.Notify(ctx, alerting.FromError(err, turnID, subject)); notifyErr != nil {
		a.logger.Warn("alert dispatch failed", slog.String("turn_id", turnID), slog.Any("error", notifyErr))
	}
}
