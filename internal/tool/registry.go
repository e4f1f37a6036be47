package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ganeshballa0/bank-of-anthos/internal/backend"
	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
	"github.com/ganeshballa0/bank-of-anthos/pkg/logger"
)

// CodeUnknownTool 表示代理请求了未注册的工具。
const CodeUnknownTool xerrors.Code = "UNKNOWN_TOOL"

// ErrUnknownTool 由 Resolve 在工具不存在时返回。
var ErrUnknownTool = xerrors.New(CodeUnknownTool, "unknown tool")

func init() {
	xerrors.Register(CodeUnknownTool, xerrors.Attributes{
		Message:  "unknown tool",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.RegisterHTTPStatus(CodeUnknownTool, 400)
}

// Observer 接收每次工具调用的结果，用于指标采集。
type Observer interface {
	ObserveTool(name string, ok bool, code string, duration time.Duration)
}

// Option 配置 Registry。
type Option func(*Registry)

// WithObserver 设置工具调用观察者。
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// Registry 保存可用工具并负责校验与执行。
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	observer Observer
	logger   *slog.Logger
}

// NewRegistry 创建空的工具注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{tools: make(map[string]Tool), logger: logger.Named("tool")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 注册工具，名称重复或缺少处理函数时返回错误。
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool name must not be empty")
	}
	if t.Handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("tool %q has no handler", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("tool %q already registered", name))
	}
	t.Name = name
	r.tools[name] = t
	return nil
}

// Resolve 按名称查找工具。
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.TrimSpace(name)]
	if !ok {
		return Tool{}, xerrors.Wrap(CodeUnknownTool, ErrUnknownTool, fmt.Sprintf("unknown tool: %s", name))
	}
	return t, nil
}

// Specs 按名称顺序返回全部工具描述。
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Invoke 解析、校验并执行一次工具调用。它不会 panic，所有失败都以错误结果返回。
func (r *Registry) Invoke(ctx context.Context, inv *Invocation, call Call) (result Result) {
	start := time.Now()
	defer func() {
		if r.observer != nil {
			r.observer.ObserveTool(call.Name, result.OK(), string(result.Code), time.Since(start))
		}
		r.logger.Debug("tool invoked",
			slog.String("tool", call.Name),
			slog.String("call_id", call.ID),
			slog.String("status", string(result.Status)),
			slog.String("code", string(result.Code)),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	// 步骤 1：解析工具。
	t, err := r.Resolve(call.Name)
	if err != nil {
		return Failure(CodeUnknownTool, fmt.Sprintf("unknown tool: %s", call.Name), 0, "")
	}

	// 步骤 2：在任何网络调用之前校验参数。
	args, err := validate(t.Params, call.Arguments)
	if err != nil {
		return Failure(xerrors.CodeInvalidArgument, "invalid arguments: "+err.Error(), 0, "")
	}

	if err := ctx.Err(); err != nil {
		return Failure(xerrors.CodeCancelled, "request cancelled", 0, "")
	}

	// 步骤 3：执行处理函数并恢复 panic。
	data, err := r.run(ctx, t, inv, args)
	if err != nil {
		return failureFrom(err)
	}
	return Success(data)
}

func (r *Registry) run(ctx context.Context, t Tool, inv *Invocation, args Args) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", slog.String("tool", t.Name), slog.Any("panic", rec))
			data = nil
			err = xerrors.New(xerrors.CodeExecutorFailure, fmt.Sprintf("tool %s failed unexpectedly", t.Name))
		}
	}()
	return t.Handler(ctx, inv, args)
}

// failureFrom 将处理函数返回的错误折叠为错误结果，不泄露内部错误链。
func failureFrom(err error) Result {
	if be, ok := backend.AsError(err); ok {
		return Failure(backend.CodeBackendFailure, be.Error(), be.Status, be.Body)
	}
	if errors.Is(err, context.Canceled) {
		return Failure(xerrors.CodeCancelled, "request cancelled", 0, "")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Failure(xerrors.CodeTimeout, "timeout", 0, "")
	}
	if coded, ok := xerrors.From(err); ok {
		return Failure(coded.Code(), coded.Message(), 0, "")
	}
	return Failure(xerrors.CodeUnknown, "tool failed", 0, "")
}
