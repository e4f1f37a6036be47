package mcpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ganeshballa0/bank-of-anthos/internal/auth"
	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
	"github.com/ganeshballa0/bank-of-anthos/internal/tool"
	"github.com/ganeshballa0/bank-of-anthos/pkg/logger"
)

// DefaultName 是 MCP 握手时公布的服务名。
const DefaultName = "banking-ai-runtime"

// idempotencyKeyArg 是每个 MCP 工具额外接受的可选参数。客户端重试同一调用时传入相同的值，
// 付款会得到相同的幂等键。
const idempotencyKeyArg = "idempotency_key"

var turnNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:airuntime:mcp-turn"))

// Options 配置 MCP 服务。
type Options struct {
	Name     string
	Version  string
	Registry *tool.Registry
	Verifier *auth.Verifier
}

// Server 把工具注册表以 MCP 工具的形式暴露出去，每次调用都携带已验证的身份。
type Server struct {
	registry *tool.Registry
	verifier *auth.Verifier
	mcp      *server.MCPServer
	logger   *slog.Logger
}

// NewServer 根据注册表中的工具描述构造 MCP 服务。
func NewServer(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "mcp server requires a tool registry")
	}
	if opts.Verifier == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "mcp server requires a token verifier")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = DefaultName
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "dev"
	}

	s := &Server{
		registry: opts.Registry,
		verifier: opts.Verifier,
		mcp:      server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		logger:   logger.Named("mcp"),
	}
	for _, spec := range opts.Registry.Specs() {
		s.mcp.AddTool(toolFromSpec(spec), s.handleCall(spec.Name))
	}
	return s, nil
}

// toolFromSpec 把注册表中的参数描述转换为 MCP 输入 schema。
func toolFromSpec(spec tool.Spec) mcp.Tool {
	options := []mcp.ToolOption{mcp.WithDescription(spec.Description)}
	for _, p := range spec.Params {
		var props []mcp.PropertyOption
		if p.Required {
			props = append(props, mcp.Required())
		}
		if p.Description != "" {
			props = append(props, mcp.Description(p.Description))
		}
		switch p.Type {
		case tool.TypeNumber:
			options = append(options, mcp.WithNumber(p.Name, props...))
		case tool.TypeBoolean:
			options = append(options, mcp.WithBoolean(p.Name, props...))
		default:
			options = append(options, mcp.WithString(p.Name, props...))
		}
	}
	options = append(options, mcp.WithString(idempotencyKeyArg,
		mcp.Description("Optional. Send the same value when retrying this call so a payment is applied at most once."),
	))
	return mcp.NewTool(spec.Name, options...)
}

// turnIDFor 返回调用所属的轮次 ID。带幂等键的调用按用户与键确定性推导，否则每次调用独立。
func turnIDFor(subject string, args map[string]any) string {
	key, _ := args[idempotencyKeyArg].(string)
	if key = strings.TrimSpace(key); key == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(turnNamespace, []byte(subject+"\x00"+key)).String()
}

// handleCall 为单个工具生成处理函数。没有身份时不会触达任何后端。
func (s *Server) handleCall(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		identity := auth.IdentityFromContext(ctx)
		if identity == nil {
			return mcp.NewToolResultError(tool.Failure(xerrors.CodeUnauthorized, "unauthorized", 0, "").Text()), nil
		}

		// 步骤 1：确定轮次。幂等键不传给工具本身。
		args := make(map[string]any, len(request.GetArguments()))
		for k, v := range request.GetArguments() {
			args[k] = v
		}
		turnID := turnIDFor(identity.Subject, args)
		delete(args, idempotencyKeyArg)

		// 步骤 2：执行。
		result := s.registry.Invoke(ctx, tool.NewInvocation(identity, turnID), tool.Call{
			ID:        turnID,
			Name:      name,
			Arguments: args,
		})
		s.logger.Info("mcp tool call",
			slog.String("tool", name),
			slog.String("turn_id", turnID),
			slog.String("user", identity.Subject),
			slog.String("status", string(result.Status)),
		)
		if !result.OK() {
			return mcp.NewToolResultError(result.Text()), nil
		}
		return mcp.NewToolResultText(result.Text()), nil
	}
}

// stdioContext 在每次调用前重新校验启动时提供的令牌。
func (s *Server) stdioContext(token string) func(context.Context) context.Context {
	return func(ctx context.Context) context.Context {
		identity, err := s.verifier.Verify(ctx, token)
		if err != nil {
			s.logger.Warn("mcp token rejected", slog.String("code", string(xerrors.CodeOf(err))))
			return ctx
		}
		return auth.WithIdentity(ctx, identity)
	}
}

// sseContext 把认证中间件写入请求的身份带入 MCP 调用上下文。
func sseContext(ctx context.Context, r *http.Request) context.Context {
	return auth.WithIdentity(ctx, auth.IdentityFromContext(r.Context()))
}

// ServeStdio 在标准输入输出上提供 MCP 服务，令牌来自 tokenEnv 指定的环境变量。
func (s *Server) ServeStdio(ctx context.Context, tokenEnv string) error {
	token := strings.TrimSpace(os.Getenv(tokenEnv))
	if token == "" {
		return xerrors.New(xerrors.CodeUnauthorized, "environment variable "+tokenEnv+" is empty")
	}
	if _, err := s.verifier.Verify(ctx, token); err != nil {
		return err
	}
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetContextFunc(s.stdioContext(token))
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEHandler 返回 SSE 传输的 HTTP 处理器。/sse 与 /message 都要求 Bearer 令牌。
func (s *Server) SSEHandler(baseURL string) http.Handler {
	sse := server.NewSSEServer(s.mcp,
		server.WithBaseURL(baseURL),
		server.WithSSEContextFunc(sseContext),
	)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware(auth.MiddlewareConfig{AuditEvent: "mcp"}))
		r.Handle("/sse", sse.SSEHandler())
		r.Handle("/message", sse.MessageHandler())
	})
	return r
}

// ServeSSE 在 addr 上启动 SSE 传输，ctx 结束后优雅关闭。
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "http://localhost" + addr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.SSEHandler(baseURL),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("mcp server listening", slog.String("address", addr), slog.String("transport", "sse"))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
