package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ganeshballa0/bank-of-anthos/internal/agent"
	"github.com/ganeshballa0/bank-of-anthos/internal/auth"
	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
	"github.com/ganeshballa0/bank-of-anthos/internal/observability/metrics"
	"github.com/ganeshballa0/bank-of-anthos/internal/storage/mysql"
	"github.com/ganeshballa0/bank-of-anthos/pkg/logger"
)

const (
	maxBodyBytes    = 64 << 10
	maxTurnIDLength = 64 // turns.turn_id VARCHAR(64)
	defaultListSize = 20
)

// Asker 执行一次对话轮次。
type Asker interface {
	Ask(ctx context.Context, req agent.AskRequest) (*agent.TurnResult, error)
}

// TurnLister 查询某个用户最近的轮次记录。
type TurnLister interface {
	ListBySubject(ctx context.Context, subject string, limit int) ([]mysql.TurnRecord, error)
}

// Options 配置 API 服务。
type Options struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	MetricsPath       string

	Agent    Asker
	Verifier *auth.Verifier
	Turns    TurnLister
	Metrics  *metrics.Registry
}

// Server 负责暴露 REST 接口。
type Server struct {
	opts    Options
	handler http.Handler
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options) *Server {
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	s := &Server{opts: opts, logger: logger.Named("api")}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	m := s.opts.Metrics
	r.Method(http.MethodGet, "/healthz", m.Instrument("healthz", http.HandlerFunc(s.handleHealthz)))
	if m != nil {
		r.Method(http.MethodGet, s.opts.MetricsPath, m.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.opts.Verifier.Middleware(auth.MiddlewareConfig{AuditEvent: "api_request"}))
		r.Method(http.MethodPost, "/ask", m.Instrument("ask", http.HandlerFunc(s.handleAsk)))
		r.Method(http.MethodGet, "/turns", m.Instrument("turns", http.HandlerFunc(s.handleListTurns)))
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.opts.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type askRequest struct {
	Prompt string `json:"prompt"`
}

type askResponse struct {
	Answer    string `json:"answer"`
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"`
}

type errorResponse struct {
	Error  string `json:"error"`
	TurnID string `json:"turn_id,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAsk 处理对话请求。错误响应只包含固定文本，不会暴露内部错误信息。
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.opts.Agent == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service unavailable"})
		return
	}

	// 步骤 1：解析请求体。
	var req askRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "prompt is required"})
		return
	}
	turnID := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(turnID) > maxTurnIDLength {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "idempotency key too long"})
		return
	}

	// 步骤 2：执行轮次。
	result, err := s.opts.Agent.Ask(r.Context(), agent.AskRequest{
		Identity: auth.IdentityFromContext(r.Context()),
		Prompt:   req.Prompt,
		TurnID:   turnID,
	})
	if err != nil {
		s.writeTurnError(w, result, err)
		return
	}

	writeJSON(w, http.StatusOK, askResponse{
		Answer:    result.Answer,
		TurnID:    result.TurnID,
		SessionID: result.SessionID,
		Outcome:   string(result.State),
	})
}

func (s *Server) writeTurnError(w http.ResponseWriter, result *agent.TurnResult, err error) {
	status := xerrors.HTTPStatus(err)
	turnID := ""
	if result != nil {
		turnID = result.TurnID
	}
	switch {
	case status == http.StatusUnauthorized:
		writeJSON(w, status, errorResponse{Error: "unauthorized"})
	case status == http.StatusBadRequest:
		writeJSON(w, status, errorResponse{Error: "invalid request", TurnID: turnID})
	default:
		if status < http.StatusInternalServerError {
			status = http.StatusInternalServerError
		}
		s.logger.Error("turn failed",
			slog.String("turn_id", turnID),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Int("status", status),
		)
		writeJSON(w, status, errorResponse{Error: "internal error", TurnID: turnID})
	}
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}
	limit := defaultListSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = parsed
	}

	turns := []mysql.TurnRecord{}
	if s.opts.Turns != nil {
		records, err := s.opts.Turns.ListBySubject(r.Context(), identity.Subject, limit)
		if err != nil {
			s.logger.Error("list turns failed", slog.Any("error", err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		if records != nil {
			turns = records
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
