package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/ganeshballa0/bank-of-anthos/pkg/logger"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
	retryBackoff   = 100 * time.Millisecond
)

// Observer 接收每次下游调用的耗时与状态，用于指标采集。
type Observer interface {
	ObserveBackend(service, op string, status int, duration time.Duration)
}

// ClientConfig 描述单个下游服务客户端。
type ClientConfig struct {
	Service    string
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
	Observer   Observer
}

// Client 是所有下游服务共享的 HTTP 调用基座。
type Client struct {
	service    string
	baseURL    string
	timeout    time.Duration
	retries    int
	httpClient *http.Client
	observer   Observer
	logger     *slog.Logger
}

// NewClient 根据配置创建客户端。
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		service:    cfg.Service,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    timeout,
		retries:    retries,
		httpClient: httpClient,
		observer:   cfg.Observer,
		logger:     logger.Named("backend").With(slog.String("service", cfg.Service)),
	}
}

// request 描述一次调用。idempotent 为 true 时允许在网络故障或 5xx 时重试，重试沿用同一请求体。
type request struct {
	op         string
	method     string
	path       string
	token      string
	body       any
	idempotent bool
}

// do 发送请求并解码响应。2xx 的 JSON 响应解码为通用值，非 JSON 响应按字符串返回。
func (c *Client) do(ctx context.Context, r request) (any, error) {
	if strings.TrimSpace(r.token) == "" {
		return nil, &Error{Service: c.service, Op: r.op, Kind: KindMissingToken}
	}

	var payload []byte
	if r.body != nil {
		encoded, err := json.Marshal(r.body)
		if err != nil {
			return nil, &Error{Service: c.service, Op: r.op, Kind: KindInvalidRequest, cause: err}
		}
		payload = encoded
	}

	attempts := 1
	if r.idempotent {
		attempts += c.retries
	}

	var lastErr *Error
	for attempt := 1; attempt <= attempts; attempt++ {
		data, err := c.once(ctx, r, payload)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !err.Retryable() || attempt == attempts || ctx.Err() != nil {
			break
		}
		c.logger.Warn("backend call failed, retrying",
			slog.String("op", r.op),
			slog.Int("attempt", attempt),
			slog.String("kind", err.Kind),
			slog.Int("status", err.Status),
		)
		select {
		case <-ctx.Done():
			return nil, &Error{Service: c.service, Op: r.op, Kind: classify(ctx.Err()), cause: ctx.Err()}
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return nil, lastErr
}

func (c *Client) once(parent context.Context, r request, payload []byte) (any, *Error) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return nil, &Error{Service: c.service, Op: r.op, Kind: KindInvalidRequest, cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(r.op, 0, time.Since(start))
		kind := classify(err)
		if parent.Err() != nil {
			kind = classify(parent.Err())
		}
		return nil, &Error{Service: c.service, Op: r.op, Kind: kind, cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.observe(r.op, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, &Error{Service: c.service, Op: r.op, Kind: classify(err), Status: resp.StatusCode, cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Service: c.service, Op: r.op, Kind: KindStatus, Status: resp.StatusCode, Body: excerpt(raw)}
	}
	return decodeBody(raw, resp.Header.Get("Content-Type"), c.service, r.op, resp.StatusCode)
}

func decodeBody(raw []byte, contentType, service, op string, status int) (any, *Error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		if isJSON(contentType) {
			return nil, &Error{Service: service, Op: op, Kind: KindMalformed, Status: status, Body: excerpt(raw)}
		}
		return string(trimmed), nil
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var data any
	if err := decoder.Decode(&data); err != nil {
		return nil, &Error{Service: service, Op: op, Kind: KindMalformed, Status: status, Body: excerpt(raw), cause: err}
	}
	return data, nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func (c *Client) observe(op string, status int, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveBackend(c.service, op, status, d)
	}
}
