package backend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Payment 是 ledgerwriter 接受的交易请求，Amount 以分为单位。
type Payment struct {
	FromAccountNum string `json:"fromAccountNum"`
	FromRoutingNum string `json:"fromRoutingNum"`
	ToAccountNum   string `json:"toAccountNum"`
	ToRoutingNum   string `json:"toRoutingNum"`
	Amount         int64  `json:"amount"`
	UUID           string `json:"uuid"`
}

// PaymentWriter 提交支付。
type PaymentWriter interface {
	Submit(ctx context.Context, token string, payment Payment) (any, error)
}

// PaymentClient 调用 ledgerwriter 服务，并通过 Journal 拦截重复提交。
type PaymentClient struct {
	client  *Client
	journal Journal
}

// NewPaymentClient 创建 ledgerwriter 客户端。journal 为空时使用内存日志。
func NewPaymentClient(client *Client, journal Journal) *PaymentClient {
	if journal == nil {
		journal = NewMemoryJournal(0)
	}
	return &PaymentClient{client: client, journal: journal}
}

// Submit 调用 POST /transactions。幂等键在进入重试循环之前已经确定，重试沿用相同的 uuid。
func (c *PaymentClient) Submit(ctx context.Context, token string, payment Payment) (any, error) {
	const op = "make_payment"
	if err := payment.validate(); err != nil {
		return nil, &Error{Service: c.client.service, Op: op, Kind: KindInvalidRequest, cause: err}
	}
	if strings.TrimSpace(token) == "" {
		return nil, &Error{Service: c.client.service, Op: op, Kind: KindMissingToken}
	}

	// 步骤 1：占用幂等键。
	if err := c.journal.Begin(ctx, payment.UUID); err != nil {
		switch {
		case errors.Is(err, ErrAttemptCompleted):
			return nil, &Error{Service: c.client.service, Op: op, Kind: KindDuplicate, Status: http.StatusConflict, cause: err}
		case errors.Is(err, ErrAttemptInFlight):
			return nil, &Error{Service: c.client.service, Op: op, Kind: KindInFlight, Status: http.StatusConflict, cause: err}
		default:
			return nil, &Error{Service: c.client.service, Op: op, Kind: KindNetwork, cause: err}
		}
	}

	// 步骤 2：提交交易。
	data, err := c.client.do(ctx, request{
		op:         op,
		method:     http.MethodPost,
		path:       "/transactions",
		token:      token,
		body:       payment,
		idempotent: true,
	})

	// 步骤 3：根据结果更新日志。ledgerwriter 判定为重复时视为该键已经落账。
	settle := c.journal.Release
	if err == nil || isDuplicateRejection(err) {
		settle = c.journal.Complete
	}
	if jerr := settle(context.WithoutCancel(ctx), payment.UUID); jerr != nil {
		c.client.logger.Warn("payment journal update failed",
			slog.String("uuid", payment.UUID),
			slog.String("error", jerr.Error()),
		)
	}
	if err != nil {
		return nil, err
	}
	c.client.logger.Info("payment submitted",
		slog.String("uuid", payment.UUID),
		slog.String("from", payment.FromAccountNum),
		slog.String("to", payment.ToAccountNum),
		slog.Int64("amount_cents", payment.Amount),
	)
	return data, nil
}

func (p Payment) validate() error {
	switch {
	case strings.TrimSpace(p.FromAccountNum) == "":
		return errors.New("from account is required")
	case strings.TrimSpace(p.ToAccountNum) == "":
		return errors.New("to account is required")
	case strings.TrimSpace(p.FromRoutingNum) == "" || strings.TrimSpace(p.ToRoutingNum) == "":
		return errors.New("routing numbers are required")
	case p.Amount <= 0:
		return errors.New("amount must be greater than zero")
	case strings.TrimSpace(p.UUID) == "":
		return errors.New("idempotency key is required")
	}
	return nil
}

// isDuplicateRejection 判断 ledgerwriter 是否以重复交易为由拒绝了请求。
func isDuplicateRejection(err error) bool {
	be, ok := AsError(err)
	if !ok || be.Kind != KindStatus {
		return false
	}
	if be.Status == http.StatusConflict {
		return true
	}
	body := strings.ToLower(be.Body)
	return be.Status >= 400 && be.Status < 500 && (strings.Contains(body, "duplicate") || strings.Contains(body, "already"))
}

// IsDuplicate 报告错误是否表示重复支付，无论由本地日志还是 ledgerwriter 判定。
func IsDuplicate(err error) bool {
	if be, ok := AsError(err); ok && be.Kind == KindDuplicate {
		return true
	}
	return isDuplicateRejection(err)
}
