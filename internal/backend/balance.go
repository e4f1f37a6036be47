package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// BalanceReader 读取账户余额。
type BalanceReader interface {
	Get(ctx context.Context, token, account string) (any, error)
}

// BalanceClient 调用 balancereader 服务。
type BalanceClient struct {
	client *Client
}

// NewBalanceClient 创建 balancereader 客户端。
func NewBalanceClient(client *Client) *BalanceClient {
	return &BalanceClient{client: client}
}

// Get 调用 GET /balances/{account}。
func (c *BalanceClient) Get(ctx context.Context, token, account string) (any, error) {
	if strings.TrimSpace(account) == "" {
		return nil, &Error{Service: c.client.service, Op: "get_balance", Kind: KindInvalidRequest}
	}
	return c.client.do(ctx, request{
		op:         "get_balance",
		method:     http.MethodGet,
		path:       "/balances/" + url.PathEscape(account),
		token:      token,
		idempotent: true,
	})
}
