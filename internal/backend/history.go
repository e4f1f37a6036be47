package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// HistoryReader 读取账户交易历史。
type HistoryReader interface {
	List(ctx context.Context, token, account string) (any, error)
}

// HistoryClient 调用 transactionhistory 服务。
type HistoryClient struct {
	client *Client
}

// NewHistoryClient 创建 transactionhistory 客户端。
func NewHistoryClient(client *Client) *HistoryClient {
	return &HistoryClient{client: client}
}

// List 调用 GET /transactions/{account}。
func (c *HistoryClient) List(ctx context.Context, token, account string) (any, error) {
	if strings.TrimSpace(account) == "" {
		return nil, &Error{Service: c.client.service, Op: "get_history", Kind: KindInvalidRequest}
	}
	return c.client.do(ctx, request{
		op:         "get_history",
		method:     http.MethodGet,
		path:       "/transactions/" + url.PathEscape(account),
		token:      token,
		idempotent: true,
	})
}
