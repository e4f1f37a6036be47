package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Contact 是 contacts 服务接受的联系人结构。
type Contact struct {
	Label      string `json:"label"`
	AccountNum string `json:"account_num"`
	RoutingNum string `json:"routing_num"`
	IsExternal bool   `json:"is_external"`
}

// ContactsReader 读取用户的联系人列表。
type ContactsReader interface {
	List(ctx context.Context, token, username string) (any, error)
}

// ContactsWriter 为用户新增联系人。
type ContactsWriter interface {
	Add(ctx context.Context, token, username string, contact Contact) (any, error)
}

// ContactsClient 调用 contacts 服务。
type ContactsClient struct {
	client *Client
}

// NewContactsClient 创建 contacts 客户端。
func NewContactsClient(client *Client) *ContactsClient {
	return &ContactsClient{client: client}
}

// List 调用 GET /contacts/{username}。
func (c *ContactsClient) List(ctx context.Context, token, username string) (any, error) {
	if strings.TrimSpace(username) == "" {
		return nil, &Error{Service: c.client.service, Op: "list_contacts", Kind: KindInvalidRequest}
	}
	return c.client.do(ctx, request{
		op:         "list_contacts",
		method:     http.MethodGet,
		path:       "/contacts/" + url.PathEscape(username),
		token:      token,
		idempotent: true,
	})
}

// Add 调用 POST /contacts/{username}。新增联系人不是幂等操作，因此不重试。
func (c *ContactsClient) Add(ctx context.Context, token, username string, contact Contact) (any, error) {
	if strings.TrimSpace(username) == "" {
		return nil, &Error{Service: c.client.service, Op: "add_contact", Kind: KindInvalidRequest}
	}
	return c.client.do(ctx, request{
		op:     "add_contact",
		method: http.MethodPost,
		path:   "/contacts/" + url.PathEscape(username),
		token:  token,
		body:   contact,
	})
}
