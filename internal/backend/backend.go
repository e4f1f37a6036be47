package backend

import (
	"net/http"
	"strings"
	"time"
)

// Services 描述各下游服务的地址（host:port）。
type Services struct {
	Scheme           string
	ContactsAddr     string
	BalancesAddr     string
	HistoryAddr      string
	TransactionsAddr string
}

// Options 配置整个客户端集合。
type Options struct {
	Services   Services
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
	Journal    Journal
	Observer   Observer
}

// Clients 聚合所有下游服务的能力。
type Clients struct {
	Contacts     *ContactsClient
	Balances     *BalanceClient
	History      *HistoryClient
	Transactions *PaymentClient
}

// New 按配置创建客户端集合。
func New(opts Options) *Clients {
	build := func(service, addr string) *Client {
		return NewClient(ClientConfig{
			Service:    service,
			BaseURL:    baseURL(opts.Services.Scheme, addr),
			Timeout:    opts.Timeout,
			Retries:    opts.Retries,
			HTTPClient: opts.HTTPClient,
			Observer:   opts.Observer,
		})
	}
	return &Clients{
		Contacts:     NewContactsClient(build("contacts", opts.Services.ContactsAddr)),
		Balances:     NewBalanceClient(build("balancereader", opts.Services.BalancesAddr)),
		History:      NewHistoryClient(build("transactionhistory", opts.Services.HistoryAddr)),
		Transactions: NewPaymentClient(build("ledgerwriter", opts.Services.TransactionsAddr), opts.Journal),
	}
}

func baseURL(scheme, addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.Contains(addr, "://") {
		return addr
	}
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + addr
}
