package tool

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ganeshballa0/bank-of-anthos/internal/auth"
	"github.com/ganeshballa0/bank-of-anthos/internal/backend"
	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
	"github.com/ganeshballa0/bank-of-anthos/pkg/logger"
)

// 银行工具名称。
const (
	GetContacts = "get_contacts"
	AddContact  = "add_contact"
	GetBalance  = "get_balance"
	GetHistory  = "get_history"
	MakePayment = "make_payment"
)

// DefaultLocalRoutingNum 是本行的路由号。
const DefaultLocalRoutingNum = "883745000"

// BankClients 聚合银行工具依赖的下游能力。
type BankClients struct {
	Contacts backend.ContactsReader
	Contact  backend.ContactsWriter
	Balances backend.BalanceReader
	History  backend.HistoryReader
	Payments backend.PaymentWriter
}

// BankClientsFrom 从 backend.Clients 组装 BankClients。
func BankClientsFrom(c *backend.Clients) BankClients {
	return BankClients{
		Contacts: c.Contacts,
		Contact:  c.Contacts,
		Balances: c.Balances,
		History:  c.History,
		Payments: c.Transactions,
	}
}

// BankOptions 配置银行工具。
type BankOptions struct {
	LocalRoutingNum string
}

// RegisterBankTools 注册 get_contacts、add_contact、get_balance、get_history 与 make_payment。
func RegisterBankTools(reg *Registry, clients BankClients, opts BankOptions) error {
	routing := opts.LocalRoutingNum
	if routing == "" {
		routing = DefaultLocalRoutingNum
	}
	b := &bankTools{clients: clients, routing: routing, logger: logger.Named("bank-tools")}

	tools := []Tool{
		{
			Name:        GetContacts,
			Description: "Retrieve the contact list of the signed-in user.",
			Handler:     b.getContacts,
		},
		{
			Name:        AddContact,
			Description: "Add a new contact for the signed-in user.",
			Params: []Param{
				{Name: "label", Type: TypeString, Required: true, Description: "Display name of the contact."},
				{Name: "account_num", Type: TypeString, Required: true, Description: "Account number of the contact."},
				{Name: "routing_num", Type: TypeString, Description: "Routing number; defaults to this bank."},
				{Name: "is_external", Type: TypeBoolean, Description: "Whether the contact banks elsewhere."},
			},
			Handler: b.addContact,
		},
		{
			Name:        GetBalance,
			Description: "Retrieve the balance of an account, in cents.",
			Params: []Param{
				{Name: "account_id", Type: TypeString, Required: true, Description: "Account number to query."},
			},
			Handler: b.getBalance,
		},
		{
			Name:        GetHistory,
			Description: "Retrieve the transaction history of an account.",
			Params: []Param{
				{Name: "account_id", Type: TypeString, Required: true, Description: "Account number to query."},
			},
			Handler: b.getHistory,
		},
		{
			Name:        MakePayment,
			Description: "Transfer money from the signed-in user's account to another account. Amount is in dollars.",
			Params: []Param{
				{Name: "to_account", Type: TypeString, Required: true, Description: "Destination account number."},
				{Name: "amount", Type: TypeNumber, Required: true, Description: "Amount in dollars, for example 12.50."},
				{Name: "from_account", Type: TypeString, Description: "Source account; defaults to the signed-in account."},
				{Name: "to_routing", Type: TypeString, Description: "Destination routing number; defaults to this bank."},
			},
			Handler: b.makePayment,
		},
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type bankTools struct {
	clients BankClients
	routing string
	logger  *slog.Logger
}

var errMissingIdentity = xerrors.New(xerrors.CodeUnauthorized, "no verified identity for this call")

func identityOf(inv *Invocation) (*auth.Identity, error) {
	if inv == nil || inv.Identity == nil {
		return nil, errMissingIdentity
	}
	return inv.Identity, nil
}

func (b *bankTools) getContacts(ctx context.Context, inv *Invocation, _ Args) (any, error) {
	id, err := identityOf(inv)
	if err != nil {
		return nil, err
	}
	if b.clients.Contacts == nil {
		return nil, errNotConfigured
	}
	b.logger.Info("fetching contacts", slog.String("user", id.Subject))
	return b.clients.Contacts.List(ctx, id.Token(), id.Subject)
}

func (b *bankTools) addContact(ctx context.Context, inv *Invocation, args Args) (any, error) {
	id, err := identityOf(inv)
	if err != nil {
		return nil, err
	}
	if b.clients.Contact == nil {
		return nil, errNotConfigured
	}
	contact := backend.Contact{
		Label:      args.String("label"),
		AccountNum: args.String("account_num"),
		RoutingNum: args.String("routing_num"),
		IsExternal: args.Bool("is_external"),
	}
	if contact.RoutingNum == "" {
		contact.RoutingNum = b.routing
	}
	b.logger.Info("adding contact",
		slog.String("user", id.Subject),
		slog.String("label", contact.Label),
		slog.String("account_num", contact.AccountNum),
		slog.String("routing_num", contact.RoutingNum),
		slog.Bool("external", contact.IsExternal),
	)
	return b.clients.Contact.Add(ctx, id.Token(), id.Subject, contact)
}

func (b *bankTools) getBalance(ctx context.Context, inv *Invocation, args Args) (any, error) {
	id, err := identityOf(inv)
	if err != nil {
		return nil, err
	}
	if b.clients.Balances == nil {
		return nil, errNotConfigured
	}
	account := args.String("account_id")
	b.logger.Info("fetching balance", slog.String("account", account))
	return b.clients.Balances.Get(ctx, id.Token(), account)
}

func (b *bankTools) getHistory(ctx context.Context, inv *Invocation, args Args) (any, error) {
	id, err := identityOf(inv)
	if err != nil {
		return nil, err
	}
	if b.clients.History == nil {
		return nil, errNotConfigured
	}
	account := args.String("account_id")
	b.logger.Info("fetching history", slog.String("account", account))
	return b.clients.History.List(ctx, id.Token(), account)
}

func (b *bankTools) makePayment(ctx context.Context, inv *Invocation, args Args) (any, error) {
	id, err := identityOf(inv)
	if err != nil {
		return nil, err
	}
	if b.clients.Payments == nil {
		return nil, errNotConfigured
	}
	cents, err := backend.ToCents(args.Raw("amount"))
	if err != nil {
		return nil, err
	}
	from := args.String("from_account")
	if from == "" {
		from = id.Account
	}
	if from == "" || from == auth.UnknownAccount {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "no source account available for payment")
	}
	toRouting := args.String("to_routing")
	if toRouting == "" {
		toRouting = b.routing
	}

	payment := backend.Payment{
		FromAccountNum: from,
		FromRoutingNum: b.routing,
		ToAccountNum:   args.String("to_account"),
		ToRoutingNum:   toRouting,
		Amount:         cents,
	}
	fingerprint := payment.Fingerprint()
	payment.UUID = backend.NewIdempotencyKey(inv.TurnID, fingerprint, inv.Ordinal(fingerprint))

	b.logger.Info("making payment",
		slog.String("from_account", payment.FromAccountNum),
		slog.String("from_routing", payment.FromRoutingNum),
		slog.String("to_account", payment.ToAccountNum),
		slog.String("to_routing", payment.ToRoutingNum),
		slog.Int64("amount_cents", payment.Amount),
		slog.String("uuid", payment.UUID),
	)
	data, err := b.clients.Payments.Submit(ctx, id.Token(), payment)
	switch {
	case err == nil:
		inv.Commit(fingerprint)
	case backend.IsDuplicate(err):
		inv.Commit(fingerprint)
		b.logger.Warn("payment rejected as duplicate", slog.String("uuid", payment.UUID))
	}
	return data, err
}

var errNotConfigured = errors.New("backend not configured")
