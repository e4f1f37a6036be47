package tool

import (
	"context"
	"sync"
	"testing"

	"github.com/ganeshballa0/bank-of-anthos/internal/auth"
	"github.com/ganeshballa0/bank-of-anthos/internal/backend"
	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
)

// fakeBank 记录每次下游调用的令牌与参数。
type fakeBank struct {
	mu       sync.Mutex
	tokens   []string
	calls    []string
	payments []backend.Payment
	contacts []backend.Contact
	err      error
}

func (f *fakeBank) record(token, call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	f.calls = append(f.calls, call)
}

func (f *fakeBank) List(_ context.Context, token, who string) (any, error) {
	f.record(token, "list:"+who)
	return []any{}, f.err
}

func (f *fakeBank) Add(_ context.Context, token, username string, c backend.Contact) (any, error) {
	f.record(token, "add:"+username)
	f.mu.Lock()
	f.contacts = append(f.contacts, c)
	f.mu.Unlock()
	return nil, f.err
}

func (f *fakeBank) Get(_ context.Context, token, account string) (any, error) {
	f.record(token, "balance:"+account)
	return 500, f.err
}

func (f *fakeBank) Submit(_ context.Context, token string, p backend.Payment) (any, error) {
	f.record(token, "pay:"+p.ToAccountNum)
	f.mu.Lock()
	f.payments = append(f.payments, p)
	f.mu.Unlock()
	return "ok", f.err
}

type historyFake struct{ *fakeBank }

func (h historyFake) List(ctx context.Context, token, account string) (any, error) {
	h.record(token, "history:"+account)
	return []any{}, h.err
}

func newBankRegistry(t *testing.T, fake *fakeBank) *Registry {
	t.Helper()
	reg := NewRegistry()
	clients := BankClients{Contacts: fake, Contact: fake, Balances: fake, History: historyFake{fake}, Payments: fake}
	if err := RegisterBankTools(reg, clients, BankOptions{}); err != nil {
		t.Fatalf("register bank tools: %v", err)
	}
	return reg
}

func TestBankToolsPropagateToken(t *testing.T) {
	fake := &fakeBank{}
	reg := newBankRegistry(t, fake)
	const token = "eyJhbGciOiJSUzI1NiJ9.eyJ1c2VyIjoiYWxpY2UifQ.c2ln"
	inv := NewInvocation(auth.NewIdentity("alice", "1011226111", "s-1", token), "turn-1")
	ctx := context.Background()

	calls := []Call{
		{Name: GetContacts},
		{Name: AddContact, Arguments: map[string]any{"label": "Bob", "account_num": "1033623433"}},
		{Name: GetBalance, Arguments: map[string]any{"account_id": "1011226111"}},
		{Name: GetHistory, Arguments: map[string]any{"account_id": "1011226111"}},
		{Name: MakePayment, Arguments: map[string]any{"to_account": "1033623433", "amount": 12.345}},
	}
	for _, call := range calls {
		if res := reg.Invoke(ctx, inv, call); !res.OK() {
			t.Fatalf("%s failed: %+v", call.Name, res)
		}
	}

	if len(fake.tokens) != len(calls) {
		t.Fatalf("expected %d backend calls, got %d", len(calls), len(fake.tokens))
	}
	for i, got := range fake.tokens {
		if got != token {
			t.Fatalf("call %d carried a different token", i)
		}
	}
	if fake.calls[0] != "list:alice" || fake.calls[1] != "add:alice" {
		t.Fatalf("contacts must be scoped to the verified subject: %v", fake.calls)
	}
	if fake.contacts[0].RoutingNum != DefaultLocalRoutingNum {
		t.Fatalf("routing should default to the local bank: %+v", fake.contacts[0])
	}

	p := fake.payments[0]
	if p.Amount != 1235 || p.FromAccountNum != "1011226111" || p.FromRoutingNum != DefaultLocalRoutingNum || p.ToRoutingNum != DefaultLocalRoutingNum {
		t.Fatalf("unexpected payment %+v", p)
	}
	if p.UUID != backend.NewIdempotencyKey("turn-1", p.Fingerprint(), 0) {
		t.Fatalf("payment key not derived from the turn")
	}
}

func TestMakePaymentKeysPerTurn(t *testing.T) {
	fake := &fakeBank{}
	reg := newBankRegistry(t, fake)
	identity := auth.NewIdentity("alice", "1011226111", "s-1", "tok")
	args := map[string]any{"to_account": "1033623433", "amount": 5.0}
	ctx := context.Background()

	first := NewInvocation(identity, "turn-a")
	reg.Invoke(ctx, first, Call{Name: MakePayment, Arguments: args})
	reg.Invoke(ctx, first, Call{Name: MakePayment, Arguments: args})
	retry := NewInvocation(identity, "turn-a")
	reg.Invoke(ctx, retry, Call{Name: MakePayment, Arguments: args})

	if len(fake.payments) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(fake.payments))
	}
	if fake.payments[0].UUID == fake.payments[1].UUID {
		t.Fatalf("two payments in one turn need distinct keys")
	}
	if fake.payments[0].UUID != fake.payments[2].UUID {
		t.Fatalf("replaying the turn must reuse the key")
	}
}

func TestMakePaymentRejectsBadInputWithoutNetwork(t *testing.T) {
	fake := &fakeBank{}
	reg := newBankRegistry(t, fake)
	ctx := context.Background()

	inv := NewInvocation(auth.NewIdentity("alice", "1011226111", "s-1", "tok"), "turn")
	for _, args := range []map[string]any{
		{"to_account": "1033623433"},
		{"amount": 5.0},
		{"to_account": "1033623433", "amount": -1.0},
		{"to_account": "1033623433", "amount": 0.004},
	} {
		res := reg.Invoke(ctx, inv, Call{Name: MakePayment, Arguments: args})
		if res.OK() || res.Code != xerrors.CodeInvalidArgument {
			t.Fatalf("args %v: expected invalid argument, got %+v", args, res)
		}
	}

	anon := NewInvocation(auth.NewIdentity("alice", auth.UnknownAccount, "s-1", "tok"), "turn")
	res := reg.Invoke(ctx, anon, Call{Name: MakePayment, Arguments: map[string]any{"to_account": "1", "amount": 1.0}})
	if res.OK() {
		t.Fatalf("payment without a source account must fail")
	}
	if len(fake.calls) != 0 {
		t.Fatalf("no backend call expected, got %v", fake.calls)
	}
}

func TestBankToolSurfacesBackendError(t *testing.T) {
	fake := &fakeBank{err: &backend.Error{Service: "balancereader", Op: "get_balance", Kind: backend.KindTimeout}}
	reg := newBankRegistry(t, fake)
	inv := NewInvocation(auth.NewIdentity("alice", "1011226111", "s-1", "tok"), "turn")

	res := reg.Invoke(context.Background(), inv, Call{Name: GetBalance, Arguments: map[string]any{"account_id": "1011226111"}})
	if res.OK() || res.Message != "balancereader get_balance: timeout" {
		t.Fatalf("unexpected result %+v", res)
	}
}

// flakyPayments 让前 failures 次提交超时，并记录每次提交使用的幂等键。
type flakyPayments struct {
	mu       sync.Mutex
	failures int
	keys     []string
}

func (f *flakyPayments) Submit(_ context.Context, _ string, p backend.Payment) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, p.UUID)
	if f.failures > 0 {
		f.failures--
		return nil, &backend.Error{Service: "ledgerwriter", Op: "make_payment", Kind: backend.KindTimeout}
	}
	return "ok", nil
}

func TestMakePaymentRetryAfterFailureReusesKey(t *testing.T) {
	payments := &flakyPayments{failures: 1}
	reg := NewRegistry()
	if err := RegisterBankTools(reg, BankClients{Payments: payments}, BankOptions{}); err != nil {
		t.Fatalf("register bank tools: %v", err)
	}
	inv := NewInvocation(auth.NewIdentity("alice", "1011226111", "s-1", "tok"), "turn-a")
	call := Call{Name: MakePayment, Arguments: map[string]any{"to_account": "1033623433", "amount": 5.0}}
	ctx := context.Background()

	if res := reg.Invoke(ctx, inv, call); res.OK() {
		t.Fatalf("first attempt should fail: %+v", res)
	}
	if res := reg.Invoke(ctx, inv, call); !res.OK() {
		t.Fatalf("retry failed: %+v", res)
	}
	if res := reg.Invoke(ctx, inv, call); !res.OK() {
		t.Fatalf("second payment failed: %+v", res)
	}

	if len(payments.keys) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(payments.keys))
	}
	if payments.keys[0] != payments.keys[1] {
		t.Fatalf("retry of a failed payment must reuse its key: %v", payments.keys)
	}
	if payments.keys[1] == payments.keys[2] {
		t.Fatalf("a new payment after success needs a fresh key: %v", payments.keys)
	}
}
