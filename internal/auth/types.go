package auth

import (
	"log/slog"
	"time"

	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
)

// Claim fallbacks. The first non-empty string claim wins.
var (
	subjectClaims = []string{"sub", "username", "user"}
	accountClaims = []string{"acct"}
	sessionClaims = []string{"session_id"}
)

// Sentinels used when a token carries no usable identity claim. They can never
// collide with a real bank-of-anthos username or account number.
const (
	UnknownSubject = "unknown-user"
	UnknownAccount = "unknown-account"
)

// Common errors returned by the authentication subsystem. All of them carry the
// UNAUTHORIZED code so callers can match with errors.Is(err, ErrUnauthorized).
var (
	ErrUnauthorized   = xerrors.New(xerrors.CodeUnauthorized, "unauthorized")
	ErrMissingToken   = xerrors.New(xerrors.CodeUnauthorized, "missing bearer token")
	ErrInvalidToken   = xerrors.New(xerrors.CodeUnauthorized, "invalid token")
	ErrNoVerification = xerrors.New(xerrors.CodeInitializationFailure, "verification key not loaded")
)

// Config configures the token verifier. Exactly one of PublicKeyPath and
// PublicKeyPEM must be set.
type Config struct {
	PublicKeyPath string
	PublicKeyPEM  string
	Issuer        string
	Audience      []string
	Leeway        time.Duration
}

// Identity captures the claims of a verified token for the duration of one
// request. The raw token is kept for propagation to backends only and is never
// serialised or logged.
type Identity struct {
	Subject          string
	Account          string
	SessionID        string
	SessionGenerated bool
	ExpiresAt        time.Time

	token string
}

// NewIdentity builds an identity from already verified values.
func NewIdentity(subject, account, sessionID, token string) *Identity {
	return &Identity{Subject: subject, Account: account, SessionID: sessionID, token: token}
}

// Token returns the raw bearer token verified for this request.
func (i *Identity) Token() string {
	if i == nil {
		return ""
	}
	return i.token
}

// LogValue implements slog.LogValuer and omits the token.
func (i *Identity) LogValue() slog.Value {
	if i == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("subject", i.Subject),
		slog.String("account", i.Account),
		slog.String("session", i.SessionID),
		slog.Bool("session_generated", i.SessionGenerated),
	)
}
