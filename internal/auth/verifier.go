package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
	"github.com/ganeshballa0/bank-of-anthos/pkg/logger"
)

// signingAlgorithm 是唯一接受的签名算法，其余算法一律视为无效令牌。
const signingAlgorithm = "RS256"

// Verifier 使用启动时加载的 RSA 公钥校验 RS256 令牌。
type Verifier struct {
	key      *rsa.PublicKey
	issuer   string
	audience []string
	leeway   time.Duration
	parser   *jwt.Parser
	audit    *slog.Logger
	now      func() time.Time
}

// NewVerifier 加载公钥并构造校验器。公钥只在这里读取一次。
func NewVerifier(cfg Config) (*Verifier, error) {
	pemBytes := []byte(strings.TrimSpace(cfg.PublicKeyPEM))
	if len(pemBytes) == 0 {
		if strings.TrimSpace(cfg.PublicKeyPath) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "public key path or pem must be configured")
		}
		content, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "read public key")
		}
		pemBytes = content
	}

	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "parse public key")
	}

	return &Verifier{
		key:      key,
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: append([]string(nil), cfg.Audience...),
		leeway:   cfg.Leeway,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{signingAlgorithm}), jwt.WithoutClaimsValidation()),
		audit:    logger.Audit(),
		now:      time.Now,
	}, nil
}

// VerifyAuthorization 解析 Authorization 头中的 Bearer 令牌并校验。
func (v *Verifier) VerifyAuthorization(ctx context.Context, authorization string) (*Identity, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		v.reject("missing_bearer")
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		v.reject("empty_bearer")
		return nil, ErrMissingToken
	}
	return v.Verify(ctx, token)
}

// Verify 校验签名、算法与有效期，并按回退顺序提取身份声明。
func (v *Verifier) Verify(_ context.Context, token string) (*Identity, error) {
	if v == nil || v.key == nil {
		return nil, ErrNoVerification
	}
	if strings.TrimSpace(token) == "" {
		v.reject("empty_token")
		return nil, ErrMissingToken
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok || t.Method.Alg() != signingAlgorithm {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		v.reject(rejectReason(err))
		return nil, xerrors.Wrap(xerrors.CodeUnauthorized, err, "invalid token")
	}

	if err := v.validateClaims(claims); err != nil {
		v.reject(err.Error())
		return nil, xerrors.Wrap(xerrors.CodeUnauthorized, err, "invalid token")
	}

	identity := &Identity{
		Subject: firstClaim(claims, subjectClaims, UnknownSubject),
		Account: firstClaim(claims, accountClaims, UnknownAccount),
		token:   token,
	}
	identity.SessionID = firstClaim(claims, sessionClaims, "")
	if identity.SessionID == "" {
		identity.SessionID = uuid.NewString()
		identity.SessionGenerated = true
	}
	if exp, ok := claims["exp"].(float64); ok {
		identity.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}

	v.audit.Info("identity_verified",
		slog.String("subject", identity.Subject),
		slog.String("account", identity.Account),
		slog.String("session", identity.SessionID),
		slog.Time("expires_at", identity.ExpiresAt),
	)
	return identity, nil
}

// validateClaims 校验时间窗口以及可选的 iss/aud。
func (v *Verifier) validateClaims(claims jwt.MapClaims) error {
	now := v.now()
	if !claims.VerifyExpiresAt(now.Add(-v.leeway).Unix(), false) {
		return errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now.Add(v.leeway).Unix(), false) {
		return errors.New("token not yet valid")
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return errors.New("issuer mismatch")
	}
	if len(v.audience) > 0 {
		matched := false
		for _, aud := range v.audience {
			if claims.VerifyAudience(aud, true) {
				matched = true
				break
			}
		}
		if !matched {
			return errors.New("audience mismatch")
		}
	}
	return nil
}

func (v *Verifier) reject(reason string) {
	if v == nil || v.audit == nil {
		return
	}
	v.audit.Warn("identity_rejected", slog.String("reason", reason))
}

// rejectReason 把解析错误归类为不含令牌内容的简短原因。
func rejectReason(err error) string {
	var ve *jwt.ValidationError
	if errors.As(err, &ve) {
		switch {
		case ve.Errors&jwt.ValidationErrorMalformed != 0:
			return "malformed"
		case ve.Errors&jwt.ValidationErrorUnverifiable != 0:
			return "unsupported_algorithm"
		case ve.Errors&jwt.ValidationErrorSignatureInvalid != 0:
			return "bad_signature"
		}
	}
	return "invalid"
}

func firstClaim(claims jwt.MapClaims, names []string, fallback string) string {
	for _, name := range names {
		if value, ok := claims[name].(string); ok {
			if value = strings.TrimSpace(value); value != "" {
				return value
			}
		}
	}
	return fallback
}
