// Package authtest provides RS256 key pairs and signed tokens for tests of
// packages that sit behind the identity verifier.
package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/ganeshballa0/bank-of-anthos/internal/auth"
)

// KeyPair is a freshly generated RSA key with its PEM-encoded public half.
type KeyPair struct {
	Private   *rsa.PrivateKey
	PublicPEM string
}

// NewKeyPair generates a 2048-bit key pair.
func NewKeyPair(t testing.TB) KeyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return KeyPair{Private: priv, PublicPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))}
}

// Sign returns an RS256 token carrying claims.
func (k KeyPair) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(k.Private)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// UserToken returns a token in the shape issued by the bank's user service.
func (k KeyPair) UserToken(t testing.TB, user, account string) string {
	t.Helper()
	return k.Sign(t, jwt.MapClaims{
		"user": user,
		"acct": account,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
}

// Verifier builds a verifier trusting this key pair.
func (k KeyPair) Verifier(t testing.TB) *auth.Verifier {
	t.Helper()
	v, err := auth.NewVerifier(auth.Config{PublicKeyPEM: k.PublicPEM})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}
