package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const signingKeyID = "grcflow-it-es256"

// Caller is the subject and tenant a test token is issued for.
type Caller struct {
	SubjectID string
	TenantID  string
}

// TokenOption adjusts the claims of a test token before it is signed.
type TokenOption func(jwt.MapClaims)

// Expired backdates the token so it expired an hour ago.
func Expired() TokenOption {
	return func(c jwt.MapClaims) {
		c["iat"] = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
		c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	}
}

// WithoutTenant drops the tenant_id claim.
func WithoutTenant() TokenOption {
	return func(c jwt.MapClaims) { delete(c, "tenant_id") }
}

// tokenIssuer plays the identity provider: it signs ES256 tokens and
// publishes the verification key on a JWKS endpoint.
type tokenIssuer struct {
	key      *ecdsa.PrivateKey
	jwks     *httptest.Server
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	coord := func(b []byte) string {
		padded := make([]byte, 32)
		copy(padded[32-len(b):], b)
		return base64.RawURLEncoding.EncodeToString(padded)
	}
	set := map[string]any{"keys": []map[string]string{{
		"kid": signingKeyID,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"x":   coord(key.PublicKey.X.Bytes()),
		"y":   coord(key.PublicKey.Y.Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{
		key:      key,
		jwks:     srv,
		issuer:   "https://identity.grcflow.test",
		audience: "grcflow-api",
	}
}

func (ti *tokenIssuer) claims(c Caller, opts []TokenOption) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":       ti.issuer,
		"aud":       ti.audience,
		"sub":       c.SubjectID,
		"tenant_id": c.TenantID,
		"iat":       jwt.NewNumericDate(now),
		"exp":       jwt.NewNumericDate(now.Add(time.Hour)),
	}
	for _, opt := range opts {
		opt(claims)
	}
	return claims
}

// Token returns a signed token for c.
func (ti *tokenIssuer) Token(t *testing.T, c Caller, opts ...TokenOption) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, ti.claims(c, opts))
	token.Header["kid"] = signingKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// UnsignedToken returns an alg=none token carrying otherwise valid claims.
func (ti *tokenIssuer) UnsignedToken(t *testing.T, c Caller) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodNone, ti.claims(c, nil))
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	return signed
}
