package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/grcflow/internal/config"
	"github.com/pitabwire/grcflow/model"
)

func signJWT(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "grcflow",
		Algorithms: []string{"RS256", "ES256"},
		ClaimPaths: config.Defaults().Identity.ClaimPaths,
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "user-1",
		"tenant_id": "tenant-1",
		"iss":       "https://auth.example.com",
		"aud":       "grcflow",
		"exp":       jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat":       jwt.NewNumericDate(time.Now()),
	}
}

func TestAuthenticator_Identify(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	srv := startJWKSServer(t,
		rsaKeyToJWK("rsa-1", &rsaKey.PublicKey),
		ecKeyToJWK("ec-1", &ecKey.PublicKey),
	)
	auth := NewAuthenticator(testIdentityCfg(), NewJWKSClient(srv.URL, time.Hour, nil))

	skewed := validClaims()
	skewed["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second))

	tests := []struct {
		name  string
		token string
	}{
		{"RS256", signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", validClaims())},
		{"ES256", signJWT(t, ecKey, jwt.SigningMethodES256, "ec-1", validClaims())},
		{"within clock skew", signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", skewed)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rctx, err := auth.Identify(context.Background(), tt.token)
			if err != nil {
				t.Fatalf("Identify error: %v", err)
			}
			if rctx.SubjectID != "user-1" || rctx.TenantID != "tenant-1" {
				t.Errorf("rctx = %+v, want user-1 in tenant-1", rctx)
			}
		})
	}
}

func TestAuthenticator_Identify_nestedTenantClaim(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv := startJWKSServer(t, rsaKeyToJWK("rsa-1", &rsaKey.PublicKey))

	cfg := testIdentityCfg()
	cfg.ClaimPaths = map[string]string{"tenant_id": "org.id"}
	auth := NewAuthenticator(cfg, NewJWKSClient(srv.URL, time.Hour, nil))

	claims := validClaims()
	delete(claims, "tenant_id")
	claims["org"] = map[string]any{"id": "tenant-kc", "name": "Keycloak Org"}

	rctx, err := auth.Identify(context.Background(), signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", claims))
	if err != nil {
		t.Fatalf("Identify error: %v", err)
	}
	if rctx.TenantID != "tenant-kc" || rctx.SubjectID != "user-1" {
		t.Errorf("rctx = %+v, want user-1 in tenant-kc", rctx)
	}
}

func TestAuthenticator_Middleware_storesRequestContext(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv := startJWKSServer(t, rsaKeyToJWK("rsa-1", &rsaKey.PublicKey))
	auth := NewAuthenticator(testIdentityCfg(), NewJWKSClient(srv.URL, time.Hour, nil))

	var rctx *model.RequestContext
	handler := RequestID(auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", validClaims()))
	req.Header.Set("X-Correlation-Id", "corr-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rctx == nil {
		t.Fatal("RequestContext should be in context")
	}
	if rctx.SubjectID != "user-1" || rctx.TenantID != "tenant-1" || rctx.CorrelationID != "corr-1" {
		t.Errorf("rctx = %+v", rctx)
	}
}

func TestAuthenticator_Middleware_rejects(t *testing.T) {
	rsaKey := generateRSAKey(t)
	forged := generateRSAKey(t)
	srv := startJWKSServer(t, rsaKeyToJWK("rsa-1", &rsaKey.PublicKey))

	sign := func(mutate func(jwt.MapClaims)) string {
		claims := validClaims()
		mutate(claims)
		return signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", claims)
	}

	tests := []struct {
		name       string
		header     string
		algorithms []string
		message    string
	}{
		{name: "missing header", header: "", message: "Missing authorization header"},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", message: "Invalid authorization header format"},
		{
			name:    "expired",
			header:  "Bearer " + sign(func(c jwt.MapClaims) { c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour)) }),
			message: "Token expired",
		},
		{
			name:    "wrong issuer",
			header:  "Bearer " + sign(func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }),
			message: "Invalid token issuer",
		},
		{
			name:    "wrong audience",
			header:  "Bearer " + sign(func(c jwt.MapClaims) { c["aud"] = "other-service" }),
			message: "Invalid token audience",
		},
		{
			name:    "missing exp",
			header:  "Bearer " + sign(func(c jwt.MapClaims) { delete(c, "exp") }),
			message: "Invalid token",
		},
		{
			name:       "disallowed algorithm",
			header:     "Bearer " + sign(func(jwt.MapClaims) {}),
			algorithms: []string{"ES256"},
			message:    "Disallowed signing algorithm",
		},
		{
			name:    "alg none",
			header:  "Bearer " + signJWT(t, jwt.UnsafeAllowNoneSignatureType, jwt.SigningMethodNone, "rsa-1", validClaims()),
			message: "Disallowed signing algorithm",
		},
		{
			name:    "unknown kid",
			header:  "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rotated-away", validClaims()),
			message: "Unknown signing key",
		},
		{
			name:    "forged signature",
			header:  "Bearer " + signJWT(t, forged, jwt.SigningMethodRS256, "rsa-1", validClaims()),
			message: "Invalid token signature",
		},
		{
			name:    "no tenant",
			header:  "Bearer " + sign(func(c jwt.MapClaims) { delete(c, "tenant_id") }),
			message: "Token does not identify a subject and tenant",
		},
		{
			name:    "numeric tenant",
			header:  "Bearer " + sign(func(c jwt.MapClaims) { c["tenant_id"] = 42 }),
			message: "Token does not identify a subject and tenant",
		},
		{
			name:    "no subject",
			header:  "Bearer " + sign(func(c jwt.MapClaims) { delete(c, "sub") }),
			message: "Token does not identify a subject and tenant",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testIdentityCfg()
			if tt.algorithms != nil {
				cfg.Algorithms = tt.algorithms
			}
			jwks := NewJWKSClient(srv.URL, time.Hour, nil)
			jwks.minRefresh = 0
			handler := NewAuthenticator(cfg, jwks).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Error("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			var body struct {
				Error model.ErrorEnvelope `json:"error"`
			}
			json.NewDecoder(rec.Body).Decode(&body)
			if body.Error.Code != model.ErrUnauthorized {
				t.Errorf("code = %q, want UNAUTHORIZED", body.Error.Code)
			}
			if body.Error.Message != tt.message {
				t.Errorf("message = %q, want %q", body.Error.Message, tt.message)
			}
		})
	}
}
