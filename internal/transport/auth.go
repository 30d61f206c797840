package transport

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/grcflow/internal/config"
	"github.com/pitabwire/grcflow/internal/observability"
	"github.com/pitabwire/grcflow/model"
)

var (
	errMissingKeyID        = errors.New("token header has no kid")
	errAlgorithmNotAllowed = errors.New("signing algorithm not allowed")
)

// Authenticator verifies bearer tokens issued by the identity provider and
// turns their claims into the caller's model.RequestContext. Every workflow
// operation is scoped to the tenant and acts as the subject named here.
type Authenticator struct {
	keys       KeySource
	parser     *jwt.Parser
	algorithms []string
	subject    []string
	tenant     []string
}

// NewAuthenticator creates an Authenticator. cfg.ClaimPaths may override the
// dotted claim paths of subject_id and tenant_id, for providers that nest the
// tenant under an organisation claim.
func NewAuthenticator(cfg config.IdentityConfig, keys KeySource) *Authenticator {
	path := func(field, fallback string) []string {
		if p := cfg.ClaimPaths[field]; p != "" {
			return strings.Split(p, ".")
		}
		return []string{fallback}
	}
	return &Authenticator{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithLeeway(30*time.Second),
			jwt.WithExpirationRequired(),
		),
		algorithms: cfg.Algorithms,
		subject:    path("subject_id", "sub"),
		tenant:     path("tenant_id", "tenant_id"),
	}
}

// Identify verifies a compact JWS and returns the caller it names. Tokens
// without a subject or tenant claim are rejected even when correctly signed.
// Failures are UNAUTHORIZED envelopes.
func (a *Authenticator) Identify(ctx context.Context, raw string) (*model.RequestContext, error) {
	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if !slices.Contains(a.algorithms, token.Method.Alg()) {
			return nil, errAlgorithmNotAllowed
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errMissingKeyID
		}
		return a.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, model.NewUnauthorizedError(rejectionMessage(err))
	}

	rctx := &model.RequestContext{
		SubjectID: claimString(claims, a.subject),
		TenantID:  claimString(claims, a.tenant),
	}
	if err := rctx.Validate(); err != nil {
		return nil, model.NewUnauthorizedError("Token does not identify a subject and tenant")
	}
	return rctx, nil
}

// Middleware authenticates each request and stores the caller's
// RequestContext, stamped with the correlation and trace IDs.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
			return
		}

		rctx, err := a.Identify(r.Context(), raw)
		if err != nil {
			WriteError(w, err)
			return
		}
		rctx.CorrelationID = CorrelationIDFrom(r.Context())
		rctx.TraceID = observability.TraceIDFromContext(r.Context())
		next.ServeHTTP(w, r.WithContext(model.WithRequestContext(r.Context(), rctx)))
	})
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, errAlgorithmNotAllowed):
		return "Disallowed signing algorithm"
	case errors.Is(err, errMissingKeyID), errors.Is(err, ErrUnknownKey):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}

// claimString walks path through nested claim objects.
func claimString(claims map[string]any, path []string) string {
	var cur any = claims
	for _, part := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}
	s, _ := cur.(string)
	return s
}
