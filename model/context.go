package model

import (
	"context"
	"errors"
)

// RequestContext carries the authenticated actor, the tenant, and tracing
// identifiers of a caller. It is immutable after construction.
type RequestContext struct {
	SubjectID     string
	TenantID      string
	CorrelationID string
	TraceID       string
}

// Validate checks that the actor and tenant are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errors.New("SubjectID is required"))
	}
	if rc.TenantID == "" {
		errs = append(errs, errors.New("TenantID is required"))
	}
	return errors.Join(errs...)
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns
// nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
