package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/grcflow/internal/observability"
	"github.com/pitabwire/grcflow/internal/workflow"
	"github.com/pitabwire/grcflow/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxBodyBytes    = 1 << 20
)

// handlers serves the workflow API on top of the engine and its task and
// approval managers.
type handlers struct {
	engine    *workflow.Engine
	tasks     *workflow.TaskManager
	approvals *workflow.ApprovalCoordinator
	logger    *zap.Logger
}

// fail renders err. Server-side failures are logged with the request fields.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if StatusFor(err) >= http.StatusInternalServerError {
		observability.RequestLogger(r.Context(), h.logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeErrorTrace(w, err, observability.TraceIDFromContext(r.Context()))
}

// caller returns the request context built by the auth chain.
func (h *handlers) caller(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

// decodeBody decodes a JSON request body into dst. An empty body is accepted
// when the operation has no required input.
func decodeBody(r *http.Request, dst any, required bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && !required {
			return nil
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func pageLimit(r *http.Request) int {
	return min(queryInt(r, "limit", defaultPageSize), maxPageSize)
}

// parseIfMatch reads the instance version a caller expects from If-Match.
// Both "3" and the quoted ETag form W/"3" are accepted.
func parseIfMatch(r *http.Request) (int, bool, error) {
	v := strings.TrimSpace(r.Header.Get("If-Match"))
	if v == "" {
		return 0, false, nil
	}
	v = strings.Trim(strings.TrimPrefix(v, "W/"), `"`)
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, false, model.NewBadRequestError("If-Match must carry an instance version")
	}
	return n, true, nil
}

func setETag(w http.ResponseWriter, inst model.WorkflowInstance) {
	w.Header().Set("ETag", `"`+strconv.Itoa(inst.Version)+`"`)
}

type listResponse[T any] struct {
	Data   []T `json:"data"`
	Count  int `json:"count"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func newList[T any](items []T, limit, offset int) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Data: items, Count: len(items), Limit: limit, Offset: offset}
}
