package middleware

import (
	"net/http"

	"github.com/R3E-Network/wallet_layer/internal/access"
	"github.com/R3E-Network/wallet_layer/internal/httputil"
	"github.com/R3E-Network/wallet_layer/internal/logging"
	"github.com/R3E-Network/wallet_layer/internal/metrics"
)

// DeniedResponse is the body of a gate denial.
type DeniedResponse struct {
	httputil.ErrorResponse
	Prompt   access.Prompt   `json:"prompt"`
	Decision access.Decision `json:"decision"`
}

// Gate renders access decisions at the HTTP boundary.
type Gate struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func NewGate(logger *logging.Logger, m *metrics.Metrics) *Gate {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gate{logger: logger, metrics: m}
}

// Check evaluates req for the caller and records the outcome.
func (g *Gate) Check(r *http.Request, req access.Requirement) access.Decision {
	d := access.Evaluate(AccessContext(r.Context()), req)
	failed := make([]string, len(d.Failed))
	for i, c := range d.Failed {
		failed[i] = c.String()
	}
	g.metrics.RecordDecision(d.Allowed, failed)
	if !d.Allowed {
		g.logger.LogSecurityEvent(r.Context(), "access_denied", map[string]interface{}{
			"path":   r.URL.Path,
			"failed": failed,
			"prompt": d.Prompt().String(),
		})
	}
	return d
}

// Require lets the request through only when req is satisfied. Denials are
// 401 for anonymous callers and 403 otherwise.
func (g *Gate) Require(req access.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Check(r, req)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			WriteDenied(w, d)
		})
	}
}

// WriteDenied writes the denial body for d.
func WriteDenied(w http.ResponseWriter, d access.Decision) {
	status, code := http.StatusForbidden, httputil.CodeForbidden
	if !d.Authenticated {
		status, code = http.StatusUnauthorized, httputil.CodeUnauthenticated
	}
	httputil.WriteJSON(w, status, DeniedResponse{
		ErrorResponse: httputil.ErrorResponse{Error: d.Reason(), Code: code},
		Prompt:        d.Prompt(),
		Decision:      d,
	})
}
