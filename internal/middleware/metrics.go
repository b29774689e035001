package middleware

import (
	"github.com/gorilla/mux"

	"github.com/R3E-Network/wallet_layer/internal/metrics"
)

// MetricsMiddleware records request counts and latency on m.
func MetricsMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return m.InstrumentHandler
}
