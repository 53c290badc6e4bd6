package rpc

import (
	"net/http"

	"github.com/gorilla/mux"
)

// MetricsEndpoints serves the Prometheus scrape endpoint. Registers nothing
// when the observability implementation has no metrics exporter.
func MetricsEndpoints(obs Observability) RegistrarFunc {
	return func(r *mux.Router) {
		if handler := obs.MetricsHandler(); handler != nil {
			r.Handle("/metrics", handler).Methods(http.MethodGet, http.MethodOptions)
		}
	}
}
