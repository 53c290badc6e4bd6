package observability

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Observability is the full monitoring surface components pull their
// tooling from. Packages usually declare a narrower local interface and
// accept anything implementing it, this one names the superset.
type Observability interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
	Meter(name string, opts ...metric.MeterOption) metric.Meter
	MetricsHandler() http.Handler
	PrometheusRegisterer() prometheus.Registerer
	Logger() *slog.Logger
	Shutdown() error
}

type withLog struct {
	Observability
	log *slog.Logger
}

/*
WithLogger returns Observability which overrides the Logger of the "obs"
parameter. Used to bind identity attributes (node ID) into the logger once,
at assembly time.
*/
func WithLogger(obs Observability, log *slog.Logger) Observability {
	return &withLog{Observability: obs, log: log}
}

func (w *withLog) Logger() *slog.Logger { return w.log }
