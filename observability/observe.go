package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexp "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tnoop "go.opentelemetry.io/otel/trace/noop"
)

/*
New creates the production observability toolkit. The metrics and tracing
arguments name the exporter to use ("stdout" or "prometheus" for metrics,
"stdout", "otlptracehttp" or "zipkin" for traces), empty value disables the
signal. Loggers handed out by the toolkit log through "log".
*/
func New(metrics, tracing string, log *slog.Logger) (Observability, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName("meridian"),
			semconv.ServiceVersion("0.1.0"),
		))
	if err != nil {
		return nil, fmt.Errorf("creating OTEL resource: %w", err)
	}

	o := &observe{
		mp:  noop.NewMeterProvider(),
		tp:  tnoop.NewTracerProvider(),
		log: log,
	}

	if metrics != "" {
		mp, err := o.initMeterProvider(metrics, res)
		if err != nil {
			return o, fmt.Errorf("initialize meter provider: %w", err)
		}
		o.mp = mp
		o.shutdownFuncs = append(o.shutdownFuncs, mp.Shutdown)
	}

	if tracing != "" {
		tp, err := initTraceProvider(tracing, res)
		if err != nil {
			return o, fmt.Errorf("initialize trace provider: %w", err)
		}
		o.tp = tp
		o.shutdownFuncs = append(o.shutdownFuncs, tp.Shutdown)
	}

	initPropagator()

	return o, nil
}

type observe struct {
	mp  metric.MeterProvider
	tp  trace.TracerProvider
	pr  prometheus.Registerer
	log *slog.Logger

	shutdownFuncs []func(context.Context) error
}

func (o *observe) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return o.tp.Tracer(name, options...)
}

func (o *observe) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return o.mp.Meter(name, opts...)
}

func (o *observe) MetricsHandler() http.Handler {
	if o.pr == nil {
		return nil
	}
	return promhttp.HandlerFor(o.pr.(prometheus.Gatherer), promhttp.HandlerOpts{MaxRequestsInFlight: 1})
}

func (o *observe) PrometheusRegisterer() prometheus.Registerer {
	return o.pr
}

func (o *observe) Logger() *slog.Logger {
	return o.log
}

func (o *observe) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, fn := range o.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("observability shutdown: %w", errors.Join(errs...))
	}
	return nil
}

func (o *observe) initMeterProvider(exporter string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	var reader sdkmetric.Reader
	switch exporter {
	case "stdout":
		me, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(me)
	case "prometheus":
		pr := prometheus.NewRegistry()
		var err error
		if reader, err = promexp.New(promexp.WithRegisterer(pr), promexp.WithNamespace("mrd")); err != nil {
			return nil, fmt.Errorf("creating Prometheus exporter: %w", err)
		}
		o.pr = pr
	default:
		return nil, fmt.Errorf("unsupported metrics exporter %q", exporter)
	}

	μs := time.Microsecond.Seconds()
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(
			sdkmetric.NewView(
				sdkmetric.Instrument{
					Name:  "duration",
					Scope: instrumentation.Scope{Name: "rest_api"},
				},
				sdkmetric.Stream{
					Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
						Boundaries: []float64{100 * μs, 200 * μs, 400 * μs, 800 * μs, 0.0016, 0.01, 0.05, 0.1},
					},
				},
			),
		),
	), nil
}

func initTraceProvider(exporter string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exp sdktrace.SpanExporter
	var err error
	switch exporter {
	case "stdout":
		exp, err = stdouttrace.New()
	case "otlptracehttp":
		exp, err = otlptracehttp.New(context.Background(), otlptracehttp.WithInsecure())
	case "zipkin":
		exp, err = zipkin.New("")
	default:
		return nil, fmt.Errorf("unsupported traces exporter %q", exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %q exporter: %w", exporter, err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
	), nil
}

var initPropagator = sync.OnceFunc(func() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
})
