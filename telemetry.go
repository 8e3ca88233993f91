package hushd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
)

// telemetry owns hushd's optional operator surfaces: a Prometheus scrape
// listener carrying the gate's delivery counters, a pprof listener, and an
// OTLP trace exporter. Every surface is off unless its Config field is set;
// a secret-sharing server opens no side doors unasked.
type telemetry struct {
	traces   *sdktrace.TracerProvider
	meters   *sdkmetric.MeterProvider
	registry *prometheus.Registry
	metrics  *opsListener
	pprof    *opsListener
	logger   pslog.Logger
}

// opsListener is a small HTTP surface with its own listener, so metrics and
// pprof never share a port with the secret endpoint.
type opsListener struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

func serveOps(name, addr string, handler http.Handler, logger pslog.Logger) (*opsListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: handler}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.serve_error", "surface", name, "error", err)
		}
	}()
	return &opsListener{name: name, srv: srv, ln: ln}, nil
}

// Addr returns the bound address, which differs from the configured one when
// the operator asked for port 0.
func (o *opsListener) Addr() string {
	if o == nil || o.ln == nil {
		return ""
	}
	return o.ln.Addr().String()
}

func (o *opsListener) Close(ctx context.Context) error {
	if o == nil {
		return nil
	}
	err := o.srv.Shutdown(ctx)
	_ = o.ln.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("telemetry: %s shutdown: %w", o.name, err)
	}
	return nil
}

// MetricsAddr returns the bound metrics listener address, or "" when metrics
// are off.
func (t *telemetry) MetricsAddr() string {
	if t == nil {
		return ""
	}
	return t.metrics.Addr()
}

// PprofAddr returns the bound pprof listener address, or "" when pprof is off.
func (t *telemetry) PprofAddr() string {
	if t == nil {
		return ""
	}
	return t.pprof.Addr()
}

// Shutdown flushes exporters and closes the side listeners. Errors are
// collected, logged, and joined; a stuck exporter must never wedge the exit.
func (t *telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.meters != nil {
		if err := t.meters.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	if err := t.metrics.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.pprof.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.traces != nil {
		if err := t.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		t.logger.Warn("telemetry.shutdown.incomplete", "error", err)
		return err
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

// setupTelemetry starts whichever surfaces are configured. It returns
// (nil, nil) when everything is off, so callers treat a nil bundle as
// telemetry-disabled.
func setupTelemetry(ctx context.Context, endpoint, metricsListen, pprofListen string, profilingMetrics bool, logger pslog.Logger) (*telemetry, error) {
	endpoint = strings.TrimSpace(endpoint)
	metricsListen = strings.TrimSpace(metricsListen)
	pprofListen = strings.TrimSpace(pprofListen)
	if endpoint == "" && metricsListen == "" && pprofListen == "" && !profilingMetrics {
		return nil, nil
	}
	if profilingMetrics && metricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName("hushd")),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	t := &telemetry{logger: logger}
	fail := func(err error) (*telemetry, error) {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = t.Shutdown(closeCtx)
		return nil, err
	}

	if endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		t.traces, err = startTracing(ctx, target, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(t.traces)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	if metricsListen != "" {
		t.registry = prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(t.registry)}
		if profilingMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: start prometheus exporter: %w", err))
		}
		t.meters = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(t.meters)
		if profilingMetrics {
			if err := otelruntime.Start(otelruntime.WithMeterProvider(t.meters)); err != nil {
				return fail(fmt.Errorf("telemetry: start runtime metrics: %w", err))
			}
			logger.Info("profiling.metrics.enabled")
		}
		handler := promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		t.metrics, err = serveOps("metrics", metricsListen, mux, logger)
		if err != nil {
			return fail(err)
		}
		logger.Info("telemetry.metrics.enabled", "listen", t.metrics.Addr())
	}

	if pprofListen != "" {
		t.pprof, err = serveOps("pprof", pprofListen, pprofMux(), logger)
		if err != nil {
			return fail(err)
		}
		logger.Info("profiling.pprof.enabled", "listen", t.pprof.Addr())
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		if err != nil {
			logger.Warn("telemetry.exporter.error", "error", err)
		}
	}))

	return t, nil
}

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func startTracing(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts, otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(
				grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
		sdktrace.WithBatcher(exporter),
	), nil
}

// otlpTarget is a resolved collector address. The scheme picks the transport;
// a bare host:port means insecure gRPC on the conventional port.
type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string // http only
	insecure bool
}

func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return otlpTarget{
			protocol: "grpc",
			endpoint: withDefaultPort(raw, "4317"),
			insecure: true,
		}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		host = u.Path
		u.Path = ""
	}
	if host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "grpc", "grpcs":
		return otlpTarget{
			protocol: "grpc",
			endpoint: withDefaultPort(host, "4317"),
			insecure: scheme == "grpc",
		}, nil
	case "http", "https":
		return otlpTarget{
			protocol: "http",
			endpoint: withDefaultPort(host, "4318"),
			path:     strings.TrimSuffix(u.Path, "/"),
			insecure: scheme == "http",
		}, nil
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
}

func withDefaultPort(hostport, port string) string {
	if strings.Contains(hostport, ":") {
		return hostport
	}
	return net.JoinHostPort(hostport, port)
}
