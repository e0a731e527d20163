package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// Options configures Init.
type Options struct {
	ServiceName string
	// Endpoint is the OTLP/HTTP collector. Empty disables trace export.
	Endpoint string
	Pretty   bool
	Level    string
	Out      io.Writer
}

// Telemetry bundles the logger, HTTP middleware and tracer shutdown for a service.
type Telemetry struct {
	Logger     zerolog.Logger
	Middleware func(http.Handler) http.Handler
	Shutdown   func(context.Context) error
}

// Init configures logging, and tracing when an endpoint is set.
func Init(ctx context.Context, opts Options) (*Telemetry, error) {
	if opts.ServiceName == "" {
		return nil, errors.New("telemetry: service name is required")
	}

	logger, err := NewLogger(opts)
	if err != nil {
		return nil, err
	}

	shutdown := func(context.Context) error { return nil }
	if opts.Endpoint != "" {
		provider, err := newTracerProvider(ctx, opts.ServiceName, opts.Endpoint)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(provider)
		shutdown = provider.Shutdown
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{
		Logger:     logger,
		Middleware: Middleware(opts.ServiceName, logger),
		Shutdown:   shutdown,
	}, nil
}

// NewLogger builds a zerolog logger writing JSON, or console output when Pretty is set.
func NewLogger(opts Options) (zerolog.Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	if strings.TrimSpace(opts.Level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("telemetry: log level: %w", err)
		}
		level = parsed
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.ServiceName != "" {
		ctx = ctx.Str("service", opts.ServiceName)
	}
	return ctx.Logger(), nil
}

// StdLogger adapts logger for APIs that want a *log.Logger, such as http.Server.ErrorLog.
func StdLogger(logger zerolog.Logger) *log.Logger {
	return log.New(logger, "", 0)
}

// Middleware traces requests with otelhttp and writes one log line per request.
func Middleware(serviceName string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r)

			evt := logger.Info()
			if recorder.status >= http.StatusInternalServerError {
				evt = logger.Warn()
			}
			if spanCtx := trace.SpanFromContext(r.Context()).SpanContext(); spanCtx.IsValid() {
				evt = evt.Str("trace_id", spanCtx.TraceID().String())
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", recorder.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
		return otelhttp.NewHandler(handler, serviceName)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func newTracerProvider(ctx context.Context, serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := newTraceExporter(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	var opts []otlptracehttp.Option

	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		if parsed.Host == "" {
			return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
		}
		opts = append(opts, otlptracehttp.WithEndpoint(parsed.Host))
		if parsed.Path != "" && parsed.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(parsed.Path))
		}
		if parsed.Scheme == "http" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, opts...)
}
