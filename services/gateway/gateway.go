// Package gateway serves the HTTP surface: Nada program uploads and testnet
// faucet grants.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"nilgw/pkg/bus"
	"nilgw/services/gateway/internal/archive"
	"nilgw/services/gateway/internal/compiler"
	"nilgw/services/gateway/internal/ledger"
	"nilgw/services/gateway/internal/toolrun"
)

const (
	defaultMaxSourceBytes = 1 << 20
	defaultRequestTimeout = 2 * time.Minute
	eventTimeout          = 5 * time.Second
)

// Compiler turns source text into a compiled program on disk.
type Compiler interface {
	Compile(ctx context.Context, source string) (*compiler.Build, error)
}

// Submitter stores a compiled program on the cluster and returns its id.
type Submitter interface {
	StoreProgram(ctx context.Context, programName, artifactPath string) (string, error)
}

// Funder sends testnet funds to an address.
type Funder interface {
	Fund(ctx context.Context, address string) error
	Amount() string
}

// Archiver keeps a copy of a stored program.
type Archiver interface {
	Archive(ctx context.Context, e archive.Entry) (archive.Object, error)
}

// Publisher emits events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt bus.Event) error
}

// Deps are the adapters the handlers drive. Archiver and Events are optional.
type Deps struct {
	Compiler  Compiler
	Submitter Submitter
	Funder    Funder
	Ledger    ledger.Ledger
	Archiver  Archiver
	Events    Publisher
}

// Options controls the HTTP surface.
type Options struct {
	MaxSourceBytes      int64
	CORSOrigins         []string
	FaucetRatePerMinute int
	RequestTimeout      time.Duration
	// Redactor scrubs known secrets from every error sent to a client.
	Redactor toolrun.Redactor
	// ReadyChecks run on /readyz, keyed by dependency name.
	ReadyChecks map[string]func(context.Context) error
	Registry    *prometheus.Registry
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Gateway holds the handlers and their dependencies.
type Gateway struct {
	deps    Deps
	opts    Options
	metrics *metrics
	tracer  trace.Tracer
}

// New validates deps and applies defaults to opts.
func New(deps Deps, opts Options) (*Gateway, error) {
	if deps.Compiler == nil {
		return nil, errors.New("compiler is required")
	}
	if deps.Submitter == nil {
		return nil, errors.New("submitter is required")
	}
	if deps.Funder == nil {
		return nil, errors.New("funder is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if opts.MaxSourceBytes <= 0 {
		opts.MaxSourceBytes = defaultMaxSourceBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m, err := newMetrics(opts.Registry)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		deps:    deps,
		opts:    opts,
		metrics: m,
		tracer:  otel.Tracer("nilgw/gateway"),
	}, nil
}

// Routes builds the chi router for every endpoint.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(corsOptions(g.opts.CORSOrigins)))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		g.respondError(w, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		g.respondError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on %s", r.Method, r.URL.Path))
	})

	r.Get("/healthz", g.handleHealth)
	r.Get("/readyz", g.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g.opts.Registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(withDeadline(g.opts.RequestTimeout))
		r.Get("/programs", g.handleUploads)
		r.Get("/programs/{programName}", g.handleUploads)
		r.Post("/upload-nada-source/{programName}", g.handleUpload)

		var faucet chi.Router = r
		if g.opts.FaucetRatePerMinute > 0 {
			faucet = r.With(httprate.Limit(
				g.opts.FaucetRatePerMinute,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					g.metrics.grants.WithLabelValues("rate_limited").Inc()
					g.respondError(w, http.StatusTooManyRequests, errors.New("too many faucet requests; slow down"))
				}),
			))
		}
		faucet.Post("/faucet/{address}", g.handleFaucet)
	})

	return r
}

// withDeadline bounds the request context to d. Handlers report a missed
// deadline themselves, see requestStatus.
func withDeadline(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func corsOptions(origins []string) cors.Options {
	allowed := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			allowed = append(allowed, o)
		}
	}
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
	}
	return cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: !wildcard,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}
}
