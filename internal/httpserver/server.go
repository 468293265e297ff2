package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-social/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-social/internal/envelope"
	"github.com/keithlinneman/linnemanlabs-social/internal/health"
	"github.com/keithlinneman/linnemanlabs-social/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-social/internal/log"
	"github.com/keithlinneman/linnemanlabs-social/internal/pipeline"
	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

const (
	GraphQLPath = "/graphql"
	ImagesRoute = "/images/{name}"
)

// compressible lists the response types worth gzipping. Stored images
// are already compressed.
var compressible = []string{
	"application/json",
	"application/graphql-response+json",
	"text/html",
	"text/plain",
}

func notFound(w http.ResponseWriter, r *http.Request) {
	envelope.Write(w, r, apperr.NotFound("Not Found"))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	envelope.Write(w, r, apperr.New(http.StatusMethodNotAllowed, "Method Not Allowed"))
}

// routes builds the chi router: compression, route annotation, access
// log and CORS around the health, image and /graphql routes.
func routes(opts *Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, compressible...))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.CORS(opts.CORS))

	health.RegisterRoutes(r, opts.Liveness, opts.Readiness)

	if opts.Images != nil {
		r.Get(ImagesRoute, opts.Images.ServeHTTP)
		r.Head(ImagesRoute, opts.Images.ServeHTTP)
	}

	if opts.GraphQL != nil {
		r.Group(func(g chi.Router) {
			g.Use(httpmw.MaxBody(opts.MaxBodyBytes))
			if opts.Upload != nil {
				g.Use(opts.Upload)
			}
			if opts.Auth != nil {
				g.Use(opts.Auth)
			}
			g.Get(GraphQLPath, opts.GraphQL.ServeHTTP)
			g.Post(GraphQLPath, opts.GraphQL.ServeHTTP)
		})
	}

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)
	return r
}

// shouldTrace skips probes.
func shouldTrace(r *http.Request) bool {
	return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
}

// NewHandler composes the full request pipeline, outermost first:
// security headers, request id, request context, panic recovery, client
// ip, rate limit, tracing, trace headers, metrics and the request logger,
// then the router.
func NewHandler(opts *Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	traced := func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "http.server",
			otelhttp.WithFilter(shouldTrace),
			// AnnotateHTTPRoute renames the span to the route pattern
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
		)
	}

	return httpmw.Chain(routes(opts),
		httpmw.SecurityHeaders,
		httpmw.RequestID("X-Request-Id"),
		pipeline.Begin,
		httpmw.Recover(opts.Logger, opts.OnPanic),
		httpmw.ClientIPWithOptions(opts.ClientIP),
		opts.RateLimitMW,
		traced,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		httpmw.WithLogger(opts.Logger),
	)
}

// Server timeout defaults, shared with opshttp. Read and write windows
// leave room for image uploads on slow links.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
	DefaultShutdownTimeout   = 10 * time.Second
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port and serves NewHandler(opts) in the
// background. The returned stop drains in-flight requests and is safe to
// call more than once.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 3000
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, DefaultShutdownTimeout)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
