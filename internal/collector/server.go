// Package collector is the ingestion edge: authenticated HTTP in,
// validated events out to the bus.
package collector

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/libresiem/libresiem/internal/auth"
	"github.com/libresiem/libresiem/internal/circuitbreaker"
	"github.com/libresiem/libresiem/internal/config"
	"github.com/libresiem/libresiem/internal/metrics"
	"github.com/libresiem/libresiem/internal/models"
	"github.com/libresiem/libresiem/internal/parser"
	"github.com/libresiem/libresiem/internal/ratelimit"
	"github.com/libresiem/libresiem/internal/webhooks"
)

// Publisher is the bus side of the collector.
type Publisher interface {
	Publish(ctx context.Context, event *models.Event) error
	Headroom() int
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Emitter mirrors webhooks.Dispatcher.Emit.
type Emitter interface {
	Emit(eventType webhooks.EventType, data map[string]interface{})
}

// Server wires the ingestion routes together.
type Server struct {
	cfg       *config.Settings
	gate      *auth.Gatekeeper
	limiter   *ratelimit.Limiter
	publisher Publisher
	formats   *parser.Registry
	breakers  *circuitbreaker.PipelineBreakers
	metrics   *metrics.Metrics
	emitter   Emitter
	redis     Pinger
	logger    *log.Logger
	requests  *slog.Logger
	httpSrv   *http.Server
}

type Options struct {
	Config    *config.Settings
	Gate      *auth.Gatekeeper
	Limiter   *ratelimit.Limiter
	Publisher Publisher
	Formats   *parser.Registry
	Breakers  *circuitbreaker.PipelineBreakers
	Metrics   *metrics.Metrics
	Emitter   Emitter
	Redis     Pinger
}

func NewServer(opts Options) *Server {
	if opts.Breakers == nil {
		opts.Breakers = circuitbreaker.NewPipelineBreakers()
	}
	if opts.Formats == nil {
		opts.Formats = parser.NewRegistry()
	}
	return &Server{
		cfg:       opts.Config,
		gate:      opts.Gate,
		limiter:   opts.Limiter,
		publisher: opts.Publisher,
		formats:   opts.Formats,
		breakers:  opts.Breakers,
		metrics:   opts.Metrics,
		emitter:   opts.Emitter,
		redis:     opts.Redis,
		logger:    log.New(log.Writer(), "[COLLECTOR] ", log.LstdFlags),
		requests:  slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}
}

// Router builds the route table. Exposed separately so tests can drive
// it through httptest.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/token", s.handleToken).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/ingest/batch", s.handleIngestBatch).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/ingest/raw", s.handleIngestRaw).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/formats", s.handleListFormats).Methods(http.MethodGet)
	r.HandleFunc("/formats", s.handleRegisterFormat).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start serves until ctx is cancelled, then drains for up to 30s.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.CollectorHost, s.cfg.CollectorPort)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("🚀 collector listening on %s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Printf("🔌 collector shutting down")
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := s.cfg.FrontendURL
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.requests.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", clientIP(r),
		)
	})
}

// clientIP trusts the first X-Forwarded-For hop, falling back to the
// socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
