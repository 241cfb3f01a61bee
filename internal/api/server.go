package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/jobwatch/internal/history"
	"github.com/psantana5/jobwatch/internal/logging"
	"github.com/psantana5/jobwatch/internal/monitor"
	"github.com/psantana5/jobwatch/internal/tracing"
)

const limiterIdleTimeout = 10 * time.Minute

// Monitor is the read side of the monitor service
type Monitor interface {
	StatusSummary() monitor.Summary
	Health() *monitor.HealthCheck
	Failures() *monitor.FailureLog
}

// HistorySource lists recorded ticks
type HistorySource interface {
	Recent(ctx context.Context, q history.Query) ([]history.Tick, error)
}

// Config configures the HTTP surface
type Config struct {
	Listen    string
	RateLimit float64
	Burst     int
	TLS       *tls.Config // nil serves plain HTTP
}

// Server serves monitor state over HTTP
type Server struct {
	cfg      Config
	monitor  Monitor
	history  HistorySource
	gatherer prometheus.Gatherer
	tracing  *tracing.Provider
	logger   *logging.Logger
	limiter  *Limiter
	router   *mux.Router

	httpServer *http.Server
	addr       net.Addr
}

// Option configures a Server
type Option func(*Server)

// WithHistory enables GET /history
func WithHistory(h HistorySource) Option {
	return func(s *Server) { s.history = h }
}

// WithGatherer sets the registry served on /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithTracing traces every request
func WithTracing(p *tracing.Provider) Option {
	return func(s *Server) { s.tracing = p }
}

// WithLogger sets the server logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer builds the router. A RateLimit of 0 disables rate limiting.
func NewServer(cfg Config, m Monitor, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		monitor:  m,
		gatherer: prometheus.DefaultGatherer,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.Status).Methods("GET")
	r.HandleFunc("/health", s.Health).Methods("GET")
	r.HandleFunc("/failures", s.Failures).Methods("GET")
	r.HandleFunc("/history", s.History).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	if cfg.RateLimit > 0 {
		s.limiter = NewLimiter(cfg.RateLimit, cfg.Burst)
		r.Use(s.limiter.Middleware(ClientIP))
	}
	if s.tracing != nil {
		r.Use(tracing.HTTPMiddleware(s.tracing))
	}
	s.router = r
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown is called or ctx is done. The
// listener is bound before it returns so callers see address errors early.
func (s *Server) ListenAndServe(ctx context.Context) (<-chan error, error) {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, err
	}
	s.addr = ln.Addr()
	scheme := "http"
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
		scheme = "https"
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("API listening", map[string]interface{}{"addr": s.addr.String(), "scheme": scheme})

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
		close(errCh)
	}()

	if s.limiter != nil {
		go func() {
			ticker := time.NewTicker(limiterIdleTimeout)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.limiter.Cleanup(limiterIdleTimeout)
				}
			}
		}()
	}
	return errCh, nil
}

// Addr returns the bound address once ListenAndServe has succeeded
func (s *Server) Addr() string {
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Status returns the monitor summary
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.StatusSummary())
}

// Health returns the health report. Unhealthy is served as 503.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	hc := s.monitor.Health()
	code := http.StatusOK
	if hc.GetStatus() == monitor.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, hc.GetHealthReport())
}

// Failures returns recent dispatch failures, newest first
func (s *Server) Failures(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log := s.monitor.Failures()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"failures": log.GetRecent(limit),
		"total":    log.Total(),
	})
}

// History returns recorded ticks
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "tick history is not configured", http.StatusNotFound)
		return
	}
	limit, err := queryLimit(r, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ticks, err := s.history.Recent(r.Context(), history.Query{
		RunID: r.URL.Query().Get("run_id"),
		Limit: limit,
	})
	if err != nil {
		s.logger.Error("Failed to read tick history", map[string]interface{}{"error": err.Error()})
		http.Error(w, "failed to read tick history", http.StatusInternalServerError)
		return
	}
	if ticks == nil {
		ticks = []history.Tick{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticks": ticks,
		"count": len(ticks),
	})
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
