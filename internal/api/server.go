// Package api serves stored drydown results over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chrissnell/drydown/internal/log"
	"github.com/chrissnell/drydown/internal/storage"
	"github.com/chrissnell/drydown/pkg/config"
)

// ErrRunInProgress is returned by a Trigger that is already running a batch
var ErrRunInProgress = errors.New("a run is already in progress")

// Trigger starts a batch over the configured sites in the background
type Trigger interface {
	StartRun() error
}

// Options carries the optional parts of a Server
type Options struct {
	// Trigger enables POST /api/v1/runs when set
	Trigger Trigger

	// Registerer and Gatherer back the request metrics and /metrics.
	// Both default to the prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// LossCurveStep is the soil-moisture spacing of loss-curve samples
	LossCurveStep float64
}

// DefaultLossCurveStep is used when Options.LossCurveStep is zero
const DefaultLossCurveStep = 0.005

// Server is the results API
type Server struct {
	ctx      context.Context
	wg       *sync.WaitGroup
	cfg      config.ServerData
	Server   http.Server
	store    storage.Store
	opts     Options
	logger   *zap.SugaredLogger
	handlers *Handlers
	requests *prometheus.CounterVec
}

// NewServer creates the API server. It does not listen until Start.
func NewServer(ctx context.Context, wg *sync.WaitGroup, cfg config.ServerData, store storage.Store, opts Options, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.LossCurveStep == 0 {
		opts.LossCurveStep = DefaultLossCurveStep
	}

	s := &Server{
		ctx:    ctx,
		wg:     wg,
		cfg:    cfg,
		store:  store,
		opts:   opts,
		logger: logger,
		requests: promauto.With(opts.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "drydown",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
	}
	s.handlers = NewHandlers(s)

	s.Server.Addr = cfg.ListenAddr
	s.Server.Handler = s.setupRouter()
	s.Server.ReadTimeout = cfg.ReadTimeout
	s.Server.WriteTimeout = cfg.WriteTimeout
	return s
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.Server.Handler
}

// Start listens in the background and shuts down when the context ends
func (s *Server) Start() error {
	s.logger.Infof("starting results API on %s", s.cfg.ListenAddr)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("results API error: %v", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		s.logger.Info("shutting down the results API...")
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.Server.Shutdown(ctx); err != nil {
			s.logger.Warnf("results API shutdown: %v", err)
		}
	}()

	return nil
}

// setupRouter configures the HTTP router with all endpoints
func (s *Server) setupRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(log.HTTPMiddleware(s.logger), s.metricsMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods(http.MethodGet)

	// Runs can only be started when the server knows the configured sites
	if s.opts.Trigger != nil {
		api.HandleFunc("/runs", s.handlers.StartRun).Methods(http.MethodPost)
	}

	api.HandleFunc("/sites/{site}/events", s.handlers.ListEvents).Methods(http.MethodGet)
	api.HandleFunc("/sites/{site}/comparisons", s.handlers.ListComparisons).Methods(http.MethodGet)
	api.HandleFunc("/sites/{site}/loss-curve", s.handlers.GetLossCurve).Methods(http.MethodGet)
	api.HandleFunc("/events/{id}", s.handlers.GetEvent).Methods(http.MethodGet)

	router.HandleFunc("/healthz", s.handlers.Health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return router
}

// metricsMiddleware counts requests by route template so that path
// parameters do not explode the label set
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tmpl, err := cr.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// pingTimeout bounds the store check behind /healthz
const pingTimeout = 2 * time.Second
