// Package api exposes the operator HTTP surface of a capture node.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hixprotocol/hix/internal/adapters/mq/worker"
	"github.com/hixprotocol/hix/internal/adapters/sensor"
	"github.com/hixprotocol/hix/internal/domain/model"
	"github.com/hixprotocol/hix/internal/domain/types"
	"github.com/hixprotocol/hix/pkg/logger"
	"github.com/hixprotocol/hix/pkg/metrics"
)

const defaultStatsInterval = time.Second

// Session is the capture controller driven by the API.
type Session interface {
	Start(ctx context.Context, operator string) error
	Stop(ctx context.Context) (worker.Report, error)
	OnDistance(meters float64)
	Flush(ctx context.Context) (worker.Report, error)
	Discard(ctx context.Context) (int, error)
	Snapshot(ctx context.Context) types.Snapshot
	DeadLetters() []model.QueueEntry
}

// Ingester accepts sensor readings posted over HTTP.
type Ingester interface {
	Ingest(r sensor.Reading) error
}

// Option applies a configuration option to the Server.
type Option func(*Server)

// WithIngester enables POST /readings.
func WithIngester(in Ingester) Option {
	return func(s *Server) {
		s.ingester = in
	}
}

// WithStatsInterval sets how often /ws/stats pushes a snapshot.
func WithStatsInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.statsInterval = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server wires HTTP routes for the operator API.
type Server struct {
	session       Session
	ingester      Ingester
	statsInterval time.Duration
	logger        logger.Logger
}

// NewServer creates a new API server.
func NewServer(session Session, opts ...Option) *Server {
	s := &Server{
		session:       session,
		statsInterval: defaultStatsInterval,
		logger:        logger.Get().Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns a router with every route registered.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	s.Register(r)
	return r
}

// Register attaches all HTTP routes to r.
func (s *Server) Register(r *mux.Router) {
	r.Use(MetricsMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/session/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/session/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/session/distance", s.handleDistance).Methods(http.MethodPost)
	r.HandleFunc("/flush", s.handleFlush).Methods(http.MethodPost)
	r.HandleFunc("/queue", s.handleDiscard).Methods(http.MethodDelete)

	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/deadletters", s.handleDeadLetters).Methods(http.MethodGet)
	r.HandleFunc("/ws/stats", s.handleStatsFeed).Methods(http.MethodGet)

	r.HandleFunc("/readings", s.handleReadings).Methods(http.MethodPost)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  s.session.Snapshot(r.Context()).State,
	})
}
