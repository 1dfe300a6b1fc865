// Package api exposes the admin HTTP interface of the runtime: flow
// deploys, the node set list, manual injection, health and the editor
// comms channel.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/c360/nodeflow/flows"
	"github.com/c360/nodeflow/flowstore"
	"github.com/c360/nodeflow/health"
	"github.com/c360/nodeflow/message"
	"github.com/c360/nodeflow/metric"
	"github.com/c360/nodeflow/registry"
)

// Request headers understood by the flows endpoints
const (
	HeaderDeploymentType = "Node-RED-Deployment-Type"
	HeaderAPIVersion     = "Node-RED-API-Version"
)

const maxBodyBytes = 5 << 20

// FlowManager is the part of flows.Manager served over HTTP.
type FlowManager interface {
	Flows() flowstore.Flows
	Revision() string
	SetFlows(ctx context.Context, cfg flowstore.Flows, deployType flows.DeployType) (*flows.Report, error)
	Inject(ctx context.Context, id string, msg message.Message) error
	Health() health.Status
}

// NodeRegistry is the part of registry.Registry served over HTTP.
type NodeRegistry interface {
	NodeList(filter func(registry.Descriptor) bool) []registry.Descriptor
	Enable(ctx context.Context, idOrType string) (registry.Descriptor, error)
	Disable(ctx context.Context, idOrType string) (registry.Descriptor, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request counts and latencies on m.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithComms serves h, usually a comms.Hub, at path.
func WithComms(path string, h http.Handler) Option {
	return func(s *Server) {
		s.commsPath = path
		s.comms = h
	}
}

// WithHealth aggregates monitor into GET /health. The flow manager is
// registered on it as "flows".
func WithHealth(monitor *health.Monitor) Option {
	return func(s *Server) { s.monitor = monitor }
}

// Server routes admin requests.
type Server struct {
	flows     FlowManager
	nodes     NodeRegistry
	logger    *slog.Logger
	metrics   *metric.Metrics
	monitor   *health.Monitor
	comms     http.Handler
	commsPath string
	mux       *http.ServeMux
}

// NewServer creates the admin API.
func NewServer(fm FlowManager, nodes NodeRegistry, opts ...Option) *Server {
	s := &Server{
		flows:  fm,
		nodes:  nodes,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	if s.monitor == nil {
		s.monitor = health.NewMonitor()
	}
	s.monitor.Register("flows", fm)
	s.RegisterHTTPHandlers(s.mux)
	return s
}

// RegisterHTTPHandlers registers every endpoint on mux.
func (s *Server) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.Handle("GET /flows", s.instrument("/flows", s.handleGetFlows))
	mux.Handle("POST /flows", s.instrument("/flows", s.handlePostFlows))
	mux.Handle("GET /nodes", s.instrument("/nodes", s.handleGetNodes))
	mux.Handle("PUT /nodes/{id...}", s.instrument("/nodes/{id}", s.handlePutNode))
	mux.Handle("POST /inject/{id}", s.instrument("/inject/{id}", s.handleInject))
	mux.Handle("GET /health", s.instrument("/health", s.handleHealth))
	if s.comms != nil && s.commsPath != "" {
		mux.Handle("GET "+s.commsPath, s.comms)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(route, strconv.Itoa(rec.code), elapsed)
		s.logger.Debug("Handled request", "method", r.Method, "route", route, "code", rec.code, "duration", elapsed)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// errorBody is the {error, message} response of a failed request.
type errorBody struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, code int, errCode string, err error) {
	s.writeJSON(w, code, errorBody{Code: errCode, Message: health.Sanitize(err.Error())})
}
