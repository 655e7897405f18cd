// Package api provides the admin HTTP server: health, queue inspection,
// scheduler status and manual reconciliation triggers.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/onboarding-workflow/internal/logging"
	"github.com/onboarding-workflow/internal/models"
	"github.com/onboarding-workflow/internal/queue"
	"github.com/onboarding-workflow/internal/scheduler"
)

// QueueInspector reads queue state
type QueueInspector interface {
	Stats(ctx context.Context, name string) (*queue.Stats, error)
	Get(ctx context.Context, name, id string) (*queue.Job, queue.State, error)
}

// EventLister returns the audit trail of a queue
type EventLister interface {
	Recent(ctx context.Context, queue string, limit int) ([]models.JobEvent, error)
}

// Scheduler is a reconciliation loop that can be triggered by hand
type Scheduler interface {
	Name() string
	Fire()
	Status() scheduler.Status
}

// Server represents the admin HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	queue      QueueInspector
	events     EventLister
	queues     map[string]bool
	queueNames []string
	schedulers map[string]Scheduler
	order      []string
	metrics    http.Handler
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Deps are the components exposed by the server
type Deps struct {
	Queue QueueInspector
	// Events is optional; without it recent events are not listed.
	Events     EventLister
	Queues     []string
	Schedulers []Scheduler
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Logger  *logging.Logger
}

// NewServer creates a new admin server instance.
func NewServer(config *ServerConfig, deps Deps) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("server config is required")
	}
	if deps.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &Server{
		router:     mux.NewRouter(),
		queue:      deps.Queue,
		events:     deps.Events,
		queues:     make(map[string]bool, len(deps.Queues)),
		queueNames: deps.Queues,
		schedulers: make(map[string]Scheduler, len(deps.Schedulers)),
		metrics:    deps.Metrics,
		logger:     logger.WithComponent("api"),
		config:     config,
	}
	for _, name := range deps.Queues {
		s.queues[name] = true
	}
	for _, sched := range deps.Schedulers {
		s.schedulers[sched.Name()] = sched
		s.order = append(s.order, sched.Name())
	}

	s.setupRouter()
	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all admin routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/queues", s.handleListQueues).Methods("GET")
	s.router.HandleFunc("/queues/{name}", s.handleGetQueue).Methods("GET")
	s.router.HandleFunc("/queues/{name}/jobs/{id}", s.handleGetJob).Methods("GET")

	s.router.HandleFunc("/schedulers", s.handleListSchedulers).Methods("GET")
	s.router.HandleFunc("/schedulers/{name}/trigger", s.handleTriggerScheduler).Methods("POST")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting admin server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}
