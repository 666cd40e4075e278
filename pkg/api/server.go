// Package api is the HTTP adapter of the engine: workflows, executions, state and live events.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/tcmartin/flowengine/pkg/config"
	"github.com/tcmartin/flowengine/pkg/events"
	"github.com/tcmartin/flowengine/pkg/graph"
	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/metrics"
	"github.com/tcmartin/flowengine/pkg/middleware"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/registry"
	"github.com/tcmartin/flowengine/pkg/runtime"
	"github.com/tcmartin/flowengine/pkg/state"
	"github.com/tcmartin/flowengine/pkg/storage"
	"github.com/tcmartin/flowengine/pkg/triggers"
)

// Engine runs workflows. *runtime.Orchestrator satisfies it.
type Engine interface {
	StartExecution(ctx context.Context, req runtime.StartRequest) (*runtime.StartResponse, error)
	Trigger(ctx context.Context, executionID string, data map[string]interface{}) error
	Stop(ctx context.Context, executionID string) error
	GetExecutionStatus(ctx context.Context, executionID string) (*models.Execution, error)
	ListExecutions(ctx context.Context, workflowID string) ([]*models.Execution, error)
	ListIterations(ctx context.Context, executionID string) ([]*models.ExecutionIteration, error)
	GetLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error)
	GetResults(ctx context.Context, executionID string) ([]models.ExecutionResult, error)
}

// StateService reads and writes workflow state. *state.Store satisfies it.
type StateService interface {
	Get(ctx context.Context, workflowID, key, namespace string, def interface{}) (models.StateEntry, error)
	Set(ctx context.Context, workflowID, key, namespace string, value interface{}) (int64, error)
	Delete(ctx context.Context, workflowID, key, namespace string) (bool, error)
	List(ctx context.Context, workflowID, namespace string) ([]state.Entry, error)
}

// NodeCatalog lists the registered node types. *plugins.Registry satisfies it.
type NodeCatalog interface {
	List() []plugins.Metadata
}

// Schedules exposes the schedule triggers. *triggers.Scheduler satisfies it.
type Schedules interface {
	Entries() []triggers.Entry
	Sync(ctx context.Context) (int, error)
}

// Options contains the dependencies of the server
type Options struct {
	Config    *config.Config
	Workflows registry.WorkflowCatalog
	Engine    Engine
	State     StateService
	Nodes     NodeCatalog
	Bus       *events.Bus
	Metrics   *metrics.Collector

	// Schedules is optional; when set, workflow changes resync it
	Schedules Schedules

	Logger logging.Logger
}

// Server represents the HTTP API server
type Server struct {
	config    *config.Config
	router    *mux.Router
	server    *http.Server
	workflows registry.WorkflowCatalog
	engine    Engine
	state     StateService
	nodes     NodeCatalog
	metrics   *metrics.Collector
	schedules Schedules
	logger    logging.Logger

	sse       *eventStreamer
	wsManager *WebSocketManager
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	logger := opts.Logger.WithFields(logging.F("component", "api"))

	s := &Server{
		config:    opts.Config,
		router:    mux.NewRouter(),
		workflows: opts.Workflows,
		engine:    opts.Engine,
		state:     opts.State,
		nodes:     opts.Nodes,
		metrics:   opts.Metrics,
		schedules: opts.Schedules,
		logger:    logger,
	}
	s.sse = newEventStreamer(opts.Bus, s.executionFinished, logger)
	s.wsManager = NewWebSocketManager(opts.Bus, s.executionFinished, logger)

	s.setupRoutes()
	return s
}

// executionFinished reports whether key is the stream of an execution in a terminal state
func (s *Server) executionFinished(ctx context.Context, key string) bool {
	kind, id, _ := strings.Cut(key, ":")
	if kind != "execution" || s.engine == nil {
		return false
	}
	exec, err := s.engine.GetExecutionStatus(ctx, id)
	return err == nil && exec.Status.IsTerminal()
}

// Handler returns the root handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := s.config.Server.Addr()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting HTTP server", logging.F("addr", addr))

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.server.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	} else {
		err = s.server.ListenAndServe()
	}

	// If the server was shut down gracefully, this error is expected
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes live event streams and stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.sse.Close()
	s.wsManager.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer(s.logger))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RequestLogger(s.logger))
	s.router.Use(middleware.CORS)

	if s.config.Metrics.Enabled {
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, s.metrics.Handler()).Methods(http.MethodGet)
	}

	// API router with version prefix
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/schedules", s.handleListSchedules).Methods(http.MethodGet, http.MethodOptions)

	// Workflow routes
	workflows := api.PathPrefix("/workflows").Subrouter()
	workflows.HandleFunc("", s.handleListWorkflows).Methods(http.MethodGet, http.MethodOptions)
	workflows.HandleFunc("", s.handleCreateWorkflow).Methods(http.MethodPost)
	workflows.HandleFunc("/search", s.handleSearchWorkflows).Methods(http.MethodPost, http.MethodOptions)
	workflows.HandleFunc("/{id}", s.handleGetWorkflow).Methods(http.MethodGet, http.MethodOptions)
	workflows.HandleFunc("/{id}", s.handleUpdateWorkflow).Methods(http.MethodPut)
	workflows.HandleFunc("/{id}", s.handleDeleteWorkflow).Methods(http.MethodDelete)
	workflows.HandleFunc("/{id}/executions", s.handleStartExecution).Methods(http.MethodPost, http.MethodOptions)
	workflows.HandleFunc("/{id}/executions", s.handleListExecutions).Methods(http.MethodGet)

	// Workflow state routes
	workflows.HandleFunc("/{id}/state", s.handleListState).Methods(http.MethodGet, http.MethodOptions)
	workflows.HandleFunc("/{id}/state/{key}", s.handleGetState).Methods(http.MethodGet, http.MethodOptions)
	workflows.HandleFunc("/{id}/state/{key}", s.handleSetState).Methods(http.MethodPut)
	workflows.HandleFunc("/{id}/state/{key}", s.handleDeleteState).Methods(http.MethodDelete)

	// Execution routes
	executions := api.PathPrefix("/executions").Subrouter()
	executions.HandleFunc("/{id}", s.handleGetExecution).Methods(http.MethodGet, http.MethodOptions)
	executions.HandleFunc("/{id}/stop", s.handleStopExecution).Methods(http.MethodPost, http.MethodOptions)
	executions.HandleFunc("/{id}/trigger", s.handleTriggerExecution).Methods(http.MethodPost, http.MethodOptions)
	executions.HandleFunc("/{id}/iterations", s.handleListIterations).Methods(http.MethodGet, http.MethodOptions)
	executions.HandleFunc("/{id}/logs", s.handleGetLogs).Methods(http.MethodGet, http.MethodOptions)
	executions.HandleFunc("/{id}/results", s.handleGetResults).Methods(http.MethodGet, http.MethodOptions)

	// Live event routes
	api.Handle("/events", s.sse).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/ws", s.wsManager.HandleWebSocket).Methods(http.MethodGet)
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleListNodes lists the registered node types
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.nodes.List())
}

// handleListSchedules lists the active schedule triggers
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeJSON(w, http.StatusOK, []triggers.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, s.schedules.Entries())
}

// resyncSchedules refreshes the schedule triggers after a workflow change
func (s *Server) resyncSchedules(ctx context.Context) {
	if s.schedules == nil {
		return
	}
	if _, err := s.schedules.Sync(ctx); err != nil {
		s.logger.Warn("failed to resync schedules", logging.Err(err))
	}
}

// errorResponse is the body of every error reply
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeErr maps engine errors onto HTTP statuses
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrWorkflowNotFound),
		errors.Is(err, storage.ErrWorkflowNotFound),
		errors.Is(err, storage.ErrExecutionNotFound),
		errors.Is(err, runtime.ErrUnknownExecution):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidYAML),
		errors.Is(err, graph.ErrInvalidGraph),
		errors.Is(err, state.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrWorkflowAlreadyExists),
		errors.Is(err, runtime.ErrExecutionNotRunning),
		errors.Is(err, runtime.ErrNotPersistent):
		status = http.StatusConflict
	case errors.Is(err, runtime.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", logging.Err(err))
	}
	writeError(w, status, err.Error())
}

// decodeJSON decodes an optional JSON body into v; an empty body leaves v untouched
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
