package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/auramesh/choreo/core"
	"github.com/auramesh/choreo/metrics"
	"github.com/auramesh/choreo/orchestration"
)

// server is the HTTP-facing adapter around the engine: a thin transport
// layer that does not itself implement choreography, only exposes it.
// Cancellation is tracked by Engine itself (Engine.Cancel); the server
// only needs the execution ID it handed out.
type server struct {
	mux        *http.ServeMux
	engine     *orchestration.Engine
	store      orchestration.ExecutionStore
	aggregator *metrics.Aggregator
	exporter   *metrics.Exporter
	workflows  map[string]*orchestration.WorkflowDefinition
	logger     core.Logger
}

func newServer(engine *orchestration.Engine, store orchestration.ExecutionStore, aggregator *metrics.Aggregator, workflows map[string]*orchestration.WorkflowDefinition, logger core.Logger) *server {
	s := &server{
		engine:     engine,
		store:      store,
		aggregator: aggregator,
		exporter:   metrics.NewExporter(aggregator),
		workflows:  workflows,
		logger:     logger,
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /workflows/{id}/execute", s.handleExecute)
	s.mux.HandleFunc("POST /workflows/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.exporter.Registry(), promhttp.HandlerOpts{}))
	return s
}

// Handler wraps the mux with otelhttp so every inbound request starts (or
// continues, via the traceparent header) a span before reaching the
// workflow handlers; the /metrics scrape endpoint is excluded since it
// carries no caller trace context worth recording.
func (s *server) Handler(serviceName string) http.Handler {
	return otelhttp.NewHandler(s.mux, serviceName,
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/metrics" }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "HTTP " + r.Method + " " + r.URL.Path
		}),
	)
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	def, ok := s.workflows[workflowID]
	if !ok {
		http.Error(w, "unknown workflow", http.StatusNotFound)
		return
	}

	var inputs map[string]interface{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	executionID := uuid.New().String()
	s.aggregator.RecordWorkflowStarted()

	// Detach from the request's context: the handler returns (and the
	// request context ends) as soon as the 202 is written, well before
	// the workflow itself finishes.
	ctx := context.WithoutCancel(r.Context())

	go func() {
		execution, err := s.engine.Execute(ctx, def, inputs, orchestration.WithExecutionID(executionID))
		if err != nil {
			s.logger.Error("workflow execution failed to plan", map[string]interface{}{
				"workflow_id":  workflowID,
				"execution_id": executionID,
				"error":        err.Error(),
			})
			return
		}
		s.aggregator.RecordWorkflow(execution)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"execution_id": executionID,
		"workflow_id":  workflowID,
		"status":       "accepted",
	})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")

	if !s.engine.Cancel(executionID) {
		http.Error(w, "no running execution with that id", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"execution_id": executionID, "status": "cancelling"})
}

func (s *server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")

	execution, err := s.store.Get(r.Context(), executionID)
	if err != nil {
		if core.IsNotFound(err) {
			http.Error(w, "unknown execution", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(execution)
}
