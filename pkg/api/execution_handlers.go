package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/runtime"
)

// startExecutionRequest is the optional body of an execution start
type startExecutionRequest struct {
	TriggerData map[string]interface{} `json:"trigger_data"`
	Mode        models.ExecutionMode   `json:"mode"`
	Source      models.ExecutionSource `json:"source"`
	Overrides   map[string]interface{} `json:"overrides"`
	Await       bool                   `json:"await"`
	Timeout     string                 `json:"timeout"`
}

// handleStartExecution starts an execution. With await the reply is 200 once the
// execution is terminal, or 202 with timeout_exceeded when the wait gave up.
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req startExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	if v := q.Get("await"); v != "" {
		await, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "await must be a boolean")
			return
		}
		req.Await = await
	}
	if v := q.Get("timeout"); v != "" {
		req.Timeout = v
	}
	if v := q.Get("mode"); v != "" {
		req.Mode = models.ExecutionMode(v)
	}
	if v := q.Get("source"); v != "" {
		req.Source = models.ExecutionSource(v)
	}
	if req.Source == "" {
		req.Source = models.SourceAPI
	}
	if !req.Source.Valid() {
		writeError(w, http.StatusBadRequest, "unknown execution source: "+string(req.Source))
		return
	}
	switch req.Mode {
	case "", models.ModeOneshot, models.ModePersistent:
	default:
		writeError(w, http.StatusBadRequest, "unknown execution mode: "+string(req.Mode))
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timeout: "+err.Error())
			return
		}
		timeout = d
	}

	resp, err := s.engine.StartExecution(r.Context(), runtime.StartRequest{
		WorkflowID:  id,
		TriggerData: req.TriggerData,
		Source:      req.Source,
		Mode:        req.Mode,
		Await:       req.Await,
		Timeout:     timeout,
		Overrides:   req.Overrides,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}

	status := http.StatusAccepted
	if req.Await && !resp.TimeoutExceeded {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// handleListExecutions lists the executions of a workflow, newest first
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.workflows.Get(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	list, err := s.engine.ListExecutions(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []*models.Execution{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleGetExecution returns the live or stored execution
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.GetExecutionStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleStopExecution asks an execution to stop
func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Stop(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": id,
		"status":       "stop_requested",
	})
}

// handleTriggerExecution re-enters a persistent execution with new trigger data
func (s *Server) handleTriggerExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		TriggerData map[string]interface{} `json:"trigger_data"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.Trigger(r.Context(), id, req.TriggerData); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": id,
		"status":       "triggered",
	})
}

// knownExecution replies 404 and returns false for an unknown execution
func (s *Server) knownExecution(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if _, err := s.engine.GetExecutionStatus(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return "", false
	}
	return id, true
}

// handleListIterations lists the loop passes of an execution
func (s *Server) handleListIterations(w http.ResponseWriter, r *http.Request) {
	id, ok := s.knownExecution(w, r)
	if !ok {
		return
	}
	list, err := s.engine.ListIterations(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []*models.ExecutionIteration{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleGetLogs returns the per-node log of an execution
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.knownExecution(w, r)
	if !ok {
		return
	}
	logs, err := s.engine.GetLogs(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if logs == nil {
		logs = []models.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleGetResults returns the sink outputs and artifacts of an execution
func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	id, ok := s.knownExecution(w, r)
	if !ok {
		return
	}
	results, err := s.engine.GetResults(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if results == nil {
		results = []models.ExecutionResult{}
	}
	writeJSON(w, http.StatusOK, results)
}
