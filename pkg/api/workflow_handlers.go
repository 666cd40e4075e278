package api

import (
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/tcmartin/flowengine/pkg/registry"
)

// maxDefinitionSize bounds workflow definition uploads
const maxDefinitionSize = 4 << 20

// readDefinition reads a YAML definition from the body.
// A JSON body of the form {"content": "..."} is accepted as well.
func readDefinition(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionSize))
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return "", err
		}
		return req.Content, nil
	}
	return string(body), nil
}

// handleListWorkflows handles listing workflows
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.workflows.List(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleCreateWorkflow handles workflow creation from a YAML definition
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	content, err := readDefinition(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	wf, err := s.workflows.Create(r.Context(), content)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.resyncSchedules(r.Context())

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      wf.ID,
		"version": wf.Version,
	})
}

// handleGetWorkflow returns a workflow as JSON, or as its YAML definition with ?format=yaml
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if r.URL.Query().Get("format") == "yaml" || strings.Contains(r.Header.Get("Accept"), "yaml") {
		content, err := s.workflows.GetYAML(r.Context(), id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write([]byte(content))
		return
	}

	wf, err := s.workflows.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleUpdateWorkflow replaces a workflow definition
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	content, err := readDefinition(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	wf, err := s.workflows.Update(r.Context(), id, content)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.resyncSchedules(r.Context())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      wf.ID,
		"version": wf.Version,
	})
}

// handleDeleteWorkflow handles deleting a workflow
func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.workflows.Delete(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	s.resyncSchedules(r.Context())

	w.WriteHeader(http.StatusNoContent)
}

// handleSearchWorkflows handles searching for workflows
func (s *Server) handleSearchWorkflows(w http.ResponseWriter, r *http.Request) {
	var filters registry.SearchFilters
	if err := decodeJSON(r, &filters); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := s.workflows.Search(r.Context(), filters)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []registry.WorkflowInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}
