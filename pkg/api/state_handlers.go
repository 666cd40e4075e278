package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tcmartin/flowengine/pkg/state"
)

// stateValue is the body of a state write
type stateValue struct {
	Value interface{} `json:"value"`
}

// handleListState lists the state of a workflow; ?namespace= selects a namespace
func (s *Server) handleListState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	entries, err := s.state.List(r.Context(), id, r.URL.Query().Get("namespace"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []state.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleGetState reads one key. A missing key answers found=false and version 0.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	entry, err := s.state.Get(r.Context(), vars["id"], vars["key"], r.URL.Query().Get("namespace"), nil)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleSetState writes one key and returns its new version
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var body stateValue
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	version, err := s.state.Set(r.Context(), vars["id"], vars["key"], r.URL.Query().Get("namespace"), body.Value)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"version": version})
}

// handleDeleteState removes one key
func (s *Server) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	found, err := s.state.Delete(r.Context(), vars["id"], vars["key"], r.URL.Query().Get("namespace"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": found})
}
