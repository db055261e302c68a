package server

import (
	"net/http"
)

// HandleMessages runs a poll and returns its payload. Concurrent polls share
// the payload of the running pass.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Poll(r.Context()))
}

type visibilityRequest struct {
	ID   string `json:"id"`
	Show bool   `json:"show"`
}

// HandleVisibility hides a message. show=true is accepted and changes nothing.
func (h *Handlers) HandleVisibility(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req visibilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, result{Error: "invalid json"})
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Toggle(r.Context(), req.ID, req.Show))
}
