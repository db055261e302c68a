package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chat-magnifier/telemetry"
)

// HandleAudioCheck reports whether audio for ?id= has been generated.
func (h *Handlers) HandleAudioCheck(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusOK, map[string]any{"exists": false, "error": "Message ID is required"})
		return
	}
	exists := h.speech != nil && h.speech.Exists(id)
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

type audioRequest struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	IsMale *bool  `json:"is_male"`
}

// HandleAudioGenerate synthesizes one message. is_male defaults to true.
func (h *Handlers) HandleAudioGenerate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if h.speech == nil {
		writeJSON(w, http.StatusOK, result{Error: "TTS service is not enabled"})
		return
	}
	var req audioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, result{Error: "invalid json"})
		return
	}
	if req.ID == "" || req.Text == "" {
		writeJSON(w, http.StatusOK, result{Error: "Message ID and text are required"})
		return
	}
	isMale := req.IsMale == nil || *req.IsMale
	if err := h.speech.Generate(r.Context(), req.ID, req.Text, isMale); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("error generating audio", slog.String("id", req.ID), slog.Any("err", err))
		writeJSON(w, http.StatusOK, result{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result{Success: true})
}

// HandleAudioFile serves /audio/<id>.mp3.
func (h *Handlers) HandleAudioFile(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/audio/")
	id, ok := strings.CutSuffix(name, ".mp3")
	if h.speech == nil || !ok {
		http.NotFound(w, r)
		return
	}
	path, err := h.speech.Path(id)
	if err != nil || !h.speech.Exists(id) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, path)
}
