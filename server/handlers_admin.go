package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chat-magnifier/telemetry"
)

// HandleAdminStatus returns a summary of the engine state.
func (h *Handlers) HandleAdminStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	resp := map[string]any{
		"connected":       h.engine.Connected(),
		"stored_messages": h.engine.Store().Len(),
		"hidden_ids":      h.engine.Hidden().Len(),
		"pass_running":    h.engine.Cache().Running(),
		"session_settled": h.engine.Tracker().Settled(),
		"toggles_running": h.engine.Toggles().InFlight(),
		"tts_enabled":     h.speech != nil,
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
	}
	if cur := h.engine.Tracker().Current(); cur.IsKnown() {
		resp["session"] = cur.String()
	}
	if h.conn != nil {
		resp["platform"] = h.conn.Platform()
	}
	if last := h.engine.Cache().Last(); last != nil {
		resp["last_pass_at"] = last.GeneratedAt.UTC().Format(time.RFC3339)
		resp["last_pass_success"] = last.Success
		if last.Error != "" {
			resp["last_pass_error"] = last.Error
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleAdminReset force-clears both stores and the session state without
// disconnecting.
func (h *Handlers) HandleAdminReset(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	h.engine.ResetSession(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleAdminAudioClear deletes every generated audio file.
func (h *Handlers) HandleAdminAudioClear(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if h.speech == nil {
		writeJSON(w, http.StatusOK, result{Error: "TTS service is not enabled"})
		return
	}
	n, err := h.speech.ClearFiles()
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("error clearing audio files", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error(), "deleted": n})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": n})
}
