package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/onnwee/chat-magnifier/telemetry"
)

const (
	keyLayoutStyle    = "LAYOUT_STYLE"
	keyForceUppercase = "FORCE_MSG_UPPERCASE"
	kvPrefix          = "cfg:"
)

// overridable lists the browser settings PUT /config may change at runtime,
// each with its validator.
var overridable = map[string]func(string) (string, bool){
	keyLayoutStyle: func(v string) (string, bool) { return v, v != "" },
	keyForceUppercase: func(v string) (string, bool) {
		b, err := strconv.ParseBool(v)
		return strconv.FormatBool(b), err == nil
	},
}

// setting returns the kv override for key, else the configured value.
func (h *Handlers) setting(ctx context.Context, key string) string {
	if v, err := h.kv.GetKV(ctx, kvPrefix+key); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("config override lookup failed", slog.String("key", key), slog.Any("err", err))
	} else if v != "" {
		return v
	}
	switch key {
	case keyLayoutStyle:
		return h.cfg.LayoutStyle
	case keyForceUppercase:
		return strconv.FormatBool(h.cfg.ForceMsgUppercase)
	}
	return ""
}

// HandleConfig returns the effective non-secret settings (GET) or overrides
// browser settings (PUT).
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		c := h.cfg
		out := map[string]string{
			"CHAT_PLATFORM":                 c.ChatPlatform,
			"STORE_BACKEND":                 c.StoreBackend,
			"POLL_INTERVAL":                 c.PollInterval.String(),
			"MIN_MESSAGE_WORDS":             strconv.Itoa(c.MinMessageWords),
			"QUESTIONS_ONLY":                strconv.FormatBool(c.QuestionsOnly),
			"APPLY_MODERATION":              strconv.FormatBool(c.ApplyModeration),
			"APPLY_SPELLING_CORRECTION":     strconv.FormatBool(c.ApplySpellingCorrection),
			"RETRIEVE_AUTHOR_GENDER":        strconv.FormatBool(c.RetrieveAuthorGender),
			"IGNORE_CHANNEL_OWNER_MESSAGES": strconv.FormatBool(c.IgnoreOwnerMessages),
			"AI_PROVIDER":                   c.AIProvider,
			"TTS_ENABLED":                   strconv.FormatBool(h.speech != nil),
		}
		for k := range overridable {
			out[k] = h.setting(ctx, k)
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPut:
		var body map[string]string
		if err := decodeJSON(r, &body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		for k, v := range body {
			validate, ok := overridable[k]
			if !ok {
				continue
			}
			val, valid := validate(strings.TrimSpace(v))
			if !valid {
				http.Error(w, "invalid value for "+k, http.StatusBadRequest)
				return
			}
			if err := h.kv.SetKV(ctx, kvPrefix+k, val); err != nil {
				telemetry.LoggerWithCorr(ctx).Error("failed to update config", slog.String("key", k), slog.Any("err", err))
				http.Error(w, "failed to update config", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
