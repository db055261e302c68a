package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/chat-magnifier/chat"
	"github.com/onnwee/chat-magnifier/oauth"
	"github.com/onnwee/chat-magnifier/telemetry"
)

const unknownChannel = "..."

type connectResult struct {
	Success bool   `json:"success"`
	AuthURL string `json:"auth_url,omitempty"`
	Error   string `json:"error,omitempty"`
}

type indexResponse struct {
	Connected         bool   `json:"connected"`
	Platform          string `json:"platform"`
	PollingInterval   int64  `json:"polling_interval"`
	LiveTitle         string `json:"live_title"`
	ChannelName       string `json:"channel_name"`
	TTSEnabled        bool   `json:"tts_enabled"`
	TTSAudioPath      string `json:"tts_audio_files_dir"`
	LayoutStyle       string `json:"layout_style"`
	ForceMsgUppercase bool   `json:"force_msg_uppercase"`
}

func platformLabel(p string) string {
	switch p {
	case "youtube":
		return "YouTube"
	case "twitch":
		return "Twitch"
	}
	return p
}

// HandleIndex returns the bootstrap data for the browser page. It resumes a
// connection whose credentials are already stored.
func (h *Handlers) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()
	h.connect(ctx, true)

	resp := indexResponse{
		Connected:         h.engine.Connected(),
		PollingInterval:   h.cfg.PollInterval.Milliseconds(),
		LiveTitle:         chat.NoLiveTitle,
		ChannelName:       unknownChannel,
		TTSEnabled:        h.speech != nil,
		TTSAudioPath:      "/audio/",
		LayoutStyle:       h.setting(ctx, keyLayoutStyle),
		ForceMsgUppercase: h.setting(ctx, keyForceUppercase) == "true",
	}
	if h.conn != nil {
		resp.Platform = h.conn.Platform()
	}
	if src := h.engine.Source(); src != nil {
		resp.LiveTitle = src.LiveTitle(ctx)
		resp.ChannelName = src.ChannelName(ctx)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleConnect opens the platform connection, or returns an auth_url when
// the user has to authorize first.
func (h *Handlers) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	writeJSON(w, http.StatusOK, h.connect(r.Context(), false))
}

// connect attaches a source. With resumeOnly it only reattaches a platform
// whose token is already stored and leaves the stores alone; otherwise the
// session is reset before the first poll of the new connection.
func (h *Handlers) connect(ctx context.Context, resumeOnly bool) connectResult {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "connect"))

	if h.conn == nil {
		return connectResult{Error: "No chat platform configured"}
	}
	label := platformLabel(h.conn.Platform())

	if resumeOnly {
		if h.engine.Connected() {
			return connectResult{Success: true}
		}
		a, ok := h.authorizer()
		if !ok || !a.HasToken(ctx) {
			return connectResult{}
		}
		src, err := h.conn.Open(ctx)
		if err != nil {
			logger.Warn("resume connection failed", slog.Any("err", err))
			return connectResult{}
		}
		h.engine.SetSource(src)
		logger.Info(label + " connection resumed")
		return connectResult{Success: true}
	}

	src, err := h.conn.Open(ctx)
	if errors.Is(err, oauth.ErrAuthRequired) {
		a, ok := h.authorizer()
		if !ok {
			return connectResult{Error: "Error connecting to " + label}
		}
		st, err := h.newOAuthState()
		if err != nil || st == "" {
			logger.Error("oauth state unavailable", slog.Any("err", err))
			return connectResult{Error: "Error connecting to " + label}
		}
		h.engine.SetSource(nil)
		h.engine.ResetSession(ctx)
		logger.Info(label + " authorization required; redirecting to login")
		return connectResult{Success: true, AuthURL: a.AuthCodeURL(st)}
	}
	if err != nil {
		logger.Error("error connecting", slog.String("platform", label), slog.Any("err", err))
		h.disconnectLocked(ctx)
		return connectResult{Error: "Error connecting to " + label}
	}
	h.engine.SetSource(src)
	h.engine.ResetSession(ctx)
	logger.Info(label + " connection established")
	return connectResult{Success: true}
}

// HandleDisconnect detaches the source, forgets the stored token and clears
// both stores.
func (h *Handlers) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if err := h.disconnectLocked(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, result{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result{Success: true})
}

func (h *Handlers) disconnectLocked(ctx context.Context) error {
	h.engine.SetSource(nil)
	h.engine.ResetSession(ctx)
	if h.conn == nil {
		return nil
	}
	if err := h.conn.Close(ctx); err != nil {
		telemetry.LoggerWithCorr(ctx).Error("error during disconnection", slog.Any("err", err))
		return err
	}
	telemetry.LoggerWithCorr(ctx).Info(platformLabel(h.conn.Platform()) + " disconnection successful")
	return nil
}

// HandleOAuthStart redirects straight to the provider's consent page.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	a, ok := h.authorizer()
	if !ok {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	st, err := h.newOAuthState()
	if err != nil || st == "" {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, a.AuthCodeURL(st), http.StatusFound)
}

// HandleOAuthCallback stores the token for the returned code, attaches the
// source and sends the browser back to the index.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "oauth"))
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		logger.Warn("oauth error from provider", slog.String("error", e))
		writeJSON(w, http.StatusBadRequest, result{Error: "Authorization denied: " + e})
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	a, ok := h.authorizer()
	if !ok {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}

	h.connMu.Lock()
	defer h.connMu.Unlock()
	if err := a.Exchange(ctx, code); err != nil {
		logger.Error("failed to fetch token", slog.Any("err", err))
		writeJSON(w, http.StatusBadGateway, result{Error: "Error during login callback: " + err.Error()})
		return
	}
	src, err := h.conn.Open(ctx)
	if err != nil {
		logger.Error("open after authorization failed", slog.Any("err", err))
		writeJSON(w, http.StatusBadGateway, result{Error: "Error during login callback: " + err.Error()})
		return
	}
	h.engine.SetSource(src)
	h.engine.ResetSession(ctx)
	logger.Info(platformLabel(h.conn.Platform()) + " authorized")
	http.Redirect(w, r, "/", http.StatusFound)
}
