package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chat-magnifier/chat"
)

func payloadIDs(p chat.Payload) []string {
	var ids []string
	for _, e := range p.Messages {
		if !e.IsTitle() {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func liveSource(msgs ...chat.RawMessage) *fakeSource {
	s := &fakeSource{session: chat.Live("live-1"), title: "Sunday stream"}
	if len(msgs) > 0 {
		s.push(msgs...)
	}
	return s
}

func raw(author, text string) chat.RawMessage { return chat.RawMessage{Author: author, Text: text} }

func TestMessagesNotConnected(t *testing.T) {
	env := newTestEnv(t, nil, Deps{Connector: &fakeConnector{}})
	rr := env.do(t, http.MethodGet, "/api/messages", "")
	p := decode[chat.Payload](t, rr)
	if p.Success || p.Error != "Not connected to YouTube" {
		t.Fatalf("payload = %+v", p)
	}
	if rr := env.do(t, http.MethodPost, "/api/messages", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /api/messages = %d", rr.Code)
	}
}

func TestConnectAndPoll(t *testing.T) {
	src := liveSource(raw("ann", "what game is this"), raw("bob", "hello there everyone"))
	conn := &fakeConnector{src: src}
	env := newTestEnv(t, nil, Deps{Connector: conn})

	rr := env.do(t, http.MethodPost, "/api/connect", "")
	if res := decode[connectResult](t, rr); !res.Success || res.AuthURL != "" {
		t.Fatalf("connect = %+v", res)
	}
	if !env.engine.Connected() {
		t.Fatal("engine should be connected")
	}

	p := decode[chat.Payload](t, env.do(t, http.MethodGet, "/api/messages", ""))
	if !p.Success || len(p.Messages) != 3 {
		t.Fatalf("payload = %+v", p)
	}
	if !p.Messages[0].IsTitle() || p.Messages[0].LiveTitle != "Sunday stream" {
		t.Fatalf("first entry = %+v", p.Messages[0])
	}
	ids := payloadIDs(p)
	if ids[0] != chat.MessageID("ann", "what game is this") || ids[1] != chat.MessageID("bob", "hello there everyone") {
		t.Fatalf("ids = %v", ids)
	}

	if rr := env.do(t, http.MethodGet, "/api/connect", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/connect = %d", rr.Code)
	}
}

func TestConnectOpenError(t *testing.T) {
	conn := &fakeConnector{openErr: errors.New("quota")}
	env := newTestEnv(t, nil, Deps{Connector: conn})
	res := decode[connectResult](t, env.do(t, http.MethodPost, "/api/connect", ""))
	if res.Success || res.Error != "Error connecting to YouTube" {
		t.Fatalf("connect = %+v", res)
	}
	if conn.closes != 1 || env.engine.Connected() {
		t.Fatalf("failed connect should disconnect: closes=%d", conn.closes)
	}
}

func TestConnectWithoutConnector(t *testing.T) {
	env := newTestEnv(t, nil, Deps{})
	res := decode[connectResult](t, env.do(t, http.MethodPost, "/api/connect", ""))
	if res.Success || res.Error == "" {
		t.Fatalf("connect = %+v", res)
	}
}

func TestOAuthFlow(t *testing.T) {
	conn := &authConnector{fakeConnector: fakeConnector{src: liveSource()}}
	env := newTestEnv(t, nil, Deps{Connector: conn})

	res := decode[connectResult](t, env.do(t, http.MethodPost, "/api/connect", ""))
	if !res.Success || res.AuthURL == "" {
		t.Fatalf("connect = %+v", res)
	}
	u, err := url.Parse(res.AuthURL)
	if err != nil {
		t.Fatal(err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatal("auth url without state")
	}

	rr := env.do(t, http.MethodGet, "/auth/youtube/callback?code=good&state=wrong", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown state: %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/auth/youtube/callback?code=good&state="+state, "")
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/" {
		t.Fatalf("callback = %d %s", rr.Code, rr.Body.String())
	}
	if len(conn.exchanged) != 1 || conn.exchanged[0] != "good" || !env.engine.Connected() {
		t.Fatalf("exchanged=%v connected=%v", conn.exchanged, env.engine.Connected())
	}

	// States are single use.
	rr = env.do(t, http.MethodGet, "/auth/youtube/callback?code=good&state="+state, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("reused state: %d", rr.Code)
	}
}

func TestOAuthCallbackErrors(t *testing.T) {
	conn := &authConnector{fakeConnector: fakeConnector{src: liveSource()}}
	env := newTestEnv(t, nil, Deps{Connector: conn})

	if rr := env.do(t, http.MethodGet, "/auth/youtube/callback?error=access_denied", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("provider error: %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/auth/youtube/callback?code=x", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing state: %d", rr.Code)
	}

	rr := env.do(t, http.MethodGet, "/auth/youtube/start", "")
	if rr.Code != http.StatusFound {
		t.Fatalf("start = %d", rr.Code)
	}
	loc, _ := url.Parse(rr.Header().Get("Location"))
	rr = env.do(t, http.MethodGet, "/auth/youtube/callback?code=bad&state="+loc.Query().Get("state"), "")
	if rr.Code != http.StatusBadGateway || env.engine.Connected() {
		t.Fatalf("bad code: %d connected=%v", rr.Code, env.engine.Connected())
	}
}

func TestOAuthStartWithoutAuthorizer(t *testing.T) {
	env := newTestEnv(t, nil, Deps{Connector: &fakeConnector{}})
	if rr := env.do(t, http.MethodGet, "/auth/youtube/start", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("start = %d", rr.Code)
	}
}

func TestIndexResumesStoredToken(t *testing.T) {
	conn := &authConnector{fakeConnector: fakeConnector{src: liveSource()}, hasToken: true}
	env := newTestEnv(t, nil, Deps{Connector: conn})
	ctx := t.Context()
	env.engine.Store().Append(ctx, chat.NewChatMessage("ann", "kept across restarts", "kept across restarts", true, time.Now()))

	idx := decode[indexResponse](t, env.do(t, http.MethodGet, "/", ""))
	if !idx.Connected || idx.LiveTitle != "Sunday stream" || idx.ChannelName != "Test Channel" {
		t.Fatalf("index = %+v", idx)
	}
	if idx.PollingInterval != 10000 || idx.Platform != "youtube" || idx.TTSEnabled || idx.LayoutStyle != "default" {
		t.Fatalf("index = %+v", idx)
	}
	if env.engine.Store().Len() != 1 {
		t.Fatal("resume must not reset the stores")
	}

	env.do(t, http.MethodGet, "/", "")
	if conn.opens != 1 {
		t.Fatalf("opens = %d, want 1", conn.opens)
	}
}

func TestIndexWithoutToken(t *testing.T) {
	conn := &authConnector{fakeConnector: fakeConnector{src: liveSource()}}
	env := newTestEnv(t, nil, Deps{Connector: conn})
	idx := decode[indexResponse](t, env.do(t, http.MethodGet, "/", ""))
	if idx.Connected || idx.LiveTitle != chat.NoLiveTitle || idx.ChannelName != "..." {
		t.Fatalf("index = %+v", idx)
	}
}

func TestDisconnect(t *testing.T) {
	conn := &authConnector{fakeConnector: fakeConnector{src: liveSource(raw("ann", "what game is this"))}, hasToken: true}
	env := newTestEnv(t, nil, Deps{Connector: conn})
	env.do(t, http.MethodPost, "/api/connect", "")
	env.do(t, http.MethodGet, "/api/messages", "")
	if env.engine.Store().Len() != 1 {
		t.Fatalf("stored = %d", env.engine.Store().Len())
	}

	res := decode[result](t, env.do(t, http.MethodPost, "/api/disconnect", ""))
	if !res.Success {
		t.Fatalf("disconnect = %+v", res)
	}
	if env.engine.Connected() || env.engine.Store().Len() != 0 || conn.HasToken(t.Context()) {
		t.Fatal("disconnect should detach, clear the store and forget the token")
	}
	p := decode[chat.Payload](t, env.do(t, http.MethodGet, "/api/messages", ""))
	if p.Success {
		t.Fatalf("payload after disconnect = %+v", p)
	}
}

func TestVisibility(t *testing.T) {
	src := liveSource(raw("ann", "what game is this"), raw("bob", "hello there everyone"))
	env := newTestEnv(t, nil, Deps{Connector: &fakeConnector{src: src}})
	env.do(t, http.MethodPost, "/api/connect", "")
	env.do(t, http.MethodGet, "/api/messages", "")

	annID := chat.MessageID("ann", "what game is this")
	res := decode[chat.ToggleResult](t, env.do(t, http.MethodPost, "/api/messages/visibility", `{"id":"`+annID+`","show":false}`))
	if !res.Success {
		t.Fatalf("hide = %+v", res)
	}
	p := decode[chat.Payload](t, env.do(t, http.MethodGet, "/api/messages", ""))
	for _, id := range payloadIDs(p) {
		if id == annID {
			t.Fatal("hidden message still published")
		}
	}

	tests := []struct {
		name, body, wantErr string
		wantOK              bool
	}{
		{"unknown id", `{"id":"nope"}`, "Message not found", false},
		{"missing id", `{}`, "Message ID is required", false},
		{"show is a no-op", `{"id":"` + annID + `","show":true}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := decode[chat.ToggleResult](t, env.do(t, http.MethodPost, "/api/messages/visibility", tt.body))
			if res.Success != tt.wantOK || res.Error != tt.wantErr {
				t.Fatalf("toggle = %+v", res)
			}
		})
	}

	if rr := env.do(t, http.MethodPost, "/api/messages/visibility", `{`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json = %d", rr.Code)
	}
}

func TestAudioDisabled(t *testing.T) {
	env := newTestEnv(t, nil, Deps{})
	res := decode[result](t, env.do(t, http.MethodPost, "/api/audio/generate", `{"id":"a","text":"hi"}`))
	if res.Success || res.Error != "TTS service is not enabled" {
		t.Fatalf("generate = %+v", res)
	}
	check := decode[map[string]bool](t, env.do(t, http.MethodGet, "/api/audio/check?id=a", ""))
	if check["exists"] {
		t.Fatal("exists without TTS")
	}
	if rr := env.do(t, http.MethodGet, "/audio/a.mp3", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("audio file = %d", rr.Code)
	}
}

func TestAudio(t *testing.T) {
	sp := &fakeSpeech{dir: t.TempDir()}
	env := newTestEnv(t, nil, Deps{Speech: sp})

	check := decode[map[string]any](t, env.do(t, http.MethodGet, "/api/audio/check", ""))
	if check["exists"] != false || check["error"] != "Message ID is required" {
		t.Fatalf("check without id = %v", check)
	}

	res := decode[result](t, env.do(t, http.MethodPost, "/api/audio/generate", `{"id":"abc"}`))
	if res.Success || res.Error != "Message ID and text are required" {
		t.Fatalf("generate = %+v", res)
	}
	res = decode[result](t, env.do(t, http.MethodPost, "/api/audio/generate", `{"id":"abc","text":"what game"}`))
	if !res.Success || len(sp.male) != 1 || !sp.male[0] {
		t.Fatalf("generate = %+v male=%v", res, sp.male)
	}
	res = decode[result](t, env.do(t, http.MethodPost, "/api/audio/generate", `{"id":"def","text":"hi","is_male":false}`))
	if !res.Success || sp.male[1] {
		t.Fatalf("generate female = %+v male=%v", res, sp.male)
	}
	res = decode[result](t, env.do(t, http.MethodPost, "/api/audio/generate", `{"id":"ghi","text":"fail"}`))
	if res.Success || res.Error == "" {
		t.Fatalf("failing generate = %+v", res)
	}

	if c := decode[map[string]bool](t, env.do(t, http.MethodGet, "/api/audio/check?id=abc", "")); !c["exists"] {
		t.Fatal("abc should exist")
	}
	rr := env.do(t, http.MethodGet, "/audio/abc.mp3", "")
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "audio/mpeg" || !strings.HasPrefix(rr.Body.String(), "ID3") {
		t.Fatalf("audio file = %d %q", rr.Code, rr.Header().Get("Content-Type"))
	}
	for _, p := range []string{"/audio/missing.mp3", "/audio/abc.wav"} {
		if rr := env.do(t, http.MethodGet, p, ""); rr.Code != http.StatusNotFound {
			t.Fatalf("%s = %d", p, rr.Code)
		}
	}

	cleared := decode[map[string]any](t, env.do(t, http.MethodPost, "/admin/audio/clear", ""))
	if cleared["success"] != true || cleared["deleted"] != float64(2) {
		t.Fatalf("clear = %v", cleared)
	}
}

func TestConfigOverrides(t *testing.T) {
	env := newTestEnv(t, nil, Deps{})
	got := decode[map[string]string](t, env.do(t, http.MethodGet, "/config", ""))
	if got["LAYOUT_STYLE"] != "default" || got["FORCE_MSG_UPPERCASE"] != "false" || got["CHAT_PLATFORM"] != "youtube" {
		t.Fatalf("config = %v", got)
	}
	for k := range got {
		if strings.Contains(k, "KEY") || strings.Contains(k, "SECRET") || strings.Contains(k, "TOKEN") {
			t.Fatalf("secret-looking key exposed: %s", k)
		}
	}

	rr := env.do(t, http.MethodPut, "/config", `{"LAYOUT_STYLE":"compact","FORCE_MSG_UPPERCASE":"1","AI_API_KEY":"ignored"}`)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("PUT = %d", rr.Code)
	}
	got = decode[map[string]string](t, env.do(t, http.MethodGet, "/config", ""))
	if got["LAYOUT_STYLE"] != "compact" || got["FORCE_MSG_UPPERCASE"] != "true" {
		t.Fatalf("config after PUT = %v", got)
	}
	idx := decode[indexResponse](t, env.do(t, http.MethodGet, "/", ""))
	if idx.LayoutStyle != "compact" || !idx.ForceMsgUppercase {
		t.Fatalf("index = %+v", idx)
	}

	if rr := env.do(t, http.MethodPut, "/config", `{"FORCE_MSG_UPPERCASE":"maybe"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid bool = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/config", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE = %d", rr.Code)
	}
}

func TestOperatorRoutesNeedAuth(t *testing.T) {
	cfg := testConfig()
	cfg.AdminToken = "s3cret"
	env := newTestEnv(t, cfg, Deps{Connector: &fakeConnector{src: liveSource()}})

	tests := []struct {
		method, path string
	}{
		{http.MethodPost, "/api/connect"},
		{http.MethodPost, "/api/disconnect"},
		{http.MethodPost, "/api/messages/visibility"},
		{http.MethodGet, "/admin/status"},
		{http.MethodPost, "/admin/reset"},
		{http.MethodPut, "/config"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if rr := env.do(t, tt.method, tt.path, ""); rr.Code != http.StatusUnauthorized {
				t.Fatalf("without token: %d", rr.Code)
			}
		})
	}

	if rr := env.do(t, http.MethodPost, "/api/connect", "", "X-Admin-Token", "s3cret"); rr.Code != http.StatusOK {
		t.Fatalf("with token: %d", rr.Code)
	}
	for _, p := range []string{"/config", "/api/messages", "/healthz"} {
		if rr := env.do(t, http.MethodGet, p, ""); rr.Code != http.StatusOK {
			t.Fatalf("GET %s = %d", p, rr.Code)
		}
	}
}

func TestAdminStatusAndReset(t *testing.T) {
	src := liveSource(raw("ann", "what game is this"))
	env := newTestEnv(t, nil, Deps{Connector: &fakeConnector{src: src}})
	env.do(t, http.MethodPost, "/api/connect", "")
	env.do(t, http.MethodGet, "/api/messages", "")

	st := decode[map[string]any](t, env.do(t, http.MethodGet, "/admin/status", ""))
	if st["connected"] != true || st["stored_messages"] != float64(1) || st["session"] != "live-1" || st["last_pass_success"] != true {
		t.Fatalf("status = %v", st)
	}
	if st["session_settled"] != false || st["toggles_running"] != float64(0) {
		t.Fatalf("status before grace poll = %v", st)
	}
	env.do(t, http.MethodGet, "/api/messages", "")
	if st = decode[map[string]any](t, env.do(t, http.MethodGet, "/admin/status", "")); st["session_settled"] != true {
		t.Fatalf("status after grace poll = %v", st)
	}

	env.do(t, http.MethodPost, "/admin/reset", "")
	st = decode[map[string]any](t, env.do(t, http.MethodGet, "/admin/status", ""))
	if st["stored_messages"] != float64(0) || st["connected"] != true {
		t.Fatalf("status after reset = %v", st)
	}
	if _, ok := st["session"]; ok || st["session_settled"] != false {
		t.Fatalf("session state after reset = %v", st)
	}
}
