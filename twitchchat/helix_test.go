package twitchchat

import (
	"context"
	"testing"

	"github.com/onnwee/chat-magnifier/chat"
	"github.com/onnwee/chat-magnifier/testutil"
	"github.com/onnwee/chat-magnifier/twitchapi"
)

func TestSourceWithHelix(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("app-token", 3600)
	m.MockUserResponse("141981764", "somechannel")
	m.MockStreamsResponse([]map[string]any{{
		"id":         "40952121085",
		"user_login": "somechannel",
		"user_name":  "SomeChannel",
		"title":      "late night questions",
		"type":       "live",
	}})

	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: "cid", ClientSecret: "secret", HTTPClient: m.Client()},
		ClientID:       "cid",
		HTTPClient:     m.Client(),
	}
	s := New(Config{Channel: "somechannel"}, helix)
	ctx := context.Background()

	id, err := s.SessionID(ctx)
	if err != nil {
		t.Fatalf("SessionID: %v", err)
	}
	if id != chat.Live("40952121085") {
		t.Fatalf("SessionID = %v", id)
	}
	if got := s.LiveTitle(ctx); got != "late night questions" {
		t.Fatalf("LiveTitle = %q", got)
	}
	if got := s.ChannelName(ctx); got != "SomeChannel" {
		t.Fatalf("ChannelName = %q", got)
	}

	if uid, err := helix.GetUserID(ctx, "somechannel"); err != nil || uid != "141981764" {
		t.Fatalf("GetUserID = %q, %v", uid, err)
	}

	m.MockStreamsResponse(nil)
	id, err = s.SessionID(ctx)
	if err != nil || id != chat.NoSession {
		t.Fatalf("offline SessionID = %v, %v", id, err)
	}
	if got := s.LiveTitle(ctx); got != chat.NoLiveTitle {
		t.Fatalf("offline LiveTitle = %q", got)
	}
	if res := s.FetchNewMessages(ctx); res.Status != chat.FetchNoSession {
		t.Fatalf("offline fetch status = %v", res.Status)
	}
	if m.Requests() < 3 {
		t.Fatalf("expected token and stream requests, got %d", m.Requests())
	}
}
