package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chat-magnifier/chat"
	"github.com/onnwee/chat-magnifier/crypto"
	"github.com/onnwee/chat-magnifier/oauth"
)

// setupStore connects to TEST_REDIS_ADDR under a random key prefix.
func setupStore(t *testing.T, box *crypto.Box) *Store {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "test:" + uuid.NewString() + ":"
	s, err := New(ctx, Options{Addr: addr, Prefix: prefix, Box: box})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		keys, _ := s.rdb.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			s.rdb.Del(ctx, keys...)
		}
		_ = s.Close()
	})
	return s
}

func TestKey(t *testing.T) {
	s := NewWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "chatmag:", nil)
	defer s.Close()
	if got := s.key("oauth", "youtube"); got != "chatmag:oauth:youtube" {
		t.Fatalf("key = %q", got)
	}
	if got := s.key("messages"); got != "chatmag:messages" {
		t.Fatalf("key = %q", got)
	}
}

func TestPersisterRoundTrip(t *testing.T) {
	s := setupStore(t, nil)
	ctx := context.Background()
	p := s.Persister()

	if msgs, err := p.LoadMessages(ctx); err != nil || len(msgs) != 0 {
		t.Fatalf("empty load = %v, %v", msgs, err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	msgs := []chat.ChatMessage{chat.NewChatMessage("Bob", "Is this live?", "is this live", true, now)}
	if err := p.SaveMessages(ctx, msgs); err != nil {
		t.Fatal(err)
	}
	got, err := p.LoadMessages(ctx)
	if err != nil || len(got) != 1 || got[0].ID != msgs[0].ID || !got[0].ReceivedAt.Equal(now) {
		t.Fatalf("LoadMessages = %+v, %v", got, err)
	}

	if err := p.SaveHidden(ctx, []string{"b", "a"}); err != nil {
		t.Fatal(err)
	}
	if err := p.SaveHidden(ctx, []string{"c"}); err != nil {
		t.Fatal(err)
	}
	ids, err := p.LoadHidden(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "c" {
		t.Fatalf("LoadHidden = %v, %v", ids, err)
	}
	if err := p.SaveHidden(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if ids, _ := p.LoadHidden(ctx); len(ids) != 0 {
		t.Fatalf("hidden not cleared: %v", ids)
	}
}

func TestPersisterBacksStores(t *testing.T) {
	s := setupStore(t, nil)
	ctx := context.Background()
	store := chat.NewMessageStore(ctx, s.Persister())
	hidden := chat.NewHiddenStore(ctx, s.Persister())
	m := chat.NewChatMessage("Bob", "Is this live?", "is this live", true, time.Now())
	store.Append(ctx, m)
	hidden.Hide(ctx, m.ID)

	if !chat.NewMessageStore(ctx, s.Persister()).FindByID(m.ID) {
		t.Fatal("message not reloaded")
	}
	if !chat.NewHiddenStore(ctx, s.Persister()).IsHidden(m.ID) {
		t.Fatal("hidden id not reloaded")
	}
}

func TestTokenStore(t *testing.T) {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	box, err := crypto.NewBox(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	s := setupStore(t, box)
	ctx := context.Background()
	ts := s.Tokens()

	if tok, err := ts.Get(ctx, "youtube"); err != nil || tok.Valid() {
		t.Fatalf("empty Get = %+v, %v", tok, err)
	}
	exp := time.Now().Add(time.Hour).UTC()
	if err := ts.Put(ctx, "youtube", oauth.Token{AccessToken: "ya29.x", RefreshToken: "1//r", Expiry: exp, Scope: "s"}); err != nil {
		t.Fatal(err)
	}
	raw, _ := s.rdb.HGet(ctx, s.key("oauth", "youtube"), "access_token").Result()
	if raw == "ya29.x" {
		t.Fatal("token stored in plaintext")
	}
	tok, err := ts.Get(ctx, "youtube")
	if err != nil || tok.AccessToken != "ya29.x" || tok.RefreshToken != "1//r" || !tok.Expiry.Equal(exp) {
		t.Fatalf("Get = %+v, %v", tok, err)
	}
	if err := ts.Delete(ctx, "youtube"); err != nil {
		t.Fatal(err)
	}
	if tok, _ := ts.Get(ctx, "youtube"); tok.Valid() {
		t.Fatal("token still present")
	}
}
