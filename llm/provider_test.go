package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(context.Background(), "nope", ""); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry(Settings{APIKey: "k", Model: "base-model"})
	tests := []struct {
		name     string
		model    string
		wantType string
		wantBase string
		wantMod  string
	}{
		{"openai", "", "openai", openAIBaseURL, "base-model"},
		{" OpenRouter ", "", "openai", openRouterBaseURL, "base-model"},
		{"ollama", "llama3.1", "ollama", "http://localhost:11434", "llama3.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Get(context.Background(), tt.name, tt.model)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			switch v := p.(type) {
			case *OpenAIProvider:
				if tt.wantType != "openai" || v.BaseURL != tt.wantBase || v.Model != tt.wantMod {
					t.Fatalf("got openai base=%s model=%s", v.BaseURL, v.Model)
				}
			case *OllamaProvider:
				if tt.wantType != "ollama" || v.BaseURL != tt.wantBase || v.Model != tt.wantMod {
					t.Fatalf("got ollama base=%s model=%s", v.BaseURL, v.Model)
				}
			default:
				t.Fatalf("unexpected provider %T", p)
			}
		})
	}
}

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("auth header = %q", got)
		}
		var req chatReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != "m1" || len(req.Messages) != 2 || req.Messages[1].Content != "hi" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"YES"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/", "secret", "m1")
	out, err := p.Chat(context.Background(), []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "YES" {
		t.Fatalf("out = %q", out)
	}
}

func TestOpenAIChatErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"status", http.StatusTooManyRequests, `rate limited`, "rate limited"},
		{"empty status body", http.StatusBadGateway, ``, "status 502"},
		{"api error", http.StatusOK, `{"error":{"message":"bad model"}}`, "bad model"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "empty response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			p := NewOpenAIProvider(srv.URL, "k", "m")
			_, err := p.Chat(context.Background(), nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestOpenAIRequiresKey(t *testing.T) {
	p := NewOpenAIProvider("http://127.0.0.1:0", "", "m")
	if _, err := p.Chat(context.Background(), nil); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestOpenAIFlagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/moderations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req moderationReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != defaultModerationModel {
			t.Errorf("model = %s", req.Model)
		}
		flagged := strings.Contains(req.Input, "bad")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]bool{{"flagged": flagged}}})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "k", "m")
	for input, want := range map[string]bool{"a bad word": true, "hello there": false} {
		got, err := p.Flagged(context.Background(), input)
		if err != nil {
			t.Fatalf("Flagged(%q): %v", input, err)
		}
		if got != want {
			t.Errorf("Flagged(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req chatReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("stream should be false")
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"no"}}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "")
	if p.Model != "llama3:latest" {
		t.Fatalf("default model = %s", p.Model)
	}
	out, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "x"}})
	if err != nil || out != "no" {
		t.Fatalf("Chat = %q, %v", out, err)
	}
}

func TestOllamaErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()
	p := NewOllamaProvider(srv.URL, "m")
	if _, err := p.Chat(context.Background(), nil); err == nil || err.Error() != "model not found" {
		t.Fatalf("err = %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()
	p = NewOllamaProvider(down.URL, "m")
	if _, err := p.Chat(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("err = %v", err)
	}
}
