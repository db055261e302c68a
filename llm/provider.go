// Package llm talks to chat-completion services (OpenAI-compatible APIs and
// Ollama) and exposes the message classification the chat engine needs.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Message is one chat-completion turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider answers a chat-completion request with the assistant's text.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Moderator is implemented by providers with a dedicated moderation endpoint.
type Moderator interface {
	// Flagged reports whether text violates the provider's content policy.
	Flagged(ctx context.Context, text string) (bool, error)
}

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry maps provider names (openai, openrouter, ollama) to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}

// Settings is the provider part of the service configuration.
type Settings struct {
	BaseURL string
	APIKey  string
	Model   string
	// ModerationModel is sent to the moderation endpoint; empty uses the default.
	ModerationModel string
	SiteURL         string
	AppName         string
}

// DefaultRegistry registers the openai, openrouter and ollama providers
// built from s. The model argument of Get overrides s.Model when set.
func DefaultRegistry(s Settings) *Registry {
	r := NewRegistry()
	pick := func(model string) string {
		if strings.TrimSpace(model) != "" {
			return model
		}
		return s.Model
	}
	r.Register("openai", func(_ context.Context, model string) (Provider, error) {
		p := NewOpenAIProvider(s.BaseURL, s.APIKey, pick(model))
		p.ModerationModel = s.ModerationModel
		return p, nil
	})
	r.Register("openrouter", func(_ context.Context, model string) (Provider, error) {
		base := s.BaseURL
		if base == "" {
			base = openRouterBaseURL
		}
		p := NewOpenAIProvider(base, s.APIKey, pick(model))
		p.SiteURL = s.SiteURL
		p.AppName = s.AppName
		p.ModerationModel = s.ModerationModel
		return p, nil
	})
	r.Register("ollama", func(_ context.Context, model string) (Provider, error) {
		return NewOllamaProvider(s.BaseURL, pick(model)), nil
	})
	return r
}
