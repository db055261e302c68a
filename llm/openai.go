package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	openAIBaseURL          = "https://api.openai.com/v1"
	openRouterBaseURL      = "https://openrouter.ai/api/v1"
	defaultOpenAIModel     = "gpt-4o-mini"
	defaultModerationModel = "omni-moderation-latest"
)

// OpenAIProvider speaks the OpenAI chat-completions and moderations API. It
// also works against OpenRouter and other compatible gateways.
type OpenAIProvider struct {
	BaseURL         string
	APIKey          string
	Model           string
	ModerationModel string
	SiteURL         string
	AppName         string
	Client          *http.Client
}

type chatReq struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type apiError struct {
	Message string `json:"message"`
}

type chatResp struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type moderationReq struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

type moderationResp struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
	Error *apiError `json:"error,omitempty"`
}

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return "", errors.New("openai: model is required")
	}
	var decoded chatResp
	if err := p.post(ctx, "/chat/completions", chatReq{Model: model, Messages: messages}, &decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("openai: empty response")
	}
	return decoded.Choices[0].Message.Content, nil
}

// Flagged calls the moderation endpoint.
func (p *OpenAIProvider) Flagged(ctx context.Context, text string) (bool, error) {
	model := p.ModerationModel
	if model == "" {
		model = defaultModerationModel
	}
	var decoded moderationResp
	if err := p.post(ctx, "/moderations", moderationReq{Model: model, Input: text}, &decoded); err != nil {
		return false, err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return false, errors.New(decoded.Error.Message)
	}
	if len(decoded.Results) == 0 {
		return false, errors.New("openai: empty moderation response")
	}
	return decoded.Results[0].Flagged, nil
}

func (p *OpenAIProvider) post(ctx context.Context, path string, body, out any) error {
	if p.Client == nil {
		return errors.New("openai: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return errors.New("openai: api key is required")
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := strings.TrimRight(p.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		req.Header.Set("X-Title", p.AppName)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("openai: %s", msg)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
