// Package twitchapi contains the Twitch Helix calls the chat source needs:
// resolving a login to a user id and checking whether a channel is live.
// Requests use an app access token from TokenSource.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	helixBaseURL    = "https://api.twitch.tv/helix"
	helixMaxRetries = 3
)

var helixBackoff = 500 * time.Millisecond

// HelixClient is a small Helix client. A 401 invalidates the cached app token
// and retries once with a fresh one; 429 and 5xx answers are retried with a
// linear backoff.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

// Stream is a live stream as reported by /helix/streams.
type Stream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	UserName  string    `json:"user_name"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("helix status %d: %s", e.code, e.body) }

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// get performs an authenticated GET and decodes the JSON body into out.
func (hc *HelixClient) get(ctx context.Context, path string, query map[string]string, out any) error {
	refreshed := false
	maxAttempts := helixMaxRetries
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBaseURL+path, nil)
		if err != nil {
			return err
		}
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)

		lastErr = hc.do(req, out)
		if lastErr == nil {
			return nil
		}
		var se *statusError
		if !errors.As(lastErr, &se) {
			return lastErr
		}
		switch {
		case se.code == http.StatusUnauthorized && !refreshed:
			slog.Debug("helix token rejected; refreshing", slog.String("path", path))
			hc.AppTokenSource.Invalidate()
			refreshed = true
			maxAttempts++
			continue
		case se.code == http.StatusTooManyRequests || se.code >= 500:
			slog.Debug("helix retryable status", slog.Int("status", se.code), slog.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * helixBackoff):
			}
			continue
		default:
			return lastErr
		}
	}
	return lastErr
}

func (hc *HelixClient) do(req *http.Request, out any) error {
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: string(b)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", map[string]string{"login": login}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// GetStreams returns the live streams of the channel with the given login. An
// empty slice means the channel is offline.
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", map[string]string{"user_login": login}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}
