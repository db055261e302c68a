// Package youtubeapi wraps the Google OAuth2 client config and the YouTube
// Data API for reading live chat. Tokens are persisted through an oauth.Store
// so they survive restarts and can be refreshed in the background.
package youtubeapi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chat-magnifier/chat"
	"github.com/onnwee/chat-magnifier/config"
	"github.com/onnwee/chat-magnifier/oauth"
)

// Provider is the oauth.Store key for YouTube tokens.
const Provider = "youtube"

const defaultScope = "https://www.googleapis.com/auth/youtube.readonly"

// ErrNoToken means the user has not authorized the app yet.
var ErrNoToken = fmt.Errorf("youtubeapi: no youtube token stored: %w", oauth.ErrAuthRequired)

type Service struct {
	store oauth.Store
	oauth *oauth2.Config
	opts []option.ClientOption
}

func New(cfg *config.Config, store oauth.Store) *Service {
	scopes := []string{defaultScope}
	if cfg.YTScopes != "" {
		// allow comma or space separated
		if fields := strings.Fields(strings.ReplaceAll(cfg.YTScopes, ",", " ")); len(fields) > 0 {
			scopes = fields
		}
	}
	return &Service{
		store: store,
		oauth: &oauth2.Config{
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.YTRedirectURI,
			Scopes:       scopes,
		},
	}
}

// WithClientOptions appends options for every API client built by Client.
func (s *Service) WithClientOptions(opts ...option.ClientOption) *Service {
	s.opts = append(s.opts, opts...)
	return s
}

func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and stores it.
func (s *Service) Exchange(ctx context.Context, code string) error {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	return s.store.Put(ctx, Provider, fromOAuth2(tok, strings.Join(s.oauth.Scopes, " ")))
}

// HasToken reports whether a token is stored.
func (s *Service) HasToken(ctx context.Context) bool {
	tok, err := s.store.Get(ctx, Provider)
	return err == nil && tok.Valid()
}

// Disconnect forgets the stored token.
func (s *Service) Disconnect(ctx context.Context) error {
	return s.store.Delete(ctx, Provider)
}

// Refresh exchanges a refresh token; it is the oauth.RefreshFunc for YouTube.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (oauth.Token, error) {
	tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return oauth.Token{}, err
	}
	return fromOAuth2(tok, ""), nil
}

// Client builds an authorized API client from the stored token. Refreshed
// tokens are written back to the store.
func (s *Service) Client(ctx context.Context) (*yt.Service, error) {
	stored, err := s.store.Get(ctx, Provider)
	if err != nil {
		return nil, err
	}
	if !stored.Valid() {
		return nil, ErrNoToken
	}
	base := s.oauth.TokenSource(context.Background(), &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		Expiry:       stored.Expiry,
		TokenType:    "Bearer",
	})
	ts := &persistingSource{base: base, store: s.store, last: stored.AccessToken, scope: stored.Scope}
	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.ReuseTokenSource(nil, ts))}, s.opts...)
	return yt.NewService(ctx, opts...)
}

// Platform names the chat platform served by s.
func (s *Service) Platform() string { return Provider }

// Open returns a chat reader for the authorized channel. Without a stored
// token it fails with ErrNoToken.
func (s *Service) Open(ctx context.Context) (chat.Source, error) {
	return s.NewReader(ctx)
}

// Close forgets the stored token; the next Open needs a new authorization.
func (s *Service) Close(ctx context.Context) error { return s.Disconnect(ctx) }

// NewReader connects a chat reader for the authorized channel.
func (s *Service) NewReader(ctx context.Context) (*ChatReader, error) {
	svc, err := s.Client(ctx)
	if err != nil {
		return nil, err
	}
	return NewChatReader(svc), nil
}

// persistingSource stores every newly minted access token.
type persistingSource struct {
	base  oauth2.TokenSource
	store oauth.Store
	scope string

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := p.store.Put(context.Background(), Provider, fromOAuth2(tok, p.scope)); err != nil {
			slog.Warn("persist refreshed youtube token failed", slog.Any("err", err))
		}
	}
	return tok, nil
}

func fromOAuth2(tok *oauth2.Token, scope string) oauth.Token {
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		scope = s
	}
	return oauth.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        scope,
	}
}
