// Package redisstore keeps the chat stores and OAuth tokens in Redis so the
// service can run without local disk.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chat-magnifier/chat"
	"github.com/onnwee/chat-magnifier/crypto"
	"github.com/onnwee/chat-magnifier/oauth"
)

// Store wraps a Redis client and a key prefix.
type Store struct {
	rdb    *redis.Client
	prefix string
	box    *crypto.Box
}

// Options configures New.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// Box seals OAuth tokens; nil stores them in plaintext.
	Box *crypto.Box
}

// New connects and pings Redis.
func New(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(rdb, opts.Prefix, opts.Box), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, prefix string, box *crypto.Box) *Store {
	return &Store{rdb: rdb, prefix: prefix, box: box}
}

func (s *Store) Close() error { return s.rdb.Close() }

// Ping reports whether Redis answers.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// Persister returns the chat.Persister view of the store.
func (s *Store) Persister() *Persister { return &Persister{s: s} }

// Tokens returns the oauth.Store view of the store.
func (s *Store) Tokens() *TokenStore { return &TokenStore{s: s} }

// Persister stores the message list as one JSON document and the hidden ids
// as a set.
type Persister struct{ s *Store }

var _ chat.Persister = (*Persister)(nil)

func (p *Persister) LoadMessages(ctx context.Context) ([]chat.ChatMessage, error) {
	b, err := p.s.rdb.Get(ctx, p.s.key("messages")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []chat.ChatMessage
	if err := json.Unmarshal(b, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

func (p *Persister) SaveMessages(ctx context.Context, msgs []chat.ChatMessage) error {
	if msgs == nil {
		msgs = []chat.ChatMessage{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return p.s.rdb.Set(ctx, p.s.key("messages"), b, 0).Err()
}

func (p *Persister) LoadHidden(ctx context.Context) ([]string, error) {
	ids, err := p.s.rdb.SMembers(ctx, p.s.key("hidden")).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *Persister) SaveHidden(ctx context.Context, ids []string) error {
	k := p.s.key("hidden")
	_, err := p.s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		if len(ids) > 0 {
			members := make([]any, len(ids))
			for i, id := range ids {
				members[i] = id
			}
			pipe.SAdd(ctx, k, members...)
		}
		return nil
	})
	return err
}

// TokenStore keeps one hash per provider.
type TokenStore struct{ s *Store }

var _ oauth.Store = (*TokenStore)(nil)

func (t *TokenStore) Get(ctx context.Context, provider string) (oauth.Token, error) {
	h, err := t.s.rdb.HGetAll(ctx, t.s.key("oauth", provider)).Result()
	if err != nil {
		return oauth.Token{}, err
	}
	if len(h) == 0 {
		return oauth.Token{}, nil
	}
	version, _ := strconv.Atoi(h["encryption_version"])
	tok := oauth.Token{Scope: h["scope"]}
	if v := h["expires_at"]; v != "" {
		if tok.Expiry, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return oauth.Token{}, fmt.Errorf("parse expiry: %w", err)
		}
	}
	if tok.AccessToken, err = t.s.box.Open(h["access_token"], version); err != nil {
		return oauth.Token{}, fmt.Errorf("decrypt access token: %w", err)
	}
	if tok.RefreshToken, err = t.s.box.Open(h["refresh_token"], version); err != nil {
		return oauth.Token{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return tok, nil
}

func (t *TokenStore) Put(ctx context.Context, provider string, tok oauth.Token) error {
	access, err := t.s.box.Seal(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := t.s.box.Seal(tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	expiry := ""
	if !tok.Expiry.IsZero() {
		expiry = tok.Expiry.UTC().Format(time.RFC3339Nano)
	}
	return t.s.rdb.HSet(ctx, t.s.key("oauth", provider), map[string]any{
		"access_token":       access,
		"refresh_token":      refresh,
		"expires_at":         expiry,
		"scope":              tok.Scope,
		"encryption_version": t.s.box.Version(),
	}).Err()
}

func (t *TokenStore) Delete(ctx context.Context, provider string) error {
	return t.s.rdb.Del(ctx, t.s.key("oauth", provider)).Err()
}
