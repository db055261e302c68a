// Package oauth persists OAuth tokens behind a small Store interface and keeps
// them fresh with a jittered background refresher.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/onnwee/chat-magnifier/crypto"
)

// ErrAuthRequired means the user has to complete an authorization flow
// before the provider can be used.
var ErrAuthRequired = errors.New("oauth: authorization required")

// Token is a stored OAuth token. The zero value means no token.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	Scope        string    `json:"scope,omitempty"`
}

// Valid reports whether the token has an access token.
func (t Token) Valid() bool { return t.AccessToken != "" }

// Store persists one token per provider. Get returns the zero Token and a nil
// error when nothing is stored.
type Store interface {
	Get(ctx context.Context, provider string) (Token, error)
	Put(ctx context.Context, provider string, tok Token) error
	Delete(ctx context.Context, provider string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{tokens: map[string]Token{}} }

func (m *MemoryStore) Get(_ context.Context, provider string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[provider], nil
}

func (m *MemoryStore) Put(_ context.Context, provider string, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[provider] = tok
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, provider)
	return nil
}

// FileStore keeps each provider's token in <dir>/<provider>_token.json. Token
// strings are sealed with the Box.
type FileStore struct {
	dir string
	box *crypto.Box
	mu  sync.Mutex
}

type fileToken struct {
	Token
	EncryptionVersion int `json:"encryption_version"`
}

// NewFileStore creates dir if needed. box may be nil for plaintext storage.
func NewFileStore(dir string, box *crypto.Box) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}
	if box == nil {
		box = &crypto.Box{}
	}
	return &FileStore{dir: dir, box: box}, nil
}

func (f *FileStore) path(provider string) string {
	return filepath.Join(f.dir, provider+"_token.json")
}

func (f *FileStore) Get(_ context.Context, provider string) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.path(provider))
	if errors.Is(err, fs.ErrNotExist) {
		return Token{}, nil
	}
	if err != nil {
		return Token{}, err
	}
	var ft fileToken
	if err := json.Unmarshal(b, &ft); err != nil {
		return Token{}, fmt.Errorf("decode token file: %w", err)
	}
	tok := ft.Token
	if tok.AccessToken, err = f.box.Open(tok.AccessToken, ft.EncryptionVersion); err != nil {
		return Token{}, fmt.Errorf("decrypt access token: %w", err)
	}
	if tok.RefreshToken, err = f.box.Open(tok.RefreshToken, ft.EncryptionVersion); err != nil {
		return Token{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return tok, nil
}

func (f *FileStore) Put(_ context.Context, provider string, tok Token) error {
	sealed := fileToken{Token: tok, EncryptionVersion: f.box.Version()}
	var err error
	if sealed.AccessToken, err = f.box.Seal(tok.AccessToken); err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	if sealed.RefreshToken, err = f.box.Seal(tok.RefreshToken); err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	b, err := json.Marshal(sealed)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	tmp := f.path(provider) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path(provider))
}

func (f *FileStore) Delete(_ context.Context, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(provider))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
