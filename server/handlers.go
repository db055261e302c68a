package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/onnwee/chat-magnifier/chat"
	"github.com/onnwee/chat-magnifier/config"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg     *config.Config
	engine  *chat.Engine
	conn    Connector
	speech  Speech
	kv      KV
	checks  []Check
	started time.Time

	// connMu serializes connect, disconnect and the OAuth callback.
	connMu sync.Mutex

	stateStore map[string]time.Time
	stateMu    sync.Mutex
}

func NewHandlers(deps Deps) *Handlers {
	kv := deps.KV
	if kv == nil {
		kv = newMemoryKV()
	}
	return &Handlers{
		cfg:        deps.Config,
		engine:     deps.Engine,
		conn:       deps.Connector,
		speech:     deps.Speech,
		kv:         kv,
		checks:     deps.Checks,
		started:    time.Now(),
		stateStore: make(map[string]time.Time),
	}
}

func (h *Handlers) authorizer() (Authorizer, bool) {
	if h.conn == nil {
		return nil, false
	}
	a, ok := h.conn.(Authorizer)
	return a, ok
}

// cleanExpiredStates must be called with stateMu held.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// newOAuthState creates and remembers a random state. It returns "" when the
// store is full.
func (h *Handlers) newOAuthState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	st := hex.EncodeToString(b)

	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return "", nil
	}
	h.stateStore[st] = time.Now().Add(oauthStateTTL)
	return st, nil
}

// consumeOAuthState reports whether st is known and unexpired, forgetting it.
func (h *Handlers) consumeOAuthState(st string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[st]
	if !ok {
		return false
	}
	delete(h.stateStore, st)
	return time.Now().Before(exp)
}

// memoryKV keeps overrides for the life of the process.
type memoryKV struct {
	mu sync.RWMutex
	m  map[string]string
}

func newMemoryKV() *memoryKV { return &memoryKV{m: map[string]string{}} }

func (k *memoryKV) GetKV(_ context.Context, key string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.m[key], nil
}

func (k *memoryKV) SetKV(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}
