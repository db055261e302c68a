package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/chat-magnifier/telemetry"
)

// HiddenClearThreshold is the size above which a non-forced Clear empties the set.
const HiddenClearThreshold = 1000

// HiddenStore is the set of message ids the operator suppressed. It only grows
// during a session; there is no unhide.
type HiddenStore struct {
	mu      sync.Mutex
	ids     map[string]struct{}
	persist Persister
}

// NewHiddenStore loads the persisted set once.
func NewHiddenStore(ctx context.Context, p Persister) *HiddenStore {
	if p == nil {
		p = &MemoryPersister{}
	}
	h := &HiddenStore{ids: make(map[string]struct{}), persist: p}
	ids, err := p.LoadHidden(ctx)
	if err != nil {
		slog.Error("hidden store load failed; starting empty", slog.Any("err", err), slog.String("component", "hidden_store"))
	}
	for _, id := range ids {
		h.ids[id] = struct{}{}
	}
	telemetry.SetHiddenIDs(len(h.ids))
	return h
}

// Hide marks id as hidden.
func (h *HiddenStore) Hide(ctx context.Context, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.ids[id]; ok {
		return
	}
	h.ids[id] = struct{}{}
	h.saveLocked(ctx)
	telemetry.SetHiddenIDs(len(h.ids))
}

// IsHidden reports whether id was hidden.
func (h *HiddenStore) IsHidden(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.ids[id]
	return ok
}

// Len returns the number of hidden ids.
func (h *HiddenStore) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ids)
}

// Clear empties the set when force is set or when it holds more than
// HiddenClearThreshold ids. It reports whether anything was cleared.
func (h *HiddenStore) Clear(ctx context.Context, force bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.ids)
	if !force && n <= HiddenClearThreshold {
		slog.Debug("hidden ids kept", slog.Int("count", n), slog.Bool("force", force))
		return false
	}
	h.ids = make(map[string]struct{})
	h.saveLocked(ctx)
	telemetry.SetHiddenIDs(0)
	slog.Info("hidden ids cleared", slog.Int("deleted", n), slog.Bool("force", force), slog.String("component", "hidden_store"))
	return true
}

func (h *HiddenStore) saveLocked(ctx context.Context) {
	ids := make([]string, 0, len(h.ids))
	for id := range h.ids {
		ids = append(ids, id)
	}
	if err := h.persist.SaveHidden(ctx, ids); err != nil {
		slog.Error("hidden store save failed", slog.Any("err", err), slog.String("component", "hidden_store"))
	}
}
