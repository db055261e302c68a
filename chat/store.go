package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/chat-magnifier/telemetry"
)

// MessageStore is the ordered, deduplicated collection of accepted messages.
// It is the only owner of ChatMessage values: callers get copies.
type MessageStore struct {
	mu       sync.Mutex
	messages []ChatMessage
	index    map[string]int
	persist  Persister
}

// NewMessageStore loads the persisted snapshot once. A load failure is logged
// and the store starts empty.
func NewMessageStore(ctx context.Context, p Persister) *MessageStore {
	if p == nil {
		p = &MemoryPersister{}
	}
	s := &MessageStore{index: make(map[string]int), persist: p}
	msgs, err := p.LoadMessages(ctx)
	if err != nil {
		slog.Error("message store load failed; starting empty", slog.Any("err", err), slog.String("component", "message_store"))
		msgs = nil
	}
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = MessageID(m.Author, m.RawText)
		}
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		s.index[m.ID] = len(s.messages)
		s.messages = append(s.messages, m)
	}
	slog.Info("message store loaded", slog.Int("count", len(s.messages)), slog.String("component", "message_store"))
	telemetry.SetStoredMessages(len(s.messages))
	return s
}

// Append adds msg unless a message with the same ID is already stored, in which
// case it returns false and leaves the stored copy untouched.
func (s *MessageStore) Append(ctx context.Context, msg ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[msg.ID]; ok {
		slog.Debug("message already exists, not added", slog.String("id", msg.ID))
		return false
	}
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.saveLocked(ctx)
	telemetry.SetStoredMessages(len(s.messages))
	return true
}

// FindByID reports whether a message with id is stored.
func (s *MessageStore) FindByID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// SetVisibility updates the Show flag of a stored message. It returns false if
// the id is unknown.
func (s *MessageStore) SetVisibility(ctx context.Context, id string, show bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		slog.Debug("visibility update for unknown message", slog.String("id", id))
		return false
	}
	if s.messages[i].Show == show {
		return true
	}
	s.messages[i].Show = show
	s.saveLocked(ctx)
	return true
}

// AllVisible returns the visible messages in insertion order.
func (s *MessageStore) AllVisible() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Show {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Clear drops every message.
func (s *MessageStore) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.messages)
	s.messages = nil
	s.index = make(map[string]int)
	s.saveLocked(ctx)
	telemetry.SetStoredMessages(0)
	slog.Info("message store cleared", slog.Int("deleted", n), slog.String("component", "message_store"))
}

func (s *MessageStore) saveLocked(ctx context.Context) {
	if err := s.persist.SaveMessages(ctx, append([]ChatMessage(nil), s.messages...)); err != nil {
		slog.Error("message store save failed", slog.Any("err", err), slog.String("component", "message_store"))
	}
}
