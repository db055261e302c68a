package chat

import (
	"context"
	"sync"
	"testing"
	"time"
)

func msg(author, text string) ChatMessage {
	return NewChatMessage(author, text, text, true, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

// storedMessage looks id up among every stored message, visible or not.
func storedMessage(s *MessageStore, id string) (ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return ChatMessage{}, false
	}
	return s.messages[i], true
}

func TestAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore(ctx, &MemoryPersister{})
	first := msg("Bob", "is this live?")
	if !s.Append(ctx, first) {
		t.Fatal("first append should report added")
	}
	dup := first
	dup.Text = "Is this live?!"
	dup.Show = false
	if s.Append(ctx, dup) {
		t.Fatal("second append should report already exists")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if stored, _ := storedMessage(s, first.ID); stored.Text != first.Text || !stored.Show {
		t.Fatalf("stored copy changed: %+v", stored)
	}
}

func TestAllVisibleKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore(ctx, nil)
	for _, txt := range []string{"c c c", "a a a", "b b b"} {
		s.Append(ctx, msg("u", txt))
	}
	s.SetVisibility(ctx, MessageID("u", "a a a"), false)
	vis := s.AllVisible()
	if len(vis) != 2 || vis[0].Text != "c c c" || vis[1].Text != "b b b" {
		t.Fatalf("AllVisible = %+v", vis)
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
}

func TestSetVisibilityUnknownID(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore(ctx, nil)
	if s.SetVisibility(ctx, "nope", false) {
		t.Fatal("unknown id should report false")
	}
}

func TestReturnedMessagesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore(ctx, nil)
	m := msg("u", "x y z")
	s.Append(ctx, m)
	got := s.AllVisible()
	got[0].Show = false
	got[0].Text = "mutated"
	if stored, _ := storedMessage(s, m.ID); !stored.Show || stored.Text != "x y z" {
		t.Fatalf("caller mutation leaked into store: %+v", stored)
	}
}

func TestStoreWritesThroughAndReloads(t *testing.T) {
	ctx := context.Background()
	p := &MemoryPersister{}
	s := NewMessageStore(ctx, p)
	a := msg("a", "one two three")
	s.Append(ctx, a)
	s.Append(ctx, msg("b", "four five six"))
	s.SetVisibility(ctx, a.ID, false)

	reloaded := NewMessageStore(ctx, p)
	if reloaded.Len() != 2 {
		t.Fatalf("reloaded Len = %d, want 2", reloaded.Len())
	}
	if got, _ := storedMessage(reloaded, a.ID); got.Show {
		t.Fatal("visibility change not persisted")
	}
	s.Clear(ctx)
	if NewMessageStore(ctx, p).Len() != 0 {
		t.Fatal("Clear not persisted")
	}
}

func TestStoreSurvivesPersisterFailure(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore(ctx, failingPersister{})
	if !s.Append(ctx, msg("a", "b c d")) {
		t.Fatal("append should succeed in memory")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d", s.Len())
	}
	s.Clear(ctx)
	if s.Len() != 0 {
		t.Fatal("Clear should still clear memory")
	}
}

func TestStoreLoadDropsDuplicates(t *testing.T) {
	ctx := context.Background()
	m := msg("a", "b c d")
	p := &MemoryPersister{messages: []ChatMessage{m, m}}
	if n := NewMessageStore(ctx, p).Len(); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
}

func TestConcurrentAppendSameID(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore(ctx, nil)
	m := msg("a", "same text here")
	var wg sync.WaitGroup
	added := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added <- s.Append(ctx, m)
		}()
	}
	wg.Wait()
	close(added)
	n := 0
	for ok := range added {
		if ok {
			n++
		}
	}
	if n != 1 || s.Len() != 1 {
		t.Fatalf("added=%d len=%d, want 1/1", n, s.Len())
	}
}
