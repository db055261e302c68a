package chat

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Persister is the durable backing of the message and hidden-id stores. The
// stores keep their collections in memory and hand a full snapshot to the
// persister after every mutation; Load* is only called at startup.
type Persister interface {
	LoadMessages(ctx context.Context) ([]ChatMessage, error)
	SaveMessages(ctx context.Context, msgs []ChatMessage) error
	LoadHidden(ctx context.Context) ([]string, error)
	SaveHidden(ctx context.Context, ids []string) error
}

// MemoryPersister keeps snapshots in memory. Useful for tests and for running
// without a data directory.
type MemoryPersister struct {
	mu       sync.Mutex
	messages []ChatMessage
	hidden   []string
}

func (p *MemoryPersister) LoadMessages(ctx context.Context) ([]ChatMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChatMessage(nil), p.messages...), nil
}

func (p *MemoryPersister) SaveMessages(ctx context.Context, msgs []ChatMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append([]ChatMessage(nil), msgs...)
	return nil
}

func (p *MemoryPersister) LoadHidden(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.hidden...), nil
}

func (p *MemoryPersister) SaveHidden(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hidden = append([]string(nil), ids...)
	return nil
}

const (
	messagesFileName = "chat_messages.json"
	hiddenFileName   = "hidden_messages.json"
)

// FilePersister stores snapshots as JSON files under a data directory. Writes go
// to a temp file first and are renamed into place.
type FilePersister struct {
	dir string
}

// NewFilePersister creates dir if needed.
func NewFilePersister(dir string) (*FilePersister, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FilePersister{dir: dir}, nil
}

func (p *FilePersister) LoadMessages(ctx context.Context) ([]ChatMessage, error) {
	var msgs []ChatMessage
	if err := p.read(messagesFileName, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (p *FilePersister) SaveMessages(ctx context.Context, msgs []ChatMessage) error {
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	return p.write(messagesFileName, msgs)
}

func (p *FilePersister) LoadHidden(ctx context.Context) ([]string, error) {
	var ids []string
	if err := p.read(hiddenFileName, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *FilePersister) SaveHidden(ctx context.Context, ids []string) error {
	out := append([]string{}, ids...)
	sort.Strings(out)
	return p.write(hiddenFileName, out)
}

func (p *FilePersister) read(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (p *FilePersister) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(p.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
