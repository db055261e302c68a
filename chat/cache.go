package chat

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// PayloadEntry is one element of Payload.Messages: either a live-title
// announcement or a formatted chat message.
type PayloadEntry struct {
	title        bool
	LiveTitle    string
	CleanMsgList bool

	ID       string
	Author   string
	Text     string
	Datetime string
	IsMale   bool
	Show     bool
}

// TitleEntry builds the announcement that leads a payload.
func TitleEntry(title string, clean bool) PayloadEntry {
	return PayloadEntry{title: true, LiveTitle: title, CleanMsgList: clean}
}

// MessageEntry formats a stored message for the browser.
func MessageEntry(m ChatMessage) PayloadEntry {
	return PayloadEntry{
		ID:       m.ID,
		Author:   m.Author,
		Text:     m.Text,
		Datetime: m.ReceivedAt.Format(DisplayTimeLayout),
		IsMale:   m.IsMale,
		Show:     m.Show,
	}
}

// IsTitle reports whether e is a live-title announcement.
func (e PayloadEntry) IsTitle() bool { return e.title }

type titleJSON struct {
	LiveTitle    string `json:"live_title"`
	CleanMsgList bool   `json:"clean_msg_list,omitempty"`
}

type messageJSON struct {
	ID        string  `json:"id"`
	Author    string  `json:"author"`
	Text      string  `json:"text"`
	Datetime  string  `json:"datetime"`
	IsMale    bool    `json:"is_male"`
	Show      bool    `json:"show"`
	LiveTitle *string `json:"live_title"`
}

// MarshalJSON writes the title shape or the message shape; message entries
// carry an explicit null live_title.
func (e PayloadEntry) MarshalJSON() ([]byte, error) {
	if e.title {
		return json.Marshal(titleJSON{LiveTitle: e.LiveTitle, CleanMsgList: e.CleanMsgList})
	}
	return json.Marshal(messageJSON{
		ID:       e.ID,
		Author:   e.Author,
		Text:     e.Text,
		Datetime: e.Datetime,
		IsMale:   e.IsMale,
		Show:     e.Show,
	})
}

// UnmarshalJSON accepts either shape; an entry without an id is a title.
func (e *PayloadEntry) UnmarshalJSON(data []byte) error {
	var m messageJSON
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if m.ID == "" {
		var t titleJSON
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		*e = TitleEntry(t.LiveTitle, t.CleanMsgList)
		return nil
	}
	*e = PayloadEntry{ID: m.ID, Author: m.Author, Text: m.Text, Datetime: m.Datetime, IsMale: m.IsMale, Show: m.Show}
	return nil
}

// Payload is the poll response. It is immutable once published.
type Payload struct {
	Success  bool           `json:"success"`
	Messages []PayloadEntry `json:"messages,omitempty"`
	Error    string         `json:"error,omitempty"`

	GeneratedAt time.Time `json:"-"`
}

type successJSON struct {
	Success  bool           `json:"success"`
	Messages []PayloadEntry `json:"messages"`
	Error    string         `json:"error,omitempty"`
}

// MarshalJSON always writes messages on success, as an empty array when there
// is nothing to show. Failures carry only success and error.
func (p Payload) MarshalJSON() ([]byte, error) {
	if !p.Success {
		type plain Payload
		return json.Marshal(plain(p))
	}
	msgs := p.Messages
	if msgs == nil {
		msgs = []PayloadEntry{}
	}
	return json.Marshal(successJSON{Success: true, Messages: msgs, Error: p.Error})
}

// ResponseCache holds the last published payload and the in-progress flag that
// keeps reconciliation passes from overlapping.
type ResponseCache struct {
	mu      sync.Mutex
	running bool
	done    chan struct{}
	last    atomic.Pointer[Payload]
}

// TryBeginPass claims the in-progress flag. It returns false if a pass is
// already running.
func (c *ResponseCache) TryBeginPass() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	c.running = true
	c.done = make(chan struct{})
	return true
}

// EndPass releases the in-progress flag.
func (c *ResponseCache) EndPass() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.done)
}

// Running reports whether a pass holds the flag.
func (c *ResponseCache) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// PassDone returns a channel closed when the running pass ends. It is already
// closed when no pass is running.
func (c *ResponseCache) PassDone() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Last returns the last published payload, or nil before the first pass.
func (c *ResponseCache) Last() *Payload { return c.last.Load() }

// Store publishes p.
func (c *ResponseCache) Store(p *Payload) { c.last.Store(p) }

// Reset forgets the last payload.
func (c *ResponseCache) Reset() { c.last.Store(nil) }
