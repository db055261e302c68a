package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DisplayTimeLayout is the timestamp format the browser poller expects.
const DisplayTimeLayout = "2006-01-02 15:04:05"

// RawMessage is one chat line as returned by a Source, before any filtering.
type RawMessage struct {
	Author      string
	Text        string
	PublishedAt time.Time
}

// ChatMessage is an accepted chat message owned by the MessageStore.
type ChatMessage struct {
	ID         string    `json:"id"`
	Author     string    `json:"author"`
	Text       string    `json:"text"`
	RawText    string    `json:"raw_text"`
	ReceivedAt time.Time `json:"datetime"`
	IsMale     bool      `json:"is_male"`
	Show       bool      `json:"show"`
}

// MessageID returns the stable fingerprint of a message. It depends only on the
// author and the original text, so rewritten display text never changes it.
func MessageID(author, rawText string) string {
	sum := sha256.Sum256([]byte(author + "|" + rawText))
	return hex.EncodeToString(sum[:])
}

// NewChatMessage builds a visible message stamped with the acceptance time.
func NewChatMessage(author, text, rawText string, isMale bool, now time.Time) ChatMessage {
	if rawText == "" {
		rawText = text
	}
	return ChatMessage{
		ID:         MessageID(author, rawText),
		Author:     author,
		Text:       text,
		RawText:    rawText,
		ReceivedAt: now,
		IsMale:     isMale,
		Show:       true,
	}
}

func (m ChatMessage) String() string { return "[" + m.Author + "] - " + m.RawText }

type sessionKind int

const (
	sessionUnknown sessionKind = iota
	sessionNone
	sessionLive
)

// SessionID identifies the live session a Source is attached to. The zero value
// means the session has never been observed.
type SessionID struct {
	kind sessionKind
	id   string
}

// NoSession is reported when the platform has no active live session.
var NoSession = SessionID{kind: sessionNone}

// Live returns the SessionID for an active session. An empty id is treated as NoSession.
func Live(id string) SessionID {
	if id == "" {
		return NoSession
	}
	return SessionID{kind: sessionLive, id: id}
}

// IsLive reports whether s names an active session.
func (s SessionID) IsLive() bool { return s.kind == sessionLive }

// IsKnown reports whether s was ever observed.
func (s SessionID) IsKnown() bool { return s.kind != sessionUnknown }

// ID returns the platform identifier, empty unless IsLive.
func (s SessionID) ID() string { return s.id }

func (s SessionID) String() string {
	switch s.kind {
	case sessionLive:
		return s.id
	case sessionNone:
		return "<none>"
	default:
		return "<unknown>"
	}
}

// FetchStatus tags the outcome of Source.FetchNewMessages.
type FetchStatus int

const (
	// FetchMessages means Messages holds the (possibly empty) new chat lines.
	FetchMessages FetchStatus = iota
	// FetchNoSession means the platform reports no live session.
	FetchNoSession
	// FetchTransportError means the platform could not be reached.
	FetchTransportError
)

func (s FetchStatus) String() string {
	switch s {
	case FetchMessages:
		return "messages"
	case FetchNoSession:
		return "no_session"
	case FetchTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// FetchResult is the tagged result of one fetch.
type FetchResult struct {
	Status   FetchStatus
	Messages []RawMessage
	Err      error
}

// Fetched wraps a list of new messages.
func Fetched(msgs []RawMessage) FetchResult { return FetchResult{Status: FetchMessages, Messages: msgs} }

// NoLiveSession is the FetchResult for an offline channel.
func NoLiveSession() FetchResult { return FetchResult{Status: FetchNoSession} }

// TransportFailure wraps a communication error.
func TransportFailure(err error) FetchResult { return FetchResult{Status: FetchTransportError, Err: err} }
