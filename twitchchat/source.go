// Package twitchchat is a chat.Source backed by Twitch IRC. Messages arriving
// between polls are buffered; the live session is the Helix stream id.
package twitchchat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chat-magnifier/chat"
	"github.com/onnwee/chat-magnifier/twitchapi"
)

// DefaultMaxBuffer caps how many unread messages are kept between polls.
const DefaultMaxBuffer = 500

// StreamLookup reports the live streams of a channel.
type StreamLookup interface {
	GetStreams(ctx context.Context, login string) ([]twitchapi.Stream, error)
}

// Config holds the IRC credentials. An empty OAuthToken joins anonymously.
type Config struct {
	Channel     string
	Username    string
	OAuthToken  string
	MaxBuffer   int
	StreamCache time.Duration
}

// Source buffers PRIVMSG lines for one channel.
type Source struct {
	cfg     Config
	streams StreamLookup
	client  *twitch.Client

	mu        sync.Mutex
	buf       []chat.RawMessage
	dropped   int
	connErr   error
	stream    *twitchapi.Stream
	checkedAt time.Time
	now       func() time.Time
}

// New builds a Source. Call Start to connect to IRC.
func New(cfg Config, streams StreamLookup) *Source {
	cfg.Channel = strings.ToLower(strings.TrimPrefix(cfg.Channel, "#"))
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = DefaultMaxBuffer
	}
	return &Source{cfg: cfg, streams: streams, now: time.Now}
}

// Start connects to IRC and returns once the connection goroutine runs. The
// client is disconnected when ctx is done.
func (s *Source) Start(ctx context.Context) error {
	if s.cfg.Channel == "" {
		return errors.New("twitchchat: channel empty")
	}
	var client *twitch.Client
	if s.cfg.Username == "" || s.cfg.OAuthToken == "" {
		slog.Info("twitch creds not set; joining chat anonymously", slog.String("channel", s.cfg.Channel))
		client = twitch.NewAnonymousClient()
	} else {
		oauth := s.cfg.OAuthToken
		if !strings.HasPrefix(oauth, "oauth:") {
			oauth = "oauth:" + oauth
		}
		client = twitch.NewClient(s.cfg.Username, oauth)
	}
	client.OnPrivateMessage(s.handle)
	client.OnConnect(func() {
		s.setConnErr(nil)
		slog.Info("twitch chat connected", slog.String("channel", s.cfg.Channel))
	})
	client.Join(s.cfg.Channel)
	s.client = client

	go func() {
		<-ctx.Done()
		if err := client.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
			slog.Debug("twitch chat disconnect", slog.Any("err", err))
		}
	}()
	go func() {
		if err := client.Connect(); err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			slog.Error("twitch chat connect error", slog.Any("err", err))
			s.setConnErr(err)
		}
	}()
	return nil
}

func (s *Source) setConnErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connErr = err
}

func (s *Source) handle(msg twitch.PrivateMessage) {
	author := msg.User.DisplayName
	if author == "" {
		author = msg.User.Name
	}
	at := msg.Time
	if at.IsZero() {
		at = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, chat.RawMessage{Author: author, Text: msg.Message, PublishedAt: at.UTC()})
	if over := len(s.buf) - s.cfg.MaxBuffer; over > 0 {
		s.buf = append([]chat.RawMessage(nil), s.buf[over:]...)
		s.dropped += over
		slog.Debug("chat buffer full, dropped oldest messages", slog.String("channel", s.cfg.Channel), slog.Int("dropped_total", s.dropped))
	}
}

// refresh asks Helix for the channel's stream, at most once per StreamCache.
func (s *Source) refresh(ctx context.Context) (*twitchapi.Stream, error) {
	s.mu.Lock()
	if s.cfg.StreamCache > 0 && !s.checkedAt.IsZero() && s.now().Sub(s.checkedAt) < s.cfg.StreamCache {
		st := s.stream
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	streams, err := s.streams.GetStreams(ctx, s.cfg.Channel)
	if err != nil {
		return nil, err
	}
	var st *twitchapi.Stream
	if len(streams) > 0 {
		cp := streams[0]
		st = &cp
	}
	s.mu.Lock()
	s.stream = st
	s.checkedAt = s.now()
	s.mu.Unlock()
	return st, nil
}

func (s *Source) SessionID(ctx context.Context) (chat.SessionID, error) {
	st, err := s.refresh(ctx)
	if err != nil {
		return chat.SessionID{}, err
	}
	if st == nil {
		return chat.NoSession, nil
	}
	return chat.Live(st.ID), nil
}

func (s *Source) LiveTitle(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return chat.NoLiveTitle
	}
	return s.stream.Title
}

func (s *Source) ChannelName(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil && s.stream.UserName != "" {
		return s.stream.UserName
	}
	return s.cfg.Channel
}

// FetchNewMessages drains the buffer. While offline the buffer is discarded.
func (s *Source) FetchNewMessages(ctx context.Context) chat.FetchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connErr != nil {
		return chat.TransportFailure(s.connErr)
	}
	msgs := s.buf
	s.buf = nil
	if s.stream == nil {
		return chat.NoLiveSession()
	}
	return chat.Fetched(msgs)
}
