package twitchchat

import (
	"context"
	"sync"

	"github.com/onnwee/chat-magnifier/chat"
)

// Platform is the name reported by Connector.
const Platform = "twitch"

// Connector owns the IRC connection's lifetime. Open joins the channel once;
// later calls return the same Source until Close.
type Connector struct {
	base    context.Context
	cfg     Config
	streams StreamLookup

	mu     sync.Mutex
	src    *Source
	cancel context.CancelFunc
	start  func(ctx context.Context, s *Source) error
}

// NewConnector ties connections to base: cancelling it disconnects IRC.
func NewConnector(base context.Context, cfg Config, streams StreamLookup) *Connector {
	return &Connector{
		base:    base,
		cfg:     cfg,
		streams: streams,
		start:   func(ctx context.Context, s *Source) error { return s.Start(ctx) },
	}
}

func (c *Connector) Platform() string { return Platform }

// Open joins the channel, or returns the already joined Source.
func (c *Connector) Open(context.Context) (chat.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.src != nil {
		return c.src, nil
	}
	ctx, cancel := context.WithCancel(c.base)
	src := New(c.cfg, c.streams)
	if err := c.start(ctx, src); err != nil {
		cancel()
		return nil, err
	}
	c.src, c.cancel = src, cancel
	return src, nil
}

// Close leaves the channel. Closing twice is a no-op.
func (c *Connector) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.src, c.cancel = nil, nil
	return nil
}
