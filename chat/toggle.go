package chat

import (
	"context"
	"sync"
)

// ToggleCoordinator lets visibility changes run concurrently with a
// reconciliation pass while the pass's publish step waits for all of them.
// Toggles do not exclude each other.
type ToggleCoordinator struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inFlight int
}

func NewToggleCoordinator() *ToggleCoordinator {
	c := &ToggleCoordinator{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Do runs fn with the in-flight counter raised.
func (c *ToggleCoordinator) Do(fn func()) {
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight--
		if c.inFlight == 0 {
			c.cond.Broadcast()
		}
		c.mu.Unlock()
	}()
	fn()
}

// InFlight returns the number of running toggles.
func (c *ToggleCoordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Publish waits for running toggles to drain and then runs fn while new
// toggles are held back, so fn sees every toggle that started before it.
func (c *ToggleCoordinator) Publish(ctx context.Context, fn func()) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for c.inFlight > 0 {
		if err = ctx.Err(); err != nil {
			break
		}
		c.cond.Wait()
	}
	fn()
	return err
}
