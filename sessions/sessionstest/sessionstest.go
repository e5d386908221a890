// Package sessionstest provides an in-memory sessions.Channel for tests.
package sessionstest

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-relay-go/sessions"
)

// Channel records every payload sent to it. Its liveness and write failures
// are controllable by the test.
type Channel struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	failErr error
	notify  chan struct{}
}

var _ sessions.Channel = (*Channel)(nil)

// NewChannel returns a live channel.
func NewChannel() *Channel {
	return &Channel{notify: make(chan struct{}, 64)}
}

// Send implements sessions.Channel.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return sessions.ErrChannelClosed
	}
	if c.failErr != nil {
		return c.failErr
	}
	c.frames = append(c.frames, append([]byte(nil), payload...))
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Live implements sessions.Channel.
func (c *Channel) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// End marks the channel as ended by the transport.
func (c *Channel) End() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// FailWith makes subsequent sends fail with err while still reporting live,
// emulating a teardown race.
func (c *Channel) FailWith(err error) {
	c.mu.Lock()
	c.failErr = err
	c.mu.Unlock()
}

// Frames returns a copy of every payload received so far.
func (c *Channel) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// Len returns the number of payloads received.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Notify fires (best effort) after each successful send.
func (c *Channel) Notify() <-chan struct{} { return c.notify }
