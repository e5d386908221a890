package streaminghttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/ggoodman/mcp-relay-go/sessions"
)

// lockedWriteFlusher wraps an io.Writer and http.Flusher with a mutex and the
// owning request's context. It serializes concurrent writes/flushes and
// refuses to write after ctx is canceled or the stream has been closed, since
// the ResponseWriter must not be used once its handler returns.
type lockedWriteFlusher struct {
	w      io.Writer
	f      http.Flusher
	mu     sync.Mutex
	ctx    context.Context
	closed bool
}

func (l *lockedWriteFlusher) usable() error {
	if l.closed {
		return sessions.ErrChannelClosed
	}
	if l.ctx != nil && l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	return nil
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.usable() != nil {
		return
	}
	l.f.Flush()
}

// writeFrame writes one complete SSE frame and flushes it under a single lock
// acquisition so frames from concurrent writers never interleave.
func (l *lockedWriteFlusher) writeFrame(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usable(); err != nil {
		return err
	}
	if _, err := l.w.Write(frame); err != nil {
		return err
	}
	l.f.Flush()
	return nil
}

// close waits for any in-flight write and then blocks further writes.
func (l *lockedWriteFlusher) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// writeSSEEvent writes a Server-Sent Event with an optional event type. The
// payload is written verbatim as the data field and must not contain
// newlines; JSON encoded by encoding/json never does.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	frame := make([]byte, 0, len(event)+len(payload)+16)
	if event != "" {
		frame = fmt.Appendf(frame, "event: %s\n", event)
	}
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	if err := wf.writeFrame(frame); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	return nil
}

// writeSSEComment writes a comment line, used as a keep-alive.
func writeSSEComment(wf *lockedWriteFlusher, text string) error {
	if err := wf.writeFrame([]byte(":" + text + "\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE comment: %w", err)
	}
	return nil
}

// sseChannel is the sessions.Channel backing one GET stream. The transport
// owns it; the registry only references it.
type sseChannel struct {
	wf   *lockedWriteFlusher
	done chan struct{}
	once sync.Once
}

var _ sessions.Channel = (*sseChannel)(nil)

func newSSEChannel(wf *lockedWriteFlusher) *sseChannel {
	return &sseChannel{wf: wf, done: make(chan struct{})}
}

// Send implements sessions.Channel. A failed write ends the channel.
func (c *sseChannel) Send(ctx context.Context, payload []byte) error {
	if !c.Live() {
		return sessions.ErrChannelClosed
	}
	if err := writeSSEEvent(c.wf, "", payload); err != nil {
		c.end()
		return err
	}
	return nil
}

// Live implements sessions.Channel.
func (c *sseChannel) Live() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	return c.wf.ctx == nil || c.wf.ctx.Err() == nil
}

// end marks the channel finished and wakes the stream goroutine. It is safe
// to call more than once and from any goroutine.
func (c *sseChannel) end() {
	c.once.Do(func() { close(c.done) })
}

// Done is closed once the channel has been ended by a failed write or an
// explicit teardown.
func (c *sseChannel) Done() <-chan struct{} { return c.done }

// Close ends the channel. The GET handler then unwinds and releases the
// stream.
func (c *sseChannel) Close() error {
	c.end()
	return nil
}
