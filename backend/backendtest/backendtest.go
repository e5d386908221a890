// Package backendtest provides a scriptable in-memory backend.Gateway for
// tests.
package backendtest

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-relay-go/backend"
)

// Call records one Send.
type Call struct {
	ConversationID string
	Payload        []byte
}

// Gateway is a fake backend.Gateway. By default it answers every call with
// the configured reply; Script queues per-call results consumed in order.
type Gateway struct {
	mu     sync.Mutex
	calls  []Call
	script []result
	reply  *backend.Reply
	err    error
	gate   chan struct{}
	notify chan Call
}

type result struct {
	reply *backend.Reply
	err   error
}

var _ backend.Gateway = (*Gateway)(nil)

// New creates a Gateway answering with text as the single reply message.
func New(text string) *Gateway {
	return &Gateway{reply: Answer(text)}
}

// Answer builds a reply carrying text as its only message.
func Answer(text string) *backend.Reply {
	return &backend.Reply{HasAnswer: true, Messages: []backend.Message{{Text: text}}}
}

// SetReply replaces the default reply.
func (g *Gateway) SetReply(r *backend.Reply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reply, g.err = r, nil
}

// SetError makes every unscripted call fail with err.
func (g *Gateway) SetError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

// Script queues results for the next calls, ahead of the default reply.
func (g *Gateway) Script(r *backend.Reply, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, result{reply: r, err: err})
}

// Block makes subsequent calls wait until the returned release func is called.
func (g *Gateway) Block() (release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gate := make(chan struct{})
	g.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			if g.gate == gate {
				g.gate = nil
			}
			g.mu.Unlock()
			close(gate)
		})
	}
}

// Notify returns a channel receiving every call as it starts.
func (g *Gateway) Notify() <-chan Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.notify == nil {
		g.notify = make(chan Call, 64)
	}
	return g.notify
}

// Send implements backend.Gateway.
func (g *Gateway) Send(ctx context.Context, conversationID string, payload []byte) (*backend.Reply, error) {
	call := Call{ConversationID: conversationID, Payload: append([]byte(nil), payload...)}

	g.mu.Lock()
	g.calls = append(g.calls, call)
	gate, notify := g.gate, g.notify
	res := result{reply: g.reply, err: g.err}
	if len(g.script) > 0 {
		res = g.script[0]
		g.script = g.script[1:]
	}
	g.mu.Unlock()

	if notify != nil {
		select {
		case notify <- call:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return res.reply, res.err
}

// Calls returns a copy of the recorded calls.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// Len returns the number of recorded calls.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
