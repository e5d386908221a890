package cache

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/singleflight"
)

// Pending is a handle on an outstanding refresh. Handles returned to
// concurrent triggers all observe the same backend call.
type Pending struct {
	done    chan struct{}
	payload json.RawMessage
	err     error
	shared  bool
}

func newPending(ch <-chan singleflight.Result) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		res := <-ch
		if res.Err == nil {
			p.payload, _ = res.Val.(json.RawMessage)
		}
		p.err = res.Err
		p.shared = res.Shared
		close(p.done)
	}()
	return p
}

// Done is closed once the refresh has completed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the refresh completes or ctx ends. Cancelling ctx stops
// the wait only; the refresh itself keeps running.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.payload, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shared reports, after completion, whether the result was delivered to more
// than one trigger.
func (p *Pending) Shared() bool {
	<-p.done
	return p.shared
}
