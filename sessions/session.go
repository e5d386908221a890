package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrChannelClosed is returned by a Channel that can no longer be written.
var ErrChannelClosed = errors.New("push channel closed")

// Channel is a server-initiated, one-way message stream to a connected
// client. Implementations MUST be safe for concurrent use.
type Channel interface {
	// Send writes one framed message and flushes it to the client.
	Send(ctx context.Context, payload []byte) error
	// Live reports whether the channel can still be written: it has not been
	// ended, finished or destroyed by the transport.
	Live() bool
}

// Session is a registry entry binding an identifier to an open channel.
type Session struct {
	ID string
	// Namespace is the route prefix the channel was opened under. It selects
	// the backend target for requests resolved to this session.
	Namespace string
	Channel   Channel
	OpenedAt  time.Time

	seq uint64
}

// Live reports whether the session's channel can still be written.
func (s *Session) Live() bool {
	return s != nil && s.Channel != nil && s.Channel.Live()
}
