// Package backend defines the contract between the relay and the synchronous
// conversation service it forwards requests to.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrRateLimited signals that the backend refused the call because of rate
	// limiting. Callers use it to start a cooldown.
	ErrRateLimited = errors.New("backend rate limited")
	// ErrNoAnswer signals that the backend responded without a usable answer.
	ErrNoAnswer = errors.New("backend returned no answer")
	// ErrUnknownNamespace is returned by a Mux with no target for a namespace
	// and no default target.
	ErrUnknownNamespace = errors.New("no backend target for namespace")
)

// Message is one reply message produced by the backend.
type Message struct {
	Text string `json:"text"`
}

// Reply is the backend's answer to one Send.
type Reply struct {
	HasAnswer bool      `json:"hasAnswer"`
	Messages  []Message `json:"messages"`
}

// Gateway translates one outbound request into one backend call. It holds no
// relay state. Implementations MUST be safe for concurrent use.
type Gateway interface {
	Send(ctx context.Context, conversationID string, payload []byte) (*Reply, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, conversationID string, payload []byte) (*Reply, error)

func (f GatewayFunc) Send(ctx context.Context, conversationID string, payload []byte) (*Reply, error) {
	return f(ctx, conversationID, payload)
}

// Payload extracts the reply payload: the first message's text parsed as
// JSON, or the raw text as a JSON string when it does not parse. A reply
// without an answer yields ErrNoAnswer.
func (r *Reply) Payload() (json.RawMessage, error) {
	if r == nil || !r.HasAnswer || len(r.Messages) == 0 {
		return nil, ErrNoAnswer
	}
	text := r.Messages[0].Text
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	b, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	return b, nil
}
