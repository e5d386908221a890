package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-relay-go/backend"
	"github.com/ggoodman/mcp-relay-go/cache"
	"github.com/ggoodman/mcp-relay-go/internal/jsonrpc"
)

// CacheFetcher returns a cache.Fetcher that issues method against gw with the
// triggering session as conversation id.
func CacheFetcher(gw backend.Gateway, method string) cache.Fetcher {
	if method == "" {
		method = DefaultCachedMethod
	}
	return func(ctx context.Context, sessionID string) (json.RawMessage, error) {
		body, err := json.Marshal(&jsonrpc.Request{
			JSONRPCVersion: jsonrpc.ProtocolVersion,
			Method:         method,
			ID:             jsonrpc.NewRequestID("cache-refresh"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode refresh request: %w", err)
		}
		reply, err := gw.Send(ctx, sessionID, body)
		if err != nil {
			return nil, err
		}
		return reply.Payload()
	}
}
