package relay

import "encoding/json"

const (
	// DefaultHandshakeMethod is answered locally with the capability descriptor.
	DefaultHandshakeMethod = "initialize"
	// DefaultCachedMethod is the idempotent query served from the cache.
	DefaultCachedMethod = "tools/list"
	// DefaultProtocolVersion is advertised in the handshake reply.
	DefaultProtocolVersion = "2024-11-05"
)

// ServerInfo names the relay in the handshake reply.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type listChanged struct {
	ListChanged bool `json:"listChanged"`
}

type capabilities struct {
	Tools *listChanged `json:"tools,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// capabilityDescriptor renders the fixed handshake result. The relay only
// advertises tools: every other capability lives behind the backend.
func capabilityDescriptor(protocolVersion string, info ServerInfo) json.RawMessage {
	b, err := json.Marshal(initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    capabilities{Tools: &listChanged{}},
		ServerInfo:      info,
	})
	if err != nil {
		// Only fixed string fields; cannot fail.
		panic(err)
	}
	return b
}
