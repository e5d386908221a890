package backend

import (
	"context"
	"fmt"
	"sort"
)

// Mux selects a Gateway by namespace (the route prefix a client connected
// under). The empty namespace, and any namespace without its own target,
// resolves to the default gateway when one is set.
type Mux struct {
	def     Gateway
	targets map[string]Gateway
}

var _ Gateway = (*Mux)(nil)

// NewMux creates a Mux with the given default gateway, which may be nil.
func NewMux(def Gateway) *Mux {
	return &Mux{def: def, targets: make(map[string]Gateway)}
}

// Handle registers gw for namespace. It must not be called concurrently with
// lookups; configure the mux before serving.
func (m *Mux) Handle(namespace string, gw Gateway) {
	if namespace == "" {
		m.def = gw
		return
	}
	m.targets[namespace] = gw
}

// Namespaces lists the configured non-default namespaces in sorted order.
func (m *Mux) Namespaces() []string {
	out := make([]string, 0, len(m.targets))
	for ns := range m.targets {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Has reports whether namespace has a dedicated target.
func (m *Mux) Has(namespace string) bool {
	_, ok := m.targets[namespace]
	return ok
}

// Serves reports whether a request routed to namespace has a gateway to go
// to. The empty namespace is served only by a default gateway.
func (m *Mux) Serves(namespace string) bool {
	if namespace == "" {
		return m.def != nil
	}
	return m.Has(namespace)
}

// Gateway returns the gateway serving namespace.
func (m *Mux) Gateway(namespace string) (Gateway, error) {
	if gw, ok := m.targets[namespace]; ok {
		return gw, nil
	}
	if m.def == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, namespace)
	}
	return m.def, nil
}

// Send forwards to the default gateway. Use SendNamespace to select a target.
func (m *Mux) Send(ctx context.Context, conversationID string, payload []byte) (*Reply, error) {
	return m.SendNamespace(ctx, "", conversationID, payload)
}

// SendNamespace forwards to the gateway serving namespace.
func (m *Mux) SendNamespace(ctx context.Context, namespace, conversationID string, payload []byte) (*Reply, error) {
	gw, err := m.Gateway(namespace)
	if err != nil {
		return nil, err
	}
	return gw.Send(ctx, conversationID, payload)
}
