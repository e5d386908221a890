package sessions

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrNoSession is returned in strict mode when a submission carries no usable
// identifier and none can be inferred.
var ErrNoSession = errors.New("no resolvable session identifier")

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithStrictIDs requires supplied identifiers to be UUIDs and disables the
// fixed default label fallback.
func WithStrictIDs(strict bool) ResolverOption {
	return func(r *Resolver) { r.strict = strict }
}

// WithIDGenerator overrides identifier generation for newly opened channels.
func WithIDGenerator(gen func() string) ResolverOption {
	return func(r *Resolver) { r.newID = gen }
}

// Resolver applies the session identifier policy against a Registry.
type Resolver struct {
	reg    *Registry
	strict bool
	newID  func() string
}

// NewResolver creates a Resolver over reg.
func NewResolver(reg *Registry, opts ...ResolverOption) *Resolver {
	r := &Resolver{reg: reg, newID: uuid.NewString}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Strict reports whether strict identifier validation is enabled.
func (r *Resolver) Strict() bool { return r.strict }

// ForOpen resolves the identifier for a channel-open call: query parameter,
// then header, then a freshly generated one.
func (r *Resolver) ForOpen(query, header string) (string, Source) {
	if id, src, ok := r.supplied(query, header); ok {
		return id, src
	}
	return r.newID(), SourceGenerated
}

// ForSubmit resolves the identifier for a request submission. Supplied values
// failing validation are treated as absent and resolution falls through to
// the registry-based tiers.
func (r *Resolver) ForSubmit(query, header string) (string, Source, error) {
	if id, src, ok := r.supplied(query, header); ok {
		return id, src, nil
	}

	live := r.reg.Live()
	switch {
	case len(live) == 1:
		return live[0].ID, SourceSingle, nil
	case len(live) > 1:
		return live[len(live)-1].ID, SourceRecent, nil
	}

	if r.strict {
		return "", "", ErrNoSession
	}
	return DefaultSessionID, SourceDefault, nil
}

func (r *Resolver) supplied(query, header string) (string, Source, bool) {
	if id := strings.TrimSpace(query); r.acceptable(id) {
		return id, SourceQuery, true
	}
	if id := strings.TrimSpace(header); r.acceptable(id) {
		return id, SourceHeader, true
	}
	return "", "", false
}

func (r *Resolver) acceptable(id string) bool {
	if id == "" {
		return false
	}
	if !r.strict {
		return true
	}
	return ValidID(id)
}

// ValidID reports whether id is a canonical UUID string.
func ValidID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
