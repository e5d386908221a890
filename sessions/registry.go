package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/mcp-relay-go/internal/metrics"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithMetrics records registry gauges and counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the time source used for OpenedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry maps session identifiers to open push channels. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	seq      uint64

	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open registers ch under id, overwriting any existing entry. A superseded
// channel is not closed; it simply stops being reachable by lookup.
func (r *Registry) Open(ctx context.Context, id string, ch Channel, namespace string) (sess *Session, replaced bool) {
	r.mu.Lock()
	_, replaced = r.sessions[id]
	r.seq++
	sess = &Session{ID: id, Namespace: namespace, Channel: ch, OpenedAt: r.now(), seq: r.seq}
	r.sessions[id] = sess
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SessionOpened(replaced)
	r.metrics.SetActiveSessions(n)
	if replaced {
		r.log.InfoContext(ctx, "session.open.replaced", slog.String("session_id", id), slog.String("namespace", namespace))
	} else {
		r.log.InfoContext(ctx, "session.open.ok", slog.String("session_id", id), slog.String("namespace", namespace))
	}
	return sess, replaced
}

// Close removes the entry for id if present. It is idempotent and reports
// whether an entry was removed.
func (r *Registry) Close(ctx context.Context, id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()

	if ok {
		r.metrics.SetActiveSessions(n)
		r.log.InfoContext(ctx, "session.close.ok", slog.String("session_id", id))
	}
	return ok
}

// Release removes the entry for id only while it still refers to ch. The
// transport calls it when a channel ends so that a channel superseded by a
// reopen cannot evict its successor.
func (r *Registry) Release(ctx context.Context, id string, ch Channel) bool {
	r.mu.Lock()
	cur, ok := r.sessions[id]
	if ok && cur.Channel == ch {
		delete(r.sessions, id)
	} else {
		ok = false
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if ok {
		r.metrics.SetActiveSessions(n)
		r.log.InfoContext(ctx, "session.release.ok", slog.String("session_id", id))
	}
	return ok
}

// Lookup returns the entry registered under id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the registered identifiers in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Live returns a snapshot of the sessions whose channel is live, oldest first.
func (r *Registry) Live() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Live() {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// MostRecent returns the most recently opened live session.
func (r *Registry) MostRecent() (*Session, bool) {
	live := r.Live()
	if len(live) == 0 {
		return nil, false
	}
	return live[len(live)-1], true
}
