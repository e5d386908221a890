// Package delivery decides which open push channels receive a reply.
//
// The policy, in order: the channel registered under the target session id;
// otherwise the only live channel; otherwise every live channel (broadcast);
// otherwise nothing, and the caller answers synchronously.
//
// Broadcasting on ambiguity is intentional but debatable: with several
// channels open, a reply can reach sessions unrelated to the request. It
// favors over-delivery to a few concurrently open debugging channels over
// silently dropping a reply.
package delivery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-relay-go/internal/metrics"
	"github.com/ggoodman/mcp-relay-go/internal/tracing"
	"github.com/ggoodman/mcp-relay-go/sessions"
)

// Outcome describes where a reply went.
type Outcome string

const (
	DeliveredExact             Outcome = "delivered-exact"
	DeliveredFallbackSingle    Outcome = "delivered-fallback-single"
	DeliveredFallbackBroadcast Outcome = "delivered-fallback-broadcast"
	NoChannel                  Outcome = "no-channel"
)

// Pushed reports whether at least one push channel received the reply.
func (o Outcome) Pushed() bool {
	return o != NoChannel && o != ""
}

// Report is the result of one Deliver call.
type Report struct {
	Outcome Outcome
	// Recipients lists the session ids whose channel accepted the write.
	Recipients []string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithMetrics records delivery outcomes and channel writes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// Resolver routes replies to registered channels.
type Resolver struct {
	reg     *sessions.Registry
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewResolver creates a Resolver over reg.
func NewResolver(reg *sessions.Registry, opts ...Option) *Resolver {
	r := &Resolver{reg: reg, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Deliver pushes reply according to the package policy. Write failures never
// surface: a channel that fails is released from the registry and the
// fallback chain is consulted with the remaining channels.
func (r *Resolver) Deliver(ctx context.Context, sessionID string, reply []byte) Report {
	ctx, span := tracing.StartSpan(ctx, "delivery.deliver", tracing.AttrSessionID.String(sessionID))
	defer span.End()

	rep := r.deliver(ctx, sessionID, reply)
	span.SetAttributes(tracing.AttrOutcome.String(string(rep.Outcome)))
	r.metrics.Delivery(string(rep.Outcome))
	return rep
}

func (r *Resolver) deliver(ctx context.Context, sessionID string, reply []byte) Report {
	if sess, ok := r.reg.Lookup(sessionID); ok && sess.Live() {
		if r.write(ctx, sess, reply) {
			r.log.DebugContext(ctx, "delivery.exact", slog.String("session_id", sessionID))
			return Report{Outcome: DeliveredExact, Recipients: []string{sessionID}}
		}
	}

	// Every failed write releases its session, so each pass works on a
	// strictly smaller set of live channels.
	for {
		live := r.reg.Live()
		switch len(live) {
		case 0:
			r.log.InfoContext(ctx, "delivery.no_channel", slog.String("session_id", sessionID))
			return Report{Outcome: NoChannel}
		case 1:
			if r.write(ctx, live[0], reply) {
				r.log.WarnContext(ctx, "delivery.fallback.single", slog.String("session_id", sessionID), slog.String("recipient", live[0].ID))
				return Report{Outcome: DeliveredFallbackSingle, Recipients: []string{live[0].ID}}
			}
		default:
			if got := r.broadcast(ctx, live, reply); len(got) > 0 {
				r.log.WarnContext(ctx, "delivery.fallback.broadcast", slog.String("session_id", sessionID), slog.Int("recipients", len(got)))
				return Report{Outcome: DeliveredFallbackBroadcast, Recipients: got}
			}
		}
	}
}

func (r *Resolver) broadcast(ctx context.Context, live []*sessions.Session, reply []byte) []string {
	ok := make([]bool, len(live))
	var wg sync.WaitGroup
	for i, sess := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok[i] = r.write(ctx, sess, reply)
		}()
	}
	wg.Wait()

	var out []string
	for i, sess := range live {
		if ok[i] {
			out = append(out, sess.ID)
		}
	}
	return out
}

// write sends reply to sess, skipping channels that are no longer live. On
// failure the session is released so later passes do not select it again.
func (r *Resolver) write(ctx context.Context, sess *sessions.Session, reply []byte) bool {
	if !sess.Live() {
		r.reg.Release(ctx, sess.ID, sess.Channel)
		return false
	}
	if err := sess.Channel.Send(ctx, reply); err != nil {
		r.metrics.ChannelWrite(false)
		r.log.WarnContext(ctx, "delivery.write.fail", slog.String("session_id", sess.ID), slog.String("err", err.Error()))
		r.reg.Release(ctx, sess.ID, sess.Channel)
		return false
	}
	r.metrics.ChannelWrite(true)
	return true
}
