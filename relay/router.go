// Package relay turns one submitted JSON-RPC request into one reply and hands
// that reply to the delivery policy.
//
// A request moves through received, validated, then either cache-hit or
// backend-call, and ends delivered. It can instead stop in rejected-malformed,
// rejected-no-session or backend-error. Backend errors still travel the
// delivery path so a listening channel learns the outcome.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-relay-go/backend"
	"github.com/ggoodman/mcp-relay-go/cache"
	"github.com/ggoodman/mcp-relay-go/delivery"
	"github.com/ggoodman/mcp-relay-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-relay-go/internal/logctx"
	"github.com/ggoodman/mcp-relay-go/internal/metrics"
	"github.com/ggoodman/mcp-relay-go/internal/tracing"
	"github.com/ggoodman/mcp-relay-go/sessions"
	"go.opentelemetry.io/otel/codes"
)

// DefaultBackendTimeout bounds one forwarded backend call.
const DefaultBackendTimeout = 30 * time.Second

// State is a step of the per-request state machine.
type State string

const (
	StateReceived          State = "received"
	StateValidated         State = "validated"
	StateCacheHit          State = "cache-hit"
	StateBackendCall       State = "backend-call"
	StateDelivered         State = "delivered"
	StateAccepted          State = "accepted"
	StateRejectedMalformed State = "rejected-malformed"
	StateRejectedNoSession State = "rejected-no-session"
	StateBackendError      State = "backend-error"
)

// Submission is one inbound request as seen by the transport.
type Submission struct {
	Body []byte
	// SessionQuery and SessionHeader carry the caller-supplied session
	// identifier candidates, either of which may be empty.
	SessionQuery  string
	SessionHeader string
	// Namespace is the route prefix the request arrived under.
	Namespace string
}

// Call is the validated request with its resolved session. It lives for one
// request/response cycle.
type Call struct {
	ID        *jsonrpc.RequestID
	Method    string
	Params    json.RawMessage
	SessionID string
	Source    sessions.Source
	Namespace string
}

// Result is the outcome of Handle.
type Result struct {
	// State is terminal: delivered, accepted, backend-error or one of the
	// rejections.
	State State
	// Path records how a reply was produced: cache-hit, backend-call or
	// empty for handshakes and rejections.
	Path State
	// Call is nil when the body was rejected as malformed.
	Call *Call
	// Reply is the reply envelope. It is nil for accepted notifications.
	Reply *jsonrpc.Response
	// Delivery is zero for rejections and notifications, which are never
	// pushed.
	Delivery delivery.Report
}

// Pushed reports whether a push channel received the reply, in which case
// the synchronous answer must be an acknowledgement only.
func (r *Result) Pushed() bool { return r.Delivery.Outcome.Pushed() }

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithMetrics records terminal states and backend calls.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithCache serves method from c instead of calling the backend directly.
// Only submissions routed to the default backend target use the cache.
func WithCache(c *cache.Cache, method string) Option {
	return func(r *Router) {
		r.cache = c
		if method != "" {
			r.cachedMethod = method
		}
	}
}

// WithHandshake overrides the locally answered handshake method and the
// server identity it advertises.
func WithHandshake(method, protocolVersion string, info ServerInfo) Option {
	return func(r *Router) {
		if method != "" {
			r.handshakeMethod = method
		}
		if protocolVersion != "" {
			r.protocolVersion = protocolVersion
		}
		r.serverInfo = info
	}
}

// WithBackendTimeout overrides DefaultBackendTimeout.
func WithBackendTimeout(d time.Duration) Option {
	return func(r *Router) { r.backendTimeout = d }
}

// Router runs the request state machine. It is safe for concurrent use.
type Router struct {
	reg      *sessions.Registry
	ids      *sessions.Resolver
	deliver  *delivery.Resolver
	backends *backend.Mux
	cache    *cache.Cache

	handshakeMethod string
	protocolVersion string
	serverInfo      ServerInfo
	cachedMethod    string
	backendTimeout  time.Duration

	descriptor json.RawMessage
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// NewRouter wires the router to its collaborators.
func NewRouter(reg *sessions.Registry, ids *sessions.Resolver, deliver *delivery.Resolver, backends *backend.Mux, opts ...Option) *Router {
	r := &Router{
		reg:             reg,
		ids:             ids,
		deliver:         deliver,
		backends:        backends,
		handshakeMethod: DefaultHandshakeMethod,
		protocolVersion: DefaultProtocolVersion,
		serverInfo:      ServerInfo{Name: "mcp-relay", Version: "dev"},
		cachedMethod:    DefaultCachedMethod,
		backendTimeout:  DefaultBackendTimeout,
		log:             slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.descriptor = capabilityDescriptor(r.protocolVersion, r.serverInfo)
	return r
}

// Handle validates sub, produces its reply and delivers it. It never returns
// an error: every failure is expressed as a terminal State with an error
// envelope in Reply.
func (r *Router) Handle(ctx context.Context, sub Submission) *Result {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "relay.handle")
	defer span.End()

	res := r.handle(ctx, sub)

	span.SetAttributes(tracing.AttrOutcome.String(string(res.State)))
	if res.Call != nil {
		span.SetAttributes(
			tracing.AttrSessionID.String(res.Call.SessionID),
			tracing.AttrMethod.String(res.Call.Method),
			tracing.AttrNamespace.String(res.Call.Namespace),
		)
	}
	if res.State != StateDelivered && res.State != StateAccepted {
		span.SetStatus(codes.Error, string(res.State))
	}
	r.metrics.Request(string(res.State))
	r.log.InfoContext(ctx, "relay.handle.done",
		slog.String("state", string(res.State)),
		slog.String("path", string(res.Path)),
		slog.String("delivery", string(res.Delivery.Outcome)),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return res
}

func (r *Router) handle(ctx context.Context, sub Submission) *Result {
	var req *jsonrpc.Request
	switch in := jsonrpc.Parse(sub.Body).(type) {
	case *jsonrpc.MalformedRequest:
		r.log.InfoContext(ctx, "relay.request.malformed", slog.Int("code", int(in.Code)), slog.String("reason", in.Reason))
		return &Result{State: StateRejectedMalformed, Reply: in.Response()}
	case *jsonrpc.ValidRequest:
		req = &in.Request
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: rpcType(req)})

	sessionID, source, err := r.ids.ForSubmit(sub.SessionQuery, sub.SessionHeader)
	if err != nil {
		r.log.InfoContext(ctx, "relay.session.unresolved", slog.String("err", err.Error()))
		return &Result{
			State: StateRejectedNoSession,
			Call:  &Call{ID: req.ID, Method: req.Method, Params: req.Params, Namespace: sub.Namespace},
			Reply: jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing or invalid session identifier", nil),
		}
	}

	call := &Call{
		ID:        req.ID,
		Method:    req.Method,
		Params:    req.Params,
		SessionID: sessionID,
		Source:    source,
		Namespace: r.namespaceFor(sub.Namespace, sessionID),
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, Namespace: call.Namespace, Source: string(source)})
	if source.IsFallback() {
		r.log.WarnContext(ctx, "relay.session.fallback")
	}

	if req.IsNotification() {
		r.notify(ctx, call, sub.Body)
		return &Result{State: StateAccepted, Call: call}
	}

	res := &Result{State: StateDelivered, Call: call}
	switch {
	case call.Method == r.handshakeMethod:
		res.Reply = r.result(ctx, call, r.descriptor)
	case r.cache != nil && call.Method == r.cachedMethod && !r.backends.Has(call.Namespace):
		res.Path = StateCacheHit
		payload, hit, err := r.serveCached(ctx, call)
		if !hit {
			res.Path = StateBackendCall
		}
		res.Reply = r.reply(ctx, call, payload, err)
	default:
		res.Path = StateBackendCall
		payload, err := r.forward(ctx, call, sub.Body)
		res.Reply = r.reply(ctx, call, payload, err)
	}
	if res.Reply.Error != nil {
		res.State = StateBackendError
	}

	raw, err := json.Marshal(res.Reply)
	if err != nil {
		r.log.ErrorContext(ctx, "relay.reply.encode.fail", slog.String("err", err.Error()))
		res.State = StateBackendError
		res.Reply = jsonrpc.NewErrorResponse(call.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		return res
	}
	res.Delivery = r.deliver.Deliver(ctx, call.SessionID, raw)
	return res
}

// namespaceFor prefers the route prefix and otherwise inherits the namespace
// the session's channel was opened under.
func (r *Router) namespaceFor(route, sessionID string) string {
	if route != "" {
		return route
	}
	if sess, ok := r.reg.Lookup(sessionID); ok {
		return sess.Namespace
	}
	return ""
}

func (r *Router) result(ctx context.Context, call *Call, payload json.RawMessage) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(call.ID, payload)
	if err != nil {
		r.log.ErrorContext(ctx, "relay.reply.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(call.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return res
}

func (r *Router) reply(ctx context.Context, call *Call, payload json.RawMessage, err error) *jsonrpc.Response {
	if err != nil {
		return jsonrpc.NewErrorResponse(call.ID, jsonrpc.ErrorCodeInternalError, backendErrorMessage(err), nil)
	}
	return r.result(ctx, call, payload)
}

// serveCached answers from the cache, waiting on a refresh when the entry is
// missing or expired. When no fresh payload can be had, a stale entry is
// still preferred over an error.
func (r *Router) serveCached(ctx context.Context, call *Call) (json.RawMessage, bool, error) {
	if payload, ok := r.cache.Serve(ctx, call.SessionID); ok {
		return payload, true, nil
	}

	var err error
	if p := r.cache.TriggerRefresh(ctx, call.SessionID, "miss"); p != nil {
		var payload json.RawMessage
		payload, err = p.Wait(ctx)
		if err == nil {
			return payload, false, nil
		}
	} else if payload, ok := r.cache.Get(); ok {
		// Another caller refreshed between Serve and TriggerRefresh.
		return payload, true, nil
	} else {
		err = cache.ErrCoolingDown
	}

	if e, ok := r.cache.Entry(); ok {
		r.log.WarnContext(ctx, "relay.cache.stale", slog.String("err", err.Error()), slog.Time("refreshed_at", e.RefreshedAt))
		return e.Payload, true, nil
	}
	return nil, false, err
}

// forward sends the original body to the backend. The call is detached from
// the submitting request so a reply can still reach a push channel after the
// caller goes away.
func (r *Router) forward(ctx context.Context, call *Call, body []byte) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.backendTimeout)
	defer cancel()

	start := time.Now()
	reply, err := r.backends.SendNamespace(ctx, call.Namespace, call.SessionID, body)
	var payload json.RawMessage
	if err == nil {
		payload, err = reply.Payload()
	}
	r.metrics.BackendCall(backendResult(err), time.Since(start).Seconds())
	if err != nil {
		r.log.WarnContext(ctx, "relay.backend.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return nil, err
	}
	r.log.DebugContext(ctx, "relay.backend.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return payload, nil
}

// notify forwards a notification. Notifications have no reply, so failures
// are only logged.
func (r *Router) notify(ctx context.Context, call *Call, body []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.backendTimeout)
	defer cancel()

	start := time.Now()
	_, err := r.backends.SendNamespace(ctx, call.Namespace, call.SessionID, body)
	r.metrics.BackendCall(backendResult(err), time.Since(start).Seconds())
	if err != nil {
		r.log.WarnContext(ctx, "relay.notification.fail", slog.String("err", err.Error()))
		return
	}
	r.log.DebugContext(ctx, "relay.notification.ok")
}

func backendResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, backend.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, backend.ErrNoAnswer):
		return "no_answer"
	default:
		return "error"
	}
}

func backendErrorMessage(err error) string {
	switch {
	case errors.Is(err, backend.ErrRateLimited), errors.Is(err, cache.ErrCoolingDown):
		return "backend rate limited; retry later"
	case errors.Is(err, backend.ErrNoAnswer):
		return "backend returned no answer"
	case errors.Is(err, backend.ErrUnknownNamespace):
		return "no backend configured for namespace"
	case errors.Is(err, context.DeadlineExceeded):
		return "backend timed out"
	default:
		return "backend error"
	}
}

func rpcType(req *jsonrpc.Request) string {
	if req.IsNotification() {
		return "notification"
	}
	return "request"
}
