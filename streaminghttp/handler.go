package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-relay-go/internal/logctx"
	"github.com/ggoodman/mcp-relay-go/internal/metrics"
	"github.com/ggoodman/mcp-relay-go/internal/tracing"
	"github.com/ggoodman/mcp-relay-go/relay"
	"github.com/ggoodman/mcp-relay-go/sessions"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	mcpSessionIDHeader = "Mcp-Session-Id"
	sessionIDQuery     = "sessionId"

	// DefaultHeartbeatInterval is the keep-alive period for idle streams.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultMaxBodyBytes bounds a submitted request body.
	DefaultMaxBodyBytes = 4 << 20
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. We do NOT claim JSON-RPC framing here; this is
// transport-level. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	heartbeat  time.Duration
	maxBody    int64
	namespaces func(string) bool
}

// WithLogger sets the slog handler used by the server. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithMetrics counts heartbeats and mounts GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *newConfig) { c.heartbeat = d }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBody = n }
}

// WithNamespaces restricts routes to the namespaces for which known returns
// true; the root routes are checked with the empty namespace. Unknown
// namespaces answer 404. By default every route is served.
func WithNamespaces(known func(namespace string) bool) Option {
	return func(c *newConfig) { c.namespaces = known }
}

// Handler is the relay's HTTP surface: SSE push channels, request submission
// and diagnostics.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	metrics   *metrics.Metrics
	reg       *sessions.Registry
	ids       *sessions.Resolver
	router    *relay.Router
	heartbeat time.Duration
	maxBody   int64
	known     func(string) bool
}

// New constructs a Handler serving reg's channels and submitting requests to
// router.
func New(reg *sessions.Registry, ids *sessions.Resolver, router *relay.Router, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("session resolver is required")
	}
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}

	cfg := &newConfig{
		logger:    slog.New(slog.DiscardHandler),
		heartbeat: DefaultHeartbeatInterval,
		maxBody:   DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       logctx.Wrap(cfg.logger),
		metrics:   cfg.metrics,
		reg:       reg,
		ids:       ids,
		router:    router,
		heartbeat: cfg.heartbeat,
		maxBody:   cfg.maxBody,
		known:     cfg.namespaces,
	}

	mux := http.NewServeMux()
	for _, prefix := range []string{"", "/{namespace}"} {
		mux.HandleFunc(fmt.Sprintf("GET %s/sse", prefix), h.handleGetSSE)
		mux.HandleFunc(fmt.Sprintf("DELETE %s/sse", prefix), h.handleDeleteSSE)
		mux.HandleFunc(fmt.Sprintf("POST %s/message", prefix), h.handlePostMessage)
	}
	mux.HandleFunc("GET /sessions", h.handleListSessions)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	mux.HandleFunc("OPTIONS /", handleOptions)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func setCORSHeaders(w http.ResponseWriter) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Mcp-Session-Id, Last-Event-ID")
	hdr.Set("Access-Control-Expose-Headers", mcpSessionIDHeader)
}

func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// namespace returns the route prefix and whether it may be served.
func (h *Handler) namespace(r *http.Request) (string, bool) {
	ns := r.PathValue("namespace")
	if h.known == nil {
		return ns, true
	}
	return ns, h.known(ns)
}

// handleGetSSE opens a push channel. The handler goroutine owns the channel:
// it writes the heartbeat until the client disconnects, a write fails or the
// session is torn down, and releases the registry entry on every exit path.
func (h *Handler) handleGetSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ns, ok := h.namespace(r)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown namespace")
		h.log.InfoContext(ctx, "http.get.namespace.unknown", slog.String("namespace", ns))
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sessionID, source := h.ids.ForOpen(r.URL.Query().Get(sessionIDQuery), r.Header.Get(mcpSessionIDHeader))
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, Namespace: ns, Source: string(source)})

	wf := &lockedWriteFlusher{w: w, f: f, ctx: ctx}
	ch := newSSEChannel(wf)

	w.Header().Set(mcpSessionIDHeader, sessionID)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	// Register before announcing the endpoint so a client cannot submit
	// ahead of its own channel.
	h.reg.Open(ctx, sessionID, ch, ns)
	defer func() {
		ch.end()
		wf.close()
		h.reg.Release(context.WithoutCancel(ctx), sessionID, ch)
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	}()

	if err := writeSSEEvent(wf, "endpoint", []byte(messageEndpoint(ns, sessionID))); err != nil {
		h.log.WarnContext(ctx, "sse.endpoint.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.Done():
			return
		case <-ticker.C:
			if err := writeSSEComment(wf, "ping"); err != nil {
				h.log.InfoContext(ctx, "sse.heartbeat.fail", slog.String("err", err.Error()))
				return
			}
			h.metrics.Heartbeat()
		}
	}
}

func messageEndpoint(ns, sessionID string) string {
	p := "/message"
	if ns != "" {
		p = "/" + url.PathEscape(ns) + p
	}
	return p + "?" + url.Values{sessionIDQuery: []string{sessionID}}.Encode()
}

// handleDeleteSSE tears down the identified session and ends its stream.
func (h *Handler) handleDeleteSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := strings.TrimSpace(r.URL.Query().Get(sessionIDQuery))
	if id == "" {
		id = strings.TrimSpace(r.Header.Get(mcpSessionIDHeader))
	}
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session identifier")
		h.log.InfoContext(ctx, "http.delete.session.missing")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Namespace: r.PathValue("namespace")})

	sess, ok := h.reg.Lookup(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		h.log.InfoContext(ctx, "http.delete.session.miss")
		return
	}
	h.reg.Close(ctx, id)
	if c, ok := sess.Channel.(io.Closer); ok {
		_ = c.Close()
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok")
}

type acceptedBody struct {
	Status   string `json:"status"`
	Delivery string `json:"delivery,omitempty"`
}

// handlePostMessage submits one JSON-RPC request. When a push channel
// received the reply the HTTP answer is only an acknowledgement.
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ns, ok := h.namespace(r)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown namespace")
		h.log.InfoContext(ctx, "http.post.namespace.unknown", slog.String("namespace", ns))
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		}
		h.log.WarnContext(ctx, "http.post.body.fail", slog.String("err", err.Error()))
		return
	}

	ctx, span := tracing.StartServerSpan(ctx, "http.post.message", tracing.AttrNamespace.String(ns))
	defer span.End()

	res := h.router.Handle(ctx, relay.Submission{
		Body:          body,
		SessionQuery:  r.URL.Query().Get(sessionIDQuery),
		SessionHeader: r.Header.Get(mcpSessionIDHeader),
		Namespace:     ns,
	})
	if res.Call != nil && res.Call.SessionID != "" {
		w.Header().Set(mcpSessionIDHeader, res.Call.SessionID)
	}

	switch {
	case res.State == relay.StateRejectedMalformed || res.State == relay.StateRejectedNoSession:
		writeJSON(w, http.StatusBadRequest, res.Reply)
	case res.State == relay.StateAccepted:
		writeJSON(w, http.StatusAccepted, acceptedBody{Status: "accepted"})
	case res.Pushed():
		writeJSON(w, http.StatusAccepted, acceptedBody{Status: "accepted", Delivery: string(res.Delivery.Outcome)})
	default:
		writeJSON(w, http.StatusOK, res.Reply)
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.String("state", string(res.State)), slog.Duration("dur", time.Since(start)))
}

type sessionsBody struct {
	Count    int      `json:"count"`
	Sessions []string `json:"sessions"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := h.reg.List()
	writeJSON(w, http.StatusOK, sessionsBody{Count: len(ids), Sessions: ids})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": h.reg.Count()})
}
