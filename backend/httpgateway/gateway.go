// Package httpgateway implements backend.Gateway over a plain HTTP
// conversation API:
//
//	POST {base}/conversations/{conversationID}/messages  {"text": "<payload>"}
//	200  {"hasAnswer": true, "messages": [{"text": "..."}]}
//
// A 429 response maps to backend.ErrRateLimited.
package httpgateway

import (
	"bytes"
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
	"unicode/utf8"

	"github.com/ggoodman/mcp-relay-go/backend"
	"github.com/ggoodman/mcp-relay-go/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const maxReplyBytes = 4 << 20

// ErrInvalidConversationID is returned for ids that cannot be carried as a
// single path segment.
var ErrInvalidConversationID = errors.New("invalid conversation id")

// StatusError reports a non-2xx backend status other than 429.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend status %d: %s", e.StatusCode, e.Body)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient overrides the HTTP client. The default has a 30s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithBearerToken attaches an Authorization: Bearer header to every call.
func WithBearerToken(tok string) Option {
	return func(g *Gateway) { g.token = strings.TrimSpace(tok) }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithName labels the gateway in logs and spans, typically with its namespace.
func WithName(name string) Option {
	return func(g *Gateway) { g.name = name }
}

// Gateway is an HTTP backend.Gateway.
type Gateway struct {
	base   *url.URL
	client *http.Client
	token  string
	name   string
	log    *slog.Logger
}

var _ backend.Gateway = (*Gateway)(nil)

// New creates a Gateway for the backend rooted at baseURL.
func New(baseURL string, opts ...Option) (*Gateway, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", baseURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("backend URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	g := &Gateway{
		base:   u,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

type sendBody struct {
	Text string `json:"text"`
}

// Send implements backend.Gateway.
func (g *Gateway) Send(ctx context.Context, conversationID string, payload []byte) (*backend.Reply, error) {
	start := time.Now()
	ctx, span := tracing.StartClientSpan(ctx, "backend.send",
		tracing.AttrConversationID.String(conversationID),
		attribute.String("relay.backend.name", g.name),
	)
	defer span.End()

	reply, err := g.send(ctx, conversationID, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.log.WarnContext(ctx, "backend.send.fail", slog.String("backend", g.name), slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return nil, err
	}
	g.log.DebugContext(ctx, "backend.send.ok", slog.String("backend", g.name), slog.Bool("has_answer", reply.HasAnswer), slog.Duration("dur", time.Since(start)))
	return reply, nil
}

func (g *Gateway) send(ctx context.Context, conversationID string, payload []byte) (*backend.Reply, error) {
	body, err := json.Marshal(sendBody{Text: string(payload)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode backend request: %w", err)
	}

	endpoint, err := g.endpoint(conversationID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	res, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}

	if res.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d", backend.ErrRateLimited, res.StatusCode)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{StatusCode: res.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), 256)}
	}

	var reply backend.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("malformed backend response: %w", err)
	}
	return &reply, nil
}

// endpoint builds {base}/conversations/{id}/messages with the id escaped into
// exactly one path segment.
func (g *Gateway) endpoint(conversationID string) (*url.URL, error) {
	switch conversationID {
	case "", ".", "..":
		return nil, fmt.Errorf("%w: %q", ErrInvalidConversationID, conversationID)
	}
	u := *g.base
	basePath := strings.TrimSuffix(u.Path, "/")
	baseRaw := strings.TrimSuffix(u.EscapedPath(), "/")
	u.Path = basePath + "/conversations/" + conversationID + "/messages"
	u.RawPath = baseRaw + "/conversations/" + url.PathEscape(conversationID) + "/messages"
	return &u, nil
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
