package logctx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/ggoodman/mcp-relay-go/internal/logctx"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := logctx.Wrap(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := logctx.WithRequestData(context.Background(), &logctx.RequestData{RequestID: "r1", Method: "POST", Path: "/message"})
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: "s1", Source: "query"})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: "tools/call", ID: "7", Type: "request"})
	log.InfoContext(ctx, "relay.handle.done")

	var rec struct {
		Req  map[string]string `json:"req"`
		Sess map[string]string `json:"sess"`
		RPC  map[string]string `json:"rpc"`
	}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v\n%s", err, buf.String())
	}
	if rec.Req["id"] != "r1" || rec.Sess["id"] != "s1" || rec.Sess["source"] != "query" || rec.RPC["method"] != "tools/call" {
		t.Fatalf("missing context groups: %s", buf.String())
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	log := logctx.Wrap(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if logctx.Wrap(log) != log {
		t.Fatalf("wrapping twice should return the same logger")
	}
	if logctx.Wrap(nil) == nil {
		t.Fatalf("nil logger should yield a discarding logger")
	}
}
