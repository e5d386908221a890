package backend_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/mcp-relay-go/backend"
	"github.com/ggoodman/mcp-relay-go/backend/backendtest"
)

func TestReplyPayload(t *testing.T) {
	cases := []struct {
		name  string
		reply *backend.Reply
		want  string
		err   error
	}{
		{name: "json object", reply: backendtest.Answer(`{"tools":[]}`), want: `{"tools":[]}`},
		{name: "json with whitespace", reply: backendtest.Answer("  [1,2]\n"), want: `[1,2]`},
		{name: "plain text", reply: backendtest.Answer("hello there"), want: `"hello there"`},
		{name: "empty text", reply: backendtest.Answer(""), want: `""`},
		{name: "no answer", reply: &backend.Reply{HasAnswer: false, Messages: []backend.Message{{Text: "x"}}}, err: backend.ErrNoAnswer},
		{name: "no messages", reply: &backend.Reply{HasAnswer: true}, err: backend.ErrNoAnswer},
		{name: "nil reply", reply: nil, err: backend.ErrNoAnswer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.reply.Payload()
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("want %v got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("want %s got %s", tc.want, got)
			}
		})
	}
}

func TestMuxRouting(t *testing.T) {
	def := backendtest.New("default")
	alpha := backendtest.New("alpha")
	m := backend.NewMux(def)
	m.Handle("alpha", alpha)

	ctx := context.Background()
	if _, err := m.SendNamespace(ctx, "alpha", "c1", []byte("p")); err != nil {
		t.Fatalf("alpha: %v", err)
	}
	if _, err := m.SendNamespace(ctx, "beta", "c2", []byte("p")); err != nil {
		t.Fatalf("beta falls back to default: %v", err)
	}
	if _, err := m.Send(ctx, "c3", []byte("p")); err != nil {
		t.Fatalf("default: %v", err)
	}

	if alpha.Len() != 1 || alpha.Calls()[0].ConversationID != "c1" {
		t.Fatalf("alpha calls: %+v", alpha.Calls())
	}
	if def.Len() != 2 {
		t.Fatalf("default calls: want 2 got %d", def.Len())
	}
	if !m.Has("alpha") || m.Has("beta") {
		t.Fatalf("Has reports wrong namespaces")
	}
	if !m.Serves("") || !m.Serves("alpha") || m.Serves("beta") {
		t.Fatalf("Serves reports wrong namespaces")
	}
	if got := m.Namespaces(); len(got) != 1 || got[0] != "alpha" {
		t.Fatalf("Namespaces: %v", got)
	}
}

func TestMuxUnknownNamespaceWithoutDefault(t *testing.T) {
	m := backend.NewMux(nil)
	m.Handle("alpha", backendtest.New("alpha"))

	if _, err := m.SendNamespace(context.Background(), "beta", "c", nil); !errors.Is(err, backend.ErrUnknownNamespace) {
		t.Fatalf("want ErrUnknownNamespace, got %v", err)
	}
	if m.Serves("") {
		t.Fatalf("the root namespace has no gateway without a default")
	}
}
