// Package streaminghttp implements the relay's HTTP transport. It mounts as a
// standard net/http handler and pairs long-lived Server-Sent Events streams
// (push channels) with plain POST submissions.
//
// Routes
//
//	GET    [/{namespace}]/sse       open a push channel
//	POST   [/{namespace}]/message   submit one JSON-RPC request
//	DELETE [/{namespace}]/sse       tear down a session
//	GET    /sessions                diagnostics
//	GET    /healthz                 liveness
//	GET    /metrics                 Prometheus exposition (WithMetrics)
//
// A stream starts with an "endpoint" event naming the URL to POST to, then
// carries "data:" frames holding reply envelopes and ":ping" comments at the
// heartbeat interval.
//
// # Synchronous answers
//
// A submission whose reply reached a push channel is acknowledged with 202 and
// {"status":"accepted","delivery":"<outcome>"}; the reply itself is never sent
// twice. With no channel the reply is the 200 response body. Malformed bodies
// and unresolvable sessions answer 400 with a JSON-RPC error envelope.
//
// # Channel lifetime
//
// The GET handler goroutine owns its channel. The heartbeat runs on that
// goroutine, so it stops with the stream. Every exit path releases the
// registry entry, and a release only removes the entry while it still refers
// to the same channel.
//
// Example (mount in net/http):
//
//	h, _ := streaminghttp.New(reg, ids, router, streaminghttp.WithLogger(log))
//	http.ListenAndServe(":8080", h)
package streaminghttp
