// Package sessions tracks the push channels clients hold open against the
// relay and resolves which session a submitted request belongs to.
//
// # Registry
//
// Registry maps a session identifier to the push channel currently open under
// it. It only references channels; the transport owns them and must Release
// its entry on every exit path. Reopening an identifier supersedes the old
// entry without closing the old channel, and Release of a superseded channel
// leaves its successor in place.
//
// # Resolution
//
// Resolver implements the identifier policy used before any registry lookup:
//
//	open:   query -> header -> generated UUID
//	submit: query -> header -> only open session -> most recent session -> "default"
//
// In strict mode supplied identifiers must be UUIDs (anything else counts as
// absent) and the "default" tier is disabled, so an unresolvable submission
// fails with ErrNoSession.
package sessions
