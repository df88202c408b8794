// Package session owns the lifecycle of PTY-backed conversation sessions.
//
// The Manager's lookup table is the single source of truth for session
// existence. Sessions are never handed out to other components; everything
// goes through the Manager by session id. Each session has one background
// reader goroutine pumping process output into a bounded buffer, and at most
// one in-flight command.
package session
