// Package session owns pipe pairing state.
//
// Ownership boundary:
// - Session: the two connection slots of one pipe and their lifecycle
// - Registry: the single long-lived owner of sessions, keyed by pipe
// - pending-session expiry and listener teardown sweeps
//
// Listeners and the relay engine hold transient references only.
package session
