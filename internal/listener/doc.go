// Package listener owns the two pairing accept loops.
//
// Ownership boundary:
// - accepting target and client connections and reading their handshake
// - attaching connections to registry sessions and completing pairings
// - restarting a listener whose accept loop failed
//
// A connection is tracked by its listener only until it is attached; from
// then on the session and the relay engine own it.
package listener
