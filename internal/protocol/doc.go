// Package protocol owns the pairing wire contract.
//
// Ownership boundary:
// - handshake message shape and action names
// - frame/header primitives (subpackage frame)
// - error taxonomy shared by listeners and the relay
package protocol
