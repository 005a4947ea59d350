// Package handshake drives the connect protocol for new connections.
//
// Every connection walks the same state machine: Opened (a challenge
// nonce goes out to non-local peers), AwaitingConnect (the first request
// must be connect, within a deadline that actively closes the socket),
// Authenticating (the credential resolver picks a path), Authorizing
// (scopes are granted or pairing is queued), and finally Established or
// Rejected. Rejections carry one of a small set of reason strings that
// double as the close reason, so clients can react without parsing
// free-form text.
//
// The orchestrator owns no transport details; anything implementing Conn
// can be handed to Run.
package handshake
