// Package gateway serves client connections over WebSocket and the
// pairing admin API over HTTP, on a plain TCP listener or as a tailnet
// node via tsnet.
//
// Each accepted socket runs the connect handshake; established sessions
// then loop through the configured Dispatcher, which owns scope
// enforcement. The admin API is JWT-gated and manages pairing requests,
// paired devices, and device-token rotation.
package gateway
