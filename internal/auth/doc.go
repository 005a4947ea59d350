// Package auth implements credential resolution and scope authorization
// for tether-gateway connections.
//
// A connect request may prove identity over several mutually exclusive
// paths, evaluated in fixed precedence by the Resolver:
//
//  1. Trusted-proxy headers, only from allowlisted source IPs.
//  2. Mesh (tailnet) identity, only when bypass is explicitly enabled.
//  3. Shared secret: a token compared in constant time, or a password
//     checked against a bcrypt hash.
//  4. Device bearer token, bound to a verified device signature and
//     looked up in the pairing registry.
//
// Failing one path does not stop the next from being tried, but every
// failed shared-secret or device-token attempt counts against that
// path's own rate-limit bucket.
//
// The DeviceVerifier checks signatures over the canonical connect
// payload (see CanonicalPayload): an SSH signature from the device's
// ed25519 key, bound to a freshness window and, off loopback, to the
// single-use nonce issued to the connection.
//
// The Authorizer turns a resolution outcome into a granted scope set.
// Grants never exceed the request, device grants never exceed the
// approved pairing record, and operator.admin can only come from an
// approved record. Unpaired devices requesting scopes are accepted with
// zero scopes while a pairing request waits for out-of-band approval.
//
// Admin API requests use HS256 JWTs (JWTVerifier, AdminAuthMiddleware),
// unrelated to device tokens.
package auth
