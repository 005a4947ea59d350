// Package challenge issues the single-use nonces non-local connections
// must include in their signed connect payloads.
package challenge
