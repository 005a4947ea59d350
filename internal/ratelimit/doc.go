// Package ratelimit enforces lockouts on repeated authentication failures,
// bucketed independently per credential class and remote address.
package ratelimit
