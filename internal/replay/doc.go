// Package replay provides a time-bounded record of consumed nonces and
// signed payloads, used to reject replays within the signature window.
package replay
