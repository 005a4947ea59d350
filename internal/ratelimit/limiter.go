// ABOUTME: Per-credential-class failure tracking with lockout enforcement
// ABOUTME: Buckets are keyed by (class, remote) so credential classes never interfere

package ratelimit

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"
)

// ErrLocked is returned when a bucket is locked out. Callers surface it as
// a distinct "retry later" response so lockouts never leak whether the
// underlying credential was otherwise valid.
var ErrLocked = errors.New("too many failed attempts")

// Class identifies the credential class a failure counts against.
// Shared-secret and device-token failures are tracked independently:
// exhausting one class for a remote must never block the other.
type Class string

const (
	ClassSharedSecret Class = "shared-secret"
	ClassDeviceToken  Class = "device-token"
)

// Config holds the limiter tunables.
type Config struct {
	// MaxAttempts is the failure count that locks the bucket: the Nth
	// failure within Window triggers the lockout. Zero disables limiting.
	MaxAttempts int
	// Window is the rolling period failures are counted over.
	Window time.Duration
	// Lockout is how long a locked bucket rejects attempts.
	Lockout time.Duration
	// ExemptLoopback skips limiting for loopback remotes.
	ExemptLoopback bool
}

// DefaultConfig matches the served defaults: 10 failures per minute locks
// the bucket for a minute, loopback exempt.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    10,
		Window:         time.Minute,
		Lockout:        time.Minute,
		ExemptLoopback: true,
	}
}

type bucketKey struct {
	class  Class
	remote string
}

// key normalizes a remote into a stable bucket key. Reconnects arrive on
// fresh ephemeral source ports, so the port is stripped and all attempts
// from one host share a bucket.
func key(class Class, remote string) bucketKey {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	return bucketKey{class, remote}
}

type bucket struct {
	attempts    int
	windowStart time.Time
	lockedUntil time.Time
}

// Limiter tracks failed authentication attempts per (class, remote) bucket.
// All read-modify-write sequences on a bucket happen under one lock, so
// "check, increment, maybe lock" is atomic with respect to concurrent
// handshakes.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[bucketKey]*bucket

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter with the given config.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether an attempt for the class/remote may proceed.
// Returns ErrLocked while the bucket's lockout is in effect.
func (l *Limiter) Allow(class Class, remote string) error {
	if l.exempt(remote) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key(class, remote)]
	if !ok {
		return nil
	}
	if l.now().Before(b.lockedUntil) {
		return ErrLocked
	}
	return nil
}

// Failure records a failed attempt and locks the bucket when it is the
// MaxAttempts-th failure within the window.
func (l *Limiter) Failure(class Class, remote string) {
	if l.exempt(remote) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(class, remote)
	now := l.now()

	b, ok := l.buckets[k]
	if !ok || now.Sub(b.windowStart) > l.cfg.Window {
		b = &bucket{windowStart: now}
		l.buckets[k] = b
	}

	b.attempts++
	if b.attempts >= l.cfg.MaxAttempts {
		b.lockedUntil = now.Add(l.cfg.Lockout)
		// A fresh window starts once the lockout expires.
		b.attempts = 0
		b.windowStart = now
	}
}

// Success clears the bucket after a successful authentication.
func (l *Limiter) Success(class Class, remote string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key(class, remote))
}

// exempt reports whether limiting is disabled for this remote.
func (l *Limiter) exempt(remote string) bool {
	if l.cfg.MaxAttempts <= 0 {
		return true
	}
	if l.cfg.ExemptLoopback && IsLoopback(remote) {
		return true
	}
	return false
}

// IsLoopback reports whether remote (an ip or host:port) is a loopback
// address.
func IsLoopback(remote string) bool {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return host == "localhost"
	}
	return addr.IsLoopback()
}
