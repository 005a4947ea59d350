// ABOUTME: Tests for failure buckets, lockout windows, and class independence
// ABOUTME: Uses an injected clock to step through window and lockout expiry

package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := New(cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_LocksAfterThreshold(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Window: time.Minute, Lockout: time.Minute}
	l, _ := newTestLimiter(cfg)

	remote := "203.0.113.7"
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ClassSharedSecret, remote))
		l.Failure(ClassSharedSecret, remote)
	}

	assert.ErrorIs(t, l.Allow(ClassSharedSecret, remote), ErrLocked)
}

func TestLimiter_LockoutExpires(t *testing.T) {
	cfg := Config{MaxAttempts: 2, Window: time.Minute, Lockout: 30 * time.Second}
	l, now := newTestLimiter(cfg)

	remote := "203.0.113.7"
	l.Failure(ClassSharedSecret, remote)
	l.Failure(ClassSharedSecret, remote)
	require.ErrorIs(t, l.Allow(ClassSharedSecret, remote), ErrLocked)

	*now = now.Add(31 * time.Second)
	assert.NoError(t, l.Allow(ClassSharedSecret, remote))
}

func TestLimiter_ClassesAreIndependent(t *testing.T) {
	cfg := Config{MaxAttempts: 2, Window: time.Minute, Lockout: time.Minute}
	l, _ := newTestLimiter(cfg)

	remote := "203.0.113.7"
	l.Failure(ClassSharedSecret, remote)
	l.Failure(ClassSharedSecret, remote)

	// Shared-secret bucket is locked; device-token bucket for the same
	// remote must be unaffected.
	assert.ErrorIs(t, l.Allow(ClassSharedSecret, remote), ErrLocked)
	assert.NoError(t, l.Allow(ClassDeviceToken, remote))

	l.Failure(ClassDeviceToken, remote)
	l.Failure(ClassDeviceToken, remote)
	assert.ErrorIs(t, l.Allow(ClassDeviceToken, remote), ErrLocked)
}

func TestLimiter_PortsShareHostBucket(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Window: time.Minute, Lockout: time.Minute}
	l, _ := newTestLimiter(cfg)

	// Reconnects arrive on fresh ephemeral source ports; the failures
	// still count against the host.
	for port := 50000; port < 50003; port++ {
		remote := fmt.Sprintf("198.51.100.7:%d", port)
		require.NoError(t, l.Allow(ClassSharedSecret, remote))
		l.Failure(ClassSharedSecret, remote)
	}

	assert.ErrorIs(t, l.Allow(ClassSharedSecret, "198.51.100.7:61000"), ErrLocked)
	assert.NoError(t, l.Allow(ClassSharedSecret, "198.51.100.8:61000"))
}

func TestLimiter_RemotesAreIndependent(t *testing.T) {
	cfg := Config{MaxAttempts: 1, Window: time.Minute, Lockout: time.Minute}
	l, _ := newTestLimiter(cfg)

	l.Failure(ClassDeviceToken, "203.0.113.7")
	assert.ErrorIs(t, l.Allow(ClassDeviceToken, "203.0.113.7"), ErrLocked)
	assert.NoError(t, l.Allow(ClassDeviceToken, "203.0.113.8"))
}

func TestLimiter_SuccessResetsBucket(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Window: time.Minute, Lockout: time.Minute}
	l, _ := newTestLimiter(cfg)

	remote := "203.0.113.7"
	l.Failure(ClassSharedSecret, remote)
	l.Failure(ClassSharedSecret, remote)
	l.Success(ClassSharedSecret, remote)

	// Two more failures alone must not lock after the reset.
	l.Failure(ClassSharedSecret, remote)
	l.Failure(ClassSharedSecret, remote)
	assert.NoError(t, l.Allow(ClassSharedSecret, remote))
}

func TestLimiter_WindowExpiryClearsCount(t *testing.T) {
	cfg := Config{MaxAttempts: 2, Window: 10 * time.Second, Lockout: time.Minute}
	l, now := newTestLimiter(cfg)

	remote := "203.0.113.7"
	l.Failure(ClassSharedSecret, remote)

	*now = now.Add(11 * time.Second)
	l.Failure(ClassSharedSecret, remote)

	// One failure per window, threshold never reached.
	assert.NoError(t, l.Allow(ClassSharedSecret, remote))
}

func TestLimiter_LoopbackExemption(t *testing.T) {
	cfg := Config{MaxAttempts: 1, Window: time.Minute, Lockout: time.Minute, ExemptLoopback: true}
	l, _ := newTestLimiter(cfg)

	for i := 0; i < 10; i++ {
		l.Failure(ClassSharedSecret, "127.0.0.1:52011")
	}
	assert.NoError(t, l.Allow(ClassSharedSecret, "127.0.0.1:52011"))

	// Exemption off: loopback locks like anything else.
	cfg.ExemptLoopback = false
	l2, _ := newTestLimiter(cfg)
	l2.Failure(ClassSharedSecret, "127.0.0.1:52011")
	assert.ErrorIs(t, l2.Allow(ClassSharedSecret, "127.0.0.1:52011"), ErrLocked)
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		remote string
		want   bool
	}{
		{"127.0.0.1", true},
		{"127.0.0.1:9000", true},
		{"::1", true},
		{"[::1]:9000", true},
		{"localhost", true},
		{"203.0.113.7", false},
		{"203.0.113.7:9000", false},
		{"example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			assert.Equal(t, tt.want, IsLoopback(tt.remote))
		})
	}
}
