// ABOUTME: Tests for the credential resolver and its strategies
// ABOUTME: Covers precedence, per-path rate buckets, and the four credential paths

package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/tether-gateway/internal/config"
	"github.com/2389/tether-gateway/internal/identity"
	"github.com/2389/tether-gateway/internal/ratelimit"
	"github.com/2389/tether-gateway/internal/store"
)

func newTestLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		MaxAttempts: 3,
		Window:      time.Minute,
		Lockout:     time.Minute,
	})
}

func plainMeta(remote string) *ConnMeta {
	return &ConnMeta{
		ConnID:     "conn-1",
		RemoteAddr: remote,
		Headers:    http.Header{},
	}
}

func TestResolver_NoCredentials(t *testing.T) {
	r := NewResolver(newTestLimiter(),
		NewSharedSecretStrategy(config.AuthConfig{Mode: "token", Token: "secret"}))

	_, err := r.Resolve(context.Background(), &SignedConnect{}, plainMeta("198.51.100.1:1000"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Resolve() = %v, want ErrUnauthorized", err)
	}
}

func TestSharedSecret_Token(t *testing.T) {
	r := NewResolver(newTestLimiter(),
		NewSharedSecretStrategy(config.AuthConfig{Mode: "token", Token: "secret"}))

	out, err := r.Resolve(context.Background(),
		&SignedConnect{ClientID: "console", Token: "secret"},
		plainMeta("198.51.100.1:1000"))
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if out.Kind != KindSharedSecret || out.PrincipalID != "console" {
		t.Errorf("outcome = %+v", out)
	}

	_, err = r.Resolve(context.Background(),
		&SignedConnect{Token: "wrong"},
		plainMeta("198.51.100.1:1000"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong token = %v, want ErrUnauthorized", err)
	}
}

func TestSharedSecret_Password(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() failed: %v", err)
	}

	r := NewResolver(newTestLimiter(),
		NewSharedSecretStrategy(config.AuthConfig{Mode: "password", PasswordHash: string(hash)}))

	out, err := r.Resolve(context.Background(),
		&SignedConnect{ClientID: "console", Password: "hunter2"},
		plainMeta("198.51.100.1:1000"))
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if out.Kind != KindSharedSecret {
		t.Errorf("Kind = %q", out.Kind)
	}

	_, err = r.Resolve(context.Background(),
		&SignedConnect{Password: "wrong"},
		plainMeta("198.51.100.1:1000"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong password = %v, want ErrUnauthorized", err)
	}
}

func TestSharedSecret_Lockout(t *testing.T) {
	r := NewResolver(newTestLimiter(),
		NewSharedSecretStrategy(config.AuthConfig{Mode: "token", Token: "secret"}))
	ctx := context.Background()
	meta := plainMeta("198.51.100.1:1000")

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(ctx, &SignedConnect{Token: "wrong"}, meta); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("attempt %d = %v, want ErrUnauthorized", i, err)
		}
	}

	// Bucket is now locked; even the right token gets retry-later
	if _, err := r.Resolve(ctx, &SignedConnect{Token: "secret"}, meta); !errors.Is(err, ErrRateLimited) {
		t.Errorf("locked Resolve() = %v, want ErrRateLimited", err)
	}

	// A different remote is unaffected
	if _, err := r.Resolve(ctx, &SignedConnect{Token: "secret"}, plainMeta("203.0.113.9:2000")); err != nil {
		t.Errorf("other remote Resolve() = %v, want nil", err)
	}
}

func TestTrustedProxy(t *testing.T) {
	cfg := config.TrustedProxyConfig{
		Enabled:        true,
		Proxies:        []string{"10.0.0.5"},
		IdentityHeader: "X-Tether-User",
		RequiredHeaders: map[string]string{
			"X-Tether-Auth": "proxy-ok",
		},
	}
	r := NewResolver(newTestLimiter(), NewTrustedProxyStrategy(cfg))
	ctx := context.Background()

	meta := plainMeta("10.0.0.5:4000")
	meta.Headers.Set("X-Tether-User", "alex")
	meta.Headers.Set("X-Tether-Auth", "proxy-ok")

	out, err := r.Resolve(ctx, &SignedConnect{}, meta)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if out.Kind != KindTrustedProxy || out.PrincipalID != "alex" {
		t.Errorf("outcome = %+v", out)
	}

	// Same headers from an unlisted source IP are ignored
	spoofed := plainMeta("198.51.100.1:4000")
	spoofed.Headers.Set("X-Tether-User", "alex")
	spoofed.Headers.Set("X-Tether-Auth", "proxy-ok")
	if _, err := r.Resolve(ctx, &SignedConnect{}, spoofed); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("spoofed Resolve() = %v, want ErrUnauthorized", err)
	}

	// Missing required header fails even from a trusted proxy
	partial := plainMeta("10.0.0.5:4000")
	partial.Headers.Set("X-Tether-User", "alex")
	if _, err := r.Resolve(ctx, &SignedConnect{}, partial); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("partial headers Resolve() = %v, want ErrUnauthorized", err)
	}
}

func TestMeshStrategy(t *testing.T) {
	ctx := context.Background()

	enabled := NewResolver(newTestLimiter(), NewMeshStrategy(true))
	meta := plainMeta("100.64.0.7:5000")
	meta.Mesh = &MeshIdentity{LoginName: "alex@example.com", NodeName: "laptop"}

	out, err := enabled.Resolve(ctx, &SignedConnect{}, meta)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if out.Kind != KindMesh || out.PrincipalID != "alex@example.com" {
		t.Errorf("outcome = %+v", out)
	}

	// Bypass disabled: mesh identity alone does not authenticate
	disabled := NewResolver(newTestLimiter(), NewMeshStrategy(false))
	if _, err := disabled.Resolve(ctx, &SignedConnect{}, meta); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("disabled Resolve() = %v, want ErrUnauthorized", err)
	}
}

// pairDevice approves a pairing for id and returns the issued token
func pairDevice(t *testing.T, registry store.Store, deviceID, pubkey, role string, scopes []string) string {
	t.Helper()
	req, err := registry.QueuePairingRequest(context.Background(), &store.PairingRequest{
		DeviceID:        deviceID,
		PublicKey:       pubkey,
		DisplayName:     "test device",
		Role:            role,
		RequestedScopes: scopes,
		ClientMode:      "daemon",
	})
	if err != nil {
		t.Fatalf("QueuePairingRequest() failed: %v", err)
	}
	approval, err := registry.ApprovePairingRequest(context.Background(), req.ID, "admin")
	if err != nil {
		t.Fatalf("ApprovePairingRequest() failed: %v", err)
	}
	return approval.Token.Token
}

func TestDeviceTokenStrategy(t *testing.T) {
	registry := store.NewMockStore()
	verifier, _ := newTestVerifier(t)
	r := NewResolver(newTestLimiter(),
		NewSharedSecretStrategy(config.AuthConfig{Mode: "token", Token: "shared"}),
		NewDeviceTokenStrategy(verifier, registry))
	ctx := context.Background()

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}
	token := pairDevice(t, registry, id.DeviceID(), id.PublicKey(), "node", []string{"session.read"})

	sc := &SignedConnect{
		ClientID: "node-1",
		Role:     "node",
		Scopes:   []string{"session.read"},
		Token:    token,
	}
	signConnect(t, id, sc, time.Now().UnixMilli(), "")

	meta := plainMeta("127.0.0.1:3000")
	meta.Loopback = true

	out, err := r.Resolve(ctx, sc, meta)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if out.Kind != KindDevice || out.DeviceID != id.DeviceID() {
		t.Errorf("outcome = %+v", out)
	}
	if out.Identity == nil || len(out.Identity.Scopes) != 1 {
		t.Errorf("Identity = %+v", out.Identity)
	}
}

func TestDeviceTokenStrategy_RoleMismatch(t *testing.T) {
	registry := store.NewMockStore()
	verifier, _ := newTestVerifier(t)
	r := NewResolver(newTestLimiter(), NewDeviceTokenStrategy(verifier, registry))

	id, _ := identity.Generate()
	token := pairDevice(t, registry, id.DeviceID(), id.PublicKey(), "node", []string{"session.read"})

	sc := &SignedConnect{ClientID: "node-1", Role: "operator", Token: token}
	signConnect(t, id, sc, time.Now().UnixMilli(), "")

	meta := plainMeta("127.0.0.1:3000")
	meta.Loopback = true

	if _, err := r.Resolve(context.Background(), sc, meta); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Resolve() = %v, want ErrUnauthorized", err)
	}
}

func TestDeviceTokenStrategy_RevokedDevice(t *testing.T) {
	registry := store.NewMockStore()
	verifier, _ := newTestVerifier(t)
	r := NewResolver(newTestLimiter(), NewDeviceTokenStrategy(verifier, registry))
	ctx := context.Background()

	id, _ := identity.Generate()
	token := pairDevice(t, registry, id.DeviceID(), id.PublicKey(), "node", []string{"session.read"})

	if err := registry.RevokeDevice(ctx, id.DeviceID()); err != nil {
		t.Fatalf("RevokeDevice() failed: %v", err)
	}

	sc := &SignedConnect{ClientID: "node-1", Role: "node", Scopes: []string{"session.read"}, Token: token}
	signConnect(t, id, sc, time.Now().UnixMilli(), "")

	meta := plainMeta("127.0.0.1:3000")
	meta.Loopback = true

	if _, err := r.Resolve(ctx, sc, meta); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Resolve() after revoke = %v, want ErrUnauthorized", err)
	}
}

func TestRateBuckets_Independent(t *testing.T) {
	registry := store.NewMockStore()
	verifier, _ := newTestVerifier(t)
	r := NewResolver(newTestLimiter(),
		NewSharedSecretStrategy(config.AuthConfig{Mode: "token", Token: "shared"}),
		NewDeviceTokenStrategy(verifier, registry))
	ctx := context.Background()

	// Lock the shared-secret bucket for this remote
	for i := 0; i < 3; i++ {
		meta := plainMeta("198.51.100.1:1000")
		if _, err := r.Resolve(ctx, &SignedConnect{Token: "wrong"}, meta); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("attempt %d = %v", i, err)
		}
	}

	// A device-token connect from the same remote still works
	id, _ := identity.Generate()
	token := pairDevice(t, registry, id.DeviceID(), id.PublicKey(), "node", []string{"session.read"})

	sc := &SignedConnect{ClientID: "node-1", Role: "node", Scopes: []string{"session.read"}, Token: token}
	signConnect(t, id, sc, time.Now().UnixMilli(), "")

	meta := plainMeta("198.51.100.1:1000")
	meta.Loopback = true

	out, err := r.Resolve(ctx, sc, meta)
	if err != nil {
		t.Fatalf("device path Resolve() = %v, want nil", err)
	}
	if out.Kind != KindDevice {
		t.Errorf("Kind = %q, want device", out.Kind)
	}
}

func TestPrecedence_TrustedProxyWins(t *testing.T) {
	proxyCfg := config.TrustedProxyConfig{
		Enabled:        true,
		Proxies:        []string{"10.0.0.5"},
		IdentityHeader: "X-Tether-User",
	}
	r := NewResolver(newTestLimiter(),
		NewTrustedProxyStrategy(proxyCfg),
		NewSharedSecretStrategy(config.AuthConfig{Mode: "token", Token: "shared"}))

	meta := plainMeta("10.0.0.5:4000")
	meta.Headers.Set("X-Tether-User", "alex")

	out, err := r.Resolve(context.Background(), &SignedConnect{Token: "shared"}, meta)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if out.Kind != KindTrustedProxy {
		t.Errorf("Kind = %q, want trusted-proxy", out.Kind)
	}
}
