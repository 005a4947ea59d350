// ABOUTME: Credential resolution for connect requests
// ABOUTME: Evaluates trusted-proxy, mesh, shared-secret, and device-token paths in fixed precedence

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/tether-gateway/internal/config"
	"github.com/2389/tether-gateway/internal/ratelimit"
	"github.com/2389/tether-gateway/internal/store"
)

// Resolution errors
var (
	// ErrSkip is returned by a strategy when its credential path is not
	// applicable to the request; the resolver moves on to the next path.
	ErrSkip = errors.New("credential path not applicable")

	// ErrUnauthorized is returned when no credential path succeeds.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited is returned when every viable path was locked out.
	ErrRateLimited = errors.New("retry later")
)

// MeshIdentity is the network-asserted identity of a tailnet peer
type MeshIdentity struct {
	LoginName string
	NodeName  string
}

// ConnMeta is the connection metadata a strategy may consult
type ConnMeta struct {
	ConnID     string
	RemoteAddr string
	Loopback   bool
	Mesh       *MeshIdentity // nil unless the connection arrived over the tailnet
	Headers    http.Header
}

// Outcome is the normalized result of a successful credential resolution
type Outcome struct {
	Kind        string // KindTrustedProxy | KindMesh | KindSharedSecret | KindDevice
	PrincipalID string
	DeviceID    string               // set on the device-token path
	Identity    *store.TokenIdentity // set on the device-token path
}

// Strategy is one credential path. Applicable reports whether the request
// even attempts this path; Resolve performs the actual check.
type Strategy interface {
	Name() string
	RateClass() (ratelimit.Class, bool)
	Applicable(sc *SignedConnect, meta *ConnMeta) bool
	Resolve(ctx context.Context, sc *SignedConnect, meta *ConnMeta) (*Outcome, error)
}

// Resolver evaluates credential strategies in fixed precedence order.
// A failed path increments its own rate bucket and does not stop the next
// path from being tried. Exactly one successful path is required.
type Resolver struct {
	strategies []Strategy
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

// NewResolver creates a resolver over the given strategies, evaluated in order.
func NewResolver(limiter *ratelimit.Limiter, strategies ...Strategy) *Resolver {
	return &Resolver{
		strategies: strategies,
		limiter:    limiter,
		logger:     slog.Default().With("component", "auth"),
	}
}

// Resolve runs the strategy chain for one connect request.
// Returns ErrUnauthorized when no path applies or succeeds, and
// ErrRateLimited when the only attempted paths were locked out.
func (r *Resolver) Resolve(ctx context.Context, sc *SignedConnect, meta *ConnMeta) (*Outcome, error) {
	rateLimited := false
	var lastErr error

	for _, strategy := range r.strategies {
		if !strategy.Applicable(sc, meta) {
			continue
		}

		class, limited := strategy.RateClass()
		if limited {
			if err := r.limiter.Allow(class, meta.RemoteAddr); err != nil {
				r.logger.Warn("credential path locked out",
					"path", strategy.Name(),
					"remote", meta.RemoteAddr)
				rateLimited = true
				continue
			}
		}

		outcome, err := strategy.Resolve(ctx, sc, meta)
		if err == nil {
			if limited {
				r.limiter.Success(class, meta.RemoteAddr)
			}
			r.logger.Info("credentials resolved",
				"path", strategy.Name(),
				"principal", outcome.PrincipalID,
				"remote", meta.RemoteAddr)
			return outcome, nil
		}
		if errors.Is(err, ErrSkip) {
			continue
		}

		if limited {
			r.limiter.Failure(class, meta.RemoteAddr)
		}
		lastErr = err
		r.logger.Warn("credential path failed",
			"path", strategy.Name(),
			"remote", meta.RemoteAddr,
			"error", err)
	}

	// A lockout masks any other failure so the response does not leak
	// whether the underlying credential was valid
	if rateLimited {
		return nil, ErrRateLimited
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrUnauthorized
}

// TrustedProxyStrategy accepts identity headers asserted by a configured
// reverse proxy, only from allowlisted source IPs.
type TrustedProxyStrategy struct {
	cfg config.TrustedProxyConfig
}

// NewTrustedProxyStrategy creates the trusted-proxy credential path
func NewTrustedProxyStrategy(cfg config.TrustedProxyConfig) *TrustedProxyStrategy {
	return &TrustedProxyStrategy{cfg: cfg}
}

func (s *TrustedProxyStrategy) Name() string { return KindTrustedProxy }

func (s *TrustedProxyStrategy) RateClass() (ratelimit.Class, bool) { return "", false }

func (s *TrustedProxyStrategy) Applicable(sc *SignedConnect, meta *ConnMeta) bool {
	if !s.cfg.Enabled || meta.Headers == nil {
		return false
	}
	if meta.Headers.Get(s.cfg.IdentityHeader) == "" {
		return false
	}
	return s.fromTrustedProxy(meta.RemoteAddr)
}

func (s *TrustedProxyStrategy) fromTrustedProxy(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	for _, proxy := range s.cfg.Proxies {
		if proxy == host {
			return true
		}
	}
	return false
}

func (s *TrustedProxyStrategy) Resolve(ctx context.Context, sc *SignedConnect, meta *ConnMeta) (*Outcome, error) {
	for header, want := range s.cfg.RequiredHeaders {
		if meta.Headers.Get(header) != want {
			return nil, fmt.Errorf("%w: required header %s missing or wrong", ErrUnauthorized, header)
		}
	}

	principal := meta.Headers.Get(s.cfg.IdentityHeader)
	return &Outcome{
		Kind:        KindTrustedProxy,
		PrincipalID: principal,
	}, nil
}

// MeshStrategy accepts the tailnet's network-level identity in place of
// a credential, when explicitly enabled.
type MeshStrategy struct {
	bypass bool
}

// NewMeshStrategy creates the mesh-identity credential path. bypass must
// be explicitly enabled in config; otherwise mesh connections still need
// the shared secret or a device token.
func NewMeshStrategy(bypass bool) *MeshStrategy {
	return &MeshStrategy{bypass: bypass}
}

func (s *MeshStrategy) Name() string { return KindMesh }

func (s *MeshStrategy) RateClass() (ratelimit.Class, bool) { return "", false }

func (s *MeshStrategy) Applicable(sc *SignedConnect, meta *ConnMeta) bool {
	return s.bypass && meta.Mesh != nil && meta.Mesh.LoginName != ""
}

func (s *MeshStrategy) Resolve(ctx context.Context, sc *SignedConnect, meta *ConnMeta) (*Outcome, error) {
	return &Outcome{
		Kind:        KindMesh,
		PrincipalID: meta.Mesh.LoginName,
	}, nil
}

// SharedSecretStrategy compares a presented token or password against the
// configured shared secret.
type SharedSecretStrategy struct {
	mode         string
	token        string
	passwordHash string
}

// NewSharedSecretStrategy creates the shared-secret credential path from config
func NewSharedSecretStrategy(cfg config.AuthConfig) *SharedSecretStrategy {
	return &SharedSecretStrategy{
		mode:         cfg.Mode,
		token:        cfg.Token,
		passwordHash: cfg.PasswordHash,
	}
}

func (s *SharedSecretStrategy) Name() string { return KindSharedSecret }

func (s *SharedSecretStrategy) RateClass() (ratelimit.Class, bool) {
	return ratelimit.ClassSharedSecret, true
}

func (s *SharedSecretStrategy) Applicable(sc *SignedConnect, meta *ConnMeta) bool {
	if s.mode == "" || s.mode == "none" {
		return false
	}
	switch s.mode {
	case "token":
		return sc.Token != ""
	case "password":
		return sc.Password != ""
	}
	return false
}

func (s *SharedSecretStrategy) Resolve(ctx context.Context, sc *SignedConnect, meta *ConnMeta) (*Outcome, error) {
	switch s.mode {
	case "token":
		if subtle.ConstantTimeCompare([]byte(sc.Token), []byte(s.token)) != 1 {
			if sc.Device != nil {
				// A non-matching token riding with a device block is a
				// device bearer token; leave it to the device path
				return nil, ErrSkip
			}
			return nil, fmt.Errorf("%w: shared token mismatch", ErrUnauthorized)
		}
	case "password":
		if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(sc.Password)); err != nil {
			return nil, fmt.Errorf("%w: shared password mismatch", ErrUnauthorized)
		}
	default:
		return nil, ErrSkip
	}

	principal := sc.ClientID
	if principal == "" {
		principal = KindSharedSecret
	}
	return &Outcome{
		Kind:        KindSharedSecret,
		PrincipalID: principal,
	}, nil
}

// DeviceTokenStrategy verifies a device signature and looks the presented
// bearer token up in the pairing registry.
type DeviceTokenStrategy struct {
	verifier *DeviceVerifier
	registry store.Store
}

// NewDeviceTokenStrategy creates the device-token credential path
func NewDeviceTokenStrategy(verifier *DeviceVerifier, registry store.Store) *DeviceTokenStrategy {
	return &DeviceTokenStrategy{verifier: verifier, registry: registry}
}

func (s *DeviceTokenStrategy) Name() string { return KindDevice }

func (s *DeviceTokenStrategy) RateClass() (ratelimit.Class, bool) {
	return ratelimit.ClassDeviceToken, true
}

func (s *DeviceTokenStrategy) Applicable(sc *SignedConnect, meta *ConnMeta) bool {
	return sc.Device != nil && sc.Token != ""
}

func (s *DeviceTokenStrategy) Resolve(ctx context.Context, sc *SignedConnect, meta *ConnMeta) (*Outcome, error) {
	deviceID, err := s.verifier.Verify(meta.ConnID, sc, !meta.Loopback)
	if err != nil {
		return nil, err
	}

	identity, err := s.registry.GetDeviceByToken(ctx, sc.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if identity.Device.DeviceID != deviceID {
		return nil, fmt.Errorf("%w: token belongs to a different device", ErrUnauthorized)
	}
	if identity.Role != sc.Role {
		return nil, fmt.Errorf("%w: token role mismatch", ErrUnauthorized)
	}

	if err := s.registry.TouchToken(ctx, sc.Token); err != nil {
		// Bookkeeping only; the credential already checked out
		slog.Default().Warn("touching token failed", "device_id", deviceID, "error", err)
	}

	return &Outcome{
		Kind:        KindDevice,
		PrincipalID: deviceID,
		DeviceID:    deviceID,
		Identity:    identity,
	}, nil
}
