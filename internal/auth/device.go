// ABOUTME: Device signature verification for connect requests
// ABOUTME: Reconstructs the canonical signed payload and checks it against the declared public key

package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/tether-gateway/internal/challenge"
	"github.com/2389/tether-gateway/internal/identity"
)

const (
	// DefaultSignatureMaxAge is the maximum age of a signed payload.
	DefaultSignatureMaxAge = 5 * time.Minute

	// signatureMaxSkew is how far into the future a signedAt timestamp may
	// sit before it is rejected (clock skew allowance).
	signatureMaxSkew = time.Minute
)

// Device verification errors. The handshake maps these directly onto
// reject reasons, so the messages are part of the wire contract.
var (
	ErrSignatureInvalid = errors.New("device signature invalid")
	ErrNonceRequired    = errors.New("device nonce required")
)

// DeviceSignature is the device block of a connect request
type DeviceSignature struct {
	DeviceID  string
	PublicKey string // authorized-key line
	Signature string // base64 of the marshalled ssh.Signature
	SignedAt  int64  // unix milliseconds
	Nonce     string
}

// SignedConnect carries the connect request fields covered by the device signature
type SignedConnect struct {
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	Token      string
	Password   string // shared password; never part of the signed payload
	Device     *DeviceSignature
}

// CanonicalPayload builds the exact byte string a device signs for a
// connect request. Any field drift between signer and verifier invalidates
// the signature, which is the point: the signature binds the device to the
// whole request, not just to its identity.
func CanonicalPayload(deviceID, clientID, clientMode, role string, scopes []string, signedAt int64, token, nonce string) []byte {
	parts := []string{
		"v1",
		deviceID,
		clientID,
		clientMode,
		role,
		strings.Join(scopes, ","),
		strconv.FormatInt(signedAt, 10),
		token,
		nonce,
	}
	return []byte(strings.Join(parts, "\n"))
}

// DeviceVerifier verifies device signatures on connect requests.
type DeviceVerifier struct {
	maxAge     time.Duration
	challenges *challenge.Issuer

	now func() time.Time
}

// NewDeviceVerifier creates a verifier with the given freshness window.
// A zero maxAge selects DefaultSignatureMaxAge.
func NewDeviceVerifier(maxAge time.Duration, challenges *challenge.Issuer) *DeviceVerifier {
	if maxAge <= 0 {
		maxAge = DefaultSignatureMaxAge
	}
	return &DeviceVerifier{
		maxAge:     maxAge,
		challenges: challenges,
		now:        time.Now,
	}
}

// Verify checks the device signature on a connect request and returns the
// verified device ID.
//
// requireNonce is set for connections whose declared origin is not
// provably local; such requests must carry the nonce issued to this
// connection. The nonce is consumed before the signature is checked, so a
// failed attempt still burns it.
func (v *DeviceVerifier) Verify(connID string, sc *SignedConnect, requireNonce bool) (string, error) {
	d := sc.Device
	if d == nil {
		return "", fmt.Errorf("%w: no device block", ErrSignatureInvalid)
	}

	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(d.PublicKey))
	if err != nil {
		return "", fmt.Errorf("%w: bad public key: %v", ErrSignatureInvalid, err)
	}

	// The declared device ID must be the fingerprint of the declared key
	fp := identity.Fingerprint(pubkey)
	if fp != d.DeviceID {
		return "", fmt.Errorf("%w: device id does not match public key", ErrSignatureInvalid)
	}

	// Check the signed timestamp is recent
	signedAt := time.UnixMilli(d.SignedAt)
	age := v.now().Sub(signedAt)
	if age < -signatureMaxSkew {
		return "", fmt.Errorf("%w: signed timestamp is in the future", ErrSignatureInvalid)
	}
	if age > v.maxAge {
		return "", fmt.Errorf("%w: signature expired (age: %v, max: %v)", ErrSignatureInvalid, age, v.maxAge)
	}

	if d.Nonce == "" {
		if requireNonce {
			return "", ErrNonceRequired
		}
	} else if err := v.challenges.Consume(connID, d.Nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(d.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: bad signature encoding: %v", ErrSignatureInvalid, err)
	}

	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return "", fmt.Errorf("%w: bad signature format: %v", ErrSignatureInvalid, err)
	}

	payload := CanonicalPayload(d.DeviceID, sc.ClientID, sc.ClientMode, sc.Role, sc.Scopes, d.SignedAt, sc.Token, d.Nonce)
	if err := pubkey.Verify(payload, sig); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	return d.DeviceID, nil
}
