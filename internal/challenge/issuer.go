// ABOUTME: Issues single-use connection nonces for non-local handshakes
// ABOUTME: Binds each nonce to its connection and rejects any reuse

package challenge

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/2389/tether-gateway/internal/replay"
)

const (
	// nonceBytes gives 256 bits of entropy, comfortably past the minimum
	// needed to make guessing infeasible.
	nonceBytes = 32

	// consumedTTL is how long consumed nonces stay on record. A nonce is
	// only useful while its connection is open, so the window just needs
	// to outlive any plausible handshake.
	consumedTTL = 10 * time.Minute

	// consumedCacheSize bounds the consumed-nonce record.
	consumedCacheSize = 10_000
)

var (
	// ErrNoChallenge is returned when a nonce is presented on a connection
	// that was never issued one.
	ErrNoChallenge = errors.New("no challenge issued for connection")

	// ErrMismatch is returned when the presented nonce is not the one
	// issued to this connection.
	ErrMismatch = errors.New("nonce does not match issued challenge")

	// ErrConsumed is returned when a nonce has already been used by a
	// connect attempt, successful or not.
	ErrConsumed = errors.New("nonce already consumed")
)

// Issuer hands out one nonce per connection and enforces single use.
type Issuer struct {
	mu       sync.Mutex
	issued   map[string]string // connection id -> outstanding nonce
	consumed *replay.Cache
}

// NewIssuer creates a challenge issuer.
func NewIssuer() *Issuer {
	return &Issuer{
		issued:   make(map[string]string),
		consumed: replay.New(consumedTTL, consumedCacheSize),
	}
}

// Issue generates a fresh nonce bound to the connection. Issuing again for
// the same connection replaces the outstanding nonce.
func (i *Issuer) Issue(connID string) (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(buf)

	i.mu.Lock()
	i.issued[connID] = nonce
	i.mu.Unlock()

	return nonce, nil
}

// Consume validates and burns the nonce for a connect attempt. The nonce
// is consumed whether or not the attempt ultimately succeeds; a second
// presentation always fails.
func (i *Issuer) Consume(connID, nonce string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	expected, ok := i.issued[connID]
	if !ok {
		return ErrNoChallenge
	}

	// Burn the outstanding nonce regardless of outcome below.
	delete(i.issued, connID)

	if i.consumed.SeenAndMark(expected) {
		return ErrConsumed
	}
	if nonce != expected {
		return ErrMismatch
	}
	return nil
}

// Drop releases the outstanding nonce for a closed connection without
// consuming it.
func (i *Issuer) Drop(connID string) {
	i.mu.Lock()
	delete(i.issued, connID)
	i.mu.Unlock()
}

// Close releases the consumed-nonce record.
func (i *Issuer) Close() {
	i.consumed.Close()
}
