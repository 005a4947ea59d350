// ABOUTME: Per-installation device identity keypair (SSH ed25519)
// ABOUTME: Handles generation, persistence, signing, and fingerprint-derived device ids

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Identity is a device's asymmetric keypair. The private key never leaves
// the device; connect payloads carry only the public key and a signature.
type Identity struct {
	priv   ed25519.PrivateKey
	signer ssh.Signer
}

// Generate creates a new random ed25519 device identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	return fromPrivateKey(priv)
}

func fromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	return &Identity{priv: priv, signer: signer}, nil
}

// DeviceID returns the stable device id: the SHA256 fingerprint of the
// public key in wire format, lowercase hex without colons.
func (id *Identity) DeviceID() string {
	return Fingerprint(id.signer.PublicKey())
}

// PublicKey returns the public key as a single authorized-key line,
// the form transmitted in connect requests.
func (id *Identity) PublicKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(id.signer.PublicKey())))
}

// Sign signs the payload with the device key and returns the base64
// encoding of the marshalled SSH signature.
func (id *Identity) Sign(payload []byte) (string, error) {
	sig, err := id.signer.Sign(rand.Reader, payload)
	if err != nil {
		return "", fmt.Errorf("signing payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ssh.Marshal(sig)), nil
}

// Fingerprint computes the SHA256 fingerprint of a public key.
// Returns lowercase hex encoding without colons.
func Fingerprint(pub ssh.PublicKey) string {
	hash := sha256.Sum256(pub.Marshal())
	return hex.EncodeToString(hash[:])
}

// FingerprintAuthorizedKey parses an authorized-key line and returns its
// fingerprint. Used wherever only the declared public key string is at hand.
func FingerprintAuthorizedKey(pubkey string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubkey))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	return Fingerprint(pub), nil
}

// identityFile is the on-disk format for a persisted identity.
type identityFile struct {
	PrivateKey string `json:"private_key"` // OpenSSH PEM
	PublicKey  string `json:"public_key"`  // authorized-key line
}

// Save writes the identity to path with mode 0600, creating parent
// directories as needed.
func (id *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(id.priv, "")
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}

	f := identityFile{
		PrivateKey: string(pem.EncodeToMemory(block)),
		PublicKey:  id.PublicKey(),
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling identity: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	return nil
}

// Load reads an identity from path. Returns (nil, nil) if the file does
// not exist, signalling first run.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshaling identity: %w", err)
	}

	raw, err := ssh.ParseRawPrivateKey([]byte(f.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := raw.(*ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected private key type %T", raw)
	}

	id, err := fromPrivateKey(*priv)
	if err != nil {
		return nil, err
	}

	// The public key on disk must match the one derived from the private
	// key; a mismatch means the file was hand-edited or corrupted.
	if f.PublicKey != "" && f.PublicKey != id.PublicKey() {
		return nil, fmt.Errorf("identity file corrupted: public key does not match private key")
	}

	return id, nil
}

// LoadOrGenerate loads the identity at path, generating and persisting a
// new one on first run.
func LoadOrGenerate(path string) (*Identity, error) {
	id, err := Load(path)
	if err != nil {
		return nil, err
	}
	if id != nil {
		return id, nil
	}

	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}
