// ABOUTME: Tests for device identity generation, persistence, and signing
// ABOUTME: Validates fingerprint stability, round trips, and corruption detection

package identity

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGenerate_ProducesUsableIdentity(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	assert.Len(t, id.DeviceID(), 64) // hex sha256
	assert.Contains(t, id.PublicKey(), "ssh-ed25519 ")
}

func TestDeviceID_MatchesPublicKeyFingerprint(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	fp, err := FingerprintAuthorizedKey(id.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, id.DeviceID(), fp)
}

func TestSign_VerifiesAgainstDeclaredKey(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	payload := []byte("v1\ndevice\nclient\noperator")
	sigB64, err := id.Sign(payload)
	require.NoError(t, err)

	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(id.PublicKey()))
	require.NoError(t, err)

	sigBytes, err := base64.StdEncoding.DecodeString(sigB64)
	require.NoError(t, err)

	sig := new(ssh.Signature)
	require.NoError(t, ssh.Unmarshal(sigBytes, sig))
	assert.NoError(t, pub.Verify(payload, sig))

	// Tampered payload must not verify
	assert.Error(t, pub.Verify(append(payload, '!'), sig))
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "device.json")

	id, err := Generate()
	require.NoError(t, err)
	require.NoError(t, id.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, id.DeviceID(), loaded.DeviceID())
	assert.Equal(t, id.PublicKey(), loaded.PublicKey())
}

func TestLoad_MissingFileIsFirstRun(t *testing.T) {
	id, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestLoad_RejectsMismatchedPublicKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.json")

	id, err := Generate()
	require.NoError(t, err)
	require.NoError(t, id.Save(path))

	other, err := Generate()
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), id.PublicKey(), other.PublicKey(), 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0600))

	_, err = Load(path)
	assert.ErrorContains(t, err, "corrupted")
}

func TestLoadOrGenerate_PersistsFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")

	first, err := LoadOrGenerate(path)
	require.NoError(t, err)

	second, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID(), second.DeviceID())
}
