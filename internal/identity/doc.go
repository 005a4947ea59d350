// Package identity manages the per-installation device keypair used to
// prove connection provenance.
//
// A device identity is an SSH ed25519 keypair created once on first run
// and persisted under the client's state directory. The device id is
// derived from the public key (SHA256 fingerprint, lowercase hex), so it
// is stable for the life of the keypair and cannot be chosen by the
// client. Replacing an identity means deleting the file and generating a
// new one, which also produces a new device id and requires re-pairing.
package identity
