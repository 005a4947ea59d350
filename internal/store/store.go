// ABOUTME: Store interface and data types for the tether-gateway pairing registry
// ABOUTME: Defines pairing requests, paired devices, device tokens, and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAlreadyDecided is returned when approving or rejecting a pairing
// request that has already been decided
var ErrAlreadyDecided = errors.New("pairing request already decided")

// ErrDeviceRevoked is returned when an operation references a device whose
// pairing has been revoked
var ErrDeviceRevoked = errors.New("device revoked")

// ErrTokenRevoked is returned when a presented token exists but has been revoked
var ErrTokenRevoked = errors.New("token revoked")

// Pairing request status values
const (
	PairingStatusPending  = "pending"
	PairingStatusApproved = "approved"
	PairingStatusRejected = "rejected"
)

// PairingRequest represents a device's request to be paired with the gateway.
// Requests start pending and are decided exactly once by an operator.
type PairingRequest struct {
	ID              string
	DeviceID        string
	PublicKey       string // authorized-key line
	DisplayName     string
	Role            string
	RequestedScopes []string
	ClientMode      string
	Remote          string
	// IsRepair marks a request from a previously-paired device that lost
	// its token and is re-requesting access
	IsRepair  bool
	Status    string // pending, approved, rejected
	CreatedAt       time.Time
	DecidedAt       *time.Time
	DecidedBy       string
}

// PairedDevice represents an approved device identity.
// Roles maps each granted role to its approved scope set.
type PairedDevice struct {
	DeviceID    string
	PublicKey   string
	DisplayName string
	Roles       map[string][]string
	CreatedAt   time.Time
	RevokedAt   *time.Time
	LastUsedAt  *time.Time
}

// Revoked reports whether the device pairing has been revoked
func (d *PairedDevice) Revoked() bool {
	return d.RevokedAt != nil
}

// ScopesForRole returns the approved scope set for a role, or nil if the
// device holds no grant for that role
func (d *PairedDevice) ScopesForRole(role string) []string {
	if d.Roles == nil {
		return nil
	}
	return d.Roles[role]
}

// DeviceToken is a bearer credential bound to a (device, role) pair.
// Rotation revokes the old token and issues a fresh one.
type DeviceToken struct {
	Token      string
	DeviceID   string
	Role       string
	CreatedAt  time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// TokenIdentity is the resolved identity behind a presented device token
type TokenIdentity struct {
	Device *PairedDevice
	Role   string
	Scopes []string
	Token  *DeviceToken
}

// Approval is the result of approving a pairing request: the paired device
// record and the freshly issued token for the requested role
type Approval struct {
	Device *PairedDevice
	Token  *DeviceToken
}

// Store defines the interface for pairing registry persistence
type Store interface {
	// Pairing requests
	QueuePairingRequest(ctx context.Context, req *PairingRequest) (*PairingRequest, error)
	GetPairingRequest(ctx context.Context, id string) (*PairingRequest, error)
	ListPendingPairingRequests(ctx context.Context) ([]*PairingRequest, error)
	ApprovePairingRequest(ctx context.Context, id, decidedBy string) (*Approval, error)
	RejectPairingRequest(ctx context.Context, id, decidedBy string) error

	// Paired devices
	GetPairedDevice(ctx context.Context, deviceID string) (*PairedDevice, error)
	ListPairedDevices(ctx context.Context) ([]*PairedDevice, error)
	RevokeDevice(ctx context.Context, deviceID string) error

	// Device tokens
	GetDeviceByToken(ctx context.Context, token string) (*TokenIdentity, error)
	IssueToken(ctx context.Context, deviceID, role string, scopes []string) (*DeviceToken, error)
	RotateToken(ctx context.Context, deviceID, role string) (*DeviceToken, error)
	RevokeToken(ctx context.Context, deviceID, role string) error
	TouchToken(ctx context.Context, token string) error

	// Close releases any resources held by the store
	Close() error
}
