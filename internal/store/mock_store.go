// ABOUTME: In-memory mock implementation of the Store interface for testing
// ABOUTME: Mirrors the SQLite store's semantics without touching disk

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for tests
type MockStore struct {
	mu       sync.Mutex
	requests map[string]*PairingRequest
	devices  map[string]*PairedDevice
	tokens   map[string]*DeviceToken
}

// NewMockStore creates a new empty MockStore
func NewMockStore() *MockStore {
	return &MockStore{
		requests: make(map[string]*PairingRequest),
		devices:  make(map[string]*PairedDevice),
		tokens:   make(map[string]*DeviceToken),
	}
}

func (m *MockStore) QueuePairingRequest(ctx context.Context, req *PairingRequest) (*PairingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.requests {
		if existing.DeviceID == req.DeviceID && existing.Status == PairingStatusPending {
			return existing, nil
		}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = PairingStatusPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	m.requests[req.ID] = req
	return req, nil
}

func (m *MockStore) GetPairingRequest(ctx context.Context, id string) (*PairingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req, nil
}

func (m *MockStore) ListPendingPairingRequests(ctx context.Context) ([]*PairingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*PairingRequest
	for _, req := range m.requests {
		if req.Status == PairingStatusPending {
			pending = append(pending, req)
		}
	}
	return pending, nil
}

func (m *MockStore) ApprovePairingRequest(ctx context.Context, id, decidedBy string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != PairingStatusPending {
		return nil, ErrAlreadyDecided
	}

	now := time.Now().UTC()
	req.Status = PairingStatusApproved
	req.DecidedAt = &now
	req.DecidedBy = decidedBy

	device, ok := m.devices[req.DeviceID]
	if !ok {
		device = &PairedDevice{
			DeviceID:  req.DeviceID,
			CreatedAt: now,
			Roles:     make(map[string][]string),
		}
		m.devices[req.DeviceID] = device
	}
	device.PublicKey = req.PublicKey
	device.DisplayName = req.DisplayName
	device.RevokedAt = nil
	device.Roles[req.Role] = req.RequestedScopes

	token, err := m.issueLocked(req.DeviceID, req.Role)
	if err != nil {
		return nil, err
	}

	return &Approval{Device: device, Token: token}, nil
}

func (m *MockStore) RejectPairingRequest(ctx context.Context, id, decidedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != PairingStatusPending {
		return ErrAlreadyDecided
	}

	now := time.Now().UTC()
	req.Status = PairingStatusRejected
	req.DecidedAt = &now
	req.DecidedBy = decidedBy
	return nil
}

func (m *MockStore) GetPairedDevice(ctx context.Context, deviceID string) (*PairedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return device, nil
}

func (m *MockStore) ListPairedDevices(ctx context.Context) ([]*PairedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var devices []*PairedDevice
	for _, device := range m.devices {
		devices = append(devices, device)
	}
	return devices, nil
}

func (m *MockStore) RevokeDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	if device.RevokedAt != nil {
		return ErrDeviceRevoked
	}

	now := time.Now().UTC()
	device.RevokedAt = &now
	for _, tok := range m.tokens {
		if tok.DeviceID == deviceID && tok.RevokedAt == nil {
			tok.RevokedAt = &now
		}
	}
	return nil
}

func (m *MockStore) GetDeviceByToken(ctx context.Context, token string) (*TokenIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	if tok.RevokedAt != nil {
		return nil, ErrTokenRevoked
	}

	device, ok := m.devices[tok.DeviceID]
	if !ok {
		return nil, ErrNotFound
	}
	if device.RevokedAt != nil {
		return nil, ErrDeviceRevoked
	}

	return &TokenIdentity{
		Device: device,
		Role:   tok.Role,
		Scopes: device.Roles[tok.Role],
		Token:  tok,
	}, nil
}

func (m *MockStore) IssueToken(ctx context.Context, deviceID, role string, scopes []string) (*DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	if device.RevokedAt != nil {
		return nil, ErrDeviceRevoked
	}

	if device.Roles == nil {
		device.Roles = make(map[string][]string)
	}
	device.Roles[role] = scopes

	return m.issueLocked(deviceID, role)
}

func (m *MockStore) RotateToken(ctx context.Context, deviceID, role string) (*DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	if device.RevokedAt != nil {
		return nil, ErrDeviceRevoked
	}
	if _, ok := device.Roles[role]; !ok {
		return nil, ErrNotFound
	}

	return m.issueLocked(deviceID, role)
}

func (m *MockStore) RevokeToken(ctx context.Context, deviceID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	revoked := false
	for _, tok := range m.tokens {
		if tok.DeviceID == deviceID && tok.Role == role && tok.RevokedAt == nil {
			tok.RevokedAt = &now
			revoked = true
		}
	}
	if !revoked {
		return ErrNotFound
	}
	return nil
}

func (m *MockStore) TouchToken(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[token]
	if !ok {
		return ErrNotFound
	}

	now := time.Now().UTC()
	tok.LastUsedAt = &now
	if device, ok := m.devices[tok.DeviceID]; ok {
		device.LastUsedAt = &now
	}
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

// issueLocked revokes any live token for (device, role) and mints a new one.
// Caller must hold m.mu.
func (m *MockStore) issueLocked(deviceID, role string) (*DeviceToken, error) {
	now := time.Now().UTC()
	for _, tok := range m.tokens {
		if tok.DeviceID == deviceID && tok.Role == role && tok.RevokedAt == nil {
			tok.RevokedAt = &now
		}
	}

	token := &DeviceToken{
		Token:     uuid.NewString(),
		DeviceID:  deviceID,
		Role:      role,
		CreatedAt: now,
	}
	m.tokens[token.Token] = token
	return token, nil
}
