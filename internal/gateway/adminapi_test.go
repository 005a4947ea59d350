// ABOUTME: Tests for the admin HTTP API handlers
// ABOUTME: Verifies JWT gating, pairing decisions, and token lifecycle endpoints

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/config"
	"github.com/2389/tether-gateway/internal/store"
)

// newAdminTestGateway builds a gateway over a mock registry with the admin
// API mounted, and returns it with a valid admin bearer token.
func newAdminTestGateway(t *testing.T) (*Gateway, *http.ServeMux, string) {
	t.Helper()

	verifier := auth.NewJWTVerifier([]byte("test-admin-secret"))
	gw := &Gateway{
		config:      &config.Config{},
		store:       store.NewMockStore(),
		jwtVerifier: verifier,
		logger:      slog.Default().With("component", "gateway"),
	}

	mux := http.NewServeMux()
	gw.registerAdminRoutes(mux)

	token, err := verifier.Generate("admin", time.Hour)
	require.NoError(t, err)

	return gw, mux, token
}

func adminRequest(method, path, token string, body interface{}) *http.Request {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func queueTestRequest(t *testing.T, registry store.Store, deviceID string) *store.PairingRequest {
	t.Helper()
	req, err := registry.QueuePairingRequest(context.Background(), &store.PairingRequest{
		DeviceID:        deviceID,
		PublicKey:       "ssh-ed25519 AAAA test",
		DisplayName:     "test node",
		Role:            "node",
		RequestedScopes: []string{"session.read"},
		ClientMode:      "daemon",
	})
	require.NoError(t, err)
	return req
}

func TestAdminAPI_RequiresToken(t *testing.T) {
	_, mux, _ := newAdminTestGateway(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/pairing/pending", "", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/pairing/pending", "garbage", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAPI_ListPending(t *testing.T) {
	gw, mux, token := newAdminTestGateway(t)
	queueTestRequest(t, gw.store, "device-1")
	queueTestRequest(t, gw.store, "device-2")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/pairing/pending", token, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var pending []PairingRequestResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pending))
	assert.Len(t, pending, 2)
	assert.Equal(t, "pending", pending[0].Status)
}

func TestAdminAPI_ApproveAndListDevices(t *testing.T) {
	gw, mux, token := newAdminTestGateway(t)
	req := queueTestRequest(t, gw.store, "device-1")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/pairing/"+req.ID+"/approve", token, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var approval ApprovalResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&approval))
	assert.Equal(t, "device-1", approval.DeviceID)
	assert.Equal(t, "node", approval.Role)
	assert.Equal(t, []string{"session.read"}, approval.Scopes)
	assert.NotEmpty(t, approval.Token)

	// Approving again conflicts
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/pairing/"+req.ID+"/approve", token, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/pairing/devices", token, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var devices []DeviceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "device-1", devices[0].DeviceID)
	assert.False(t, devices[0].Revoked)
}

func TestAdminAPI_Reject(t *testing.T) {
	gw, mux, token := newAdminTestGateway(t)
	req := queueTestRequest(t, gw.store, "device-1")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/pairing/"+req.ID+"/reject", token, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := gw.store.GetPairingRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PairingStatusRejected, got.Status)
	assert.Equal(t, "admin", got.DecidedBy)
}

func TestAdminAPI_DecisionNotFound(t *testing.T) {
	_, mux, token := newAdminTestGateway(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/pairing/nope/approve", token, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/pairing/nope/frobnicate", token, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAPI_RotateAndRevokeToken(t *testing.T) {
	gw, mux, token := newAdminTestGateway(t)
	req := queueTestRequest(t, gw.store, "device-1")

	approval, err := gw.store.ApprovePairingRequest(context.Background(), req.ID, "admin")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/devices/device-1/tokens/node/rotate", token, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var rotated TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rotated))
	assert.NotEmpty(t, rotated.Token)
	assert.NotEqual(t, approval.Token.Token, rotated.Token)

	// Old token no longer resolves
	_, err = gw.store.GetDeviceByToken(context.Background(), approval.Token.Token)
	assert.ErrorIs(t, err, store.ErrTokenRevoked)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/devices/device-1/tokens/node/revoke", token, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = gw.store.GetDeviceByToken(context.Background(), rotated.Token)
	assert.ErrorIs(t, err, store.ErrTokenRevoked)
}

func TestAdminAPI_RotateUnknownDevice(t *testing.T) {
	_, mux, token := newAdminTestGateway(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/devices/nope/tokens/node/rotate", token, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAPI_DisabledWithoutSecret(t *testing.T) {
	gw := &Gateway{
		config: &config.Config{},
		store:  store.NewMockStore(),
		logger: slog.Default().With("component", "gateway"),
	}

	mux := http.NewServeMux()
	gw.registerAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/pairing/pending", "", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
