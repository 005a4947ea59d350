// ABOUTME: Admin HTTP API for pairing management
// ABOUTME: JWT-gated handlers for pending requests, paired devices, and token lifecycle

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/store"
)

// PairingRequestResponse is the JSON shape of a pairing request.
type PairingRequestResponse struct {
	ID              string   `json:"id"`
	DeviceID        string   `json:"device_id"`
	DisplayName     string   `json:"display_name"`
	Role            string   `json:"role"`
	RequestedScopes []string `json:"requested_scopes"`
	ClientMode      string   `json:"client_mode,omitempty"`
	Remote          string   `json:"remote,omitempty"`
	IsRepair        bool     `json:"is_repair"`
	Status          string   `json:"status"`
	CreatedAt       string   `json:"created_at"`
}

// DeviceResponse is the JSON shape of a paired device.
type DeviceResponse struct {
	DeviceID    string              `json:"device_id"`
	DisplayName string              `json:"display_name"`
	Roles       map[string][]string `json:"roles"`
	CreatedAt   string              `json:"created_at"`
	Revoked     bool                `json:"revoked"`
	LastUsedAt  string              `json:"last_used_at,omitempty"`
}

// ApprovalResponse is the JSON response for an approved pairing request.
type ApprovalResponse struct {
	DeviceID string   `json:"device_id"`
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes"`
	Token    string   `json:"token"`
}

// TokenResponse is the JSON response for a token rotation.
type TokenResponse struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	Token    string `json:"token"`
}

// registerAdminRoutes mounts the pairing admin API behind JWT auth.
// Without an admin secret configured the API stays unmounted entirely.
func (g *Gateway) registerAdminRoutes(mux *http.ServeMux) {
	if g.jwtVerifier == nil {
		g.logger.Warn("admin API disabled - no admin_jwt_secret configured")
		return
	}

	mw := auth.AdminAuthMiddleware(g.jwtVerifier)
	mux.Handle("/api/pairing/pending", mw(http.HandlerFunc(g.handleListPending)))
	mux.Handle("/api/pairing/devices", mw(http.HandlerFunc(g.handleListDevices)))
	mux.Handle("/api/pairing/", mw(http.HandlerFunc(g.handlePairingDecision)))
	mux.Handle("/api/devices/", mw(http.HandlerFunc(g.handleDeviceRoutes)))
}

// handleListPending handles GET /api/pairing/pending.
func (g *Gateway) handleListPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	pending, err := g.store.ListPendingPairingRequests(r.Context())
	if err != nil {
		g.logger.Error("listing pending pairing requests", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]PairingRequestResponse, 0, len(pending))
	for _, req := range pending {
		response = append(response, pairingRequestResponse(req))
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleListDevices handles GET /api/pairing/devices.
func (g *Gateway) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	devices, err := g.store.ListPairedDevices(r.Context())
	if err != nil {
		g.logger.Error("listing paired devices", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		item := DeviceResponse{
			DeviceID:    d.DeviceID,
			DisplayName: d.DisplayName,
			Roles:       d.Roles,
			CreatedAt:   d.CreatedAt.Format(time.RFC3339),
			Revoked:     d.Revoked(),
		}
		if d.LastUsedAt != nil {
			item.LastUsedAt = d.LastUsedAt.Format(time.RFC3339)
		}
		response = append(response, item)
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handlePairingDecision handles POST /api/pairing/{id}/approve and
// POST /api/pairing/{id}/reject.
func (g *Gateway) handlePairingDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/pairing/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	requestID, verb := parts[0], parts[1]
	decidedBy := auth.AdminFromContext(r.Context())

	switch verb {
	case "approve":
		approval, err := g.store.ApprovePairingRequest(r.Context(), requestID, decidedBy)
		if err != nil {
			g.sendDecisionError(w, requestID, err)
			return
		}
		g.logger.Info("pairing request approved",
			"request_id", requestID,
			"device_id", approval.Token.DeviceID,
			"decided_by", decidedBy)
		g.sendJSON(w, http.StatusOK, ApprovalResponse{
			DeviceID: approval.Token.DeviceID,
			Role:     approval.Token.Role,
			Scopes:   approval.Device.ScopesForRole(approval.Token.Role),
			Token:    approval.Token.Token,
		})
	case "reject":
		if err := g.store.RejectPairingRequest(r.Context(), requestID, decidedBy); err != nil {
			g.sendDecisionError(w, requestID, err)
			return
		}
		g.logger.Info("pairing request rejected", "request_id", requestID, "decided_by", decidedBy)
		g.sendJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleDeviceRoutes handles POST /api/devices/{deviceId}/tokens/{role}/rotate
// and POST /api/devices/{deviceId}/tokens/{role}/revoke.
func (g *Gateway) handleDeviceRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/devices/"), "/")
	if len(parts) != 4 || parts[1] != "tokens" || parts[0] == "" || parts[2] == "" {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	deviceID, role, verb := parts[0], parts[2], parts[3]
	admin := auth.AdminFromContext(r.Context())

	switch verb {
	case "rotate":
		token, err := g.store.RotateToken(r.Context(), deviceID, role)
		if err != nil {
			g.sendDecisionError(w, deviceID, err)
			return
		}
		g.logger.Info("device token rotated", "device_id", deviceID, "role", role, "admin", admin)
		g.sendJSON(w, http.StatusOK, TokenResponse{DeviceID: deviceID, Role: role, Token: token.Token})
	case "revoke":
		if err := g.store.RevokeToken(r.Context(), deviceID, role); err != nil {
			g.sendDecisionError(w, deviceID, err)
			return
		}
		g.logger.Info("device token revoked", "device_id", deviceID, "role", role, "admin", admin)
		g.sendJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// sendDecisionError maps registry errors onto HTTP statuses.
func (g *Gateway) sendDecisionError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrAlreadyDecided):
		g.sendJSONError(w, http.StatusConflict, "already decided")
	case errors.Is(err, store.ErrDeviceRevoked):
		g.sendJSONError(w, http.StatusConflict, "device revoked")
	default:
		g.logger.Error("pairing registry operation failed", "id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func pairingRequestResponse(req *store.PairingRequest) PairingRequestResponse {
	return PairingRequestResponse{
		ID:              req.ID,
		DeviceID:        req.DeviceID,
		DisplayName:     req.DisplayName,
		Role:            req.Role,
		RequestedScopes: req.RequestedScopes,
		ClientMode:      req.ClientMode,
		Remote:          req.Remote,
		IsRepair:        req.IsRepair,
		Status:          req.Status,
		CreatedAt:       req.CreatedAt.Format(time.RFC3339),
	}
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
