// ABOUTME: Wire frame types and reject reasons for the connect protocol
// ABOUTME: JSON request/response/event envelopes exchanged over the WebSocket

package handshake

import "encoding/json"

// Supported protocol versions
const (
	ProtocolMin = 1
	ProtocolMax = 2
)

// Frame type discriminators
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// MethodConnect is the only method the handshake itself handles; every
// other method is dispatched downstream after Established.
const MethodConnect = "connect"

// EventChallenge carries the single-use nonce to non-local connections
// before any connect response.
const EventChallenge = "challenge"

// Reject reasons. These exact strings appear in the error payload and in
// the close frame, so clients can match on them.
const (
	ReasonUnauthorized     = "unauthorized"
	ReasonSignatureInvalid = "device signature invalid"
	ReasonNonceRequired    = "device nonce required"
	ReasonInvalidParams    = "invalid connect params"
	ReasonMissingScope     = "missing scope"
	ReasonRetryLater       = "retry later"
	ReasonProtocolMismatch = "protocol mismatch"
)

// ReasonTimeout is used only as a close reason: a peer that never sent a
// connect request gets no error payload, just the close frame.
const ReasonTimeout = "handshake timeout"

// Request is a client-to-server request frame
type Request struct {
	Type   string          `json:"type"`
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a server-to-client response frame
type Response struct {
	Type    string      `json:"type"`
	ID      int64       `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *WireError  `json:"error,omitempty"`
}

// WireError is the structured failure carried by a rejecting response
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is a server-to-client unsolicited event frame
type Event struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// ConnectParams is the payload of the connect request
type ConnectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      ClientInfo    `json:"client"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Device      *DeviceParams `json:"device,omitempty"`
	Auth        *AuthParams   `json:"auth,omitempty"`
}

// ClientInfo describes the connecting client installation
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// DeviceParams is the optional device identity block
type DeviceParams struct {
	DeviceID  string `json:"deviceId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"` // unix milliseconds
	Nonce     string `json:"nonce,omitempty"`
}

// AuthParams is the optional shared credential block
type AuthParams struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// Snapshot is the session summary returned on a successful connect
type Snapshot struct {
	Protocol         int      `json:"protocol"`
	ServerID         string   `json:"serverId"`
	DeviceID         string   `json:"deviceId,omitempty"`
	Paired           bool     `json:"paired"`
	GrantedScopes    []string `json:"grantedScopes"`
	PendingRequestID string   `json:"pendingRequestId,omitempty"`
}

// validate checks the structural requirements on connect params.
// A device block, when present, must be complete.
func (p *ConnectParams) validate() bool {
	if p.MinProtocol <= 0 || p.MaxProtocol <= 0 || p.MinProtocol > p.MaxProtocol {
		return false
	}
	if p.Role == "" {
		return false
	}
	if d := p.Device; d != nil {
		if d.DeviceID == "" || d.PublicKey == "" || d.Signature == "" || d.SignedAt == 0 {
			return false
		}
	}
	return true
}
