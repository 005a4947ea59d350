// ABOUTME: Per-connection handshake state machine
// ABOUTME: Drives challenge, connect parsing, credential resolution, and scope authorization

package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/challenge"
)

// DefaultTimeout bounds how long a connection may sit in AwaitingConnect
// before the socket is closed.
const DefaultTimeout = 10 * time.Second

// State is a handshake state
type State string

// Handshake states. Rejected and Closed are terminal and reachable from
// any state.
const (
	StateOpened          State = "opened"
	StateAwaitingConnect State = "awaiting-connect"
	StateAuthenticating  State = "authenticating"
	StateAuthorizing     State = "authorizing"
	StateEstablished     State = "established"
	StateRejected        State = "rejected"
	StateClosed          State = "closed"
)

// Conn abstracts the transport underneath one handshake. The WebSocket
// layer implements it; tests drive the orchestrator with scripted conns.
type Conn interface {
	// ReadFrame returns the next raw inbound frame.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame marshals and sends one outbound frame.
	WriteFrame(ctx context.Context, v interface{}) error
	// Close closes the transport, mirroring reason in the close frame.
	Close(reason string) error
	// RemoteAddr is the peer address used for rate-limit keying.
	RemoteAddr() string
}

// RejectError is returned by Run when the handshake ends in Rejected
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail != "" {
		return e.Reason + ": " + e.Detail
	}
	return e.Reason
}

// Session is the result of a successful handshake
type Session struct {
	Conn     Conn
	Auth     *auth.AuthContext
	Protocol int
	Snapshot *Snapshot
}

// Orchestrator runs the connect handshake for new connections.
// One orchestrator serves all connections; per-connection state lives in
// Run's frame.
type Orchestrator struct {
	resolver   *auth.Resolver
	verifier   *auth.DeviceVerifier
	authorizer *auth.Authorizer
	challenges *challenge.Issuer
	timeout    time.Duration
	serverID   string
	logger     *slog.Logger
}

// New creates an Orchestrator. A zero timeout selects DefaultTimeout.
func New(resolver *auth.Resolver, verifier *auth.DeviceVerifier, authorizer *auth.Authorizer, challenges *challenge.Issuer, timeout time.Duration, serverID string) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Orchestrator{
		resolver:   resolver,
		verifier:   verifier,
		authorizer: authorizer,
		challenges: challenges,
		timeout:    timeout,
		serverID:   serverID,
		logger:     slog.Default().With("component", "handshake"),
	}
}

// Run drives the handshake state machine for one connection.
// It returns an established Session, or an error after closing the
// socket; a *RejectError carries the structured reason sent to the peer.
// Cancelling ctx aborts in-flight work; the caller owns conn teardown on
// context cancellation.
func (o *Orchestrator) Run(ctx context.Context, conn Conn, meta *auth.ConnMeta) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer o.challenges.Drop(meta.ConnID)

	// Opened: issue a challenge to non-local connections before anything else
	if !meta.Loopback {
		nonce, err := o.challenges.Issue(meta.ConnID)
		if err != nil {
			conn.Close(ReasonRetryLater)
			return nil, fmt.Errorf("issuing challenge: %w", err)
		}
		event := &Event{Type: FrameEvent, Event: EventChallenge, Data: map[string]string{"nonce": nonce}}
		if err := conn.WriteFrame(ctx, event); err != nil {
			return nil, fmt.Errorf("sending challenge: %w", err)
		}
	}

	// AwaitingConnect: the first request must arrive within the timeout.
	// The timer actively closes the socket so a stalled peer cannot pin
	// the connection open.
	timer := time.AfterFunc(o.timeout, func() {
		o.logger.Warn("handshake timeout", "remote", meta.RemoteAddr)
		conn.Close(ReasonTimeout)
	})
	frame, err := conn.ReadFrame(ctx)
	timer.Stop()
	if err != nil {
		return nil, fmt.Errorf("reading connect request: %w", err)
	}

	var req Request
	if err := json.Unmarshal(frame, &req); err != nil || req.Type != FrameRequest {
		return nil, o.reject(ctx, conn, req.ID, ReasonInvalidParams, "first frame is not a request")
	}
	if req.Method != MethodConnect {
		return nil, o.reject(ctx, conn, req.ID, ReasonInvalidParams, "first request must be connect")
	}

	var params ConnectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, o.reject(ctx, conn, req.ID, ReasonInvalidParams, "malformed connect params")
	}
	if !params.validate() {
		return nil, o.reject(ctx, conn, req.ID, ReasonInvalidParams, "incomplete connect params")
	}

	protocol, ok := negotiateProtocol(params.MinProtocol, params.MaxProtocol)
	if !ok {
		return nil, o.reject(ctx, conn, req.ID, ReasonProtocolMismatch,
			fmt.Sprintf("supported protocols %d-%d", ProtocolMin, ProtocolMax))
	}

	// Authenticating
	sc := signedConnect(&params)
	outcome, err := o.resolver.Resolve(ctx, sc, meta)
	if err != nil {
		return nil, o.reject(ctx, conn, req.ID, rejectReason(err), "")
	}

	// A device block that did not authenticate via the token path still
	// has to prove the key before it can queue pairing
	if outcome.Kind != auth.KindDevice && sc.Device != nil {
		if _, err := o.verifier.Verify(meta.ConnID, sc, !meta.Loopback); err != nil {
			return nil, o.reject(ctx, conn, req.ID, rejectReason(err), "")
		}
	}

	// Authorizing: always succeeds at the transport layer; zero scopes is
	// a valid outcome
	grant, err := o.authorizer.Authorize(ctx, outcome, sc, meta.RemoteAddr)
	if err != nil {
		o.logger.Error("authorization failed", "remote", meta.RemoteAddr, "error", err)
		return nil, o.reject(ctx, conn, req.ID, ReasonRetryLater, "")
	}

	deviceID := outcome.DeviceID
	if deviceID == "" && sc.Device != nil {
		deviceID = sc.Device.DeviceID
	}

	authCtx := &auth.AuthContext{
		Kind:        outcome.Kind,
		PrincipalID: outcome.PrincipalID,
		DeviceID:    deviceID,
		Role:        params.Role,
		Scopes:      grant.Scopes,
		Paired:      grant.Paired,
	}

	snapshot := &Snapshot{
		Protocol:         protocol,
		ServerID:         o.serverID,
		DeviceID:         deviceID,
		Paired:           grant.Paired,
		GrantedScopes:    grant.Scopes,
		PendingRequestID: grant.PendingRequestID,
	}
	if snapshot.GrantedScopes == nil {
		snapshot.GrantedScopes = []string{}
	}

	res := &Response{Type: FrameResponse, ID: req.ID, OK: true, Payload: snapshot}
	if err := conn.WriteFrame(ctx, res); err != nil {
		return nil, fmt.Errorf("sending connect response: %w", err)
	}

	o.logger.Info("connection established",
		"remote", meta.RemoteAddr,
		"kind", outcome.Kind,
		"principal", outcome.PrincipalID,
		"protocol", protocol,
		"scopes", grant.Scopes,
		"paired", grant.Paired)

	return &Session{
		Conn:     conn,
		Auth:     authCtx,
		Protocol: protocol,
		Snapshot: snapshot,
	}, nil
}

// reject sends a structured failure response and closes the socket with
// the same reason
func (o *Orchestrator) reject(ctx context.Context, conn Conn, reqID int64, reason, detail string) error {
	message := reason
	if detail != "" {
		message = detail
	}

	res := &Response{
		Type:  FrameResponse,
		ID:    reqID,
		OK:    false,
		Error: &WireError{Code: reason, Message: message},
	}
	if err := conn.WriteFrame(ctx, res); err != nil {
		o.logger.Debug("writing reject response failed", "error", err)
	}
	conn.Close(reason)

	return &RejectError{Reason: reason, Detail: detail}
}

// rejectReason maps a resolution or verification error onto the wire reason
func rejectReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrRateLimited):
		return ReasonRetryLater
	case errors.Is(err, auth.ErrNonceRequired):
		return ReasonNonceRequired
	case errors.Is(err, auth.ErrSignatureInvalid):
		return ReasonSignatureInvalid
	default:
		return ReasonUnauthorized
	}
}

// negotiateProtocol intersects the client's protocol range with ours and
// picks the highest shared version
func negotiateProtocol(min, max int) (int, bool) {
	if max < ProtocolMin || min > ProtocolMax {
		return 0, false
	}
	if max > ProtocolMax {
		return ProtocolMax, true
	}
	return max, true
}

// signedConnect maps wire connect params onto the verifier's view
func signedConnect(p *ConnectParams) *auth.SignedConnect {
	sc := &auth.SignedConnect{
		ClientID:   p.Client.ID,
		ClientMode: p.Client.Mode,
		Role:       p.Role,
		Scopes:     p.Scopes,
	}
	if p.Auth != nil {
		sc.Token = p.Auth.Token
		sc.Password = p.Auth.Password
	}
	if p.Device != nil {
		sc.Device = &auth.DeviceSignature{
			DeviceID:  p.Device.DeviceID,
			PublicKey: p.Device.PublicKey,
			Signature: p.Device.Signature,
			SignedAt:  p.Device.SignedAt,
			Nonce:     p.Device.Nonce,
		}
	}
	return sc
}
