// ABOUTME: WebSocket endpoint for client connections
// ABOUTME: Adapts the socket to the handshake Conn contract and serves the session loop

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/handshake"
	"github.com/2389/tether-gateway/internal/ratelimit"
)

// wsConn adapts a websocket connection to handshake.Conn.
type wsConn struct {
	conn   *websocket.Conn
	remote string
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) WriteFrame(ctx context.Context, v interface{}) error {
	return wsjson.Write(ctx, c.conn, v)
}

func (c *wsConn) Close(reason string) error {
	status := websocket.StatusNormalClosure
	if reason != "" && reason != "closed" {
		status = websocket.StatusPolicyViolation
	}
	return c.conn.Close(status, reason)
}

func (c *wsConn) RemoteAddr() string { return c.remote }

// handleWS upgrades the connection, runs the handshake, and serves the
// session until the peer goes away.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Server.AllowedOrigins,
	})
	if err != nil {
		g.logger.Debug("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := &wsConn{conn: sock, remote: r.RemoteAddr}
	meta := &auth.ConnMeta{
		ConnID:     uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		Loopback:   ratelimit.IsLoopback(r.RemoteAddr),
		Mesh:       g.meshIdentity(r),
		Headers:    r.Header,
	}

	session, err := g.orchestrator.Run(r.Context(), conn, meta)
	if err != nil {
		var rej *handshake.RejectError
		if errors.As(err, &rej) {
			g.logger.Warn("connection rejected",
				"remote", r.RemoteAddr,
				"reason", rej.Reason)
		} else {
			g.logger.Debug("handshake aborted", "remote", r.RemoteAddr, "error", err)
			conn.Close("closed")
		}
		return
	}

	g.serveSession(r.Context(), conn, session)
}

// serveSession runs the post-handshake request loop. Dispatch failures are
// reported to the peer; only transport errors end the session.
func (g *Gateway) serveSession(ctx context.Context, conn handshake.Conn, session *handshake.Session) {
	ctx = auth.WithAuth(ctx, session.Auth)
	logger := g.logger.With(
		"remote", conn.RemoteAddr(),
		"principal", session.Auth.PrincipalID,
		"kind", session.Auth.Kind)

	defer conn.Close("closed")

	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				logger.Debug("session read ended", "error", err)
			}
			return
		}

		var req handshake.Request
		if err := json.Unmarshal(frame, &req); err != nil || req.Type != handshake.FrameRequest {
			logger.Debug("dropping malformed frame")
			continue
		}

		res := g.dispatch(ctx, &req, logger)
		if err := conn.WriteFrame(ctx, res); err != nil {
			logger.Debug("session write failed", "error", err)
			return
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, req *handshake.Request, logger *slog.Logger) *handshake.Response {
	payload, err := g.dispatcher.Dispatch(ctx, req.Method, req.Params)
	if err != nil {
		if errors.Is(err, ErrMissingScope) {
			logger.Warn("scope denied", "method", req.Method)
		}
		return &handshake.Response{
			Type:  handshake.FrameResponse,
			ID:    req.ID,
			OK:    false,
			Error: &handshake.WireError{Code: err.Error(), Message: err.Error()},
		}
	}
	return &handshake.Response{
		Type:    handshake.FrameResponse,
		ID:      req.ID,
		OK:      true,
		Payload: payload,
	}
}
