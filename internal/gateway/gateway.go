// ABOUTME: Gateway server wiring the handshake pipeline to its listeners
// ABOUTME: Serves the WebSocket endpoint, admin API, and health checks over TCP or tsnet

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/client/tailscale"
	"tailscale.com/tsnet"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/challenge"
	"github.com/2389/tether-gateway/internal/config"
	"github.com/2389/tether-gateway/internal/handshake"
	"github.com/2389/tether-gateway/internal/ratelimit"
	"github.com/2389/tether-gateway/internal/store"
)

// Gateway serves client connections and the admin API.
type Gateway struct {
	config       *config.Config
	store        store.Store
	challenges   *challenge.Issuer
	orchestrator *handshake.Orchestrator
	dispatcher   Dispatcher
	jwtVerifier  *auth.JWTVerifier
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	localClient  *tailscale.LocalClient
	logger       *slog.Logger

	// serverID identifies this gateway instance in connect snapshots
	serverID string
}

// New creates a Gateway from config. A nil dispatcher gets an empty
// method mux, so every post-handshake request answers unknown-method.
func New(cfg *config.Config, dispatcher Dispatcher, logger *slog.Logger) (*Gateway, error) {
	registry, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	if dispatcher == nil {
		dispatcher = NewMux()
	}

	challenges := challenge.NewIssuer()
	verifier := auth.NewDeviceVerifier(cfg.Auth.SignatureMaxAge, challenges)
	limiter := ratelimit.New(ratelimit.Config{
		MaxAttempts:    cfg.RateLimit.MaxAttempts,
		Window:         cfg.RateLimit.Window,
		Lockout:        cfg.RateLimit.Lockout,
		ExemptLoopback: cfg.RateLimit.ExemptLoopback,
	})

	resolver := auth.NewResolver(limiter, buildStrategies(cfg, verifier, registry, logger)...)
	authorizer := auth.NewAuthorizer(registry, cfg.Auth.SharedSecretScopes)

	gw := &Gateway{
		config:     cfg,
		store:      registry,
		challenges: challenges,
		dispatcher: dispatcher,
		logger:     logger.With("component", "gateway"),
		serverID:   generateServerID(),
	}
	gw.orchestrator = handshake.New(resolver, verifier, authorizer, challenges, cfg.Handshake.Timeout, gw.serverID)

	if cfg.Auth.AdminJWTSecret != "" {
		gw.jwtVerifier = auth.NewJWTVerifier([]byte(cfg.Auth.AdminJWTSecret))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.handleWS)
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	gw.registerAdminRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// buildStrategies assembles the credential paths in precedence order.
func buildStrategies(cfg *config.Config, verifier *auth.DeviceVerifier, registry store.Store, logger *slog.Logger) []auth.Strategy {
	var strategies []auth.Strategy

	if cfg.TrustedProxy.Enabled {
		strategies = append(strategies, auth.NewTrustedProxyStrategy(cfg.TrustedProxy))
		logger.Info("trusted-proxy auth enabled", "proxies", cfg.TrustedProxy.Proxies)
	}
	if cfg.Tailscale.Enabled {
		strategies = append(strategies, auth.NewMeshStrategy(cfg.Tailscale.AuthBypass))
		if cfg.Tailscale.AuthBypass {
			logger.Warn("tailscale auth bypass enabled - tailnet identity alone authenticates")
		}
	}
	if cfg.Auth.Mode == "token" || cfg.Auth.Mode == "password" {
		strategies = append(strategies, auth.NewSharedSecretStrategy(cfg.Auth))
	} else {
		logger.Warn("shared-secret auth disabled", "mode", cfg.Auth.Mode)
	}
	strategies = append(strategies, auth.NewDeviceTokenStrategy(verifier, registry))

	return strategies
}

// initStore opens the pairing registry, honoring TETHER_DB_PATH overrides.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Pairing.DBPath
	if envPath := os.Getenv("TETHER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing pairing registry: %w", err)
	}
	return s, nil
}

// Run starts the gateway and blocks until the context is canceled or a
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the listener, tsnet or plain TCP per config.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", g.config.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", g.config.Server.Addr, err)
	}
	return ln, nil
}

// setupTailscaleListener brings up the tsnet node and listens inside the
// tailnet. WhoIs identities for incoming connections come from the node's
// local client.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if status.Self != nil {
		g.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "dns_name", status.Self.DNSName)
	}

	g.localClient, err = g.tsnetServer.LocalClient()
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using a default
// under the user's data dir if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tether-gateway", "tailscale"), nil
}

// meshIdentity resolves the tailnet identity of an incoming connection.
// Nil on non-tsnet deployments or when WhoIs has nothing for the address.
func (g *Gateway) meshIdentity(r *http.Request) *auth.MeshIdentity {
	if g.localClient == nil {
		return nil
	}
	who, err := g.localClient.WhoIs(r.Context(), r.RemoteAddr)
	if err != nil || who.UserProfile == nil {
		g.logger.Debug("tailscale whois failed", "remote", r.RemoteAddr, "error", err)
		return nil
	}

	identity := &auth.MeshIdentity{LoginName: who.UserProfile.LoginName}
	if who.Node != nil {
		identity.NodeName = who.Node.Name
	}
	return identity
}

// Shutdown stops the server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	g.challenges.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the pairing registry answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListPendingPairingRequests(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("registry unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("tether-gateway-%d", time.Now().UnixNano()%1000000)
}
