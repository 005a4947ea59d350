// ABOUTME: Device client for tether-gateway
// ABOUTME: Manages the local device identity and performs signed connects

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/handshake"
	"github.com/2389/tether-gateway/internal/identity"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "id":
		err = cmdID()
	case "connect":
		err = cmdConnect(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: tether-node <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  id                      Show this device's identity")
	fmt.Println("  connect [flags]         Connect to the gateway with a signed handshake")
	fmt.Println()
	fmt.Println("Connect flags:")
	fmt.Println("  --url URL               Gateway WebSocket URL (default ws://localhost:8443/ws)")
	fmt.Println("  --role ROLE             Role to connect as (default node)")
	fmt.Println("  --scopes a,b,c          Scopes to request")
	fmt.Println("  --token TOKEN           Device or shared token")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  TETHER_IDENTITY         Identity file path (default ~/.local/share/tether/identity)")
	fmt.Println("  TETHER_NODE_TOKEN       Token used when --token is not given")
}

// identityPath returns the device identity file location.
func identityPath() string {
	if envPath := os.Getenv("TETHER_IDENTITY"); envPath != "" {
		return envPath
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "identity"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "tether", "identity")
}

func cmdID() error {
	id, err := identity.LoadOrGenerate(identityPath())
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Device Identity")
	cyan.Println("  ---------------")
	fmt.Printf("  Device ID:  %s\n", id.DeviceID())
	fmt.Printf("  Public key: %s\n", strings.TrimSpace(id.PublicKey()))
	fmt.Printf("  File:       %s\n", identityPath())
	fmt.Println()
	return nil
}

type connectFlags struct {
	url    string
	role   string
	scopes []string
	token  string
}

func parseConnectFlags(args []string) (*connectFlags, error) {
	flags := &connectFlags{
		url:   "ws://localhost:8443/ws",
		role:  "node",
		token: os.Getenv("TETHER_NODE_TOKEN"),
	}

	for i := 0; i < len(args); i++ {
		name := args[i]
		if i+1 >= len(args) {
			return nil, fmt.Errorf("%s requires a value", name)
		}
		i++
		value := args[i]

		switch name {
		case "--url":
			flags.url = value
		case "--role":
			flags.role = value
		case "--scopes":
			flags.scopes = strings.Split(value, ",")
		case "--token":
			flags.token = value
		default:
			return nil, fmt.Errorf("unknown flag: %s", name)
		}
	}
	return flags, nil
}

func cmdConnect(ctx context.Context, args []string) error {
	flags, err := parseConnectFlags(args)
	if err != nil {
		return err
	}

	id, err := identity.LoadOrGenerate(identityPath())
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, flags.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", flags.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Off-loopback gateways send a challenge nonce before anything else;
	// local ones stay silent until we speak. Wait briefly, then sign with
	// whatever we have.
	nonce := awaitChallenge(ctx, conn)

	hostname, _ := os.Hostname()
	params := &handshake.ConnectParams{
		MinProtocol: handshake.ProtocolMin,
		MaxProtocol: handshake.ProtocolMax,
		Client:      handshake.ClientInfo{ID: hostname, Version: "dev", Platform: "cli", Mode: "daemon"},
		Role:        flags.role,
		Scopes:      flags.scopes,
	}
	if flags.token != "" {
		params.Auth = &handshake.AuthParams{Token: flags.token}
	}

	signedAt := time.Now().UnixMilli()
	payload := auth.CanonicalPayload(id.DeviceID(), params.Client.ID, params.Client.Mode,
		params.Role, params.Scopes, signedAt, flags.token, nonce)
	signature, err := id.Sign(payload)
	if err != nil {
		return fmt.Errorf("signing connect: %w", err)
	}
	params.Device = &handshake.DeviceParams{
		DeviceID:  id.DeviceID(),
		PublicKey: id.PublicKey(),
		Signature: signature,
		SignedAt:  signedAt,
		Nonce:     nonce,
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding connect params: %w", err)
	}
	if err := wsjson.Write(ctx, conn, &handshake.Request{
		Type:   handshake.FrameRequest,
		ID:     1,
		Method: handshake.MethodConnect,
		Params: rawParams,
	}); err != nil {
		return fmt.Errorf("sending connect: %w", err)
	}

	var res struct {
		OK      bool                 `json:"ok"`
		Payload json.RawMessage      `json:"payload"`
		Error   *handshake.WireError `json:"error"`
	}
	if err := wsjson.Read(ctx, conn, &res); err != nil {
		return fmt.Errorf("reading connect response: %w", err)
	}

	if !res.OK {
		if res.Error != nil {
			return fmt.Errorf("connect rejected: %s", res.Error.Message)
		}
		return fmt.Errorf("connect rejected")
	}

	var snap handshake.Snapshot
	if err := json.Unmarshal(res.Payload, &snap); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}
	printSnapshot(&snap)
	return nil
}

// awaitChallenge waits briefly for the gateway's challenge event and
// returns its nonce, or "" when none arrives.
func awaitChallenge(ctx context.Context, conn *websocket.Conn) string {
	readCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var event struct {
		Type  string            `json:"type"`
		Event string            `json:"event"`
		Data  map[string]string `json:"data"`
	}
	if err := wsjson.Read(readCtx, conn, &event); err != nil {
		return ""
	}
	if event.Event != handshake.EventChallenge {
		return ""
	}
	return event.Data["nonce"]
}

func printSnapshot(snap *handshake.Snapshot) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	green.Println("Connected.")
	fmt.Println()
	cyan.Println("  Session")
	cyan.Println("  -------")
	fmt.Printf("  Server:    %s\n", snap.ServerID)
	fmt.Printf("  Protocol:  %d\n", snap.Protocol)
	fmt.Printf("  Device:    %s\n", snap.DeviceID)
	fmt.Printf("  Paired:    %t\n", snap.Paired)
	fmt.Printf("  Scopes:    %s\n", strings.Join(snap.GrantedScopes, ", "))
	fmt.Println()

	if snap.PendingRequestID != "" {
		yellow.Println("  Pairing approval is pending.")
		fmt.Printf("  Request ID: %s\n", snap.PendingRequestID)
		fmt.Println("  An operator can approve it with: tether-admin approve " + snap.PendingRequestID)
		fmt.Println()
	}
}
