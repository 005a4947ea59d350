// ABOUTME: Admin CLI for tether-gateway pairing management
// ABOUTME: Talks to the JWT-gated admin HTTP API to approve devices and rotate tokens

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
 _       _   _                             _           _
| |_ ___| |_| |__   ___ _ __     __ _  __| |_ __ ___ (_)_ __
| __/ _ \ __| '_ \ / _ \ '__|   / _' |/ _' | '_ ' _ \| | '_ \
| ||  __/ |_| | | |  __/ |     | (_| | (_| | | | | | | | | | |
 \__\___|\__|_| |_|\___|_|      \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("TETHER_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8443"
	}
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "pending":
		err = cmdPending(baseURL, token)
	case "devices":
		err = cmdDevices(baseURL, token)
	case "approve":
		err = cmdApprove(baseURL, token, args)
	case "reject":
		err = cmdReject(baseURL, token, args)
	case "rotate":
		err = cmdRotate(baseURL, token, args)
	case "revoke":
		err = cmdRevoke(baseURL, token, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: tether-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  pending                      List pending pairing requests")
	fmt.Println("  devices                      List paired devices")
	fmt.Println("  approve <request-id>         Approve a pairing request")
	fmt.Println("  reject <request-id>          Reject a pairing request")
	fmt.Println("  rotate <device-id> <role>    Rotate a device token")
	fmt.Println("  revoke <device-id> <role>    Revoke a device token")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  TETHER_GATEWAY_URL   Gateway base URL (default: http://localhost:8443)")
	fmt.Println("  TETHER_ADMIN_TOKEN   Admin JWT (falls back to ~/.config/tether/admin-token)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  tether-admin pending")
	fmt.Println("  tether-admin approve 4f7c2a31")
	fmt.Println("  tether-admin rotate 9d2f... node")
	fmt.Println()
}

func getToken() string {
	if token := os.Getenv("TETHER_ADMIN_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "tether", "admin-token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// apiCall performs an authenticated request against the admin API and
// decodes the JSON response into out (when non-nil).
func apiCall(method, url, token string, out interface{}) error {
	if token == "" {
		return fmt.Errorf("TETHER_ADMIN_TOKEN is required (run tether-gateway bootstrap first)")
	}

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var apiErr map[string]string
		if json.Unmarshal(body, &apiErr) == nil && apiErr["error"] != "" {
			return fmt.Errorf("%s (status %d)", apiErr["error"], resp.StatusCode)
		}
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// pairingRequest mirrors the admin API pairing request shape.
type pairingRequest struct {
	ID              string   `json:"id"`
	DeviceID        string   `json:"device_id"`
	DisplayName     string   `json:"display_name"`
	Role            string   `json:"role"`
	RequestedScopes []string `json:"requested_scopes"`
	Remote          string   `json:"remote"`
	IsRepair        bool     `json:"is_repair"`
	CreatedAt       string   `json:"created_at"`
}

// pairedDevice mirrors the admin API device shape.
type pairedDevice struct {
	DeviceID    string              `json:"device_id"`
	DisplayName string              `json:"display_name"`
	Roles       map[string][]string `json:"roles"`
	CreatedAt   string              `json:"created_at"`
	Revoked     bool                `json:"revoked"`
	LastUsedAt  string              `json:"last_used_at"`
}

func cmdPending(baseURL, token string) error {
	var pending []pairingRequest
	if err := apiCall(http.MethodGet, baseURL+"/api/pairing/pending", token, &pending); err != nil {
		return err
	}

	if len(pending) == 0 {
		fmt.Println("No pending pairing requests.")
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tDEVICE\tNAME\tROLE\tSCOPES\tREPAIR\tCREATED")
	fmt.Fprintln(w, "  --\t------\t----\t----\t------\t------\t-------")

	for _, r := range pending {
		repair := ""
		if r.IsRepair {
			repair = "yes"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(r.ID, 12),
			truncate(r.DeviceID, 16),
			truncate(r.DisplayName, 20),
			r.Role,
			truncate(strings.Join(r.RequestedScopes, ","), 32),
			repair,
			formatTime(r.CreatedAt))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdDevices(baseURL, token string) error {
	var devices []pairedDevice
	if err := apiCall(http.MethodGet, baseURL+"/api/pairing/devices", token, &devices); err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No paired devices.")
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  DEVICE\tNAME\tROLES\tSTATUS\tLAST USED")
	fmt.Fprintln(w, "  ------\t----\t-----\t------\t---------")

	for _, d := range devices {
		roles := make([]string, 0, len(d.Roles))
		for role := range d.Roles {
			roles = append(roles, role)
		}
		status := "active"
		if d.Revoked {
			status = "revoked"
		}
		lastUsed := "never"
		if d.LastUsedAt != "" {
			lastUsed = formatTime(d.LastUsedAt)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			truncate(d.DeviceID, 16),
			truncate(d.DisplayName, 20),
			strings.Join(roles, ","),
			status,
			lastUsed)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdApprove(baseURL, token string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: tether-admin approve <request-id>")
	}

	var approval struct {
		DeviceID string   `json:"device_id"`
		Role     string   `json:"role"`
		Scopes   []string `json:"scopes"`
		Token    string   `json:"token"`
	}
	url := baseURL + "/api/pairing/" + args[0] + "/approve"
	if err := apiCall(http.MethodPost, url, token, &approval); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	green.Println("Approved.")
	fmt.Println()
	fmt.Printf("  Device: %s\n", approval.DeviceID)
	fmt.Printf("  Role:   %s\n", approval.Role)
	fmt.Printf("  Scopes: %s\n", strings.Join(approval.Scopes, ", "))
	fmt.Print("  Token:  ")
	cyan.Println(approval.Token)
	fmt.Println()
	fmt.Println("Deliver the token to the device out of band; it is shown only once.")
	return nil
}

func cmdReject(baseURL, token string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: tether-admin reject <request-id>")
	}

	url := baseURL + "/api/pairing/" + args[0] + "/reject"
	if err := apiCall(http.MethodPost, url, token, nil); err != nil {
		return err
	}
	color.Yellow("Rejected.")
	return nil
}

func cmdRotate(baseURL, token string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: tether-admin rotate <device-id> <role>")
	}

	var rotated struct {
		Token string `json:"token"`
	}
	url := fmt.Sprintf("%s/api/devices/%s/tokens/%s/rotate", baseURL, args[0], args[1])
	if err := apiCall(http.MethodPost, url, token, &rotated); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	green.Println("Rotated. The previous token is now revoked.")
	fmt.Print("  New token: ")
	cyan.Println(rotated.Token)
	return nil
}

func cmdRevoke(baseURL, token string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: tether-admin revoke <device-id> <role>")
	}

	url := fmt.Sprintf("%s/api/devices/%s/tokens/%s/revoke", baseURL, args[0], args[1])
	if err := apiCall(http.MethodPost, url, token, nil); err != nil {
		return err
	}
	color.Yellow("Revoked.")
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}

func formatTime(raw string) string {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Format("Jan 02 15:04")
	}
	return raw
}
