// ABOUTME: SQLite implementation of the pairing registry using modernc.org/sqlite
// ABOUTME: Persists pairing requests, paired devices, and device tokens with automatic schema creation

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pairing_requests (
			id               TEXT PRIMARY KEY,
			device_id        TEXT NOT NULL,
			public_key       TEXT NOT NULL,
			display_name     TEXT NOT NULL,
			role             TEXT NOT NULL,
			requested_scopes TEXT NOT NULL,
			client_mode      TEXT NOT NULL,
			remote           TEXT,
			is_repair        INTEGER NOT NULL DEFAULT 0,
			status           TEXT NOT NULL DEFAULT 'pending',
			created_at       TEXT NOT NULL,
			decided_at       TEXT,
			decided_by       TEXT,

			CHECK (status IN ('pending', 'approved', 'rejected'))
		);

		-- At most one pending request per device; racing handshakes converge here
		CREATE UNIQUE INDEX IF NOT EXISTS idx_pairing_pending
			ON pairing_requests(device_id) WHERE status = 'pending';

		CREATE INDEX IF NOT EXISTS idx_pairing_status ON pairing_requests(status);

		CREATE TABLE IF NOT EXISTS paired_devices (
			device_id    TEXT PRIMARY KEY,
			public_key   TEXT NOT NULL,
			display_name TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			revoked_at   TEXT,
			last_used_at TEXT
		);

		CREATE TABLE IF NOT EXISTS device_roles (
			device_id  TEXT NOT NULL REFERENCES paired_devices(device_id),
			role       TEXT NOT NULL,
			scopes     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			PRIMARY KEY (device_id, role)
		);

		CREATE TABLE IF NOT EXISTS device_tokens (
			token        TEXT PRIMARY KEY,
			device_id    TEXT NOT NULL REFERENCES paired_devices(device_id),
			role         TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			revoked_at   TEXT,
			last_used_at TEXT
		);

		-- At most one live token per (device, role)
		CREATE UNIQUE INDEX IF NOT EXISTS idx_device_tokens_active
			ON device_tokens(device_id, role) WHERE revoked_at IS NULL;

		CREATE INDEX IF NOT EXISTS idx_device_tokens_device ON device_tokens(device_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// joinScopes serializes a scope set for storage. Scope names never contain commas.
func joinScopes(scopes []string) string {
	return strings.Join(scopes, ",")
}

// splitScopes deserializes a stored scope set
func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// newTokenValue generates a random device token value
func newTokenValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// parseOptionalTime parses a nullable RFC3339 column
func parseOptionalTime(ns sql.NullString, field string) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", field, err)
	}
	return &t, nil
}

// QueuePairingRequest records a device's pairing request.
// If the request has no ID one is assigned. If a pending request already
// exists for the device, that existing request is returned instead of
// creating a duplicate, so concurrent handshakes converge on one record.
func (s *SQLiteStore) QueuePairingRequest(ctx context.Context, req *PairingRequest) (*PairingRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = PairingStatusPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO pairing_requests
			(id, device_id, public_key, display_name, role, requested_scopes, client_mode, remote, is_repair, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		req.ID,
		req.DeviceID,
		req.PublicKey,
		req.DisplayName,
		req.Role,
		joinScopes(req.RequestedScopes),
		req.ClientMode,
		req.Remote,
		req.IsRepair,
		req.Status,
		req.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			// Another handshake queued this device first; return its request
			existing, lookupErr := s.getPendingRequestForDevice(ctx, req.DeviceID)
			if lookupErr == nil {
				return existing, nil
			}
			// The racing request was decided between our insert and lookup;
			// retry the insert once
			if errors.Is(lookupErr, ErrNotFound) {
				return s.QueuePairingRequest(ctx, &PairingRequest{
					DeviceID:        req.DeviceID,
					PublicKey:       req.PublicKey,
					DisplayName:     req.DisplayName,
					Role:            req.Role,
					RequestedScopes: req.RequestedScopes,
					ClientMode:      req.ClientMode,
					Remote:          req.Remote,
					IsRepair:        req.IsRepair,
				})
			}
			return nil, lookupErr
		}
		return nil, fmt.Errorf("inserting pairing request: %w", err)
	}

	s.logger.Info("pairing request queued",
		"request_id", req.ID,
		"device_id", req.DeviceID,
		"role", req.Role,
		"scopes", req.RequestedScopes)
	return req, nil
}

func (s *SQLiteStore) getPendingRequestForDevice(ctx context.Context, deviceID string) (*PairingRequest, error) {
	query := selectPairingRequest + ` WHERE device_id = ? AND status = 'pending'`
	return s.scanPairingRequest(s.db.QueryRowContext(ctx, query, deviceID))
}

const selectPairingRequest = `
	SELECT id, device_id, public_key, display_name, role, requested_scopes,
	       client_mode, remote, is_repair, status, created_at, decided_at, decided_by
	FROM pairing_requests
`

func (s *SQLiteStore) scanPairingRequest(row *sql.Row) (*PairingRequest, error) {
	var req PairingRequest
	var scopesStr, createdAtStr string
	var remote, decidedAt, decidedBy sql.NullString

	err := row.Scan(
		&req.ID,
		&req.DeviceID,
		&req.PublicKey,
		&req.DisplayName,
		&req.Role,
		&scopesStr,
		&req.ClientMode,
		&remote,
		&req.IsRepair,
		&req.Status,
		&createdAtStr,
		&decidedAt,
		&decidedBy,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pairing request: %w", err)
	}

	req.RequestedScopes = splitScopes(scopesStr)
	req.Remote = remote.String
	req.DecidedBy = decidedBy.String

	req.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	req.DecidedAt, err = parseOptionalTime(decidedAt, "decided_at")
	if err != nil {
		return nil, err
	}

	return &req, nil
}

// GetPairingRequest retrieves a pairing request by ID.
// Returns ErrNotFound if the request doesn't exist.
func (s *SQLiteStore) GetPairingRequest(ctx context.Context, id string) (*PairingRequest, error) {
	query := selectPairingRequest + ` WHERE id = ?`
	return s.scanPairingRequest(s.db.QueryRowContext(ctx, query, id))
}

// ListPendingPairingRequests returns all undecided pairing requests, oldest first
func (s *SQLiteStore) ListPendingPairingRequests(ctx context.Context) ([]*PairingRequest, error) {
	query := selectPairingRequest + ` WHERE status = 'pending' ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying pending pairing requests: %w", err)
	}
	defer rows.Close()

	var requests []*PairingRequest
	for rows.Next() {
		var req PairingRequest
		var scopesStr, createdAtStr string
		var remote, decidedAt, decidedBy sql.NullString

		err := rows.Scan(
			&req.ID,
			&req.DeviceID,
			&req.PublicKey,
			&req.DisplayName,
			&req.Role,
			&scopesStr,
			&req.ClientMode,
			&remote,
			&req.IsRepair,
			&req.Status,
			&createdAtStr,
			&decidedAt,
			&decidedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning pairing request: %w", err)
		}

		req.RequestedScopes = splitScopes(scopesStr)
		req.Remote = remote.String
		req.DecidedBy = decidedBy.String

		req.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		requests = append(requests, &req)
	}

	return requests, rows.Err()
}

// ApprovePairingRequest atomically approves a pending pairing request.
// The device is recorded (or re-activated if previously revoked), the
// requested role's scope set replaces any prior grant, any live token for
// that role is revoked, and a fresh token is issued.
// Returns ErrNotFound if the request doesn't exist, ErrAlreadyDecided if
// it was already approved or rejected.
func (s *SQLiteStore) ApprovePairingRequest(ctx context.Context, id, decidedBy string) (*Approval, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// The status flip rides the same transaction as the device upsert and
	// token issue: either the request is approved with a live token, or
	// nothing changed and the approval can be retried.
	req, err := s.decidePairingRequest(ctx, tx, id, decidedBy, PairingStatusApproved)
	if err != nil {
		return nil, err
	}

	// Upsert the device; approval re-activates a revoked pairing
	_, err = tx.ExecContext(ctx, `
		INSERT INTO paired_devices (device_id, public_key, display_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			public_key = excluded.public_key,
			display_name = excluded.display_name,
			revoked_at = NULL
	`, req.DeviceID, req.PublicKey, req.DisplayName, now)
	if err != nil {
		return nil, fmt.Errorf("upserting paired device: %w", err)
	}

	// Replace the role's scope set with the approved request's scopes
	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_roles (device_id, role, scopes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id, role) DO UPDATE SET
			scopes = excluded.scopes,
			updated_at = excluded.updated_at
	`, req.DeviceID, req.Role, joinScopes(req.RequestedScopes), now, now)
	if err != nil {
		return nil, fmt.Errorf("upserting device role: %w", err)
	}

	token, err := s.issueTokenTx(ctx, tx, req.DeviceID, req.Role)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing approval: %w", err)
	}

	s.logger.Info("pairing request approved",
		"request_id", id,
		"device_id", req.DeviceID,
		"role", req.Role,
		"decided_by", decidedBy)

	device, err := s.GetPairedDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}

	return &Approval{Device: device, Token: token}, nil
}

// RejectPairingRequest atomically rejects a pending pairing request.
// Returns ErrNotFound if the request doesn't exist, ErrAlreadyDecided if
// it was already approved or rejected.
func (s *SQLiteStore) RejectPairingRequest(ctx context.Context, id, decidedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.decidePairingRequest(ctx, tx, id, decidedBy, PairingStatusRejected); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rejection: %w", err)
	}

	s.logger.Info("pairing request rejected", "request_id", id, "decided_by", decidedBy)
	return nil
}

// decidePairingRequest transitions a pending request to a decided status
// within the caller's transaction. The guarded UPDATE only succeeds while
// the request is still pending, so concurrent decisions cannot both win.
func (s *SQLiteStore) decidePairingRequest(ctx context.Context, tx *sql.Tx, id, decidedBy, status string) (*PairingRequest, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	query := `
		UPDATE pairing_requests
		SET status = ?, decided_at = ?, decided_by = ?
		WHERE id = ? AND status = 'pending'
	`

	result, err := tx.ExecContext(ctx, query, status, now, decidedBy, id)
	if err != nil {
		return nil, fmt.Errorf("deciding pairing request: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}

	byID := selectPairingRequest + ` WHERE id = ?`
	if rowsAffected == 0 {
		// Lost the race or bad ID - check which
		if _, err := s.scanPairingRequest(tx.QueryRowContext(ctx, byID, id)); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		} else if err != nil {
			return nil, err
		}
		return nil, ErrAlreadyDecided
	}

	return s.scanPairingRequest(tx.QueryRowContext(ctx, byID, id))
}

// GetPairedDevice retrieves a paired device and its role grants by device ID.
// Returns ErrNotFound if the device was never paired. Revoked devices are
// returned with RevokedAt set; callers decide whether revocation matters.
func (s *SQLiteStore) GetPairedDevice(ctx context.Context, deviceID string) (*PairedDevice, error) {
	query := `
		SELECT device_id, public_key, display_name, created_at, revoked_at, last_used_at
		FROM paired_devices
		WHERE device_id = ?
	`

	device, err := s.scanPairedDevice(s.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		return nil, err
	}

	if err := s.loadDeviceRoles(ctx, device); err != nil {
		return nil, err
	}

	return device, nil
}

func (s *SQLiteStore) scanPairedDevice(row *sql.Row) (*PairedDevice, error) {
	var device PairedDevice
	var createdAtStr string
	var revokedAt, lastUsedAt sql.NullString

	err := row.Scan(
		&device.DeviceID,
		&device.PublicKey,
		&device.DisplayName,
		&createdAtStr,
		&revokedAt,
		&lastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning paired device: %w", err)
	}

	device.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	device.RevokedAt, err = parseOptionalTime(revokedAt, "revoked_at")
	if err != nil {
		return nil, err
	}

	device.LastUsedAt, err = parseOptionalTime(lastUsedAt, "last_used_at")
	if err != nil {
		return nil, err
	}

	return &device, nil
}

func (s *SQLiteStore) loadDeviceRoles(ctx context.Context, device *PairedDevice) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, scopes FROM device_roles WHERE device_id = ?`, device.DeviceID)
	if err != nil {
		return fmt.Errorf("querying device roles: %w", err)
	}
	defer rows.Close()

	device.Roles = make(map[string][]string)
	for rows.Next() {
		var role, scopesStr string
		if err := rows.Scan(&role, &scopesStr); err != nil {
			return fmt.Errorf("scanning device role: %w", err)
		}
		device.Roles[role] = splitScopes(scopesStr)
	}

	return rows.Err()
}

// ListPairedDevices returns all paired devices including revoked ones, oldest first
func (s *SQLiteStore) ListPairedDevices(ctx context.Context) ([]*PairedDevice, error) {
	query := `
		SELECT device_id, public_key, display_name, created_at, revoked_at, last_used_at
		FROM paired_devices
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying paired devices: %w", err)
	}
	defer rows.Close()

	var devices []*PairedDevice
	for rows.Next() {
		var device PairedDevice
		var createdAtStr string
		var revokedAt, lastUsedAt sql.NullString

		err := rows.Scan(
			&device.DeviceID,
			&device.PublicKey,
			&device.DisplayName,
			&createdAtStr,
			&revokedAt,
			&lastUsedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning paired device: %w", err)
		}

		device.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		device.RevokedAt, err = parseOptionalTime(revokedAt, "revoked_at")
		if err != nil {
			return nil, err
		}

		device.LastUsedAt, err = parseOptionalTime(lastUsedAt, "last_used_at")
		if err != nil {
			return nil, err
		}

		devices = append(devices, &device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, device := range devices {
		if err := s.loadDeviceRoles(ctx, device); err != nil {
			return nil, err
		}
	}

	return devices, nil
}

// RevokeDevice revokes a device pairing and all of its live tokens.
// Returns ErrNotFound if the device was never paired, ErrDeviceRevoked if
// it is already revoked.
func (s *SQLiteStore) RevokeDevice(ctx context.Context, deviceID string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE paired_devices SET revoked_at = ?
		WHERE device_id = ? AND revoked_at IS NULL
	`, now, deviceID)
	if err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, err := s.GetPairedDevice(ctx, deviceID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrDeviceRevoked
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE device_tokens SET revoked_at = ?
		WHERE device_id = ? AND revoked_at IS NULL
	`, now, deviceID)
	if err != nil {
		return fmt.Errorf("revoking device tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing revocation: %w", err)
	}

	s.logger.Info("device revoked", "device_id", deviceID)
	return nil
}

// GetDeviceByToken resolves the identity behind a presented token.
// Revocation is checked at use time: a revoked token returns
// ErrTokenRevoked and a revoked device returns ErrDeviceRevoked even if
// the token itself is live. Unknown tokens return ErrNotFound.
func (s *SQLiteStore) GetDeviceByToken(ctx context.Context, token string) (*TokenIdentity, error) {
	query := `
		SELECT token, device_id, role, created_at, revoked_at, last_used_at
		FROM device_tokens
		WHERE token = ?
	`

	var tok DeviceToken
	var createdAtStr string
	var revokedAt, lastUsedAt sql.NullString

	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&tok.Token,
		&tok.DeviceID,
		&tok.Role,
		&createdAtStr,
		&revokedAt,
		&lastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device token: %w", err)
	}

	tok.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	tok.RevokedAt, err = parseOptionalTime(revokedAt, "revoked_at")
	if err != nil {
		return nil, err
	}

	tok.LastUsedAt, err = parseOptionalTime(lastUsedAt, "last_used_at")
	if err != nil {
		return nil, err
	}

	if tok.RevokedAt != nil {
		return nil, ErrTokenRevoked
	}

	device, err := s.GetPairedDevice(ctx, tok.DeviceID)
	if err != nil {
		return nil, err
	}
	if device.Revoked() {
		return nil, ErrDeviceRevoked
	}

	return &TokenIdentity{
		Device: device,
		Role:   tok.Role,
		Scopes: device.ScopesForRole(tok.Role),
		Token:  &tok,
	}, nil
}

// IssueToken issues a fresh token for a (device, role) pair, replacing the
// role's scope set and revoking any previously live token for that role.
// Returns ErrNotFound if the device was never paired, ErrDeviceRevoked if
// its pairing is revoked.
func (s *SQLiteStore) IssueToken(ctx context.Context, deviceID, role string, scopes []string) (*DeviceToken, error) {
	device, err := s.GetPairedDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.Revoked() {
		return nil, ErrDeviceRevoked
	}

	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_roles (device_id, role, scopes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id, role) DO UPDATE SET
			scopes = excluded.scopes,
			updated_at = excluded.updated_at
	`, deviceID, role, joinScopes(scopes), now, now)
	if err != nil {
		return nil, fmt.Errorf("upserting device role: %w", err)
	}

	token, err := s.issueTokenTx(ctx, tx, deviceID, role)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing token issue: %w", err)
	}

	s.logger.Info("device token issued", "device_id", deviceID, "role", role)
	return token, nil
}

// issueTokenTx revokes any live token for (device, role) and inserts a
// fresh one inside the caller's transaction
func (s *SQLiteStore) issueTokenTx(ctx context.Context, tx *sql.Tx, deviceID, role string) (*DeviceToken, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	_, err := tx.ExecContext(ctx, `
		UPDATE device_tokens SET revoked_at = ?
		WHERE device_id = ? AND role = ? AND revoked_at IS NULL
	`, nowStr, deviceID, role)
	if err != nil {
		return nil, fmt.Errorf("revoking previous token: %w", err)
	}

	value, err := newTokenValue()
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_tokens (token, device_id, role, created_at)
		VALUES (?, ?, ?, ?)
	`, value, deviceID, role, nowStr)
	if err != nil {
		return nil, fmt.Errorf("inserting token: %w", err)
	}

	return &DeviceToken{
		Token:     value,
		DeviceID:  deviceID,
		Role:      role,
		CreatedAt: now,
	}, nil
}

// RotateToken revokes the live token for a (device, role) pair and issues
// a fresh one with the same scope grant.
// Returns ErrNotFound if the device has no live token for that role,
// ErrDeviceRevoked if the device pairing is revoked.
func (s *SQLiteStore) RotateToken(ctx context.Context, deviceID, role string) (*DeviceToken, error) {
	device, err := s.GetPairedDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.Revoked() {
		return nil, ErrDeviceRevoked
	}
	if device.ScopesForRole(role) == nil {
		return nil, ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	token, err := s.issueTokenTx(ctx, tx, deviceID, role)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing token rotation: %w", err)
	}

	s.logger.Info("device token rotated", "device_id", deviceID, "role", role)
	return token, nil
}

// RevokeToken revokes the live token for a (device, role) pair.
// Returns ErrNotFound if no live token exists for that pair.
func (s *SQLiteStore) RevokeToken(ctx context.Context, deviceID, role string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `
		UPDATE device_tokens SET revoked_at = ?
		WHERE device_id = ? AND role = ? AND revoked_at IS NULL
	`, now, deviceID, role)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("device token revoked", "device_id", deviceID, "role", role)
	return nil
}

// TouchToken records a successful use of a token on both the token and its device
func (s *SQLiteStore) TouchToken(ctx context.Context, token string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `
		UPDATE device_tokens SET last_used_at = ? WHERE token = ?
	`, now, token)
	if err != nil {
		return fmt.Errorf("touching token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE paired_devices SET last_used_at = ?
		WHERE device_id = (SELECT device_id FROM device_tokens WHERE token = ?)
	`, now, token)
	if err != nil {
		return fmt.Errorf("touching device: %w", err)
	}

	return nil
}
