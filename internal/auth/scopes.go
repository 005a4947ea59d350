// ABOUTME: Scope authorization for established connections
// ABOUTME: Computes granted scopes from requested scopes, pairing records, and policy

package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/tether-gateway/internal/store"
)

// ScopeOperatorAdmin gates administrative RPCs. It is never granted from
// a self-declared or baseline scope set; it must appear in an approved
// pairing record.
const ScopeOperatorAdmin = "operator.admin"

// Grant is the authorization result for one connection
type Grant struct {
	Scopes           []string // granted scope set, never wider than requested
	Paired           bool
	PendingRequestID string // set when a pairing request was queued
}

// Authorizer computes granted scope sets. The device signature on any
// device block must already be verified before Authorize is called; the
// authorizer trusts the declared identity.
type Authorizer struct {
	registry store.Store
	baseline []string
	logger   *slog.Logger
}

// NewAuthorizer creates an Authorizer. baseline is the policy grant for
// principals with no device identity; operator.admin is stripped from it
// unconditionally.
func NewAuthorizer(registry store.Store, baseline []string) *Authorizer {
	var filtered []string
	for _, s := range baseline {
		if s != ScopeOperatorAdmin {
			filtered = append(filtered, s)
		}
	}
	return &Authorizer{
		registry: registry,
		baseline: filtered,
		logger:   slog.Default().With("component", "auth"),
	}
}

// Authorize computes the granted scope set for a resolved principal.
//
// Device-token principals get the intersection of requested and paired
// scopes; requesting beyond the paired set queues an escalation request
// instead of widening the grant. A verified device identity without a
// device token gets zero scopes and a queued pairing request (marked as a
// repair when the device was paired before). Principals without a device
// identity get the policy baseline intersected with their request.
func (a *Authorizer) Authorize(ctx context.Context, outcome *Outcome, sc *SignedConnect, remote string) (*Grant, error) {
	requested := sc.Scopes

	if outcome.Kind == KindDevice {
		paired := outcome.Identity.Scopes
		grant := &Grant{
			Scopes: intersectScopes(requested, paired),
			Paired: true,
		}

		if len(missingScopes(requested, paired)) > 0 {
			req, err := a.queueRequest(ctx, sc, remote, false)
			if err != nil {
				return nil, err
			}
			grant.PendingRequestID = req.ID
			a.logger.Info("scope escalation queued",
				"device_id", outcome.DeviceID,
				"request_id", req.ID,
				"requested", requested,
				"granted", grant.Scopes)
		}

		return grant, nil
	}

	if sc.Device != nil {
		// Verified identity, but no device credential. The connection is
		// accepted with zero scopes; pairing approval happens out of band.
		grant := &Grant{}
		if len(requested) > 0 {
			isRepair := a.wasPaired(ctx, sc.Device.DeviceID)
			req, err := a.queueRequest(ctx, sc, remote, isRepair)
			if err != nil {
				return nil, err
			}
			grant.PendingRequestID = req.ID
			a.logger.Info("pairing request queued",
				"device_id", sc.Device.DeviceID,
				"request_id", req.ID,
				"repair", isRepair)
		}
		return grant, nil
	}

	// No device identity at all: policy baseline only
	return &Grant{
		Scopes: intersectScopes(requested, a.baseline),
	}, nil
}

// wasPaired reports whether the device holds a live pairing record, which
// marks a tokenless reconnect as a repair rather than first contact
func (a *Authorizer) wasPaired(ctx context.Context, deviceID string) bool {
	device, err := a.registry.GetPairedDevice(ctx, deviceID)
	if err != nil {
		return false
	}
	return !device.Revoked()
}

func (a *Authorizer) queueRequest(ctx context.Context, sc *SignedConnect, remote string, isRepair bool) (*store.PairingRequest, error) {
	req, err := a.registry.QueuePairingRequest(ctx, &store.PairingRequest{
		DeviceID:        sc.Device.DeviceID,
		PublicKey:       sc.Device.PublicKey,
		DisplayName:     displayName(sc),
		Role:            sc.Role,
		RequestedScopes: sc.Scopes,
		ClientMode:      sc.ClientMode,
		Remote:          remote,
		IsRepair:        isRepair,
	})
	if err != nil {
		return nil, fmt.Errorf("queueing pairing request: %w", err)
	}
	return req, nil
}

// displayName picks a human-readable name for a pairing request, falling
// back to a short fingerprint when the client did not identify itself
func displayName(sc *SignedConnect) string {
	if sc.ClientID != "" {
		return sc.ClientID
	}
	fp := sc.Device.DeviceID
	if len(fp) > 8 {
		fp = fp[:8]
	}
	return "node-" + fp
}

// intersectScopes returns requested ∩ granted, preserving request order
func intersectScopes(requested, granted []string) []string {
	allowed := make(map[string]bool, len(granted))
	for _, s := range granted {
		allowed[s] = true
	}

	var out []string
	for _, s := range requested {
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}

// missingScopes returns the requested scopes absent from the granted set
func missingScopes(requested, granted []string) []string {
	allowed := make(map[string]bool, len(granted))
	for _, s := range granted {
		allowed[s] = true
	}

	var out []string
	for _, s := range requested {
		if !allowed[s] {
			out = append(out, s)
		}
	}
	return out
}
