package license

import (
	"context"
	"time"
)

// VerifyResult is the payload of a successful verification.
type VerifyResult struct {
	Code              string    `json:"code"`
	ExpiresAt         time.Time `json:"expires_at"`
	DevicesUsed       int       `json:"devices_used"`
	DevicesAllowed    int       `json:"devices_allowed"`
	VerificationCount int64     `json:"verification_count"`
	DeviceAttached    bool      `json:"device_attached"` // true when this call bound a new device
	VerifiedAt        time.Time `json:"verified_at"`
}

// Verify runs the full verification pipeline for one (code, device) pair:
// lookup, integrity check, expiry check, optional rate guard, device binding
// policy, then the usage-counter update. The whole decision commits under the
// store exclusion so concurrent verifications of the same key cannot both
// take the last device slot.
func (m *Manager) Verify(ctx context.Context, code, deviceID string) (*VerifyResult, error) {
	normalized := NormalizeCode(code)
	if normalized == "" || deviceID == "" {
		return nil, errf(KindInvalidInput, "key code and device id are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	idx, ok := indexByCode(records)[normalized]
	if !ok {
		return nil, errf(KindKeyNotFound, "key %s not found", MaskCode(normalized))
	}
	rec := &records[idx]

	if !m.signer.Verify(rec.Code, rec.Signature) {
		m.logger.Error("integrity violation detected",
			"id", rec.ID,
			"code", MaskCode(rec.Code),
		)
		return nil, errf(KindIntegrityViolation, "key %s failed the integrity check", MaskCode(normalized))
	}

	now := m.clock.Now()
	if rec.Expired(now) {
		return nil, errf(KindKeyExpired, "key %s expired at %s", MaskCode(normalized), rec.ExpiresAt.Format(time.RFC3339)).
			withDetails(map[string]interface{}{
				"expired_at": rec.ExpiresAt,
			})
	}

	if m.cfg.MinVerifyInterval > 0 && rec.LastVerifiedAt != nil {
		if since := now.Sub(*rec.LastVerifiedAt); since < m.cfg.MinVerifyInterval {
			return nil, errf(KindRateLimited, "key %s was verified %s ago; minimum interval is %s",
				MaskCode(normalized), since, m.cfg.MinVerifyInterval).
				withDetails(map[string]interface{}{
					"retry_after": (m.cfg.MinVerifyInterval - since).String(),
				})
		}
	}

	outcome := tryBind(rec, deviceID)
	if outcome == BindLimitReached {
		return nil, errf(KindDeviceLimitReached, "key %s has all %d device slots in use",
			MaskCode(normalized), rec.AllowedDevices).
			withDetails(map[string]interface{}{
				"devices_used":    len(rec.BoundDevices),
				"devices_allowed": rec.AllowedDevices,
			})
	}

	rec.VerificationCount++
	verifiedAt := now
	rec.LastVerifiedAt = &verifiedAt

	if err := m.save(ctx, records); err != nil {
		return nil, err
	}

	m.logger.Debug("key verified",
		"id", rec.ID,
		"code", MaskCode(rec.Code),
		"device_attached", outcome == BindAttached,
		"devices_used", len(rec.BoundDevices),
	)

	return &VerifyResult{
		Code:              rec.Code,
		ExpiresAt:         rec.ExpiresAt,
		DevicesUsed:       len(rec.BoundDevices),
		DevicesAllowed:    rec.AllowedDevices,
		VerificationCount: rec.VerificationCount,
		DeviceAttached:    outcome == BindAttached,
		VerifiedAt:        verifiedAt,
	}, nil
}
