package model

import "time"

// KeyRecord is the central licensing entity: an activation code bound to an
// expiry and a device quota. The integrity signature is an HMAC over the code
// so that out-of-band edits to the persisted store are detected on the next
// verification.
type KeyRecord struct {
	ID                string     `json:"id" db:"id"`
	Code              string     `json:"code" db:"code"` // case-normalized, unique
	Signature         string     `json:"signature" db:"signature"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at" db:"expires_at"`
	AllowedDevices    int        `json:"allowed_devices" db:"allowed_devices"`
	BoundDevices      []string   `json:"bound_devices" db:"-"` // insertion-ordered
	VerificationCount int64      `json:"verification_count" db:"verification_count"`
	LastVerifiedAt    *time.Time `json:"last_verified_at,omitempty" db:"last_verified_at"`
}

// Expired reports whether the record's expiry lies strictly before now.
func (k *KeyRecord) Expired(now time.Time) bool {
	return k.ExpiresAt.Before(now)
}

// HasDevice reports whether deviceID is already bound to the record.
func (k *KeyRecord) HasDevice(deviceID string) bool {
	for _, d := range k.BoundDevices {
		if d == deviceID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the record. The engine hands clones to callers
// so a snapshot can never alias the store's mutable state.
func (k *KeyRecord) Clone() KeyRecord {
	out := *k
	if k.BoundDevices != nil {
		out.BoundDevices = make([]string, len(k.BoundDevices))
		copy(out.BoundDevices, k.BoundDevices)
	}
	if k.LastVerifiedAt != nil {
		t := *k.LastVerifiedAt
		out.LastVerifiedAt = &t
	}
	return out
}
