package license

import "github.com/keymintd/keymint/internal/model"

// BindOutcome is the result of evaluating the device binding policy.
type BindOutcome int

const (
	// BindAlreadyBound means the device was bound on a previous verification.
	// No mutation occurred; verification still succeeds.
	BindAlreadyBound BindOutcome = iota
	// BindAttached means the device was appended to the record's bound set.
	BindAttached
	// BindLimitReached means the record has no free device slots.
	BindLimitReached
)

// tryBind evaluates the device binding policy against rec and mutates it in
// place when a new device attaches. Callers must hold the manager's store
// exclusion: the decision and its mutation have to be atomic with respect to
// concurrent verifications of the same key, or two binds could both land in
// the last remaining slot.
func tryBind(rec *model.KeyRecord, deviceID string) BindOutcome {
	if rec.HasDevice(deviceID) {
		return BindAlreadyBound
	}
	if len(rec.BoundDevices) >= rec.AllowedDevices {
		return BindLimitReached
	}
	rec.BoundDevices = append(rec.BoundDevices, deviceID)
	return BindAttached
}
