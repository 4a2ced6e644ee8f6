package license

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keymintd/keymint/internal/model"
)

func TestVerifyDeviceBindingLifecycle(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	code := mustCreate(t, m, CreateParams{Duration: 1, Unit: UnitDay, AllowedDevices: 2})

	// First device fills slot one.
	res, err := m.Verify(ctx, code, "devA")
	if err != nil {
		t.Fatalf("Verify devA: %v", err)
	}
	if !res.DeviceAttached {
		t.Error("devA: expected DeviceAttached")
	}
	if res.DevicesUsed != 1 || res.DevicesAllowed != 2 {
		t.Errorf("devA: got %d/%d devices, want 1/2", res.DevicesUsed, res.DevicesAllowed)
	}
	if res.VerificationCount != 1 {
		t.Errorf("devA: got count %d, want 1", res.VerificationCount)
	}

	// Second device fills slot two.
	res, err = m.Verify(ctx, code, "devB")
	if err != nil {
		t.Fatalf("Verify devB: %v", err)
	}
	if !res.DeviceAttached || res.DevicesUsed != 2 {
		t.Errorf("devB: got attached=%v used=%d, want attached 2/2", res.DeviceAttached, res.DevicesUsed)
	}

	// A third device hits the limit without consuming a verification.
	_, err = m.Verify(ctx, code, "devC")
	if !IsKind(err, KindDeviceLimitReached) {
		t.Fatalf("devC: got %v, want DeviceLimitReached", err)
	}

	// A bound device re-verifies without claiming a new slot.
	res, err = m.Verify(ctx, code, "devA")
	if err != nil {
		t.Fatalf("re-verify devA: %v", err)
	}
	if res.DeviceAttached {
		t.Error("re-verify devA: device must not re-attach")
	}
	if res.DevicesUsed != 2 {
		t.Errorf("re-verify devA: got %d devices used, want 2", res.DevicesUsed)
	}
	if res.VerificationCount != 3 {
		t.Errorf("re-verify devA: got count %d, want 3 (limit failure must not count)", res.VerificationCount)
	}
}

func TestVerifyInputValidation(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	if _, err := m.Verify(ctx, "", "devA"); !IsKind(err, KindInvalidInput) {
		t.Errorf("empty code: got %v, want InvalidInput", err)
	}
	if _, err := m.Verify(ctx, "SOMECODE", ""); !IsKind(err, KindInvalidInput) {
		t.Errorf("empty device: got %v, want InvalidInput", err)
	}
	if _, err := m.Verify(ctx, "   ", "devA"); !IsKind(err, KindInvalidInput) {
		t.Errorf("whitespace code: got %v, want InvalidInput", err)
	}
}

func TestVerifyUnknownKey(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	_, err := m.Verify(context.Background(), "DOESNOTEXIST", "devA")
	if !IsKind(err, KindKeyNotFound) {
		t.Errorf("got %v, want KeyNotFound", err)
	}
}

func TestVerifyNormalizesCode(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	code := mustCreate(t, m, CreateParams{Duration: 1, Unit: UnitDay, AllowedDevices: 1})

	// Lowercase plus surrounding whitespace still resolves to the same key.
	if _, err := m.Verify(ctx, "  "+code+"  ", "devA"); err != nil {
		t.Fatalf("Verify padded: %v", err)
	}
	if _, err := m.Verify(ctx, toLower(code), "devA"); err != nil {
		t.Fatalf("Verify lowercase: %v", err)
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

func TestVerifyExpiry(t *testing.T) {
	m, clock := newTestManager(t, Config{})
	ctx := context.Background()

	code := mustCreate(t, m, CreateParams{Duration: 2, Unit: UnitHour, AllowedDevices: 1})

	if _, err := m.Verify(ctx, code, "devA"); err != nil {
		t.Fatalf("Verify before expiry: %v", err)
	}

	// Exactly at the boundary the key is still valid: expiry means strictly
	// before now.
	clock.Advance(2 * time.Hour)
	if _, err := m.Verify(ctx, code, "devA"); err != nil {
		t.Fatalf("Verify at boundary: %v", err)
	}

	clock.Advance(time.Second)
	_, err := m.Verify(ctx, code, "devA")
	if !IsKind(err, KindKeyExpired) {
		t.Fatalf("Verify after expiry: got %v, want KeyExpired", err)
	}

	var lerr *Error
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *license.Error, got %T", err)
	}
	if _, ok := lerr.Details["expired_at"]; !ok {
		t.Error("expected expired_at in error details")
	}

	// Expiry stays permanent until an explicit extension.
	clock.Advance(48 * time.Hour)
	if _, err := m.Verify(ctx, code, "devA"); !IsKind(err, KindKeyExpired) {
		t.Errorf("still expired: got %v, want KeyExpired", err)
	}
	if _, err := m.ExtendExpiry(ctx, code, 1, UnitMonth); err != nil {
		t.Fatalf("ExtendExpiry: %v", err)
	}
	if _, err := m.Verify(ctx, code, "devA"); err != nil {
		t.Errorf("Verify after extension: %v", err)
	}
}

func TestVerifyIntegrityViolation(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	code := mustCreate(t, m, CreateParams{Duration: 1, Unit: UnitDay, AllowedDevices: 1})

	// Tamper with the stored record behind the manager's back.
	records, err := m.store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	for i := range records {
		records[i].Signature = "deadbeef"
	}
	if err := m.store.SaveAll(ctx, records); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	_, err = m.Verify(ctx, code, "devA")
	if !IsKind(err, KindIntegrityViolation) {
		t.Errorf("got %v, want IntegrityViolation", err)
	}
}

func TestVerifyMinInterval(t *testing.T) {
	m, clock := newTestManager(t, Config{MinVerifyInterval: time.Minute})
	ctx := context.Background()

	code := mustCreate(t, m, CreateParams{Duration: 1, Unit: UnitDay, AllowedDevices: 1})

	if _, err := m.Verify(ctx, code, "devA"); err != nil {
		t.Fatalf("first Verify: %v", err)
	}

	clock.Advance(10 * time.Second)
	_, err := m.Verify(ctx, code, "devA")
	if !IsKind(err, KindRateLimited) {
		t.Fatalf("got %v, want RateLimited", err)
	}

	var lerr *Error
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *license.Error, got %T", err)
	}
	if _, ok := lerr.Details["retry_after"]; !ok {
		t.Error("expected retry_after in error details")
	}

	clock.Advance(time.Minute)
	if _, err := m.Verify(ctx, code, "devA"); err != nil {
		t.Errorf("Verify after interval: %v", err)
	}
}

func TestVerifyMinIntervalDisabledByDefault(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	code := mustCreate(t, m, CreateParams{Duration: 1, Unit: UnitDay, AllowedDevices: 1})

	// Back-to-back verifications at the same instant are fine.
	for i := 0; i < 5; i++ {
		if _, err := m.Verify(ctx, code, "devA"); err != nil {
			t.Fatalf("Verify #%d: %v", i, err)
		}
	}
}

func TestVerifyConcurrentBindingRespectsLimit(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	const allowed = 3
	const contenders = 12

	code := mustCreate(t, m, CreateParams{Duration: 1, Unit: UnitDay, AllowedDevices: allowed})

	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = m.Verify(ctx, code, deviceName(n))
		}(i)
	}
	wg.Wait()

	bound, limited := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			bound++
		case IsKind(err, KindDeviceLimitReached):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if bound != allowed {
		t.Errorf("got %d successful binds, want exactly %d", bound, allowed)
	}
	if limited != contenders-allowed {
		t.Errorf("got %d limit rejections, want %d", limited, contenders-allowed)
	}

	rec, err := m.Get(ctx, code)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(rec.BoundDevices) != allowed {
		t.Errorf("got %d bound devices, want %d", len(rec.BoundDevices), allowed)
	}
	if rec.VerificationCount != int64(allowed) {
		t.Errorf("got count %d, want %d", rec.VerificationCount, allowed)
	}
}

func deviceName(n int) string {
	return "device-" + string(rune('a'+n))
}

func TestTryBindOutcomes(t *testing.T) {
	rec := &model.KeyRecord{AllowedDevices: 2, BoundDevices: []string{"devA"}}

	if got := tryBind(rec, "devA"); got != BindAlreadyBound {
		t.Errorf("existing device: got %v, want BindAlreadyBound", got)
	}
	if got := tryBind(rec, "devB"); got != BindAttached {
		t.Errorf("free slot: got %v, want BindAttached", got)
	}
	if got := tryBind(rec, "devC"); got != BindLimitReached {
		t.Errorf("full key: got %v, want BindLimitReached", got)
	}
	if len(rec.BoundDevices) != 2 {
		t.Errorf("got %d bound devices, want 2", len(rec.BoundDevices))
	}
}
