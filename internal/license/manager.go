package license

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keymintd/keymint/internal/keystore"
	"github.com/keymintd/keymint/internal/model"
)

// Unit is a duration unit accepted by key creation and extension.
type Unit string

const (
	UnitHour  Unit = "hour"
	UnitDay   Unit = "day"
	UnitWeek  Unit = "week"
	UnitMonth Unit = "month" // nominal 30 days, not calendar-aware
)

// unitDuration maps each unit to its fixed length.
var unitDuration = map[Unit]time.Duration{
	UnitHour:  time.Hour,
	UnitDay:   24 * time.Hour,
	UnitWeek:  7 * 24 * time.Hour,
	UnitMonth: 30 * 24 * time.Hour,
}

// DefaultBulkLimit bounds worst-case generation and store-write cost for a
// single bulk create call.
const DefaultBulkLimit = 100

// generateAttempts bounds the collision-retry loop in code generation.
const generateAttempts = 5

// Config tunes the Manager's policy knobs.
type Config struct {
	// MaxDuration caps the total duration of non-admin creates. Zero means
	// no cap. Admin-capable callers bypass the cap.
	MaxDuration time.Duration
	// BulkLimit caps the count of a single BulkCreate. Zero falls back to
	// DefaultBulkLimit.
	BulkLimit int
	// MinVerifyInterval, when positive, rejects a successful verification
	// that follows another within the interval for the same key. Disabled
	// by default; legitimate rapid polling from multiple devices sharing a
	// key is the common case.
	MinVerifyInterval time.Duration
	// CodePrefix is prepended to every generated code (e.g. "KEY-").
	CodePrefix string
}

// Manager owns the key lifecycle and verification engine. All mutations are
// serialized by a whole-store lock around read-mutate-write; reads take a
// shared lock so they observe a consistent snapshot without blocking each
// other.
type Manager struct {
	store  keystore.Store
	signer *Signer
	gen    *Generator
	clock  Clock
	logger *slog.Logger
	cfg    Config

	mu sync.RWMutex
}

// NewManager wires the manager from its collaborators. A nil clock defaults
// to the system clock; a nil logger discards.
func NewManager(store keystore.Store, signer *Signer, gen *Generator, clock Clock, logger *slog.Logger, cfg Config) *Manager {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BulkLimit <= 0 {
		cfg.BulkLimit = DefaultBulkLimit
	}
	return &Manager{
		store:  store,
		signer: signer,
		gen:    gen,
		clock:  clock,
		logger: logger,
		cfg:    cfg,
	}
}

// CreateParams describes a single key creation request.
type CreateParams struct {
	Duration       int    // value in Unit units, must be > 0
	Unit           Unit   // hour, day, week, month
	AllowedDevices int    // must be >= 1
	CustomCode     string // optional caller-supplied code
	IsAdmin        bool   // bypasses the MaxDuration cap
}

// BulkResult reports the per-item outcome of a bulk create. Exactly one of
// Record and Err is set.
type BulkResult struct {
	Record *model.KeyRecord
	Err    error
}

// load fetches the full record set, mapping store failures to the
// StoreUnavailable kind. Callers hold the appropriate lock.
func (m *Manager) load(ctx context.Context) ([]model.KeyRecord, error) {
	records, err := m.store.LoadAll(ctx)
	if err != nil {
		m.logger.Error("key store load failed", "error", err)
		return nil, wrapf(KindStoreUnavailable, err, "load key store")
	}
	return records, nil
}

// save persists the full record set, mapping store failures to the
// StoreUnavailable kind. Callers hold the write lock.
func (m *Manager) save(ctx context.Context, records []model.KeyRecord) error {
	if err := m.store.SaveAll(ctx, records); err != nil {
		m.logger.Error("key store save failed", "error", err)
		return wrapf(KindStoreUnavailable, err, "save key store")
	}
	return nil
}

// indexByCode builds the in-memory lookup by normalized code.
func indexByCode(records []model.KeyRecord) map[string]int {
	idx := make(map[string]int, len(records))
	for i := range records {
		idx[records[i].Code] = i
	}
	return idx
}

// validateCreate checks the request shape without touching the store.
func (m *Manager) validateCreate(p CreateParams) error {
	if p.Duration <= 0 {
		return errf(KindInvalidInput, "duration must be positive, got %d", p.Duration)
	}
	if _, ok := unitDuration[p.Unit]; !ok {
		return errf(KindInvalidInput, "unknown duration unit %q (want hour, day, week or month)", p.Unit)
	}
	if p.AllowedDevices < 1 {
		return errf(KindInvalidInput, "allowed devices must be at least 1, got %d", p.AllowedDevices)
	}
	total := time.Duration(p.Duration) * unitDuration[p.Unit]
	if m.cfg.MaxDuration > 0 && !p.IsAdmin && total > m.cfg.MaxDuration {
		return errf(KindInvalidInput, "duration %s exceeds the maximum of %s", total, m.cfg.MaxDuration)
	}
	return nil
}

// buildRecord assembles a new record for the given params. The caller has
// already validated params and holds the write lock; idx is the current
// code index used for uniqueness checks.
func (m *Manager) buildRecord(p CreateParams, idx map[string]int) (model.KeyRecord, error) {
	var code string
	if p.CustomCode != "" {
		code = NormalizeCode(p.CustomCode)
		if _, exists := idx[code]; exists {
			return model.KeyRecord{}, errf(KindDuplicateCode, "code %s already exists", MaskCode(code))
		}
	} else {
		for attempt := 0; ; attempt++ {
			generated, err := m.gen.Generate(m.cfg.CodePrefix)
			if err != nil {
				return model.KeyRecord{}, wrapf(KindStoreUnavailable, err, "generate key code")
			}
			if _, exists := idx[generated]; !exists {
				code = generated
				break
			}
			if attempt+1 >= generateAttempts {
				return model.KeyRecord{}, errf(KindDuplicateCode, "could not generate a unique code after %d attempts", generateAttempts)
			}
		}
	}

	now := m.clock.Now()
	return model.KeyRecord{
		ID:             uuid.New().String(),
		Code:           code,
		Signature:      m.signer.Sign(code),
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(p.Duration) * unitDuration[p.Unit]),
		AllowedDevices: p.AllowedDevices,
		BoundDevices:   []string{},
	}, nil
}

// Create issues a single key: validates the request, generates (or checks)
// the code, stamps the integrity signature, and persists.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*model.KeyRecord, error) {
	if err := m.validateCreate(p); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	rec, err := m.buildRecord(p, indexByCode(records))
	if err != nil {
		return nil, err
	}

	records = append(records, rec)
	if err := m.save(ctx, records); err != nil {
		return nil, err
	}

	m.logger.Info("key created",
		"id", rec.ID,
		"code", MaskCode(rec.Code),
		"expires_at", rec.ExpiresAt,
		"allowed_devices", rec.AllowedDevices,
	)
	out := rec.Clone()
	return &out, nil
}

// BulkCreate issues up to BulkLimit keys in one call. Generation is
// all-under-one-lock but not all-or-nothing: items that fail validation or
// generation are reported per-item while the rest persist.
func (m *Manager) BulkCreate(ctx context.Context, count int, p CreateParams) ([]BulkResult, error) {
	if count < 1 || count > m.cfg.BulkLimit {
		return nil, errf(KindInvalidInput, "count must be between 1 and %d, got %d", m.cfg.BulkLimit, count)
	}
	if p.CustomCode != "" {
		return nil, errf(KindInvalidInput, "custom codes are not supported in bulk creation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	idx := indexByCode(records)

	results := make([]BulkResult, 0, count)
	created := 0
	for i := 0; i < count; i++ {
		if err := m.validateCreate(p); err != nil {
			results = append(results, BulkResult{Err: err})
			continue
		}
		rec, err := m.buildRecord(p, idx)
		if err != nil {
			results = append(results, BulkResult{Err: err})
			continue
		}
		records = append(records, rec)
		idx[rec.Code] = len(records) - 1
		out := rec.Clone()
		results = append(results, BulkResult{Record: &out})
		created++
	}

	if created > 0 {
		if err := m.save(ctx, records); err != nil {
			return nil, err
		}
	}

	m.logger.Info("bulk key creation finished", "requested", count, "created", created)
	return results, nil
}

// ExtendExpiry adds the given duration to the record's current expiry. The
// extension is additive from the old expiry, not from now: extending an
// already-expired key may still leave it in the past.
func (m *Manager) ExtendExpiry(ctx context.Context, code string, value int, unit Unit) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, errf(KindInvalidInput, "extension must be positive, got %d", value)
	}
	d, ok := unitDuration[unit]
	if !ok {
		return time.Time{}, errf(KindInvalidInput, "unknown duration unit %q (want hour, day, week or month)", unit)
	}

	var newExpiry time.Time
	err := m.mutateRecord(ctx, code, func(rec *model.KeyRecord) error {
		rec.ExpiresAt = rec.ExpiresAt.Add(time.Duration(value) * d)
		newExpiry = rec.ExpiresAt
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}

	m.logger.Info("key expiry extended", "code", MaskCode(NormalizeCode(code)), "expires_at", newExpiry)
	return newExpiry, nil
}

// SetExpiryAbsolute overrides the record's expiry with an absolute timestamp.
// Admin operation: no validation against the past, since deliberately
// expiring a key is a supported move.
func (m *Manager) SetExpiryAbsolute(ctx context.Context, code string, expiresAt time.Time) error {
	err := m.mutateRecord(ctx, code, func(rec *model.KeyRecord) error {
		rec.ExpiresAt = expiresAt
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("key expiry set", "code", MaskCode(NormalizeCode(code)), "expires_at", expiresAt)
	return nil
}

// ResetDevices clears the record's bound device set. The verification count
// is untouched.
func (m *Manager) ResetDevices(ctx context.Context, code string) error {
	err := m.mutateRecord(ctx, code, func(rec *model.KeyRecord) error {
		rec.BoundDevices = []string{}
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("key devices reset", "code", MaskCode(NormalizeCode(code)))
	return nil
}

// SetAllowedDevices changes the record's device quota. A shrink below the
// current bound-device count is rejected so the size invariant can never be
// violated; reset the devices first if that is the intent.
func (m *Manager) SetAllowedDevices(ctx context.Context, code string, allowed int) error {
	if allowed < 1 {
		return errf(KindInvalidInput, "allowed devices must be at least 1, got %d", allowed)
	}
	err := m.mutateRecord(ctx, code, func(rec *model.KeyRecord) error {
		if allowed < len(rec.BoundDevices) {
			return errf(KindInvalidInput,
				"cannot shrink allowed devices to %d below the %d currently bound", allowed, len(rec.BoundDevices))
		}
		rec.AllowedDevices = allowed
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("key device quota updated", "code", MaskCode(NormalizeCode(code)), "allowed_devices", allowed)
	return nil
}

// Delete hard-removes the record from the store. Deleting a code that does
// not exist is a KeyNotFound error; callers wanting idempotence catch it.
func (m *Manager) Delete(ctx context.Context, code string) error {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return errf(KindInvalidInput, "key code is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return err
	}

	idx, ok := indexByCode(records)[normalized]
	if !ok {
		return errf(KindKeyNotFound, "key %s not found", MaskCode(normalized))
	}

	records = append(records[:idx], records[idx+1:]...)
	if err := m.save(ctx, records); err != nil {
		return err
	}

	m.logger.Info("key deleted", "code", MaskCode(normalized))
	return nil
}

// Get returns a snapshot of one record by code.
func (m *Manager) Get(ctx context.Context, code string) (*model.KeyRecord, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return nil, errf(KindInvalidInput, "key code is required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	idx, ok := indexByCode(records)[normalized]
	if !ok {
		return nil, errf(KindKeyNotFound, "key %s not found", MaskCode(normalized))
	}
	out := records[idx].Clone()
	return &out, nil
}

// List returns a snapshot of every record. Filtering is a presentation
// concern and lives with the callers.
func (m *Manager) List(ctx context.Context) ([]model.KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.KeyRecord, len(records))
	for i := range records {
		out[i] = records[i].Clone()
	}
	return out, nil
}

// mutateRecord runs fn against the record for code under the write lock and
// persists the result. fn mutates the record in place; returning an error
// aborts without saving.
func (m *Manager) mutateRecord(ctx context.Context, code string, fn func(*model.KeyRecord) error) error {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return errf(KindInvalidInput, "key code is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.load(ctx)
	if err != nil {
		return err
	}

	idx, ok := indexByCode(records)[normalized]
	if !ok {
		return errf(KindKeyNotFound, "key %s not found", MaskCode(normalized))
	}

	if err := fn(&records[idx]); err != nil {
		return err
	}
	return m.save(ctx, records)
}

// MaskCode obscures the middle of a key code for logs and listings. Codes of
// eight characters or fewer are fully masked.
func MaskCode(code string) string {
	if len(code) <= 8 {
		return strings.Repeat("*", len(code))
	}
	return code[:4] + strings.Repeat("*", len(code)-8) + code[len(code)-4:]
}
