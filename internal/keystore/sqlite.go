package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keymintd/keymint/internal/model"
)

// SQLiteStore persists key records in a single SQLite table. It implements
// the same LoadAll/SaveAll contract as the file store: SaveAll replaces the
// full record set inside one transaction, so a failed write leaves the
// previous state intact.
type SQLiteStore struct {
	db *sqlx.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS key_records (
	id                 TEXT PRIMARY KEY,
	code               TEXT NOT NULL UNIQUE,
	signature          TEXT NOT NULL,
	created_at         TIMESTAMP NOT NULL,
	expires_at         TIMESTAMP NOT NULL,
	allowed_devices    INTEGER NOT NULL,
	bound_devices_json TEXT NOT NULL DEFAULT '[]',
	verification_count INTEGER NOT NULL DEFAULT 0,
	last_verified_at   TIMESTAMP
)`

// NewSQLiteStore opens (or creates) a SQLite-backed store. Pass an empty
// string for in-memory, which is what the tests use.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create store dir: %v", ErrUnavailable, err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite store: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate sqlite store: %v", ErrUnavailable, err)
	}
	return &SQLiteStore{db: db}, nil
}

// keyRow is a flat struct that maps 1:1 to the key_records columns. The
// bound device list is stored as a JSON array in bound_devices_json.
type keyRow struct {
	ID                string     `db:"id"`
	Code              string     `db:"code"`
	Signature         string     `db:"signature"`
	CreatedAt         time.Time  `db:"created_at"`
	ExpiresAt         time.Time  `db:"expires_at"`
	AllowedDevices    int        `db:"allowed_devices"`
	BoundDevicesJSON  string     `db:"bound_devices_json"`
	VerificationCount int64      `db:"verification_count"`
	LastVerifiedAt    *time.Time `db:"last_verified_at"`
}

func keyRowFromModel(k *model.KeyRecord) (keyRow, error) {
	devices := k.BoundDevices
	if devices == nil {
		devices = []string{}
	}
	devJSON, err := json.Marshal(devices)
	if err != nil {
		return keyRow{}, fmt.Errorf("marshal bound devices: %w", err)
	}
	return keyRow{
		ID:                k.ID,
		Code:              k.Code,
		Signature:         k.Signature,
		CreatedAt:         k.CreatedAt,
		ExpiresAt:         k.ExpiresAt,
		AllowedDevices:    k.AllowedDevices,
		BoundDevicesJSON:  string(devJSON),
		VerificationCount: k.VerificationCount,
		LastVerifiedAt:    k.LastVerifiedAt,
	}, nil
}

func (r keyRow) toModel() (model.KeyRecord, error) {
	var devices []string
	if r.BoundDevicesJSON != "" {
		if err := json.Unmarshal([]byte(r.BoundDevicesJSON), &devices); err != nil {
			return model.KeyRecord{}, fmt.Errorf("unmarshal bound devices: %w", err)
		}
	}
	if devices == nil {
		devices = []string{}
	}
	return model.KeyRecord{
		ID:                r.ID,
		Code:              r.Code,
		Signature:         r.Signature,
		CreatedAt:         r.CreatedAt,
		ExpiresAt:         r.ExpiresAt,
		AllowedDevices:    r.AllowedDevices,
		BoundDevices:      devices,
		VerificationCount: r.VerificationCount,
		LastVerifiedAt:    r.LastVerifiedAt,
	}, nil
}

// LoadAll returns every persisted record ordered by creation time.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]model.KeyRecord, error) {
	var rows []keyRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM key_records ORDER BY created_at, id"); err != nil {
		return nil, fmt.Errorf("%w: load records: %v", ErrUnavailable, err)
	}

	records := make([]model.KeyRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// SaveAll replaces the full record set within a transaction.
func (s *SQLiteStore) SaveAll(ctx context.Context, records []model.KeyRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM key_records"); err != nil {
		return fmt.Errorf("%w: clear records: %v", ErrUnavailable, err)
	}

	const insertQ = `INSERT INTO key_records
		(id, code, signature, created_at, expires_at, allowed_devices,
		 bound_devices_json, verification_count, last_verified_at)
		VALUES
		(:id, :code, :signature, :created_at, :expires_at, :allowed_devices,
		 :bound_devices_json, :verification_count, :last_verified_at)`

	for i := range records {
		row, err := keyRowFromModel(&records[i])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if _, err := tx.NamedExecContext(ctx, insertQ, row); err != nil {
			return fmt.Errorf("%w: insert record %s: %v", ErrUnavailable, records[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
