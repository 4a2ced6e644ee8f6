package keystore

import (
	"context"
	"errors"

	"github.com/keymintd/keymint/internal/model"
)

// ErrUnavailable is returned when the backing store cannot be read or
// written. Logical conditions (missing key, expired key) are never reported
// through this error; it covers I/O and corruption only.
var ErrUnavailable = errors.New("key store unavailable")

// Store is the sole persistence mechanism for key records. Implementations
// provide atomic load/save semantics over the full record set: SaveAll either
// persists every record or leaves the previous state intact.
//
// Store implementations do not serialize callers; the license manager holds
// the whole-store exclusion and is the only writer.
type Store interface {
	// LoadAll returns every persisted record. A store that has never been
	// written returns an empty slice, not an error.
	LoadAll(ctx context.Context) ([]model.KeyRecord, error)

	// SaveAll atomically replaces the full record set.
	SaveAll(ctx context.Context, records []model.KeyRecord) error

	// Close releases any resources held by the store.
	Close() error
}
