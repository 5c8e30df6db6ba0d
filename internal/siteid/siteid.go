// Package siteid generates and persists the 16-byte replica identity: a
// version-4 UUID, stored in a single-row table and read once per
// connection.
package siteid

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateTableSQL creates the single-row site-id table if absent.
const CreateTableSQL = `CREATE TABLE IF NOT EXISTS crsql_site_id (site_id BLOB NOT NULL)`

// Generate returns a fresh 16-byte site id in version-4 variant layout
// (octet 6 high nibble 0x4, octet 8 high nibble in 0x8-0xB), as produced by
// google/uuid's default random UUID generator.
func Generate() [16]byte {
	return [16]byte(uuid.New())
}

// Validate checks the required version-4 variant bit pattern.
func Validate(id []byte) error {
	if len(id) != 16 {
		return fmt.Errorf("siteid: want 16 bytes, got %d", len(id))
	}
	if id[6]>>4 != 0x4 {
		return fmt.Errorf("siteid: byte 6 high nibble must be 0x4, got %#x", id[6]>>4)
	}
	if nib := id[8] >> 4; nib < 0x8 || nib > 0xB {
		return fmt.Errorf("siteid: byte 8 high nibble must be 0x8-0xB, got %#x", nib)
	}
	return nil
}

// LoadOrCreate reads the stored site id, creating one if this is the first
// time this storage file has been opened.
func LoadOrCreate(ctx context.Context, db *sql.DB) ([16]byte, error) {
	if _, err := db.ExecContext(ctx, CreateTableSQL); err != nil {
		return [16]byte{}, fmt.Errorf("siteid: create table: %w", err)
	}

	var raw []byte
	err := db.QueryRowContext(ctx, `SELECT site_id FROM crsql_site_id LIMIT 1`).Scan(&raw)
	switch {
	case err == nil:
		if verr := Validate(raw); verr != nil {
			return [16]byte{}, fmt.Errorf("siteid: stored value invalid: %w", verr)
		}
		var id [16]byte
		copy(id[:], raw)
		return id, nil
	case err == sql.ErrNoRows:
		id := Generate()
		if _, err := db.ExecContext(ctx, `INSERT INTO crsql_site_id(site_id) VALUES (?)`, id[:]); err != nil {
			return [16]byte{}, fmt.Errorf("siteid: insert: %w", err)
		}
		return id, nil
	default:
		return [16]byte{}, fmt.Errorf("siteid: query: %w", err)
	}
}

// String renders a site id the way crsql_siteid() callers typically display
// it: lowercase hyphenated hex, matching google/uuid's String().
func String(id [16]byte) string {
	return uuid.UUID(id).String()
}
