// Package peers implements the tracked-peers bookkeeping table: the
// watermark a replica has already pulled from each remote site, keyed by
// (site_id, tag, event) so the same peer can be tracked under more than one
// sync relationship (e.g. a push and a pull schedule against the same
// remote).
package peers

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateTableSQL creates the tracked-peers table if absent.
const CreateTableSQL = `CREATE TABLE IF NOT EXISTS crsql_tracked_peers (
  site_id BLOB NOT NULL,
  version INTEGER NOT NULL,
  seq INTEGER NOT NULL,
  tag INTEGER NOT NULL DEFAULT 0,
  event INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (site_id, tag, event)
) WITHOUT ROWID`

// Event enumerates the tracked relationship this watermark records
// progress for: a pull from the peer, or a push to it.
type Event int

const (
	EventReceive Event = 0
	EventSend    Event = 1
)

// Watermark is the (db_version, seq) a replica has already exchanged with
// one peer under one (tag, event) relationship.
type Watermark struct {
	SiteID  []byte
	Version int64
	Seq     int64
	Tag     int64
	Event   Event
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Ensure creates the tracked-peers table.
func Ensure(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, CreateTableSQL); err != nil {
		return fmt.Errorf("peers: create table: %w", err)
	}
	return nil
}

// Get returns the watermark recorded for (siteID, tag, event), or the zero
// watermark with ok=false if this peer/relationship has never been seen.
func Get(ctx context.Context, q Querier, siteID []byte, tag int64, event Event) (Watermark, bool, error) {
	var w Watermark
	err := q.QueryRowContext(ctx, `
SELECT site_id, version, seq, tag, event FROM crsql_tracked_peers
WHERE site_id = ? AND tag = ? AND event = ?`, siteID, tag, event).
		Scan(&w.SiteID, &w.Version, &w.Seq, &w.Tag, &w.Event)
	switch {
	case err == nil:
		return w, true, nil
	case err == sql.ErrNoRows:
		return Watermark{}, false, nil
	default:
		return Watermark{}, false, fmt.Errorf("peers: get: %w", err)
	}
}

// Set upserts the watermark for a (site_id, tag, event) relationship,
// overwriting whatever was previously recorded; callers advance it only
// after the corresponding batch of changes has actually been durably
// applied or sent.
func Set(ctx context.Context, q Querier, w Watermark) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO crsql_tracked_peers (site_id, version, seq, tag, event)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(site_id, tag, event) DO UPDATE SET
  version = excluded.version,
  seq = excluded.seq`, w.SiteID, w.Version, w.Seq, w.Tag, w.Event)
	if err != nil {
		return fmt.Errorf("peers: set: %w", err)
	}
	return nil
}

// List returns every tracked peer watermark, ordered by site_id for
// deterministic iteration (used by diagnostics and by a full-mesh sync
// loop to find every peer due for another round).
func List(ctx context.Context, q Querier) ([]Watermark, error) {
	rows, err := q.QueryContext(ctx, `
SELECT site_id, version, seq, tag, event FROM crsql_tracked_peers
ORDER BY site_id, tag, event`)
	if err != nil {
		return nil, fmt.Errorf("peers: list: %w", err)
	}
	defer rows.Close()

	var out []Watermark
	for rows.Next() {
		var w Watermark
		if err := rows.Scan(&w.SiteID, &w.Version, &w.Seq, &w.Tag, &w.Event); err != nil {
			return nil, fmt.Errorf("peers: list scan: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Forget removes the watermark for (siteID, tag, event), e.g. when a peer
// is decommissioned and its next sync should start from scratch.
func Forget(ctx context.Context, q Querier, siteID []byte, tag int64, event Event) error {
	_, err := q.ExecContext(ctx, `DELETE FROM crsql_tracked_peers WHERE site_id = ? AND tag = ? AND event = ?`, siteID, tag, event)
	if err != nil {
		return fmt.Errorf("peers: forget: %w", err)
	}
	return nil
}
