// Package config holds the small set of settings a host embedding this
// library needs to choose at open time: where the database file lives,
// how SQLite's busy handler and journal mode are configured, and a
// merge-equal-values flag.
//
// MergeEqualValues is not read by db.Open or by changes.Apply: Apply takes
// that setting from the crsql_master key config.merge-equal-values only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the connection-level configuration for one opened replica.
type Config struct {
	DBPath           string
	BusyTimeout      time.Duration
	JournalMode      string
	MergeEqualValues bool
}

// DefaultConfig mirrors the defaults a standalone CLI host would apply:
// a WAL-journaled file under the user's state directory, a five-second
// busy timeout, and merge-equal-values left off — the conservative
// default, since it avoids extra writes when two replicas happen to
// agree on a value.
func DefaultConfig() Config {
	return Config{
		DBPath:           defaultDBPath(),
		BusyTimeout:      5 * time.Second,
		JournalMode:      "WAL",
		MergeEqualValues: false,
	}
}

// DSN renders cfg into a modernc.org/sqlite connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)",
		c.DBPath, c.JournalMode, c.BusyTimeout.Milliseconds())
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "crsqlite.db"
	}
	return filepath.Join(home, ".local", "state", "crsqlite", "replica.db")
}
