package syncengine

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/sqlite/schema.sql
var sqliteSchema string

// NewSQLiteStore returns a Store backed by a single SQLite file. Pragmas and
// schema are applied when the database is first opened.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return newSQLStore(path, sqliteDialect())
}

func sqliteDialect() sqlDialect {
	columns := `kind, fingerprint, tracker_id, registry_id, salt, iterations, created_at, updated_at`
	return sqlDialect{
		driver:  "sqlite3",
		prepare: prepareSQLite,
		selectByTask: `SELECT ` + columns + ` FROM relaysync_mappings` +
			` WHERE kind = ? AND tracker_id = ? ORDER BY created_at ASC, fingerprint ASC LIMIT 1`,
		selectByFingerprint: `SELECT ` + columns + ` FROM relaysync_mappings WHERE kind = ? AND fingerprint = ?`,
		insertIfAbsent: `INSERT OR IGNORE INTO relaysync_mappings` +
			` (kind, fingerprint, tracker_id, salt, iterations, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attachRegistryID: `UPDATE relaysync_mappings SET registry_id = ?, salt = ?, iterations = ?, updated_at = ?` +
			` WHERE kind = ? AND fingerprint = ?`,
		deleteByTask: `DELETE FROM relaysync_mappings WHERE kind = ? AND tracker_id = ?`,
		identityByTracker: `SELECT tracker_user_id, registry_user_id, display_name FROM relaysync_identities` +
			` WHERE tracker_user_id = ?`,
		identityByRegistry: `SELECT tracker_user_id, registry_user_id, display_name FROM relaysync_identities` +
			` WHERE registry_user_id = ?`,
		deleteIdentityClash: `DELETE FROM relaysync_identities WHERE registry_user_id = ? AND tracker_user_id <> ?`,
		upsertIdentity: `INSERT INTO relaysync_identities (tracker_user_id, registry_user_id, display_name)` +
			` VALUES (?, ?, ?) ON CONFLICT (tracker_user_id) DO UPDATE` +
			` SET registry_user_id = excluded.registry_user_id, display_name = excluded.display_name`,
	}
}

func prepareSQLite(ctx context.Context, db *sql.DB) error {
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite schema: %w", err)
	}
	return nil
}
