package syncengine

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/lib/pq"
)

const (
	postgresMappingsTable   = "relaysync_mappings"
	postgresIdentitiesTable = "relaysync_identities"
)

// NewPostgresStore returns a Store backed by PostgreSQL. The schema is owned by
// the embedded migrations; see RunMigrations.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(dsn, postgresDialect(postgresMappingsTable, postgresIdentitiesTable))
}

func postgresDialect(mappingsTable, identitiesTable string) sqlDialect {
	mappings := postgresQuoteIdentifier(mappingsTable)
	identities := postgresQuoteIdentifier(identitiesTable)
	columns := `kind, fingerprint, tracker_id, registry_id, salt, iterations, created_at, updated_at`
	return sqlDialect{
		driver: "postgres",
		prepare: func(ctx context.Context, db *sql.DB) error {
			var exists bool
			err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, mappingsTable).Scan(&exists)
			if err != nil {
				return err
			}
			if !exists {
				return ErrSchemaMissing
			}
			return nil
		},
		selectByTask: `SELECT ` + columns + ` FROM ` + mappings +
			` WHERE kind = $1 AND tracker_id = $2 ORDER BY created_at ASC, fingerprint ASC LIMIT 1`,
		selectByFingerprint: `SELECT ` + columns + ` FROM ` + mappings +
			` WHERE kind = $1 AND fingerprint = $2`,
		insertIfAbsent: `INSERT INTO ` + mappings +
			` (kind, fingerprint, tracker_id, salt, iterations, created_at, updated_at)` +
			` VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (kind, fingerprint) DO NOTHING`,
		attachRegistryID: `UPDATE ` + mappings +
			` SET registry_id = $1, salt = $2, iterations = $3, updated_at = $4 WHERE kind = $5 AND fingerprint = $6`,
		deleteByTask: `DELETE FROM ` + mappings + ` WHERE kind = $1 AND tracker_id = $2`,
		identityByTracker: `SELECT tracker_user_id, registry_user_id, display_name FROM ` + identities +
			` WHERE tracker_user_id = $1`,
		identityByRegistry: `SELECT tracker_user_id, registry_user_id, display_name FROM ` + identities +
			` WHERE registry_user_id = $1`,
		deleteIdentityClash: `DELETE FROM ` + identities + ` WHERE registry_user_id = $1 AND tracker_user_id <> $2`,
		upsertIdentity: `INSERT INTO ` + identities + ` (tracker_user_id, registry_user_id, display_name)` +
			` VALUES ($1, $2, $3) ON CONFLICT (tracker_user_id) DO UPDATE` +
			` SET registry_user_id = EXCLUDED.registry_user_id, display_name = EXCLUDED.display_name`,
	}
}

func postgresQuoteIdentifier(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
