package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// Migration represents a database migration
type Migration struct {
	ID          int       `db:"id"`
	Version     string    `db:"version"`
	Description string    `db:"description"`
	SQL         string    `db:"sql"`
	AppliedAt   time.Time `db:"applied_at"`
	Checksum    string    `db:"checksum"`
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create attestations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS attestations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					uid TEXT NOT NULL,
					network_id INTEGER NOT NULL,
					schema_uid TEXT NOT NULL,
					attester TEXT NOT NULL,
					recipient TEXT NOT NULL DEFAULT '',
					tx_hash TEXT NOT NULL DEFAULT '',
					event_timestamp INTEGER NOT NULL,
					location TEXT NOT NULL DEFAULT '',
					memo TEXT NOT NULL DEFAULT '',
					media_type TEXT NOT NULL DEFAULT '[]', -- JSON
					media_data TEXT NOT NULL DEFAULT '[]', -- JSON
					attested_at INTEGER NOT NULL DEFAULT 0,
					revoked BOOLEAN NOT NULL DEFAULT FALSE,
					source TEXT NOT NULL,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_attestations_uid ON attestations(network_id, uid);
				CREATE INDEX IF NOT EXISTS idx_attestations_attester ON attestations(attester);
				CREATE INDEX IF NOT EXISTS idx_attestations_event_timestamp ON attestations(event_timestamp);
			`,
		},
		{
			Version:     "002",
			Description: "Create media_uploads table",
			SQL: `
				CREATE TABLE IF NOT EXISTS media_uploads (
					id TEXT PRIMARY KEY,
					content_identifier TEXT NOT NULL,
					gateway_uri TEXT NOT NULL,
					content_hash TEXT NOT NULL,
					file_name TEXT NOT NULL,
					content_type TEXT NOT NULL,
					size INTEGER NOT NULL,
					backend TEXT NOT NULL,
					created_at INTEGER NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_media_uploads_hash ON media_uploads(content_hash);
			`,
		},
		{
			Version:     "003",
			Description: "Create system_state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS system_state (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at INTEGER NOT NULL DEFAULT 0
				);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create attestations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS attestations (
					id BIGSERIAL PRIMARY KEY,
					uid TEXT NOT NULL,
					network_id BIGINT NOT NULL,
					schema_uid TEXT NOT NULL,
					attester TEXT NOT NULL,
					recipient TEXT NOT NULL DEFAULT '',
					tx_hash TEXT NOT NULL DEFAULT '',
					event_timestamp BIGINT NOT NULL,
					location TEXT NOT NULL DEFAULT '',
					memo TEXT NOT NULL DEFAULT '',
					media_type TEXT[] NOT NULL DEFAULT '{}',
					media_data TEXT[] NOT NULL DEFAULT '{}',
					attested_at BIGINT NOT NULL DEFAULT 0,
					revoked BOOLEAN NOT NULL DEFAULT FALSE,
					source TEXT NOT NULL,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_attestations_uid ON attestations(network_id, uid);
				CREATE INDEX IF NOT EXISTS idx_attestations_attester ON attestations(attester);
				CREATE INDEX IF NOT EXISTS idx_attestations_event_timestamp ON attestations(event_timestamp);
			`,
		},
		{
			Version:     "002",
			Description: "Create media_uploads table",
			SQL: `
				CREATE TABLE IF NOT EXISTS media_uploads (
					id TEXT PRIMARY KEY,
					content_identifier TEXT NOT NULL,
					gateway_uri TEXT NOT NULL,
					content_hash TEXT NOT NULL,
					file_name TEXT NOT NULL,
					content_type TEXT NOT NULL,
					size BIGINT NOT NULL,
					backend TEXT NOT NULL,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_media_uploads_hash ON media_uploads(content_hash);
			`,
		},
		{
			Version:     "003",
			Description: "Create system_state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS system_state (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);
			`,
		},
	}
}

// migrationsTable differs only in the id column between dialects
func migrationsTable(dialect string) string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == "postgres" {
		id = "SERIAL PRIMARY KEY"
	}
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS migrations (
			id %s,
			version TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at BIGINT NOT NULL
		)`, id)
}

// applyMigrations runs the migrations not yet recorded in the migrations
// table. A recorded migration whose SQL changed is an error.
func applyMigrations(db *sql.DB, dialect string, migrations []*Migration, logger *logrus.Entry) (int, error) {
	if _, err := db.Exec(migrationsTable(dialect)); err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to create migrations table", err.Error())
	}

	placeholder := func(n int) string {
		if dialect == "postgres" {
			return fmt.Sprintf("$%d", n)
		}
		return "?"
	}

	applied := 0
	for _, m := range migrations {
		m.Checksum = utils.ContentHash([]byte(m.SQL))

		var checksum string
		err := db.QueryRow("SELECT checksum FROM migrations WHERE version = "+placeholder(1), m.Version).Scan(&checksum)
		switch {
		case err == nil:
			if checksum != m.Checksum {
				return applied, utils.NewAppError(utils.ErrCodeDatabase,
					fmt.Sprintf("Migration %s was changed after it was applied", m.Version))
			}
			continue
		case err != sql.ErrNoRows:
			return applied, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read migrations", err.Error())
		}

		logger.WithFields(logrus.Fields{
			"version":     m.Version,
			"description": m.Description,
		}).Info("Applying migration")

		tx, err := db.Begin()
		if err != nil {
			return applied, utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin migration", err.Error())
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return applied, utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", m.Version), err.Error())
		}
		insert := fmt.Sprintf("INSERT INTO migrations (version, description, checksum, applied_at) VALUES (%s, %s, %s, %s)",
			placeholder(1), placeholder(2), placeholder(3), placeholder(4))
		if _, err := tx.Exec(insert, m.Version, m.Description, m.Checksum, time.Now().Unix()); err != nil {
			tx.Rollback()
			return applied, utils.NewAppError(utils.ErrCodeDatabase, "Failed to record migration", err.Error())
		}
		if err := tx.Commit(); err != nil {
			return applied, utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit migration", err.Error())
		}
		applied++
	}
	return applied, nil
}
