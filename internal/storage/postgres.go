// File: internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// PostgreSQLStorage implements Storage interface using PostgreSQL
type PostgreSQLStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Entry
	migrations []*Migration
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		config:     config,
		logger:     utils.ComponentLogger("storage").WithField("type", "postgres"),
		migrations: GetPostgresMigrations(),
	}
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	// Configure connection pool
	db.SetMaxOpenConns(p.config.MaxConnections)
	db.SetMaxIdleConns(p.config.MaxConnections / 2)
	db.SetConnMaxLifetime(p.config.MaxIdleTime)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err.Error())
	}

	p.db = db
	p.logger.Info("PostgreSQL database connected")

	return nil
}

// Close closes the database connection
func (p *PostgreSQLStorage) Close() error {
	if p.db != nil {
		err := p.db.Close()
		p.db = nil
		p.logger.Info("PostgreSQL database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgreSQLStorage) Ping() error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected")
	}
	return p.db.Ping()
}

// Migrate runs database migrations
func (p *PostgreSQLStorage) Migrate() error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected")
	}

	p.logger.Info("Starting database migrations")
	applied, err := applyMigrations(p.db, "postgres", p.migrations, p.logger)
	if err != nil {
		return err
	}
	p.logger.WithField("applied", applied).Info("Database migrations completed")
	return nil
}

// SaveAttestation inserts or updates the journal row of an attestation
func (p *PostgreSQLStorage) SaveAttestation(ctx context.Context, rec *models.AttestationRecord) error {
	query := `
		INSERT INTO attestations
		(uid, network_id, schema_uid, attester, recipient, tx_hash, event_timestamp,
		 location, memo, media_type, media_data, attested_at, revoked, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (network_id, uid) DO UPDATE SET
			schema_uid = EXCLUDED.schema_uid,
			attester = EXCLUDED.attester,
			recipient = EXCLUDED.recipient,
			tx_hash = CASE WHEN EXCLUDED.tx_hash <> '' THEN EXCLUDED.tx_hash ELSE attestations.tx_hash END,
			event_timestamp = EXCLUDED.event_timestamp,
			location = EXCLUDED.location,
			memo = EXCLUDED.memo,
			media_type = EXCLUDED.media_type,
			media_data = EXCLUDED.media_data,
			attested_at = EXCLUDED.attested_at,
			revoked = EXCLUDED.revoked,
			source = CASE WHEN attestations.source = 'submission' THEN attestations.source ELSE EXCLUDED.source END,
			updated_at = NOW()
	`

	_, err := p.db.ExecContext(ctx, query,
		rec.UID, int64(rec.NetworkID), rec.Schema, rec.Attester, rec.Recipient, rec.TxHash, rec.EventTimestamp,
		rec.Location, rec.Memo, pq.Array(nonNil(rec.MediaType)), pq.Array(nonNil(rec.MediaData)),
		rec.AttestedAt, rec.Revoked, rec.Source)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save attestation", err.Error())
	}
	return nil
}

// GetAttestation returns the journal row of uid on a network
func (p *PostgreSQLStorage) GetAttestation(ctx context.Context, networkID uint64, uid string) (*models.AttestationRecord, error) {
	row := p.db.QueryRowContext(ctx,
		"SELECT "+attestationColumns+" FROM attestations WHERE network_id = $1 AND uid = $2", int64(networkID), uid)

	rec, err := scanPostgresAttestation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Attestation not in journal", uid)
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get attestation", err.Error())
	}
	return rec, nil
}

// ListAttestations returns journal rows, newest event first
func (p *PostgreSQLStorage) ListAttestations(ctx context.Context, filter models.AttestationFilter) ([]*models.AttestationRecord, error) {
	where, args := attestationWhere(filter, dollar)
	query := fmt.Sprintf("SELECT %s FROM attestations%s ORDER BY event_timestamp DESC, id DESC LIMIT %s OFFSET %s",
		attestationColumns, where, dollar(len(args)+1), dollar(len(args)+2))
	args = append(args, listLimit(filter.Limit), filter.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to list attestations", err.Error())
	}
	defer rows.Close()

	var records []*models.AttestationRecord
	for rows.Next() {
		rec, err := scanPostgresAttestation(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan attestation", err.Error())
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to iterate attestations", err.Error())
	}
	return records, nil
}

// CountAttestations counts journal rows matching filter
func (p *PostgreSQLStorage) CountAttestations(ctx context.Context, filter models.AttestationFilter) (int64, error) {
	where, args := attestationWhere(filter, dollar)
	var count int64
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attestations"+where, args...).Scan(&count); err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count attestations", err.Error())
	}
	return count, nil
}

// SaveUpload records a pinned media file
func (p *PostgreSQLStorage) SaveUpload(ctx context.Context, rec *models.UploadRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO media_uploads
		(id, content_identifier, gateway_uri, content_hash, file_name, content_type, size, backend, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			content_identifier = EXCLUDED.content_identifier,
			gateway_uri = EXCLUDED.gateway_uri`,
		rec.ID, rec.ContentIdentifier, rec.GatewayURI, rec.ContentHash, rec.FileName,
		rec.ContentType, rec.Size, rec.Backend, createdAt)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save upload", err.Error())
	}
	return nil
}

// GetUploadByHash returns the latest upload of content with the given hash
func (p *PostgreSQLStorage) GetUploadByHash(ctx context.Context, contentHash string) (*models.UploadRecord, error) {
	var rec models.UploadRecord
	err := p.db.QueryRowContext(ctx, `
		SELECT id, content_identifier, gateway_uri, content_hash, file_name, content_type, size, backend, created_at
		FROM media_uploads WHERE content_hash = $1 ORDER BY created_at DESC LIMIT 1`, contentHash).
		Scan(&rec.ID, &rec.ContentIdentifier, &rec.GatewayURI, &rec.ContentHash, &rec.FileName,
			&rec.ContentType, &rec.Size, &rec.Backend, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Upload not found", contentHash)
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get upload", err.Error())
	}
	return &rec, nil
}

// GetStorageStats returns storage statistics
func (p *PostgreSQLStorage) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{AttestationsBySrc: make(map[string]int64)}

	if err := p.db.QueryRow("SELECT COUNT(*) FROM attestations").Scan(&stats.TotalAttestations); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get attestation count", err.Error())
	}

	rows, err := p.db.Query("SELECT source, COUNT(*) FROM attestations GROUP BY source")
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to group attestations", err.Error())
	}
	for rows.Next() {
		var (
			source string
			count  int64
		)
		if err := rows.Scan(&source, &count); err == nil {
			stats.AttestationsBySrc[source] = count
		}
	}
	rows.Close()

	if err := p.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(size), 0) FROM media_uploads").
		Scan(&stats.TotalUploads, &stats.UploadedBytes); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get upload count", err.Error())
	}

	var oldest, latest sql.NullInt64
	if err := p.db.QueryRow("SELECT MIN(event_timestamp), MAX(event_timestamp) FROM attestations").Scan(&oldest, &latest); err == nil {
		if oldest.Valid {
			t := time.Unix(oldest.Int64, 0).UTC()
			stats.OldestAttestation = &t
		}
		if latest.Valid {
			t := time.Unix(latest.Int64, 0).UTC()
			stats.LatestAttestation = &t
		}
	}

	var lastCleanup string
	if err := p.db.QueryRow("SELECT value FROM system_state WHERE key = 'last_cleanup'").Scan(&lastCleanup); err == nil {
		if t, err := time.Parse(time.RFC3339, lastCleanup); err == nil {
			stats.LastCleanup = &t
		}
	}

	var applied int
	if err := p.db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&applied); err == nil {
		stats.AppliedMigrations = applied
	}

	if err := p.db.QueryRow("SELECT pg_database_size(current_database())").Scan(&stats.DatabaseSize); err != nil {
		stats.DatabaseSize = 0
	}

	return stats, nil
}

// GetHealth reports the state of the connection
func (p *PostgreSQLStorage) GetHealth() *StorageHealth {
	details := map[string]string{}
	if p.db != nil {
		dbStats := p.db.Stats()
		details["open_connections"] = fmt.Sprintf("%d", dbStats.OpenConnections)
		details["in_use"] = fmt.Sprintf("%d", dbStats.InUse)
	}
	return &StorageHealth{
		StorageType: "PostgreSQL",
		Healthy:     p.Ping() == nil,
		Details:     details,
		LastPing:    time.Now(),
	}
}

// Cleanup removes journal rows cached from reads that were not touched within
// the retention period
func (p *PostgreSQLStorage) Cleanup(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin cleanup transaction", err.Error())
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM attestations WHERE updated_at < $1 AND source <> $2", cutoff, models.SourceSubmission)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to cleanup old attestations", err.Error())
	}
	attestationsDeleted, _ := result.RowsAffected()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO system_state (key, value, updated_at) VALUES ('last_cleanup', $1, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to update last cleanup time", err.Error())
	}

	if err := tx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit cleanup transaction", err.Error())
	}

	p.logger.WithFields(logrus.Fields{
		"attestations_deleted": attestationsDeleted,
		"retention_days":       retentionDays,
	}).Info("Database cleanup completed")

	return nil
}

// GetWatcherBlock returns the watcher cursor of a network
func (p *PostgreSQLStorage) GetWatcherBlock(ctx context.Context, networkID uint64) (uint64, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = $1", watcherKey(networkID)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read watcher block", err.Error())
	}
	block, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, utils.NewAppError(utils.ErrCodeDatabase, "Corrupt watcher block", value)
	}
	return block, true, nil
}

// SetWatcherBlock stores the watcher cursor of a network
func (p *PostgreSQLStorage) SetWatcherBlock(ctx context.Context, networkID uint64, block uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO system_state (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		watcherKey(networkID), strconv.FormatUint(block, 10))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to store watcher block", err.Error())
	}
	return nil
}

// Vacuum optimizes the database
func (p *PostgreSQLStorage) Vacuum() error {
	p.logger.Info("Starting database vacuum")

	if _, err := p.db.Exec("VACUUM ANALYZE"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to vacuum database", err.Error())
	}

	p.logger.Info("Database vacuum completed")
	return nil
}

func scanPostgresAttestation(row rowScanner) (*models.AttestationRecord, error) {
	var (
		rec       models.AttestationRecord
		networkID int64
	)
	err := row.Scan(&rec.ID, &rec.UID, &networkID, &rec.Schema, &rec.Attester, &rec.Recipient, &rec.TxHash,
		&rec.EventTimestamp, &rec.Location, &rec.Memo, pq.Array(&rec.MediaType), pq.Array(&rec.MediaData),
		&rec.AttestedAt, &rec.Revoked, &rec.Source, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.NetworkID = uint64(networkID)
	return &rec, nil
}

func dollar(n int) string {
	return fmt.Sprintf("$%d", n)
}
