// File: internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Entry
	migrations []*Migration
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{
		config:     config,
		logger:     utils.ComponentLogger("storage").WithField("type", "sqlite"),
		migrations: GetSQLiteMigrations(),
	}
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	// Ensure directory exists
	dir := filepath.Dir(s.config.ConnectionString)
	if dir != "." && dir != "" && !strings.HasPrefix(s.config.ConnectionString, "file:") {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create database directory", err.Error())
		}
	}

	db, err := sql.Open("sqlite", s.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	maxConns := s.config.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns/2 + 1)
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	// WAL lets readers run next to the single writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to enable WAL mode", err.Error())
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set busy timeout", err.Error())
	}

	s.db = db
	s.logger.WithField("path", s.config.ConnectionString).Info("SQLite database connected")

	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("SQLite database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLiteStorage) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected")
	}
	return s.db.Ping()
}

// Migrate runs database migrations
func (s *SQLiteStorage) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected")
	}

	s.logger.Info("Starting database migrations")
	applied, err := applyMigrations(s.db, "sqlite", s.migrations, s.logger)
	if err != nil {
		return err
	}
	s.logger.WithField("applied", applied).Info("Database migrations completed")
	return nil
}

// SaveAttestation inserts or updates the journal row of an attestation
func (s *SQLiteStorage) SaveAttestation(ctx context.Context, rec *models.AttestationRecord) error {
	mediaType, err := json.Marshal(nonNil(rec.MediaType))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to marshal media types", err.Error())
	}
	mediaData, err := json.Marshal(nonNil(rec.MediaData))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to marshal media data", err.Error())
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO attestations
		(uid, network_id, schema_uid, attester, recipient, tx_hash, event_timestamp,
		 location, memo, media_type, media_data, attested_at, revoked, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (network_id, uid) DO UPDATE SET
			schema_uid = excluded.schema_uid,
			attester = excluded.attester,
			recipient = excluded.recipient,
			tx_hash = CASE WHEN excluded.tx_hash != '' THEN excluded.tx_hash ELSE attestations.tx_hash END,
			event_timestamp = excluded.event_timestamp,
			location = excluded.location,
			memo = excluded.memo,
			media_type = excluded.media_type,
			media_data = excluded.media_data,
			attested_at = excluded.attested_at,
			revoked = excluded.revoked,
			source = CASE WHEN attestations.source = 'submission' THEN attestations.source ELSE excluded.source END,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.UID, rec.NetworkID, rec.Schema, rec.Attester, rec.Recipient, rec.TxHash, rec.EventTimestamp,
		rec.Location, rec.Memo, string(mediaType), string(mediaData), rec.AttestedAt, rec.Revoked, rec.Source,
		now.Unix(), now.Unix())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save attestation", err.Error())
	}
	return nil
}

const attestationColumns = `id, uid, network_id, schema_uid, attester, recipient, tx_hash, event_timestamp,
	location, memo, media_type, media_data, attested_at, revoked, source, created_at, updated_at`

// GetAttestation returns the journal row of uid on a network
func (s *SQLiteStorage) GetAttestation(ctx context.Context, networkID uint64, uid string) (*models.AttestationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+attestationColumns+" FROM attestations WHERE network_id = ? AND uid = ?", networkID, uid)

	rec, err := scanSQLiteAttestation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Attestation not in journal", uid)
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get attestation", err.Error())
	}
	return rec, nil
}

// ListAttestations returns journal rows, newest event first
func (s *SQLiteStorage) ListAttestations(ctx context.Context, filter models.AttestationFilter) ([]*models.AttestationRecord, error) {
	where, args := attestationWhere(filter, func(int) string { return "?" })
	query := "SELECT " + attestationColumns + " FROM attestations" + where + " ORDER BY event_timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, listLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to list attestations", err.Error())
	}
	defer rows.Close()

	var records []*models.AttestationRecord
	for rows.Next() {
		rec, err := scanSQLiteAttestation(rows)
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
func (s *SQLiteStorage) CountAttestations(ctx context.Context, filter models.AttestationFilter) (int64, error) {
	where, args := attestationWhere(filter, func(int) string { return "?" })
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attestations"+where, args...).Scan(&count); err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count attestations", err.Error())
	}
	return count, nil
}

// SaveUpload records a pinned media file
func (s *SQLiteStorage) SaveUpload(ctx context.Context, rec *models.UploadRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO media_uploads
		(id, content_identifier, gateway_uri, content_hash, file_name, content_type, size, backend, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ContentIdentifier, rec.GatewayURI, rec.ContentHash, rec.FileName,
		rec.ContentType, rec.Size, rec.Backend, createdAt.Unix())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save upload", err.Error())
	}
	return nil
}

// GetUploadByHash returns the latest upload of content with the given hash
func (s *SQLiteStorage) GetUploadByHash(ctx context.Context, contentHash string) (*models.UploadRecord, error) {
	var (
		rec       models.UploadRecord
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content_identifier, gateway_uri, content_hash, file_name, content_type, size, backend, created_at
		FROM media_uploads WHERE content_hash = ? ORDER BY created_at DESC LIMIT 1`, contentHash).
		Scan(&rec.ID, &rec.ContentIdentifier, &rec.GatewayURI, &rec.ContentHash, &rec.FileName,
			&rec.ContentType, &rec.Size, &rec.Backend, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Upload not found", contentHash)
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get upload", err.Error())
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &rec, nil
}

// GetStorageStats returns storage statistics
func (s *SQLiteStorage) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{AttestationsBySrc: make(map[string]int64)}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM attestations").Scan(&stats.TotalAttestations); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get attestation count", err.Error())
	}

	rows, err := s.db.Query("SELECT source, COUNT(*) FROM attestations GROUP BY source")
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

	if err := s.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(size), 0) FROM media_uploads").
		Scan(&stats.TotalUploads, &stats.UploadedBytes); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get upload count", err.Error())
	}

	var oldest, latest sql.NullInt64
	if err := s.db.QueryRow("SELECT MIN(event_timestamp), MAX(event_timestamp) FROM attestations").Scan(&oldest, &latest); err == nil {
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
	if err := s.db.QueryRow("SELECT value FROM system_state WHERE key = 'last_cleanup'").Scan(&lastCleanup); err == nil {
		if t, err := time.Parse(time.RFC3339, lastCleanup); err == nil {
			stats.LastCleanup = &t
		}
	}

	var applied int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&applied); err == nil {
		stats.AppliedMigrations = applied
	}

	if err := s.db.QueryRow("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&stats.DatabaseSize); err != nil {
		stats.DatabaseSize = 0
	}

	return stats, nil
}

// GetHealth reports the state of the connection
func (s *SQLiteStorage) GetHealth() *StorageHealth {
	return &StorageHealth{
		StorageType: "SQLite",
		Healthy:     s.Ping() == nil,
		Details:     map[string]string{"path": s.config.ConnectionString},
		LastPing:    time.Now(),
	}
}

// Cleanup removes rows older than the retention period. Attestations made by
// this service are kept; rows cached from reads can be fetched again.
func (s *SQLiteStorage) Cleanup(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin cleanup transaction", err.Error())
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM attestations WHERE updated_at < ? AND source != ?", cutoff, models.SourceSubmission)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to cleanup old attestations", err.Error())
	}
	attestationsDeleted, _ := result.RowsAffected()

	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO system_state (key, value, updated_at) VALUES ('last_cleanup', ?, ?)",
		time.Now().UTC().Format(time.RFC3339), time.Now().Unix())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to update last cleanup time", err.Error())
	}

	if err := tx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit cleanup transaction", err.Error())
	}

	s.logger.WithFields(logrus.Fields{
		"attestations_deleted": attestationsDeleted,
		"retention_days":       retentionDays,
	}).Info("Database cleanup completed")

	return nil
}

// GetWatcherBlock returns the watcher cursor of a network
func (s *SQLiteStorage) GetWatcherBlock(ctx context.Context, networkID uint64) (uint64, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = ?", watcherKey(networkID)).Scan(&value)
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
func (s *SQLiteStorage) SetWatcherBlock(ctx context.Context, networkID uint64, block uint64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO system_state (key, value, updated_at) VALUES (?, ?, ?)",
		watcherKey(networkID), strconv.FormatUint(block, 10), time.Now().Unix())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to store watcher block", err.Error())
	}
	return nil
}

// Vacuum optimizes the database
func (s *SQLiteStorage) Vacuum() error {
	s.logger.Info("Starting database vacuum")

	if _, err := s.db.Exec("VACUUM"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to vacuum database", err.Error())
	}

	s.logger.Info("Database vacuum completed")
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteAttestation(row rowScanner) (*models.AttestationRecord, error) {
	var (
		rec                  models.AttestationRecord
		mediaType, mediaData string
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.ID, &rec.UID, &rec.NetworkID, &rec.Schema, &rec.Attester, &rec.Recipient, &rec.TxHash,
		&rec.EventTimestamp, &rec.Location, &rec.Memo, &mediaType, &mediaData, &rec.AttestedAt, &rec.Revoked,
		&rec.Source, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(mediaType), &rec.MediaType); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(mediaData), &rec.MediaData); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

// attestationWhere builds the WHERE clause shared by list and count queries
func attestationWhere(filter models.AttestationFilter, placeholder func(int) string) (string, []interface{}) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.NetworkID != nil {
		args = append(args, *filter.NetworkID)
		conditions = append(conditions, "network_id = "+placeholder(len(args)))
	}
	if filter.Attester != nil {
		args = append(args, strings.ToLower(*filter.Attester))
		conditions = append(conditions, "LOWER(attester) = "+placeholder(len(args)))
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func listLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultListLimit
	}
	return limit
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
