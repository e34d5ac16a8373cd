// File: internal/storage/storage.go
package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/smartdevs17/eas-logbook/internal/models"
)

// Storage is the local journal of attestations and media uploads
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Attestation journal
	SaveAttestation(ctx context.Context, rec *models.AttestationRecord) error
	GetAttestation(ctx context.Context, networkID uint64, uid string) (*models.AttestationRecord, error)
	ListAttestations(ctx context.Context, filter models.AttestationFilter) ([]*models.AttestationRecord, error)
	CountAttestations(ctx context.Context, filter models.AttestationFilter) (int64, error)

	// Upload journal
	SaveUpload(ctx context.Context, rec *models.UploadRecord) error
	GetUploadByHash(ctx context.Context, contentHash string) (*models.UploadRecord, error)

	// Watcher cursor, the last block scanned for Attested logs per network
	GetWatcherBlock(ctx context.Context, networkID uint64) (uint64, bool, error)
	SetWatcherBlock(ctx context.Context, networkID uint64, block uint64) error

	// Statistics and maintenance
	GetStorageStats() (*StorageStats, error)
	GetHealth() *StorageHealth
	Cleanup(ctx context.Context, retentionDays int) error
	Vacuum() error
}

// StorageStats provides storage statistics
type StorageStats struct {
	TotalAttestations int64            `json:"total_attestations"`
	AttestationsBySrc map[string]int64 `json:"attestations_by_source"`
	TotalUploads      int64            `json:"total_uploads"`
	UploadedBytes     int64            `json:"uploaded_bytes"`
	OldestAttestation *time.Time       `json:"oldest_attestation,omitempty"`
	LatestAttestation *time.Time       `json:"latest_attestation,omitempty"`
	DatabaseSize      int64            `json:"database_size_bytes"`
	LastCleanup       *time.Time       `json:"last_cleanup,omitempty"`
	AppliedMigrations int              `json:"applied_migrations"`
}

// StorageHealth describes the database connection
type StorageHealth struct {
	StorageType string            `json:"storage_type"`
	Healthy     bool              `json:"healthy"`
	Details     map[string]string `json:"details,omitempty"`
	LastPing    time.Time         `json:"last_ping"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
	RetentionDays    int           `json:"retention_days"`
}

// DefaultListLimit caps list queries without an explicit limit
const DefaultListLimit = 100

func watcherKey(networkID uint64) string {
	return "watcher_block:" + strconv.FormatUint(networkID, 10)
}
