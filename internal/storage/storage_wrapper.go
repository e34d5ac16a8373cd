// File: internal/storage/storage_wrapper.go
package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/eas-logbook/internal/metrics"
	"github.com/smartdevs17/eas-logbook/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

// SaveAttestation saves an attestation and records metrics
func (s *StorageWithMetrics) SaveAttestation(ctx context.Context, rec *models.AttestationRecord) error {
	start := time.Now()
	err := s.Storage.SaveAttestation(ctx, rec)
	s.record("upsert", "attestations", err, start)
	return err
}

// ListAttestations lists attestations and records metrics
func (s *StorageWithMetrics) ListAttestations(ctx context.Context, filter models.AttestationFilter) ([]*models.AttestationRecord, error) {
	start := time.Now()
	records, err := s.Storage.ListAttestations(ctx, filter)
	s.record("select", "attestations", err, start)
	return records, err
}

// SaveUpload saves an upload and records metrics
func (s *StorageWithMetrics) SaveUpload(ctx context.Context, rec *models.UploadRecord) error {
	start := time.Now()
	err := s.Storage.SaveUpload(ctx, rec)
	s.record("insert", "media_uploads", err, start)
	return err
}

func (s *StorageWithMetrics) record(operation, table string, err error, start time.Time) {
	if s.metricsManager == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(operation, table, status, time.Since(start))
}
