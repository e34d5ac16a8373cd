// Package media validates and pins attachments for log entries
package media

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// TextFileName is the name given to memo text uploads
const TextFileName = "memo.txt"

// File is an attachment to upload
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size returns the content length
func (f *File) Size() int64 {
	return int64(len(f.Data))
}

// Recorder receives upload metrics; *metrics.PrometheusMetrics satisfies it
type Recorder interface {
	RecordUpload(backend, status string, size int64, duration time.Duration)
}

// Journal records pinned uploads
type Journal interface {
	SaveUpload(ctx context.Context, rec *models.UploadRecord) error
}

// Service validates files and pins them through a Pinner
type Service struct {
	validator *Validator
	pinner    Pinner
	timeout   time.Duration
	recorder  Recorder
	journal   Journal
	logger    *logrus.Entry
}

// NewService creates an upload service. recorder and journal may be nil.
func NewService(cfg config.UploadConfig, pinner Pinner, recorder Recorder, journal Journal) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	allowed := cfg.AllowedTypes
	if len(allowed) == 0 {
		allowed = []string{"image/jpeg", "image/png", "image/gif"}
	}

	return &Service{
		validator: NewValidator(maxSize, allowed),
		pinner:    pinner,
		timeout:   timeout,
		recorder:  recorder,
		journal:   journal,
		logger:    utils.ComponentLogger("media"),
	}
}

// Validator returns the validator used by the service
func (s *Service) Validator() *Validator {
	return s.validator
}

// Backend returns the name of the pinning backend
func (s *Service) Backend() string {
	return s.pinner.Name()
}

// Upload validates f and pins it
func (s *Service) Upload(ctx context.Context, f File) (*models.UploadResult, error) {
	if err := s.validator.Check(&f); err != nil {
		s.record("rejected", f.Size(), 0)
		return nil, err
	}
	return s.pin(ctx, f)
}

// UploadText stores text as memo.txt. The content type check does not apply.
func (s *Service) UploadText(ctx context.Context, text string) (*models.UploadResult, error) {
	f := File{Name: TextFileName, ContentType: "text/plain", Data: []byte(text)}
	if err := s.validator.CheckSize(f.Size()); err != nil {
		s.record("rejected", f.Size(), 0)
		return nil, err
	}
	return s.pin(ctx, f)
}

func (s *Service) pin(ctx context.Context, f File) (*models.UploadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	cid, uri, err := s.pinner.Pin(ctx, f.Name, f.ContentType, f.Data)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.record("timeout", f.Size(), duration)
			return nil, utils.WrapAppError(utils.ErrCodeTimeout, "Upload timed out", err)
		}
		s.record("error", f.Size(), duration)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"file":    f.Name,
			"backend": s.pinner.Name(),
		}).Error("Failed to upload file")
		if utils.ErrorCode(err) == utils.ErrCodeAccess {
			return nil, err
		}
		return nil, utils.WrapAppError(utils.ErrCodeUpload, "Failed to upload file", err)
	}

	s.record("success", f.Size(), duration)
	s.logger.WithFields(logrus.Fields{
		"file":         f.Name,
		"content_type": f.ContentType,
		"size":         f.Size(),
		"cid":          cid,
		"duration":     duration,
	}).Info("File pinned")

	if s.journal != nil {
		rec := &models.UploadRecord{
			ID:                uuid.NewString(),
			ContentIdentifier: cid,
			GatewayURI:        uri,
			ContentHash:       utils.ContentHash(f.Data),
			FileName:          f.Name,
			ContentType:       f.ContentType,
			Size:              f.Size(),
			Backend:           s.pinner.Name(),
			CreatedAt:         time.Now().UTC(),
		}
		if err := s.journal.SaveUpload(ctx, rec); err != nil {
			s.logger.WithError(err).Warn("Failed to journal upload")
		}
	}

	return &models.UploadResult{ContentIdentifier: cid, GatewayURI: uri}, nil
}

func (s *Service) record(status string, size int64, d time.Duration) {
	if s.recorder != nil {
		s.recorder.RecordUpload(s.pinner.Name(), status, size, d)
	}
}
