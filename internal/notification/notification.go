// File: internal/notification/notification.go
package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// EventAttestationRecorded is the type of the only event published today
const EventAttestationRecorded = "attestation.recorded"

// Event is the envelope delivered to every channel
type Event struct {
	Type          string                    `json:"type"`
	Version       string                    `json:"version"`
	OccurredAt    time.Time                 `json:"occurredAt"`
	CorrelationID string                    `json:"correlationId"`
	Source        string                    `json:"source"`
	Payload       *models.AttestationRecord `json:"payload"`
}

// Channel delivers events to one destination kind
type Channel interface {
	Name() string
	Send(ctx context.Context, event *Event) error
	Close() error
}

// Recorder receives notification metrics
type Recorder interface {
	RecordNotificationSent(channel, notificationType string, duration time.Duration)
	RecordNotificationFailure(channel, notificationType, errorType string)
}

// NotificationStats provides notification statistics
type NotificationStats struct {
	TotalNotificationsSent   uint64     `json:"total_notifications_sent"`
	TotalNotificationsFailed uint64     `json:"total_notifications_failed"`
	ActiveChannels           int        `json:"active_channels"`
	LastError                *string    `json:"last_error,omitempty"`
	LastErrorTime            *time.Time `json:"last_error_time,omitempty"`
}

// Manager fans "attestation recorded" events out to the configured channels
type Manager struct {
	channels []Channel
	recorder Recorder
	source   string
	logger   *logrus.Entry

	mu    sync.Mutex
	stats NotificationStats
}

// NewManager builds the channels enabled in cfg. A disabled configuration
// yields a manager without channels whose NotifyRecorded is a no-op.
func NewManager(cfg config.NotificationConfig, source string, recorder Recorder) (*Manager, error) {
	m := &Manager{
		recorder: recorder,
		source:   source,
		logger:   utils.ComponentLogger("notification"),
	}
	if !cfg.Enabled {
		return m, nil
	}

	if len(cfg.Webhooks) > 0 {
		m.channels = append(m.channels, NewWebhookSender(cfg))
	}
	if cfg.NATSURL != "" {
		pub, err := NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, cfg.Timeout)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.channels = append(m.channels, pub)
	}

	m.logger.WithField("channels", len(m.channels)).Info("Notification manager configured")
	return m, nil
}

// NewManagerWithChannels creates a manager over explicit channels
func NewManagerWithChannels(source string, recorder Recorder, channels ...Channel) *Manager {
	return &Manager{
		channels: channels,
		recorder: recorder,
		source:   source,
		logger:   utils.ComponentLogger("notification"),
	}
}

// NotifyRecorded publishes an attestation recorded event on every channel.
// All channels are attempted; the returned error joins the failures.
func (m *Manager) NotifyRecorded(ctx context.Context, rec *models.AttestationRecord) error {
	if len(m.channels) == 0 {
		return nil
	}

	event := &Event{
		Type:          EventAttestationRecorded,
		Version:       "1.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Source:        m.source,
		Payload:       rec,
	}

	var errs []error
	for _, ch := range m.channels {
		start := time.Now()
		err := ch.Send(ctx, event)
		m.record(ch.Name(), err, time.Since(start))
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"channel":        ch.Name(),
				"uid":            rec.UID,
				"correlation_id": event.CorrelationID,
				"error":          err,
			}).Error("Failed to deliver notification")
			errs = append(errs, err)
			continue
		}
		m.logger.WithFields(logrus.Fields{
			"channel": ch.Name(),
			"uid":     rec.UID,
		}).Debug("Notification delivered")
	}
	return errors.Join(errs...)
}

func (m *Manager) record(channel string, err error, duration time.Duration) {
	m.mu.Lock()
	if err != nil {
		m.stats.TotalNotificationsFailed++
		msg := err.Error()
		now := time.Now()
		m.stats.LastError = &msg
		m.stats.LastErrorTime = &now
	} else {
		m.stats.TotalNotificationsSent++
	}
	m.mu.Unlock()

	if m.recorder == nil {
		return
	}
	if err != nil {
		errorType := utils.ErrorCode(err)
		if errorType == "" {
			errorType = "send_error"
		}
		m.recorder.RecordNotificationFailure(channel, EventAttestationRecorded, errorType)
		return
	}
	m.recorder.RecordNotificationSent(channel, EventAttestationRecorded, duration)
}

// GetStats returns notification statistics
func (m *Manager) GetStats() NotificationStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.ActiveChannels = len(m.channels)
	return stats
}

// Channels returns the names of the active channels
func (m *Manager) Channels() []string {
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Close releases every channel
func (m *Manager) Close() error {
	var errs []error
	for _, ch := range m.channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
