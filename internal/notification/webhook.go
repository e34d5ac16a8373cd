// File: internal/notification/webhook.go
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// WebhookSender posts events to a list of webhook URLs
type WebhookSender struct {
	urls        []string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *logrus.Entry
	httpClient  *http.Client
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(cfg config.NotificationConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &WebhookSender{
		urls:        cfg.Webhooks,
		maxAttempts: attempts,
		baseDelay:   cfg.RetryDelay,
		maxDelay:    30 * time.Second,
		logger:      utils.ComponentLogger("notification").WithField("channel", "webhook"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// Name implements Channel
func (ws *WebhookSender) Name() string { return "webhook" }

// Close implements Channel
func (ws *WebhookSender) Close() error {
	ws.httpClient.CloseIdleConnections()
	return nil
}

// Send posts the event to every URL
func (ws *WebhookSender) Send(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal webhook payload", err.Error())
	}

	var errs []error
	for _, url := range ws.urls {
		if err := ws.sendWithRetry(ctx, url, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sendWithRetry sends a webhook with exponential backoff between attempts
func (ws *WebhookSender) sendWithRetry(ctx context.Context, url string, body []byte) error {
	var lastErr error

	for attempt := 1; attempt <= ws.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := ws.retryDelay(attempt)
			ws.logger.WithFields(logrus.Fields{
				"url":     url,
				"attempt": attempt,
				"delay":   delay,
			}).Warn("Webhook attempt failed, retrying")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return utils.WrapAppError(utils.ErrCodeTimeout, "Webhook delivery cancelled", ctx.Err())
			}
		}

		status, err := ws.sendOnce(ctx, url, body)
		if err == nil {
			ws.logger.WithFields(logrus.Fields{
				"url":         url,
				"status_code": status,
				"attempt":     attempt,
			}).Debug("Webhook sent successfully")
			return nil
		}
		lastErr = err

		// Client errors other than throttling will not improve on retry
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			break
		}
	}

	return lastErr
}

func (ws *WebhookSender) sendOnce(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeInternal, "Failed to create webhook request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "EAS-Logbook/1.0")
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := ws.httpClient.Do(req)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeConnection, "Failed to send webhook", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, utils.NewAppError(utils.ErrCodeConnection,
		"Webhook returned non-success status",
		fmt.Sprintf("status: %d, body: %s", resp.StatusCode, snippet))
}

// retryDelay is base_delay * 2^(attempt-2), capped at maxDelay
func (ws *WebhookSender) retryDelay(attempt int) time.Duration {
	delay := time.Duration(int64(ws.baseDelay) << uint(attempt-2))
	if delay > ws.maxDelay || delay < 0 {
		delay = ws.maxDelay
	}
	return delay
}
