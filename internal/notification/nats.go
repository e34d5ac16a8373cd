// File: internal/notification/nats.go
package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// dedupWindow suppresses a second event for the same attestation
const dedupWindow = 2 * time.Minute

// NATSPublisher publishes events on a NATS subject
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	logger  *logrus.Entry

	// publish and flush are nc.Publish and nc.FlushTimeout outside tests
	publish func(subject string, data []byte) error
	flush   func(timeout time.Duration) error

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewNATSPublisher connects to the NATS server at url
func NewNATSPublisher(url, subject string, timeout time.Duration) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("eas-logbook"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConnection, "Failed to connect to NATS", err.Error())
	}

	p := newNATSPublisher(subject, timeout, nc.Publish, nc.FlushTimeout)
	p.nc = nc
	p.logger.WithFields(logrus.Fields{
		"url":     nc.ConnectedUrlRedacted(),
		"subject": subject,
	}).Info("NATS publisher connected")
	return p, nil
}

func newNATSPublisher(subject string, timeout time.Duration, publish func(string, []byte) error, flush func(time.Duration) error) *NATSPublisher {
	if subject == "" {
		subject = "logbook.attestations.recorded"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSPublisher{
		subject: subject,
		timeout: timeout,
		logger:  utils.ComponentLogger("notification").WithField("channel", "nats"),
		publish: publish,
		flush:   flush,
		seen:    make(map[string]time.Time),
	}
}

// Name implements Channel
func (p *NATSPublisher) Name() string { return "nats" }

// Send publishes the event unless the same attestation was published within
// the dedup window
func (p *NATSPublisher) Send(ctx context.Context, event *Event) error {
	key := ""
	if event.Payload != nil {
		key = event.Payload.UID
	}
	if key != "" && p.recentlySeen(key) {
		p.logger.WithField("uid", key).Debug("Skipping duplicate notification")
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal event", err.Error())
	}

	if err := p.publish(p.subject, data); err != nil {
		return utils.NewAppError(utils.ErrCodeConnection, "Failed to publish event", err.Error())
	}

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if p.flush != nil {
		if err := p.flush(timeout); err != nil {
			return utils.NewAppError(utils.ErrCodeConnection, "Failed to flush event", err.Error())
		}
	}

	if key != "" {
		p.markSeen(key)
	}
	return nil
}

func (p *NATSPublisher) recentlySeen(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.seen[key]
	return ok && time.Since(at) < dedupWindow
}

func (p *NATSPublisher) markSeen(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-dedupWindow)
	for k, at := range p.seen {
		if at.Before(cutoff) {
			delete(p.seen, k)
		}
	}
	p.seen[key] = time.Now()
}

// Close drains the connection
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc = nil
	return err
}
