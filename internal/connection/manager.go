package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// Manager defines the connection manager interface
type Manager interface {
	GetClientWithContext(ctx context.Context) (*ethclient.Client, error)
	HealthCheckWithContext(ctx context.Context) error
	ChainID() uint64
	CurrentURL() string
	IsConnected() bool
	Close() error
	Stats() ConnectionStats
}

// Recorder receives RPC metrics; *metrics.PrometheusMetrics satisfies it
type Recorder interface {
	RecordRPCRequest(endpoint, method, status string, duration time.Duration)
	RecordConnectionError(endpoint, errorType string)
}

// dialFunc is swapped in tests
type dialFunc func(ctx context.Context, url string) (*ethclient.Client, error)

// ConnectionManager dials one network, failing over across its RPC endpoints
type ConnectionManager struct {
	chainID         uint64
	config          config.NetworkConfig
	primaryURL      string
	backupURLs      []string
	currentIndex    int
	client          *ethclient.Client
	mu              sync.RWMutex
	logger          *logrus.Entry
	stats           ConnectionStats
	lastHealthCheck time.Time
	isHealthy       bool
	recorder        Recorder
	dial            dialFunc
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	TotalRequests   uint64    `json:"total_requests"`
	FailedRequests  uint64    `json:"failed_requests"`
	Reconnects      uint64    `json:"reconnects"`
	CurrentURL      string    `json:"current_url"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
	IsHealthy       bool      `json:"is_healthy"`
	ChainID         uint64    `json:"chain_id"`
	LatestBlock     uint64    `json:"latest_block"`
}

// NewConnectionManager creates a connection manager for the given chain
func NewConnectionManager(chainID uint64, cfg config.NetworkConfig, recorder Recorder) *ConnectionManager {
	return &ConnectionManager{
		chainID:    chainID,
		config:     cfg,
		primaryURL: cfg.RPCURL,
		backupURLs: cfg.BackupRPCURLs,
		logger: utils.ComponentLogger("connection").WithFields(logrus.Fields{
			"network":  cfg.Name,
			"chain_id": chainID,
		}),
		stats: ConnectionStats{
			CurrentURL: cfg.RPCURL,
			ChainID:    chainID,
		},
		recorder: recorder,
		dial:     ethclient.DialContext,
	}
}

// ChainID returns the chain id this manager is configured for
func (cm *ConnectionManager) ChainID() uint64 {
	return cm.chainID
}

// CurrentURL returns the endpoint currently in use
func (cm *ConnectionManager) CurrentURL() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats.CurrentURL
}

// GetClientWithContext returns the current client, connecting if needed
func (cm *ConnectionManager) GetClientWithContext(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.RLock()
	client := cm.client
	lastCheck := cm.lastHealthCheck
	cm.mu.RUnlock()

	if client == nil {
		return cm.connect(ctx)
	}

	// Test the connection if it's been a while since last health check
	if time.Since(lastCheck) > time.Minute {
		if err := cm.quickHealthCheck(ctx, client); err != nil {
			cm.logger.WithError(err).Warn("Client health check failed, reconnecting")
			return cm.reconnect(ctx)
		}
		cm.mu.Lock()
		cm.lastHealthCheck = time.Now()
		cm.mu.Unlock()
	}

	cm.mu.Lock()
	cm.stats.TotalRequests++
	cm.mu.Unlock()
	return client, nil
}

// connect establishes a new connection
func (cm *ConnectionManager) connect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		return cm.client, nil
	}

	urls := cm.getAllURLs()
	attempts := cm.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		for _, url := range urls {
			cm.logger.WithFields(logrus.Fields{"url": url, "attempt": attempt + 1}).Info("Attempting connection")

			client, err := cm.dialWithTimeout(ctx, url)
			if err != nil {
				cm.logger.WithError(err).WithField("url", url).Warn("Connection failed")
				cm.stats.FailedRequests++
				cm.recordError(url, "dial_failed")
				continue
			}

			// The endpoint must serve the chain this manager is for
			if err := cm.verifyChain(ctx, client); err != nil {
				client.Close()
				cm.logger.WithError(err).WithField("url", url).Warn("Endpoint rejected after connection")
				cm.recordError(url, "chain_mismatch")
				continue
			}

			cm.client = client
			cm.currentIndex = indexOf(cm.allURLs(), url)
			cm.stats.CurrentURL = url
			cm.stats.LastConnectedAt = time.Now()
			cm.isHealthy = true
			cm.lastHealthCheck = time.Now()

			cm.logger.WithField("url", url).Info("Successfully connected to chain node")
			return client, nil
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cm.config.RetryDelay):
				// Continue to next attempt
			}
		}
	}

	return nil, utils.NewAppError(utils.ErrCodeConnection,
		fmt.Sprintf("Failed to connect to any %s node", cm.config.Name),
		"All connection attempts exhausted")
}

// reconnect drops the current client and dials again
func (cm *ConnectionManager) reconnect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	cm.stats.Reconnects++
	cm.mu.Unlock()

	return cm.connect(ctx)
}

// dialWithTimeout creates a connection with timeout
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context, url string) (*ethclient.Client, error) {
	timeout := cm.config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return cm.dial(dialCtx, url)
}

// quickHealthCheck performs a quick health check
func (cm *ConnectionManager) quickHealthCheck(ctx context.Context, client *ethclient.Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := client.ChainID(checkCtx)
	return err
}

func (cm *ConnectionManager) verifyChain(ctx context.Context, client *ethclient.Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	id, err := client.ChainID(checkCtx)
	if err != nil {
		return err
	}
	if id.Uint64() != cm.chainID {
		return utils.NewAppError(utils.ErrCodeConnection, "Chain ID mismatch",
			fmt.Sprintf("expected %d, got %d", cm.chainID, id.Uint64()))
	}
	return nil
}

// HealthCheckWithContext verifies the chain id and reads the latest block
func (cm *ConnectionManager) HealthCheckWithContext(ctx context.Context) error {
	client, err := cm.GetClientWithContext(ctx)
	if err != nil {
		cm.setHealthy(false)
		return err
	}

	if err := cm.verifyChain(ctx, client); err != nil {
		cm.setHealthy(false)
		return utils.WrapAppError(utils.ErrCodeConnection, "Chain check failed", err)
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		cm.setHealthy(false)
		return utils.NewAppError(utils.ErrCodeConnection, "Failed to get latest block", err.Error())
	}

	cm.mu.Lock()
	cm.stats.LatestBlock = blockNumber
	cm.stats.LastHealthCheck = time.Now()
	cm.lastHealthCheck = time.Now()
	cm.mu.Unlock()
	cm.setHealthy(true)

	cm.logger.WithFields(logrus.Fields{
		"latest_block": blockNumber,
		"url":          cm.CurrentURL(),
	}).Debug("Health check passed")

	return nil
}

func (cm *ConnectionManager) setHealthy(healthy bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.isHealthy = healthy
	cm.stats.IsHealthy = healthy
}

// IsConnected returns whether the manager is connected
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client != nil && cm.isHealthy
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}

	cm.isHealthy = false
	cm.stats.IsHealthy = false
	cm.logger.Info("Connection manager closed")
	return nil
}

// Stats returns connection statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}

func (cm *ConnectionManager) allURLs() []string {
	urls := []string{cm.primaryURL}
	return append(urls, cm.backupURLs...)
}

// getAllURLs returns all available URLs starting from the last good one
func (cm *ConnectionManager) getAllURLs() []string {
	urls := cm.allURLs()

	if cm.currentIndex > 0 && cm.currentIndex < len(urls) {
		rotated := make([]string, len(urls))
		copy(rotated, urls[cm.currentIndex:])
		copy(rotated[len(urls)-cm.currentIndex:], urls[:cm.currentIndex])
		return rotated
	}

	return urls
}

func (cm *ConnectionManager) recordError(endpoint, kind string) {
	if cm.recorder != nil {
		cm.recorder.RecordConnectionError(endpoint, kind)
	}
}

func indexOf(urls []string, url string) int {
	for i, u := range urls {
		if u == url {
			return i
		}
	}
	return 0
}
