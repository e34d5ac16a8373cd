package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// Pool holds one connection manager per configured network
type Pool struct {
	managers map[uint64]Manager
	cfg      *config.Config
	recorder Recorder
	mu       sync.RWMutex
	logger   *logrus.Entry
	closed   bool
}

// NewPool creates an empty pool; managers are created on first use
func NewPool(cfg *config.Config, recorder Recorder) *Pool {
	return &Pool{
		managers: make(map[uint64]Manager),
		cfg:      cfg,
		recorder: recorder,
		logger:   utils.ComponentLogger("connection_pool"),
	}
}

// Manager returns the manager for chainID, creating it if needed
func (p *Pool) Manager(chainID uint64) (Manager, error) {
	p.mu.RLock()
	m, ok := p.managers[chainID]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, utils.NewAppError(utils.ErrCodeConnection, "Connection pool is closed")
	}
	if ok {
		return m, nil
	}

	netCfg, err := p.cfg.Network(chainID)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeConfiguration, "Unknown network", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.managers[chainID]; ok {
		return m, nil
	}
	m = NewConnectionManager(chainID, netCfg, p.recorder)
	p.managers[chainID] = m
	p.logger.WithFields(logrus.Fields{"chain_id": chainID, "network": netCfg.Name}).Info("Connection manager created")
	return m, nil
}

// HealthCheck checks every manager created so far
func (p *Pool) HealthCheck(ctx context.Context) map[uint64]error {
	p.mu.RLock()
	managers := make(map[uint64]Manager, len(p.managers))
	for id, m := range p.managers {
		managers[id] = m
	}
	p.mu.RUnlock()

	results := make(map[uint64]error)
	var (
		wg      sync.WaitGroup
		resultM sync.Mutex
	)

	for id, manager := range managers {
		wg.Add(1)
		go func(chainID uint64, mgr Manager) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			err := mgr.HealthCheckWithContext(checkCtx)

			resultM.Lock()
			results[chainID] = err
			resultM.Unlock()
		}(id, manager)
	}

	wg.Wait()
	return results
}

// GetStats returns statistics for all managers
func (p *Pool) GetStats() map[uint64]ConnectionStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[uint64]ConnectionStats)
	for id, manager := range p.managers {
		stats[id] = manager.Stats()
	}
	return stats
}

// ChainIDs returns the ids of the managers created so far
func (p *Pool) ChainIDs() []uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]uint64, 0, len(p.managers))
	for id := range p.managers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close closes all connection managers in the pool
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var lastErr error

	for id, manager := range p.managers {
		if err := manager.Close(); err != nil {
			p.logger.WithError(err).WithField("chain_id", id).Error("Failed to close connection manager")
			lastErr = err
		}
	}

	p.managers = make(map[uint64]Manager)
	p.logger.Info("Connection pool closed")
	return lastErr
}

// ActiveConnections returns the number of live connections
func (p *Pool) ActiveConnections() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	active := 0
	for _, manager := range p.managers {
		if manager.IsConnected() {
			active++
		}
	}
	return active
}
