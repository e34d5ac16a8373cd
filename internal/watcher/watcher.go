// File: internal/watcher/watcher.go
package watcher

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/internal/eas"
	"github.com/smartdevs17/eas-logbook/internal/retrieval"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// Fetcher reads and journals one attestation. *retrieval.Retriever
// satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, uid string) (*retrieval.Detail, error)
}

// Cursor persists the last scanned block. storage.Storage satisfies it.
type Cursor interface {
	GetWatcherBlock(ctx context.Context, networkID uint64) (uint64, bool, error)
	SetWatcherBlock(ctx context.Context, networkID uint64, block uint64) error
}

// Recorder receives scan metrics
type Recorder interface {
	RecordWatcherScan(network string, toBlock uint64, journaled, failed int)
}

// Config holds watcher configuration
type Config struct {
	NetworkID     uint64
	Schema        common.Hash
	PollInterval  time.Duration
	BatchSize     uint64
	Confirmations uint64
	StartBlock    uint64
	Lookback      uint64
}

// Dependencies are the collaborators of a Watcher. Cursor and Recorder are
// optional.
type Dependencies struct {
	EAS      *eas.Client
	Logs     eas.LogBackend
	Fetcher  Fetcher
	Cursor   Cursor
	Recorder Recorder
}

// ScanResult describes one scanned block range. Deferred counts events
// left for the next poll after a transient fetch failure; the cursor then
// stops below the block of the first deferred event.
type ScanResult struct {
	FromBlock uint64        `json:"from_block"`
	ToBlock   uint64        `json:"to_block"`
	Events    int           `json:"events"`
	Journaled int           `json:"journaled"`
	Failed    int           `json:"failed"`
	Deferred  int           `json:"deferred"`
	Duration  time.Duration `json:"duration"`
}

// Stats provides watcher statistics
type Stats struct {
	NetworkID       uint64     `json:"network_id"`
	StartTime       time.Time  `json:"start_time"`
	IsRunning       bool       `json:"is_running"`
	LatestBlock     uint64     `json:"latest_block"`
	BlocksScanned   uint64     `json:"blocks_scanned"`
	EventsSeen      uint64     `json:"events_seen"`
	EventsJournaled uint64     `json:"events_journaled"`
	EventsFailed    uint64     `json:"events_failed"`
	ErrorCount      uint64     `json:"error_count"`
	LastError       *string    `json:"last_error,omitempty"`
	LastErrorTime   *time.Time `json:"last_error_time,omitempty"`
}

// Watcher follows Attested logs of the logbook schema so that entries made
// by other clients reach the local journal
type Watcher struct {
	cfg    Config
	deps   Dependencies
	logger *logrus.Entry

	mu       sync.RWMutex
	running  bool
	next     uint64
	resolved bool
	stats    Stats
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a watcher
func New(cfg Config, deps Dependencies) (*Watcher, error) {
	if deps.EAS == nil || deps.Logs == nil || deps.Fetcher == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Watcher needs a contract client, a log backend and a fetcher")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}

	return &Watcher{
		cfg:    cfg,
		deps:   deps,
		logger: utils.ComponentLogger("watcher").WithField("network", cfg.NetworkID),
		stats:  Stats{NetworkID: cfg.NetworkID},
	}, nil
}

// Start runs the polling loop until Stop or ctx is done
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Watcher already running")
	}
	w.running = true
	w.stats.StartTime = time.Now()
	w.stats.IsRunning = true
	w.stopChan = make(chan struct{})

	w.wg.Add(1)
	go w.loop(ctx, w.stopChan)

	w.logger.WithField("poll_interval", w.cfg.PollInterval).Info("Watcher started")
	return nil
}

// Stop stops the polling loop and waits for it to exit
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.stats.IsRunning = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()

	w.logger.Info("Watcher stopped")
	return nil
}

// IsRunning returns whether the polling loop is running
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Watcher) loop(ctx context.Context, stop <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			// Drain the backlog a batch at a time without waiting for the ticker
			for {
				result, err := w.Poll(ctx)
				if err != nil {
					w.logger.WithError(err).Error("Watcher poll failed")
					break
				}
				// Deferred events are retried on the next tick
				if result == nil || result.Deferred > 0 || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// Poll scans the next confirmed block range. It returns nil when there is
// nothing new to scan.
func (w *Watcher) Poll(ctx context.Context) (*ScanResult, error) {
	start := time.Now()

	head, err := w.deps.Logs.LatestBlockNumber(ctx)
	if err != nil {
		return nil, w.recordError(utils.WrapAppError(utils.ErrCodeConnection, "Failed to get latest block number", err))
	}
	if head < w.cfg.Confirmations {
		return nil, nil
	}
	confirmed := head - w.cfg.Confirmations

	from, err := w.nextBlock(ctx, confirmed)
	if err != nil {
		return nil, w.recordError(err)
	}
	if from > confirmed {
		return nil, nil
	}
	to := confirmed
	if to-from+1 > w.cfg.BatchSize {
		to = from + w.cfg.BatchSize - 1
	}

	events, err := w.deps.EAS.AttestedEvents(ctx, w.deps.Logs, from, to, w.cfg.Schema)
	if err != nil {
		return nil, w.recordError(err)
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Block < events[j].Block })

	result := &ScanResult{FromBlock: from, ToBlock: to, Events: len(events)}
	resume := to + 1
	for i, ev := range events {
		_, err := w.deps.Fetcher.Fetch(ctx, ev.UID.Hex())
		if err == nil {
			result.Journaled++
			continue
		}

		status := retrieval.Classify(err)
		entry := w.logger.WithError(err).WithFields(logrus.Fields{
			"uid":    ev.UID.Hex(),
			"block":  ev.Block,
			"status": status,
		})
		if status == retrieval.StatusPending {
			// Rescan from this block next time; journaling is idempotent
			result.Deferred = len(events) - i
			resume = ev.Block
			entry.Warn("Attestation not journaled yet, retrying on next poll")
			w.recordError(err)
			break
		}
		result.Failed++
		entry.Warn("Skipping attestation that cannot be journaled")
	}

	if resume > from && w.deps.Cursor != nil {
		if err := w.deps.Cursor.SetWatcherBlock(ctx, w.cfg.NetworkID, resume-1); err != nil {
			w.logger.WithError(err).Error("Failed to store watcher block")
		}
	}
	result.Duration = time.Since(start)

	w.mu.Lock()
	w.next = resume
	if resume > from {
		w.stats.LatestBlock = resume - 1
		w.stats.BlocksScanned += resume - from
	}
	w.stats.EventsSeen += uint64(result.Events - result.Deferred)
	w.stats.EventsJournaled += uint64(result.Journaled)
	w.stats.EventsFailed += uint64(result.Failed)
	latest := w.stats.LatestBlock
	w.mu.Unlock()

	if w.deps.Recorder != nil {
		w.deps.Recorder.RecordWatcherScan(strconv.FormatUint(w.cfg.NetworkID, 10), latest, result.Journaled, result.Failed+result.Deferred)
	}

	w.logger.WithFields(logrus.Fields{
		"from":      from,
		"to":        to,
		"events":    result.Events,
		"journaled": result.Journaled,
		"failed":    result.Failed,
		"deferred":  result.Deferred,
	}).Debug("Block range scanned")

	return result, nil
}

// nextBlock resolves the first block to scan: the stored cursor, then the
// configured start block, then a lookback window below the confirmed head
func (w *Watcher) nextBlock(ctx context.Context, confirmed uint64) (uint64, error) {
	w.mu.RLock()
	next, resolved := w.next, w.resolved
	w.mu.RUnlock()
	if resolved {
		return next, nil
	}

	next = w.startBlock(confirmed)
	if w.deps.Cursor != nil {
		block, ok, err := w.deps.Cursor.GetWatcherBlock(ctx, w.cfg.NetworkID)
		if err != nil {
			return 0, err
		}
		if ok {
			next = block + 1
		}
	}

	w.mu.Lock()
	w.next, w.resolved = next, true
	w.mu.Unlock()
	return next, nil
}

func (w *Watcher) startBlock(confirmed uint64) uint64 {
	if w.cfg.StartBlock > 0 {
		return w.cfg.StartBlock
	}
	if w.cfg.Lookback == 0 || confirmed < w.cfg.Lookback {
		return 0
	}
	return confirmed - w.cfg.Lookback + 1
}

func (w *Watcher) recordError(err error) error {
	now := time.Now()
	msg := err.Error()

	w.mu.Lock()
	w.stats.ErrorCount++
	w.stats.LastError = &msg
	w.stats.LastErrorTime = &now
	w.mu.Unlock()
	return err
}

// GetStats returns watcher statistics
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}
