// Package session builds the per-network client graph: chain connection, EAS
// contract client, wallet, schema codec and the submission and retrieval
// flows bound to them. Sessions are created explicitly and replaced when the
// active network changes.
package session

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/eas-logbook/internal/codec"
	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/internal/connection"
	"github.com/smartdevs17/eas-logbook/internal/eas"
	"github.com/smartdevs17/eas-logbook/internal/indexer"
	"github.com/smartdevs17/eas-logbook/internal/media"
	"github.com/smartdevs17/eas-logbook/internal/metrics"
	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/internal/notification"
	"github.com/smartdevs17/eas-logbook/internal/retrieval"
	"github.com/smartdevs17/eas-logbook/internal/storage"
	"github.com/smartdevs17/eas-logbook/internal/submission"
	"github.com/smartdevs17/eas-logbook/internal/watcher"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// MemoryScheme selects the in-process chain as a network's rpc_url
const MemoryScheme = "memory://"

// memoryFunding is the balance given to the wallet on in-process chains
var memoryFunding = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))

// Session is the client graph of one network
type Session struct {
	NetworkID uint64
	Network   config.NetworkConfig
	SchemaUID common.Hash
	Recipient common.Address

	EAS       *eas.Client
	Logs      eas.LogBackend
	Wallet    *eas.Wallet
	Codec     *codec.Codec
	Indexer   *indexer.Client
	Flow      *submission.Flow
	Retriever *retrieval.Retriever

	// Memory is set when the network runs on the in-process chain
	Memory *eas.MemoryBackend
}

// NetworkInfo describes a configured network
type NetworkInfo struct {
	ID              uint64 `json:"id"`
	Name            string `json:"name"`
	ContractAddress string `json:"contractAddress"`
	SchemaUID       string `json:"schemaUid"`
	HasIndexer      bool   `json:"hasIndexer"`
	Active          bool   `json:"active"`
}

// Options are the shared collaborators of every session. Everything except
// Config is optional.
type Options struct {
	Config   *config.Config
	Pool     *connection.Pool
	Metrics  *metrics.PrometheusMetrics
	Journal  storage.Storage
	Notifier *notification.Manager
	Media    *media.Service
}

// Registry resolves sessions by network id
type Registry struct {
	opts   Options
	logger *logrus.Entry

	mu       sync.Mutex
	sessions map[uint64]*Session
	active   uint64
	media    *media.Service
	mediaErr error
	mediaSet bool

	// The watcher follows the active network while watching is on
	watchMu  sync.Mutex
	watching bool
	watchCtx context.Context
	watcher  *watcher.Watcher
}

// NewRegistry creates a registry with the configured active network
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Config == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Session registry needs a configuration")
	}
	if _, err := opts.Config.Network(opts.Config.ActiveNetwork); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeConfiguration, "Active network is not configured", err)
	}
	if opts.Pool == nil {
		var recorder connection.Recorder
		if opts.Metrics != nil {
			recorder = opts.Metrics
		}
		opts.Pool = connection.NewPool(opts.Config, recorder)
	}

	r := &Registry{
		opts:     opts,
		logger:   utils.ComponentLogger("session"),
		sessions: make(map[uint64]*Session),
		active:   opts.Config.ActiveNetwork,
	}
	if opts.Media != nil {
		r.media, r.mediaSet = opts.Media, true
	}
	return r, nil
}

// ActiveID returns the active network id
func (r *Registry) ActiveID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Active resolves the session of the active network
func (r *Registry) Active(ctx context.Context) (*Session, error) {
	return r.Resolve(ctx, r.ActiveID())
}

// SetActive switches the active network and resolves its session
func (r *Registry) SetActive(ctx context.Context, id uint64) (*Session, error) {
	s, err := r.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	previous := r.active
	r.active = id
	r.mu.Unlock()

	if previous != id {
		r.logger.WithFields(logrus.Fields{"from": previous, "to": id}).Info("Active network changed")
		if err := r.rewatch(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Resolve returns the session of network id, building it on first use
func (r *Registry) Resolve(ctx context.Context, id uint64) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, nil
	}

	netCfg, err := r.opts.Config.Network(id)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeNotFound, "Unknown network", err)
	}

	s, err := r.build(ctx, id, netCfg)
	if err != nil {
		return nil, err
	}
	r.sessions[id] = s
	r.logger.WithFields(logrus.Fields{
		"chain_id": id,
		"network":  netCfg.Name,
		"memory":   s.Memory != nil,
		"wallet":   s.Wallet.Connected(),
	}).Info("Session created")
	return s, nil
}

// Media returns the shared upload service, building the pinner on first use
func (r *Registry) Media(ctx context.Context) (*media.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mediaLocked(ctx)
}

func (r *Registry) mediaLocked(ctx context.Context) (*media.Service, error) {
	if r.mediaSet {
		return r.media, r.mediaErr
	}
	r.mediaSet = true

	pinner, err := media.NewPinner(ctx, r.opts.Config.Upload)
	if err != nil {
		r.mediaErr = err
		r.logger.WithError(err).Warn("Media uploads are unavailable")
		return nil, err
	}

	var (
		recorder media.Recorder
		journal  media.Journal
	)
	if r.opts.Metrics != nil {
		recorder = r.opts.Metrics
	}
	if r.opts.Journal != nil {
		journal = r.opts.Journal
	}
	r.media = media.NewService(r.opts.Config.Upload, pinner, recorder, journal)
	return r.media, nil
}

func (r *Registry) build(ctx context.Context, id uint64, netCfg config.NetworkConfig) (*Session, error) {
	cfg := r.opts.Config
	contract := common.HexToAddress(netCfg.ContractAddress)

	signer, err := walletSigner(cfg.Wallet.PrivateKey)
	if err != nil {
		return nil, err
	}

	s := &Session{
		NetworkID: id,
		Network:   netCfg,
		SchemaUID: common.HexToHash(netCfg.SchemaUID),
	}
	if utils.IsValidAddress(cfg.Wallet.Recipient) {
		s.Recipient = common.HexToAddress(cfg.Wallet.Recipient)
	}

	var backend eas.Backend
	if strings.HasPrefix(netCfg.RPCURL, MemoryScheme) {
		s.Memory = eas.NewMemoryBackend(id, contract)
		if signer != nil {
			s.Memory.Fund(signer.Address(), memoryFunding)
		}
		backend, s.Logs = s.Memory, s.Memory
	} else {
		manager, err := r.opts.Pool.Manager(id)
		if err != nil {
			return nil, err
		}
		var recorder connection.Recorder
		if r.opts.Metrics != nil {
			recorder = r.opts.Metrics
		}
		client := connection.NewClient(manager, recorder)
		backend, s.Logs = client, client
	}

	if s.EAS, err = eas.NewClient(backend, contract, netCfg.PollInterval); err != nil {
		return nil, err
	}
	s.Wallet = eas.NewWallet(signer, backend)

	if s.Codec, err = codec.New(netCfg.SchemaString); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeConfiguration, "Invalid schema string", err)
	}

	if netCfg.IndexerURL != "" {
		var recorder indexer.Recorder
		if r.opts.Metrics != nil {
			recorder = r.opts.Metrics
		}
		if s.Indexer, err = indexer.NewClient(netCfg.IndexerURL, netCfg.RequestTimeout, recorder); err != nil {
			return nil, err
		}
	}

	if s.Retriever, err = r.retriever(s); err != nil {
		return nil, err
	}
	s.Flow = r.flow(ctx, s)
	return s, nil
}

func (r *Registry) retriever(s *Session) (*retrieval.Retriever, error) {
	deps := retrieval.Dependencies{
		Chain: s.EAS,
		Codec: s.Codec,
	}
	if s.Indexer != nil {
		deps.Indexer = s.Indexer
	}
	if r.opts.Journal != nil {
		deps.Journal = r.opts.Journal
	}
	if r.opts.Metrics != nil {
		deps.Recorder = r.opts.Metrics
	}
	return retrieval.NewRetriever(retrieval.Config{
		NetworkID: s.NetworkID,
		SchemaUID: s.SchemaUID,
	}, deps)
}

func (r *Registry) flow(ctx context.Context, s *Session) *submission.Flow {
	deps := submission.Dependencies{
		Wallet:   s.Wallet,
		Encoder:  s.Codec,
		Attester: submission.NewChainAttester(s.EAS, s.Wallet),
	}
	if svc, err := r.mediaLocked(ctx); err == nil {
		deps.Uploader = svc
	} else {
		deps.Uploader = unavailableUploader{err: err}
	}
	if r.opts.Journal != nil {
		deps.Journal = r.opts.Journal
	}
	if r.opts.Notifier != nil {
		deps.Notifier = r.opts.Notifier
	}
	if r.opts.Metrics != nil {
		deps.Recorder = r.opts.Metrics
	}

	return submission.NewFlow(submission.Config{
		NetworkID:   s.NetworkID,
		NetworkName: s.Network.Name,
		SchemaUID:   s.SchemaUID,
		Revocable:   r.opts.Config.Wallet.Revocable,
	}, deps)
}

// Networks lists the configured networks
func (r *Registry) Networks() []NetworkInfo {
	active := r.ActiveID()
	ids := r.opts.Config.NetworkIDs()
	out := make([]NetworkInfo, 0, len(ids))
	for _, id := range ids {
		n, err := r.opts.Config.Network(id)
		if err != nil {
			continue
		}
		out = append(out, NetworkInfo{
			ID:              id,
			Name:            n.Name,
			ContractAddress: n.ContractAddress,
			SchemaUID:       n.SchemaUID,
			HasIndexer:      n.IndexerURL != "",
			Active:          id == active,
		})
	}
	return out
}

// Watcher creates a watcher that journals Attested logs of the session's
// schema, resuming from the journal's cursor when one is configured
func (r *Registry) Watcher(s *Session) (*watcher.Watcher, error) {
	wc := r.opts.Config.Watcher
	deps := watcher.Dependencies{
		EAS:     s.EAS,
		Logs:    s.Logs,
		Fetcher: s.Retriever,
	}
	if r.opts.Journal != nil {
		deps.Cursor = r.opts.Journal
	}
	if r.opts.Metrics != nil {
		deps.Recorder = r.opts.Metrics
	}
	return watcher.New(watcher.Config{
		NetworkID:     s.NetworkID,
		Schema:        s.SchemaUID,
		PollInterval:  wc.PollInterval,
		BatchSize:     wc.BatchSize,
		Confirmations: wc.Confirmations,
		StartBlock:    wc.StartBlock,
		Lookback:      wc.Lookback,
	}, deps)
}

// StartWatching runs a watcher for the active network. SetActive moves it
// to the new network until StopWatching.
func (r *Registry) StartWatching(ctx context.Context) error {
	s, err := r.Active(ctx)
	if err != nil {
		return err
	}

	r.watchMu.Lock()
	if r.watching {
		r.watchMu.Unlock()
		return nil
	}
	r.watching, r.watchCtx = true, ctx
	r.watchMu.Unlock()

	return r.rewatch(s)
}

// rewatch replaces the running watcher with one for s
func (r *Registry) rewatch(s *Session) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	if !r.watching {
		return nil
	}
	if r.watcher != nil {
		if err := r.watcher.Stop(); err != nil {
			return err
		}
		r.watcher = nil
	}

	w, err := r.Watcher(s)
	if err != nil {
		return err
	}
	if err := w.Start(r.watchCtx); err != nil {
		return err
	}
	r.watcher = w
	r.logger.WithField("chain_id", s.NetworkID).Info("Watching network")
	return nil
}

// WatcherStats returns the stats of the running watcher, if any
func (r *Registry) WatcherStats() (watcher.Stats, bool) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher == nil {
		return watcher.Stats{}, false
	}
	return r.watcher.GetStats(), true
}

// StopWatching stops the watcher
func (r *Registry) StopWatching() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	r.watching = false
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Stop()
	r.watcher = nil
	return err
}

// Close stops watching and releases the chain connections
func (r *Registry) Close() error {
	if err := r.StopWatching(); err != nil {
		r.logger.WithError(err).Warn("Failed to stop watcher")
	}

	r.mu.Lock()
	r.sessions = make(map[uint64]*Session)
	r.mu.Unlock()
	return r.opts.Pool.Close()
}

func walletSigner(key string) (*eas.Signer, error) {
	if strings.TrimSpace(key) == "" {
		return nil, nil
	}
	return eas.NewSigner(key)
}

// unavailableUploader fails every upload with the pinner construction error
type unavailableUploader struct {
	err error
}

func (u unavailableUploader) Upload(context.Context, media.File) (*models.UploadResult, error) {
	return nil, u.err
}
