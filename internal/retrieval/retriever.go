// Package retrieval fetches, decodes and caches logbook attestations
package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/smartdevs17/eas-logbook/internal/codec"
	"github.com/smartdevs17/eas-logbook/internal/filter"
	"github.com/smartdevs17/eas-logbook/internal/indexer"
	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// ChainReader reads attestations from the contract; *eas.Client satisfies it
type ChainReader interface {
	GetAttestation(ctx context.Context, uid common.Hash) (*models.RawAttestation, error)
}

// Indexer queries indexed attestations; *indexer.Client satisfies it
type Indexer interface {
	Attestation(ctx context.Context, uid string) (*indexer.Attestation, error)
	Attestations(ctx context.Context, q indexer.Query) ([]indexer.Attestation, error)
	Decode(a *indexer.Attestation, schema *codec.Schema) (*models.DecodedEntry, error)
}

// Journal is the local record of attestations
type Journal interface {
	SaveAttestation(ctx context.Context, rec *models.AttestationRecord) error
	ListAttestations(ctx context.Context, f models.AttestationFilter) ([]*models.AttestationRecord, error)
}

// Recorder receives fetch metrics; *metrics.PrometheusMetrics satisfies it
type Recorder interface {
	RecordFetch(source, status string, duration time.Duration)
	RecordCacheLookup(hit bool)
}

// Config binds a retriever to one network and schema
type Config struct {
	NetworkID uint64
	SchemaUID common.Hash
	CacheSize int
}

// Dependencies are the collaborators of a Retriever. At least one of Chain
// and Indexer is required; Journal and Recorder are optional.
type Dependencies struct {
	Chain    ChainReader
	Indexer  Indexer
	Codec    *codec.Codec
	Journal  Journal
	Recorder Recorder
}

// Detail is a decoded attestation ready for the detail view
type Detail struct {
	Decoded   *models.DecodedEntry `json:"decoded"`
	Entry     models.Entry         `json:"entry"`
	Source    string               `json:"source"`
	FetchedAt time.Time            `json:"fetchedAt"`
}

// ListQuery selects entries for the list and map views
type ListQuery struct {
	Attester string
	Limit    int
	Offset   int
	Criteria filter.Criteria
}

// ListResult is a filtered, newest-first page of entries
type ListResult struct {
	Entries []models.Entry `json:"entries"`
	Source  string         `json:"source"`
	Skipped int            `json:"skipped"`
}

// Retriever implements the read path. Decoded results are cached per
// identifier until Refresh; concurrent fetches of one identifier share a
// single request.
type Retriever struct {
	cfg    Config
	deps   Dependencies
	group  singleflight.Group
	tracer trace.Tracer
	logger *logrus.Entry

	mu    sync.RWMutex
	cache map[common.Hash]*Detail
	order []common.Hash
}

// NewRetriever creates a retriever
func NewRetriever(cfg Config, deps Dependencies) (*Retriever, error) {
	if deps.Chain == nil && deps.Indexer == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Retrieval needs a chain reader or an indexer")
	}
	if deps.Codec == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Retrieval needs a schema codec")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	return &Retriever{
		cfg:    cfg,
		deps:   deps,
		tracer: otel.Tracer("github.com/smartdevs17/eas-logbook/internal/retrieval"),
		logger: utils.ComponentLogger("retrieval").WithField("network", cfg.NetworkID),
		cache:  make(map[common.Hash]*Detail),
	}, nil
}

// Fetch returns the decoded attestation uid. The chain is authoritative and
// preferred; the indexer serves when the chain cannot be read.
func (r *Retriever) Fetch(ctx context.Context, uid string) (*Detail, error) {
	id, err := utils.ParseUID(uid)
	if err != nil {
		return nil, err
	}

	if d, ok := r.cached(id); ok {
		r.recordCache(true)
		return d, nil
	}
	r.recordCache(false)

	ch := r.group.DoChan(id.Hex(), func() (interface{}, error) {
		return r.fetch(context.WithoutCancel(ctx), id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Detail), nil
	}
}

// Refresh drops the cached entry for uid and fetches it again
func (r *Retriever) Refresh(ctx context.Context, uid string) (*Detail, error) {
	id, err := utils.ParseUID(uid)
	if err != nil {
		return nil, err
	}
	r.Forget(id)
	return r.Fetch(ctx, uid)
}

// Forget drops the cached entry for id
func (r *Retriever) Forget(id common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[id]; !ok {
		return
	}
	delete(r.cache, id)
	for i, h := range r.order {
		if h == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Cached reports how many decoded attestations are cached
func (r *Retriever) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Retriever) fetch(ctx context.Context, id common.Hash) (*Detail, error) {
	ctx, span := r.tracer.Start(ctx, "retrieval.Fetch", trace.WithAttributes(attribute.String("attestation.uid", id.Hex())))
	defer span.End()

	var chainErr error
	if r.deps.Chain != nil {
		decoded, err := r.fromChain(ctx, id)
		if err == nil {
			return r.store(ctx, id, decoded, models.SourceChain)
		}
		chainErr = err
		if stopsFallback(err) {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		r.logger.WithError(err).WithField("uid", id.Hex()).Warn("Chain read failed, trying indexer")
	}

	if r.deps.Indexer == nil {
		span.SetStatus(codes.Error, chainErr.Error())
		return nil, chainErr
	}

	decoded, err := r.fromIndexer(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return r.store(ctx, id, decoded, models.SourceIndexer)
}

func (r *Retriever) fromChain(ctx context.Context, id common.Hash) (*models.DecodedEntry, error) {
	start := time.Now()
	raw, err := r.deps.Chain.GetAttestation(ctx, id)
	if err != nil {
		r.recordFetch(models.SourceChain, statusOf(err), start)
		return nil, err
	}
	if r.cfg.SchemaUID != (common.Hash{}) && raw.Schema != r.cfg.SchemaUID {
		r.recordFetch(models.SourceChain, "schema_mismatch", start)
		return nil, &codec.DecodingError{Kind: codec.KindSchemaMismatch,
			Reason: "attestation " + id.Hex() + " uses schema " + raw.Schema.Hex()}
	}
	decoded, err := r.deps.Codec.DecodeAttestation(raw)
	if err != nil {
		r.recordFetch(models.SourceChain, "decode_error", start)
		return nil, err
	}
	r.recordFetch(models.SourceChain, "success", start)
	return decoded, nil
}

func (r *Retriever) fromIndexer(ctx context.Context, id common.Hash) (*models.DecodedEntry, error) {
	start := time.Now()
	a, err := r.deps.Indexer.Attestation(ctx, id.Hex())
	if err != nil {
		r.recordFetch(models.SourceIndexer, statusOf(err), start)
		return nil, err
	}
	decoded, err := r.deps.Indexer.Decode(a, r.deps.Codec.Schema())
	if err != nil {
		r.recordFetch(models.SourceIndexer, "decode_error", start)
		return nil, err
	}
	r.recordFetch(models.SourceIndexer, "success", start)
	return decoded, nil
}

func (r *Retriever) store(ctx context.Context, id common.Hash, decoded *models.DecodedEntry, source string) (*Detail, error) {
	decoded.Source = source
	entry, err := models.EntryFromDecoded(decoded)
	if err != nil {
		return nil, &codec.DecodingError{Kind: codec.KindSchemaMismatch, Reason: "attestation is not a logbook entry", Err: err}
	}

	d := &Detail{Decoded: decoded, Entry: entry, Source: source, FetchedAt: time.Now().UTC()}

	r.mu.Lock()
	if _, ok := r.cache[id]; !ok {
		r.order = append(r.order, id)
	}
	r.cache[id] = d
	for len(r.order) > r.cfg.CacheSize {
		delete(r.cache, r.order[0])
		r.order = r.order[1:]
	}
	r.mu.Unlock()

	if r.deps.Journal != nil {
		rec := models.RecordFromEntry(r.cfg.NetworkID, decoded.Schema, entry, source)
		if err := r.deps.Journal.SaveAttestation(ctx, rec); err != nil {
			r.logger.WithError(err).WithField("uid", id.Hex()).Warn("Failed to journal attestation")
		}
	}
	return d, nil
}

func (r *Retriever) cached(id common.Hash) (*Detail, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.cache[id]
	return d, ok
}

// List queries the indexer for entries of the configured schema, applies the
// criteria and sorts newest first. When the indexer cannot be reached the
// local journal is used instead; access errors are returned as they are.
func (r *Retriever) List(ctx context.Context, q ListQuery) (*ListResult, error) {
	ctx, span := r.tracer.Start(ctx, "retrieval.List")
	defer span.End()

	var (
		entries []models.Entry
		skipped int
		source  = models.SourceIndexer
		err     error
	)

	if r.deps.Indexer != nil {
		entries, skipped, err = r.listIndexer(ctx, q)
	} else {
		err = utils.NewAppError(utils.ErrCodeConfiguration, "No indexer configured")
	}

	if err != nil {
		if utils.IsCode(err, utils.ErrCodeAccess) || r.deps.Journal == nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		r.logger.WithError(err).Warn("Indexer unavailable, listing from journal")
		source = models.SourceJournal
		entries, err = r.listJournal(ctx, q)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	entries = filter.Apply(entries, q.Criteria)
	filter.SortNewestFirst(entries)
	span.SetAttributes(attribute.Int("entries", len(entries)), attribute.String("source", source))

	return &ListResult{Entries: entries, Source: source, Skipped: skipped}, nil
}

func (r *Retriever) listIndexer(ctx context.Context, q ListQuery) ([]models.Entry, int, error) {
	start := time.Now()
	query := indexer.Query{Attester: q.Attester, Limit: q.Limit, Offset: q.Offset}
	if r.cfg.SchemaUID != (common.Hash{}) {
		query.SchemaID = r.cfg.SchemaUID.Hex()
	}

	items, err := r.deps.Indexer.Attestations(ctx, query)
	if err != nil {
		r.recordFetch(models.SourceIndexer, statusOf(err), start)
		return nil, 0, err
	}
	r.recordFetch(models.SourceIndexer, "success", start)

	entries := make([]models.Entry, 0, len(items))
	skipped := 0
	for i := range items {
		decoded, err := r.deps.Indexer.Decode(&items[i], r.deps.Codec.Schema())
		if err != nil {
			skipped++
			r.logger.WithError(err).WithField("uid", items[i].ID).Debug("Skipping undecodable attestation")
			continue
		}
		entry, err := models.EntryFromDecoded(decoded)
		if err != nil {
			skipped++
			continue
		}
		entries = append(entries, entry)
	}
	return entries, skipped, nil
}

func (r *Retriever) listJournal(ctx context.Context, q ListQuery) ([]models.Entry, error) {
	start := time.Now()
	networkID := r.cfg.NetworkID
	f := models.AttestationFilter{NetworkID: &networkID, Limit: q.Limit, Offset: q.Offset}
	if q.Attester != "" {
		attester := q.Attester
		f.Attester = &attester
	}

	records, err := r.deps.Journal.ListAttestations(ctx, f)
	if err != nil {
		r.recordFetch(models.SourceJournal, "error", start)
		return nil, err
	}
	r.recordFetch(models.SourceJournal, "success", start)

	entries := make([]models.Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, rec.Entry())
	}
	return entries, nil
}

func (r *Retriever) recordFetch(source, status string, start time.Time) {
	if r.deps.Recorder != nil {
		r.deps.Recorder.RecordFetch(source, status, time.Since(start))
	}
}

func (r *Retriever) recordCache(hit bool) {
	if r.deps.Recorder != nil {
		r.deps.Recorder.RecordCacheLookup(hit)
	}
}

// stopsFallback reports whether a chain error is final. A missing attestation
// is missing everywhere and access errors need external action.
func stopsFallback(err error) bool {
	switch utils.ErrorCode(err) {
	case utils.ErrCodeNotFound, utils.ErrCodeAccess:
		return true
	}
	var decErr *codec.DecodingError
	return errors.As(err, &decErr)
}

func statusOf(err error) string {
	code := utils.ErrorCode(err)
	if code == "" {
		return "error"
	}
	return strings.ToLower(strings.TrimSuffix(code, "_ERROR"))
}
