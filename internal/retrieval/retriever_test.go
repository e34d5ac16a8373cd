package retrieval

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/eas-logbook/internal/codec"
	"github.com/smartdevs17/eas-logbook/internal/filter"
	"github.com/smartdevs17/eas-logbook/internal/indexer"
	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

var (
	testSchema   = common.HexToHash("0x6e0109ece55132d0ee54ae63837b21f666fc3d44c55659fd8030f6c1825c8966")
	testAttester = common.HexToAddress("0x2222222222222222222222222222222222222222")
	uidA         = common.HexToHash("0xa1")
	uidB         = common.HexToHash("0xb2")
)

type fakeChain struct {
	mu      sync.Mutex
	records map[common.Hash]*models.RawAttestation
	err     error
	gate    chan struct{}
	calls   int32
}

func (c *fakeChain) GetAttestation(ctx context.Context, uid common.Hash) (*models.RawAttestation, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.records[uid]
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Attestation not found", uid.Hex())
	}
	return raw, nil
}

type fakeIndexer struct {
	decoded map[string]*models.DecodedEntry
	list    []indexer.Attestation
	err     error
	calls   int32
}

func (i *fakeIndexer) Attestation(ctx context.Context, uid string) (*indexer.Attestation, error) {
	atomic.AddInt32(&i.calls, 1)
	if i.err != nil {
		return nil, i.err
	}
	if _, ok := i.decoded[uid]; !ok {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Attestation not indexed yet", uid)
	}
	return &indexer.Attestation{ID: uid, SchemaID: testSchema.Hex()}, nil
}

func (i *fakeIndexer) Attestations(ctx context.Context, q indexer.Query) ([]indexer.Attestation, error) {
	atomic.AddInt32(&i.calls, 1)
	if i.err != nil {
		return nil, i.err
	}
	return i.list, nil
}

func (i *fakeIndexer) Decode(a *indexer.Attestation, schema *codec.Schema) (*models.DecodedEntry, error) {
	d, ok := i.decoded[a.ID]
	if !ok {
		return nil, &codec.DecodingError{Kind: codec.KindSchemaMismatch, Reason: "unknown schema"}
	}
	copied := *d
	return &copied, nil
}

type memoryJournal struct {
	mu      sync.Mutex
	records []*models.AttestationRecord
}

func (j *memoryJournal) SaveAttestation(ctx context.Context, rec *models.AttestationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *memoryJournal) ListAttestations(ctx context.Context, f models.AttestationFilter) ([]*models.AttestationRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*models.AttestationRecord, 0, len(j.records))
	for _, r := range j.records {
		if f.NetworkID != nil && r.NetworkID != *f.NetworkID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func newCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c, err := codec.New(models.DefaultSchemaString)
	require.NoError(t, err)
	return c
}

func rawEntry(t *testing.T, c *codec.Codec, uid common.Hash, memo string, ts int64) *models.RawAttestation {
	t.Helper()
	data, err := c.EncodeEntry(&models.LogEntry{Longitude: 8.6821, Latitude: 50.1109, EventTimestamp: ts, Memo: memo})
	require.NoError(t, err)
	return &models.RawAttestation{
		UID:       uid,
		Schema:    testSchema,
		Time:      uint64(ts + 60),
		Attester:  testAttester,
		Revocable: true,
		Data:      data,
	}
}

func decodedEntry(t *testing.T, c *codec.Codec, uid common.Hash, memo string, ts int64) *models.DecodedEntry {
	t.Helper()
	d, err := c.DecodeAttestation(rawEntry(t, c, uid, memo, ts))
	require.NoError(t, err)
	d.Source = models.SourceIndexer
	return d
}

func newRetriever(t *testing.T, chain ChainReader, idx Indexer, journal Journal) *Retriever {
	t.Helper()
	deps := Dependencies{Codec: newCodec(t), Chain: chain, Indexer: idx}
	if journal != nil {
		deps.Journal = journal
	}
	r, err := NewRetriever(Config{NetworkID: 11155111, SchemaUID: testSchema}, deps)
	require.NoError(t, err, "Failed to create retriever")
	return r
}

func TestFetchPrefersChain(t *testing.T) {
	c := newCodec(t)
	chain := &fakeChain{records: map[common.Hash]*models.RawAttestation{uidA: rawEntry(t, c, uidA, "Saw a heron", 1704902400)}}
	idx := &fakeIndexer{decoded: map[string]*models.DecodedEntry{uidA.Hex(): decodedEntry(t, c, uidA, "Saw a heron", 1704902400)}}
	journal := &memoryJournal{}
	r := newRetriever(t, chain, idx, journal)

	d, err := r.Fetch(context.Background(), uidA.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.SourceChain, d.Source)
	assert.Equal(t, "Saw a heron", d.Entry.Memo)
	assert.Equal(t, "8.6821, 50.1109", d.Entry.Location)
	assert.Zero(t, atomic.LoadInt32(&idx.calls), "indexer not consulted for detail")

	ts, err := d.Decoded.Uint(models.FieldEventTimestamp)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1704902400), ts)

	require.Len(t, journal.records, 1)
	assert.Equal(t, models.SourceChain, journal.records[0].Source)
}

func TestFetchCachesUntilRefresh(t *testing.T) {
	c := newCodec(t)
	chain := &fakeChain{records: map[common.Hash]*models.RawAttestation{uidA: rawEntry(t, c, uidA, "first", 1704902400)}}
	r := newRetriever(t, chain, nil, nil)

	_, err := r.Fetch(context.Background(), uidA.Hex())
	require.NoError(t, err)
	_, err = r.Fetch(context.Background(), uidA.Hex())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&chain.calls))
	assert.Equal(t, 1, r.Cached())

	chain.mu.Lock()
	chain.records[uidA] = rawEntry(t, c, uidA, "second", 1704902400)
	chain.mu.Unlock()

	d, err := r.Refresh(context.Background(), uidA.Hex())
	require.NoError(t, err)
	assert.Equal(t, "second", d.Entry.Memo)
	assert.EqualValues(t, 2, atomic.LoadInt32(&chain.calls))
}

func TestConcurrentFetchesShareOneRequest(t *testing.T) {
	c := newCodec(t)
	chain := &fakeChain{
		records: map[common.Hash]*models.RawAttestation{uidA: rawEntry(t, c, uidA, "heron", 1704902400)},
		gate:    make(chan struct{}),
	}
	r := newRetriever(t, chain, nil, nil)

	var wg sync.WaitGroup
	results := make([]*Detail, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.Fetch(context.Background(), uidA.Hex())
			assert.NoError(t, err)
			results[i] = d
		}(i)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&chain.calls) >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(chain.gate)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&chain.calls))
	for _, d := range results {
		assert.Same(t, results[0], d)
	}
}

func TestFetchFallsBackToIndexer(t *testing.T) {
	c := newCodec(t)
	chain := &fakeChain{err: utils.NewAppError(utils.ErrCodeConnection, "All RPC endpoints failed")}
	idx := &fakeIndexer{decoded: map[string]*models.DecodedEntry{uidA.Hex(): decodedEntry(t, c, uidA, "heron", 1704902400)}}
	r := newRetriever(t, chain, idx, nil)

	d, err := r.Fetch(context.Background(), uidA.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.SourceIndexer, d.Source)
	assert.Equal(t, StatusReady, Classify(err))
}

func TestFetchNotFoundIsPending(t *testing.T) {
	chain := &fakeChain{records: map[common.Hash]*models.RawAttestation{}}
	idx := &fakeIndexer{}
	r := newRetriever(t, chain, idx, nil)

	_, err := r.Fetch(context.Background(), uidB.Hex())
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))
	assert.Equal(t, StatusPending, Classify(err))
	assert.Zero(t, atomic.LoadInt32(&idx.calls))
	assert.Zero(t, r.Cached(), "misses are not cached")
}

func TestFetchAccessDenied(t *testing.T) {
	chain := &fakeChain{err: errors.New("dial tcp: connection refused")}
	idx := &fakeIndexer{err: utils.NewAppError(utils.ErrCodeAccess, "Indexer denied access")}
	r := newRetriever(t, chain, idx, nil)

	_, err := r.Fetch(context.Background(), uidA.Hex())
	require.Error(t, err)
	assert.Equal(t, StatusAccessDenied, Classify(err))
}

func TestFetchRejectsInvalidIdentifier(t *testing.T) {
	r := newRetriever(t, &fakeChain{}, nil, nil)
	_, err := r.Fetch(context.Background(), "0x1234")
	require.Error(t, err)
	assert.Equal(t, StatusInvalid, Classify(err))
}

func TestListFiltersAndSorts(t *testing.T) {
	c := newCodec(t)
	older := decodedEntry(t, c, uidA, "Saw a heron", 1704902400)
	newer := decodedEntry(t, c, uidB, "Heron again", 1704988800)
	idx := &fakeIndexer{
		decoded: map[string]*models.DecodedEntry{uidA.Hex(): older, uidB.Hex(): newer},
		list: []indexer.Attestation{
			{ID: uidA.Hex()}, {ID: uidB.Hex()}, {ID: "0xother"},
		},
	}
	r := newRetriever(t, nil, idx, nil)

	res, err := r.List(context.Background(), ListQuery{Criteria: filter.Criteria{Keywords: "heron", Location: time.UTC}})
	require.NoError(t, err)
	assert.Equal(t, models.SourceIndexer, res.Source)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, uidB.Hex(), res.Entries[0].UID, "newest first")

	res, err = r.List(context.Background(), ListQuery{Criteria: filter.Criteria{Keywords: "again"}})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "Heron again", res.Entries[0].Memo)
}

func TestListFallsBackToJournal(t *testing.T) {
	journal := &memoryJournal{}
	require.NoError(t, journal.SaveAttestation(context.Background(), &models.AttestationRecord{
		UID: uidA.Hex(), NetworkID: 11155111, Memo: "journaled", EventTimestamp: 1704902400,
		MediaType: []string{}, MediaData: []string{},
	}))

	idx := &fakeIndexer{err: utils.NewAppError(utils.ErrCodeConnection, "Indexer unreachable")}
	r := newRetriever(t, nil, idx, journal)

	res, err := r.List(context.Background(), ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, models.SourceJournal, res.Source)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "journaled", res.Entries[0].Memo)

	idx.err = utils.NewAppError(utils.ErrCodeAccess, "Indexer denied access")
	_, err = r.List(context.Background(), ListQuery{})
	require.Error(t, err)
	assert.Equal(t, StatusAccessDenied, Classify(err))
}
