package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/eas-logbook/internal/codec"
	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/internal/eas"
	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/internal/retrieval"
	"github.com/smartdevs17/eas-logbook/internal/storage"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

var (
	testContract = common.HexToAddress("0xC2679fBD37d54388Ce493F1DB75320D236e1815e")
	logbookUID   = common.HexToHash("0x6e0109ece55132d0ee54ae63837b21f666fc3d44c55659fd8030f6c1825c8966")
	otherUID     = common.HexToHash("0x01")
)

type chain struct {
	backend *eas.MemoryBackend
	client  *eas.Client
	signer  *eas.Signer
	codec   *codec.Codec
}

func newChain(t *testing.T) *chain {
	t.Helper()
	backend := eas.NewMemoryBackend(config.SepoliaChainID, testContract)
	client, err := eas.NewClient(backend, testContract, time.Millisecond)
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c, err := codec.New(models.DefaultSchemaString)
	require.NoError(t, err)
	return &chain{backend: backend, client: client, signer: eas.NewSignerFromKey(key), codec: c}
}

func (c *chain) attest(t *testing.T, schema common.Hash, memo string) common.Hash {
	t.Helper()
	data, err := c.codec.EncodeEntry(&models.LogEntry{Longitude: 13.405, Latitude: 52.52, EventTimestamp: 1704902400, Memo: memo})
	require.NoError(t, err)

	pending, err := c.client.Attest(context.Background(), c.signer, eas.AttestationRequest{Schema: schema, Revocable: true, Data: data})
	require.NoError(t, err)
	ev, err := pending.Wait(context.Background())
	require.NoError(t, err)
	return ev.UID
}

func newJournal(t *testing.T) storage.Storage {
	t.Helper()
	st, err := storage.NewStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "logbook.db"),
		MaxConnections:   1,
	})
	require.NoError(t, err)
	require.NoError(t, st.Connect())
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })
	return st
}

func newRetriever(t *testing.T, c *chain, journal storage.Storage) *retrieval.Retriever {
	t.Helper()
	retriever, err := retrieval.NewRetriever(
		retrieval.Config{NetworkID: config.SepoliaChainID, SchemaUID: logbookUID},
		retrieval.Dependencies{Chain: c.client, Codec: c.codec, Journal: journal},
	)
	require.NoError(t, err)
	return retriever
}

func newWatcherWith(t *testing.T, c *chain, journal storage.Storage, fetcher Fetcher, cfg Config) *Watcher {
	t.Helper()
	cfg.NetworkID = config.SepoliaChainID
	cfg.Schema = logbookUID
	w, err := New(cfg, Dependencies{EAS: c.client, Logs: c.backend, Fetcher: fetcher, Cursor: journal})
	require.NoError(t, err)
	return w
}

func newWatcher(t *testing.T, c *chain, journal storage.Storage, cfg Config) *Watcher {
	t.Helper()
	return newWatcherWith(t, c, journal, newRetriever(t, c, journal), cfg)
}

// scriptedFetcher returns the queued errors first, then delegates
type scriptedFetcher struct {
	next   Fetcher
	errors []error
	calls  int
}

func (f *scriptedFetcher) Fetch(ctx context.Context, uid string) (*retrieval.Detail, error) {
	f.calls++
	if len(f.errors) > 0 {
		err := f.errors[0]
		f.errors = f.errors[1:]
		return nil, err
	}
	return f.next.Fetch(ctx, uid)
}

func cursorOf(t *testing.T, journal storage.Storage) uint64 {
	t.Helper()
	block, ok, err := journal.GetWatcherBlock(context.Background(), config.SepoliaChainID)
	require.NoError(t, err)
	require.True(t, ok)
	return block
}

func TestPollJournalsSchemaAttestations(t *testing.T) {
	c := newChain(t)
	journal := newJournal(t)
	ctx := context.Background()

	first := c.attest(t, logbookUID, "Brandenburg Gate") // block 1
	c.attest(t, otherUID, "not a logbook entry")         // block 2
	second := c.attest(t, logbookUID, "Museum Island")   // block 3

	w := newWatcher(t, c, journal, Config{Confirmations: 1})

	result, err := w.Poll(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.EqualValues(t, 0, result.FromBlock)
	assert.EqualValues(t, 2, result.ToBlock)
	assert.Equal(t, 1, result.Events)
	assert.Equal(t, 1, result.Journaled)

	// Block 3 is not confirmed yet
	result, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Nil(t, result)

	c.attest(t, otherUID, "confirms block 3") // block 4
	result, err = w.Poll(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.EqualValues(t, 3, result.FromBlock)
	assert.Equal(t, 1, result.Journaled)

	for _, uid := range []common.Hash{first, second} {
		rec, err := journal.GetAttestation(ctx, config.SepoliaChainID, uid.Hex())
		require.NoError(t, err)
		assert.Equal(t, models.SourceChain, rec.Source)
	}

	block, ok, err := journal.GetWatcherBlock(ctx, config.SepoliaChainID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 3, block)

	stats := w.GetStats()
	assert.EqualValues(t, 2, stats.EventsJournaled)
	assert.EqualValues(t, 4, stats.BlocksScanned)
	t.Logf("✓ Watcher journaled %d attestations", stats.EventsJournaled)
}

func TestPollRetriesTransientFetchFailures(t *testing.T) {
	c := newChain(t)
	journal := newJournal(t)
	ctx := context.Background()

	first := c.attest(t, logbookUID, "Alexanderplatz") // block 1
	second := c.attest(t, logbookUID, "Tiergarten")    // block 2

	unreachable := utils.NewAppError(utils.ErrCodeConnection, "indexer unreachable")
	fetcher := &scriptedFetcher{next: newRetriever(t, c, journal), errors: []error{unreachable, unreachable}}
	w := newWatcherWith(t, c, journal, fetcher, Config{})

	// First failure: nothing below block 1 is lost, the cursor stops at 0
	result, err := w.Poll(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 0, result.Journaled)
	assert.Equal(t, 2, result.Deferred)
	assert.EqualValues(t, 0, cursorOf(t, journal))

	// Second failure on the first block of the range keeps the cursor in place
	result, err = w.Poll(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.EqualValues(t, 1, result.FromBlock)
	assert.Equal(t, 2, result.Deferred)
	assert.EqualValues(t, 0, cursorOf(t, journal))

	result, err = w.Poll(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.EqualValues(t, 1, result.FromBlock)
	assert.Equal(t, 2, result.Journaled)
	assert.Equal(t, 0, result.Deferred)
	assert.EqualValues(t, 2, cursorOf(t, journal))

	result, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Nil(t, result)

	for _, uid := range []common.Hash{first, second} {
		_, err := journal.GetAttestation(ctx, config.SepoliaChainID, uid.Hex())
		require.NoError(t, err)
	}
	stats := w.GetStats()
	assert.EqualValues(t, 2, stats.EventsJournaled)
	assert.EqualValues(t, 2, stats.ErrorCount)
	t.Logf("✓ Deferred attestations journaled after %d fetches", fetcher.calls)
}

func TestPollSkipsPermanentFailures(t *testing.T) {
	c := newChain(t)
	journal := newJournal(t)
	ctx := context.Background()

	c.attest(t, logbookUID, "undecodable")
	kept := c.attest(t, logbookUID, "fine")

	fetcher := &scriptedFetcher{
		next:   newRetriever(t, c, journal),
		errors: []error{utils.NewAppError(utils.ErrCodeValidation, "Invalid identifier")},
	}
	w := newWatcherWith(t, c, journal, fetcher, Config{})

	result, err := w.Poll(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Journaled)
	assert.Equal(t, 0, result.Deferred)
	assert.EqualValues(t, 2, cursorOf(t, journal))

	_, err = journal.GetAttestation(ctx, config.SepoliaChainID, kept.Hex())
	require.NoError(t, err)
	assert.EqualValues(t, 1, w.GetStats().EventsFailed)
}

func TestPollResumesFromCursor(t *testing.T) {
	c := newChain(t)
	journal := newJournal(t)
	ctx := context.Background()

	c.attest(t, logbookUID, "one")
	c.attest(t, logbookUID, "two")
	require.NoError(t, journal.SetWatcherBlock(ctx, config.SepoliaChainID, 1))

	w := newWatcher(t, c, journal, Config{})
	result, err := w.Poll(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.EqualValues(t, 2, result.FromBlock)
	assert.Equal(t, 1, result.Events)
}

func TestPollBatchesAndLookback(t *testing.T) {
	c := newChain(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.attest(t, logbookUID, "entry")
	}

	retriever, err := retrieval.NewRetriever(retrieval.Config{NetworkID: config.SepoliaChainID}, retrieval.Dependencies{Chain: c.client, Codec: c.codec})
	require.NoError(t, err)
	w, err := New(Config{NetworkID: config.SepoliaChainID, Schema: logbookUID, BatchSize: 2, Lookback: 3},
		Dependencies{EAS: c.client, Logs: c.backend, Fetcher: retriever})
	require.NoError(t, err)

	var ranges [][2]uint64
	for {
		result, err := w.Poll(ctx)
		require.NoError(t, err)
		if result == nil {
			break
		}
		ranges = append(ranges, [2]uint64{result.FromBlock, result.ToBlock})
	}
	assert.Equal(t, [][2]uint64{{3, 4}, {5, 5}}, ranges)
}

type failingLogs struct{ eas.LogBackend }

func (failingLogs) LatestBlockNumber(context.Context) (uint64, error) {
	return 0, errors.New("node down")
}

func TestPollRecordsErrors(t *testing.T) {
	c := newChain(t)
	retriever, err := retrieval.NewRetriever(retrieval.Config{}, retrieval.Dependencies{Chain: c.client, Codec: c.codec})
	require.NoError(t, err)

	w, err := New(Config{}, Dependencies{EAS: c.client, Logs: failingLogs{}, Fetcher: retriever})
	require.NoError(t, err)

	_, err = w.Poll(context.Background())
	require.Error(t, err)
	stats := w.GetStats()
	assert.EqualValues(t, 1, stats.ErrorCount)
	require.NotNil(t, stats.LastError)
	assert.Contains(t, *stats.LastError, "latest block")
}

func TestStartStop(t *testing.T) {
	c := newChain(t)
	journal := newJournal(t)
	uid := c.attest(t, logbookUID, "loop")

	w := newWatcher(t, c, journal, Config{PollInterval: 5 * time.Millisecond})
	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, err := journal.GetAttestation(context.Background(), config.SepoliaChainID, uid.Hex())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())
}

func TestRestartAfterStop(t *testing.T) {
	c := newChain(t)
	journal := newJournal(t)
	ctx := context.Background()

	w := newWatcher(t, c, journal, Config{PollInterval: 5 * time.Millisecond})
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Stop())

	uid := c.attest(t, logbookUID, "after restart")
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, err := journal.GetAttestation(ctx, config.SepoliaChainID, uid.Hex())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, w.GetStats().IsRunning)
	t.Logf("✓ Watcher resumed polling after restart")
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Dependencies{})
	assert.Error(t, err)
}
