package submission

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/eas-logbook/internal/codec"
	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/internal/eas"
	"github.com/smartdevs17/eas-logbook/internal/media"
	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

const testChainID = 11155111

var (
	testContract = common.HexToAddress("0xC2679fBD37d54388Ce493F1DB75320D236e1815e")
	testSchema   = common.HexToHash("0x6e0109ece55132d0ee54ae63837b21f666fc3d44c55659fd8030f6c1825c8966")
	pngHeader    = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
)

type harness struct {
	backend  *eas.MemoryBackend
	client   *eas.Client
	wallet   *eas.Wallet
	pinner   *media.MemoryPinner
	uploader *countingUploader
	codec    *codec.Codec
	journal  *recordingJournal
	notifier *recordingNotifier
	flow     *Flow

	mu          sync.Mutex
	transitions []Transition
}

type countingUploader struct {
	inner Uploader
	calls int32
}

func (u *countingUploader) Upload(ctx context.Context, f media.File) (*models.UploadResult, error) {
	atomic.AddInt32(&u.calls, 1)
	return u.inner.Upload(ctx, f)
}

type recordingJournal struct {
	records []*models.AttestationRecord
}

func (j *recordingJournal) SaveAttestation(ctx context.Context, rec *models.AttestationRecord) error {
	j.records = append(j.records, rec)
	return nil
}

type recordingNotifier struct {
	records []*models.AttestationRecord
}

func (n *recordingNotifier) NotifyRecorded(ctx context.Context, rec *models.AttestationRecord) error {
	n.records = append(n.records, rec)
	return nil
}

func newHarness(t *testing.T, funded bool) *harness {
	t.Helper()

	h := &harness{}
	h.backend = eas.NewMemoryBackend(testChainID, testContract)
	client, err := eas.NewClient(h.backend, testContract, time.Millisecond)
	require.NoError(t, err, "Failed to create EAS client")
	h.client = client

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := eas.NewSignerFromKey(key)
	if funded {
		h.backend.Fund(signer.Address(), big.NewInt(1e18))
	}
	h.wallet = eas.NewWallet(signer, h.backend)

	h.pinner = media.NewMemoryPinner("memory://")
	svc := media.NewService(config.UploadConfig{
		MaxFileSize:  10 * 1024 * 1024,
		AllowedTypes: []string{"image/jpeg", "image/png", "image/gif"},
	}, h.pinner, nil, nil)
	h.uploader = &countingUploader{inner: svc}

	h.codec, err = codec.New(models.DefaultSchemaString)
	require.NoError(t, err)

	h.journal = &recordingJournal{}
	h.notifier = &recordingNotifier{}
	h.flow = NewFlow(Config{
		NetworkID:   testChainID,
		NetworkName: "sepolia",
		SchemaUID:   testSchema,
		Revocable:   true,
	}, Dependencies{
		Wallet:   h.wallet,
		Uploader: h.uploader,
		Encoder:  h.codec,
		Attester: NewChainAttester(h.client, h.wallet),
		Journal:  h.journal,
		Notifier: h.notifier,
	})
	h.flow.OnTransition(func(tr Transition) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.transitions = append(h.transitions, tr)
	})
	return h
}

func (h *harness) states() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]State, 0, len(h.transitions))
	for _, tr := range h.transitions {
		out = append(out, tr.To)
	}
	return out
}

func sampleDraft() Draft {
	return Draft{
		Entry: models.LogEntry{
			Longitude:      -74.006,
			Latitude:       40.7128,
			EventTimestamp: 1704902400,
			Memo:           "Saw a heron",
		},
	}
}

func TestSubmitWithAttachment(t *testing.T) {
	h := newHarness(t, true)

	draft := sampleDraft()
	draft.Attachment = &media.File{Name: "heron.png", ContentType: "image/png", Data: pngHeader}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := h.flow.Submit(ctx, draft)
	require.NoError(t, err, "Submission should succeed")
	assert.Equal(t, Succeeded, h.flow.State())
	assert.False(t, h.flow.Busy())
	assert.Equal(t, []State{Validating, UploadingMedia, Encoding, Submitting, AwaitingConfirmation, Succeeded}, h.states())

	require.NotNil(t, result.Upload)
	assert.Equal(t, []string{"image/png"}, result.Entry.MediaType)
	assert.Equal(t, []string{result.Upload.ContentIdentifier}, result.Entry.MediaData)
	assert.Empty(t, draft.Entry.MediaData, "draft must not be mutated")

	raw, err := h.client.GetAttestation(ctx, result.UID)
	require.NoError(t, err)
	decoded, err := h.codec.DecodeAttestation(raw)
	require.NoError(t, err)
	entry, err := models.EntryFromDecoded(decoded)
	require.NoError(t, err)
	assert.Equal(t, "Saw a heron", entry.Memo)
	assert.Equal(t, "-74.006, 40.7128", entry.Location)
	assert.Equal(t, []string{result.Upload.ContentIdentifier}, entry.MediaData)
	assert.Equal(t, h.wallet.Address().Hex(), entry.Attester)

	require.Len(t, h.journal.records, 1)
	assert.Equal(t, result.UID.Hex(), h.journal.records[0].UID)
	assert.Equal(t, models.SourceSubmission, h.journal.records[0].Source)
	require.Len(t, h.notifier.records, 1)

	t.Logf("✓ Attested %s in block %d", result.UID.Hex(), result.Block)
}

type countingWallet struct {
	connected bool
	balance   *big.Int
	calls     int32
}

func (w *countingWallet) Connected() bool        { return w.connected }
func (w *countingWallet) Address() common.Address { return common.HexToAddress("0x01") }
func (w *countingWallet) GasBalance(ctx context.Context) (*big.Int, error) {
	atomic.AddInt32(&w.calls, 1)
	return w.balance, nil
}

func TestSubmitWithoutWalletFailsImmediately(t *testing.T) {
	h := newHarness(t, true)
	wallet := &countingWallet{}
	h.flow.deps.Wallet = wallet

	draft := sampleDraft()
	draft.Attachment = &media.File{Name: "heron.png", ContentType: "image/png", Data: pngHeader}

	_, err := h.flow.Submit(context.Background(), draft)
	require.Error(t, err)
	assert.Equal(t, Failed, h.flow.State())
	assert.Equal(t, []State{Failed}, h.states(), "no intermediate states")
	assert.Contains(t, h.flow.LastError(), "connection is required")

	assert.Zero(t, atomic.LoadInt32(&wallet.calls), "balance must not be queried")
	assert.Zero(t, atomic.LoadInt32(&h.uploader.calls))
	assert.Zero(t, h.backend.Sent)
	assert.Zero(t, h.pinner.Count())
}

func TestSubmitWithoutGasFailsFast(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.flow.Submit(context.Background(), sampleDraft())
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
	assert.Equal(t, "Insufficient gas balance to submit an attestation", h.flow.LastError())
	assert.Equal(t, []State{Validating, Failed}, h.states())
	assert.Zero(t, h.backend.Sent)
}

func TestSubmitRejectsUnpairedMedia(t *testing.T) {
	h := newHarness(t, true)

	draft := sampleDraft()
	draft.Entry.MediaType = []string{"image/png", "image/gif"}
	draft.Entry.MediaData = []string{"bafy1"}

	_, err := h.flow.Submit(context.Background(), draft)
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
	assert.Equal(t, Failed, h.flow.State())
	assert.Zero(t, h.backend.Sent)
}

func TestUploadErrorSurfacedVerbatim(t *testing.T) {
	h := newHarness(t, true)

	draft := sampleDraft()
	draft.Attachment = &media.File{Name: "archive.zip", ContentType: "application/zip", Data: []byte("PK\x03\x04")}

	_, err := h.flow.Submit(context.Background(), draft)
	require.Error(t, err)
	assert.Equal(t, "Invalid file type. Only JPEG, PNG and GIF are allowed", h.flow.LastError())
	assert.Equal(t, []State{Validating, UploadingMedia, Failed}, h.states())
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.uploader.calls), "upload is attempted once")
}

func TestRetryReusesContentIdentifier(t *testing.T) {
	h := newHarness(t, true)
	h.backend.SendErr = errors.New("insufficient funds for gas * price + value")

	draft := sampleDraft()
	draft.Attachment = &media.File{Name: "heron.png", ContentType: "image/png", Data: pngHeader}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.flow.Submit(ctx, draft)
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeSubmission))
	assert.Equal(t, Failed, h.flow.State())

	h.backend.SendErr = nil
	result, err := h.flow.Submit(ctx, draft)
	require.NoError(t, err, "Retry should succeed")
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.uploader.calls), "attachment uploaded only once")
	assert.Equal(t, 1, h.pinner.Count())
	assert.NotEmpty(t, result.Upload.ContentIdentifier)
}

type blockingAttester struct {
	started chan struct{}
	release chan struct{}
}

func (a *blockingAttester) Attest(ctx context.Context, req eas.AttestationRequest) (Pending, error) {
	close(a.started)
	select {
	case <-a.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, errors.New("node unavailable")
}

func TestConcurrentSubmitRejected(t *testing.T) {
	h := newHarness(t, true)
	attester := &blockingAttester{started: make(chan struct{}), release: make(chan struct{})}
	h.flow.deps.Attester = attester

	done := make(chan error, 1)
	go func() {
		_, err := h.flow.Submit(context.Background(), sampleDraft())
		done <- err
	}()

	<-attester.started
	assert.True(t, h.flow.Busy(), "submit control is disabled while in flight")
	assert.True(t, h.flow.State().InFlight())

	_, err := h.flow.Submit(context.Background(), sampleDraft())
	assert.ErrorIs(t, err, ErrSubmissionInFlight)

	close(attester.release)
	require.Error(t, <-done)
	assert.False(t, h.flow.Busy())
	assert.Equal(t, Failed, h.flow.State())
}

type brokenEncoder struct{}

func (brokenEncoder) EncodeEntry(entry *models.LogEntry) ([]byte, error) {
	return nil, &codec.EncodingError{Kind: codec.KindSchemaMismatch, Field: "coordinates", Reason: "no value"}
}

func TestEncodingErrorFails(t *testing.T) {
	h := newHarness(t, true)
	h.flow.deps.Encoder = brokenEncoder{}

	_, err := h.flow.Submit(context.Background(), sampleDraft())
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeEncoding))

	var encErr *codec.EncodingError
	assert.True(t, errors.As(err, &encErr))
	assert.Equal(t, []State{Validating, Encoding, Failed}, h.states())
	assert.Zero(t, h.backend.Sent)
}

func TestStateMachineEdges(t *testing.T) {
	assert.True(t, CanTransition(Idle, Validating))
	assert.True(t, CanTransition(Validating, Encoding))
	assert.False(t, CanTransition(Validating, Submitting))
	assert.False(t, CanTransition(Succeeded, Failed))
	assert.True(t, CanTransition(Failed, Idle))

	h := newHarness(t, false)
	_, _ = h.flow.Submit(context.Background(), sampleDraft())
	h.flow.Reset()
	assert.Equal(t, Idle, h.flow.State())
}
