// Package submission drives a draft log entry from validation to a confirmed attestation
package submission

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smartdevs17/eas-logbook/internal/codec"
	"github.com/smartdevs17/eas-logbook/internal/eas"
	"github.com/smartdevs17/eas-logbook/internal/media"
	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// ErrSubmissionInFlight is returned when Submit is called while another
// submission on the same flow has not finished
var ErrSubmissionInFlight = errors.New("a submission is already in flight")

// Wallet is the connected account paying for attestations
type Wallet interface {
	Connected() bool
	Address() common.Address
	GasBalance(ctx context.Context) (*big.Int, error)
}

// Uploader pins an attachment; *media.Service satisfies it
type Uploader interface {
	Upload(ctx context.Context, f media.File) (*models.UploadResult, error)
}

// Encoder turns a draft into attestation data; *codec.Codec satisfies it
type Encoder interface {
	EncodeEntry(entry *models.LogEntry) ([]byte, error)
}

// Pending is a sent, unconfirmed attestation
type Pending interface {
	Wait(ctx context.Context) (*eas.AttestedEvent, error)
}

// Attester sends attestations
type Attester interface {
	Attest(ctx context.Context, req eas.AttestationRequest) (Pending, error)
}

// Journal records confirmed attestations
type Journal interface {
	SaveAttestation(ctx context.Context, rec *models.AttestationRecord) error
}

// Notifier announces confirmed attestations
type Notifier interface {
	NotifyRecorded(ctx context.Context, rec *models.AttestationRecord) error
}

// Recorder receives submission metrics; *metrics.PrometheusMetrics satisfies it
type Recorder interface {
	RecordSubmission(network, outcome string, duration time.Duration)
	RecordTransition(state string)
	SubmissionStarted()
	SubmissionFinished()
}

// Config identifies where the flow attests
type Config struct {
	NetworkID   uint64
	NetworkName string
	SchemaUID   common.Hash
	Revocable   bool
}

// Dependencies are the collaborators of a Flow. Journal, Notifier and
// Recorder are optional.
type Dependencies struct {
	Wallet   Wallet
	Uploader Uploader
	Encoder  Encoder
	Attester Attester
	Journal  Journal
	Notifier Notifier
	Recorder Recorder
}

// Draft is a log entry as entered, with an optional attachment
type Draft struct {
	Entry          models.LogEntry
	Attachment     *media.File
	Recipient      common.Address
	RefUID         common.Hash
	ExpirationTime uint64
}

// Result describes a confirmed attestation
type Result struct {
	UID      common.Hash          `json:"uid"`
	TxHash   common.Hash          `json:"txHash"`
	Attester common.Address       `json:"attester"`
	Block    uint64               `json:"block"`
	Entry    models.LogEntry      `json:"entry"`
	Upload   *models.UploadResult `json:"upload,omitempty"`
	Duration time.Duration        `json:"duration"`
}

// Flow is the submission state machine of one form. At most one submission
// runs at a time.
type Flow struct {
	cfg    Config
	deps   Dependencies
	tracer trace.Tracer
	logger *logrus.Entry

	mu           sync.Mutex
	state        State
	inFlight     bool
	lastErr      error
	uploads      map[string]models.UploadResult
	onTransition []func(Transition)
	now          func() time.Time
}

// NewFlow creates a flow in the Idle state
func NewFlow(cfg Config, deps Dependencies) *Flow {
	return &Flow{
		cfg:     cfg,
		deps:    deps,
		tracer:  otel.Tracer("github.com/smartdevs17/eas-logbook/internal/submission"),
		logger:  utils.ComponentLogger("submission").WithField("network", cfg.NetworkID),
		state:   Idle,
		uploads: make(map[string]models.UploadResult),
		now:     time.Now,
	}
}

// OnTransition registers fn to observe every state change
func (f *Flow) OnTransition(fn func(Transition)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTransition = append(f.onTransition, fn)
}

// State returns the current state
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Busy reports whether a submission is running. The submit control is
// disabled while Busy is true.
func (f *Flow) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// LastError returns the user-facing message of the last failure, if any
func (f *Flow) LastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastErr == nil {
		return ""
	}
	return Message(f.lastErr)
}

// Reset returns a finished flow to Idle. Content identifiers of uploaded
// attachments are kept for retries.
func (f *Flow) Reset() {
	f.mu.Lock()
	if f.inFlight || !f.state.Terminal() {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.transition(Idle, nil)
}

// Submit runs the draft through the state machine and blocks until the
// attestation is confirmed, fails, or ctx is done
func (f *Flow) Submit(ctx context.Context, draft Draft) (*Result, error) {
	f.mu.Lock()
	if f.inFlight {
		f.mu.Unlock()
		return nil, ErrSubmissionInFlight
	}
	f.inFlight = true
	f.lastErr = nil
	f.mu.Unlock()

	start := f.now()
	if f.deps.Recorder != nil {
		f.deps.Recorder.SubmissionStarted()
	}

	ctx, span := f.tracer.Start(ctx, "submission.Submit", trace.WithAttributes(
		attribute.Int64("network.id", int64(f.cfg.NetworkID)),
		attribute.Bool("attachment", draft.Attachment != nil),
	))

	result, err := f.run(ctx, draft, start)

	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, Message(err))
	} else {
		span.SetAttributes(attribute.String("attestation.uid", result.UID.Hex()))
	}
	span.End()

	if f.deps.Recorder != nil {
		f.deps.Recorder.SubmissionFinished()
		f.deps.Recorder.RecordSubmission(f.cfg.NetworkName, outcome, time.Since(start))
	}

	f.mu.Lock()
	f.inFlight = false
	f.mu.Unlock()
	return result, err
}

func (f *Flow) run(ctx context.Context, draft Draft, start time.Time) (*Result, error) {
	// A fresh submission starts from Idle
	if f.State().Terminal() {
		f.transition(Idle, nil)
	}

	if f.deps.Wallet == nil || !f.deps.Wallet.Connected() {
		return nil, f.fail(utils.NewAppError(utils.ErrCodeValidation, "Wallet connection is required"))
	}

	f.transition(Validating, nil)
	entry, err := f.validate(ctx, draft)
	if err != nil {
		return nil, f.fail(err)
	}

	var upload *models.UploadResult
	if draft.Attachment != nil {
		f.transition(UploadingMedia, nil)
		upload, err = f.upload(ctx, draft.Attachment)
		if err != nil {
			return nil, f.fail(err)
		}
		entry.MediaType = append(entry.MediaType, draft.Attachment.ContentType)
		entry.MediaData = append(entry.MediaData, upload.ContentIdentifier)
	}

	f.transition(Encoding, nil)
	data, err := f.deps.Encoder.EncodeEntry(&entry)
	if err != nil {
		f.logger.WithError(err).WithFields(logrus.Fields{
			"defect": true,
			"kind":   encodingKind(err),
		}).Error("Log entry could not be encoded")
		return nil, f.fail(utils.WrapAppError(utils.ErrCodeEncoding, "Log entry could not be encoded", err))
	}

	f.transition(Submitting, nil)
	pending, err := f.deps.Attester.Attest(ctx, eas.AttestationRequest{
		Schema:         f.cfg.SchemaUID,
		Recipient:      draft.Recipient,
		ExpirationTime: draft.ExpirationTime,
		Revocable:      f.cfg.Revocable,
		RefUID:         draft.RefUID,
		Data:           data,
	})
	if err != nil {
		return nil, f.fail(asSubmissionError(err, "Attestation was rejected"))
	}

	f.transition(AwaitingConfirmation, nil)
	event, err := pending.Wait(ctx)
	if err != nil {
		return nil, f.fail(asSubmissionError(err, "Attestation was not confirmed"))
	}

	result := &Result{
		UID:      event.UID,
		TxHash:   event.TxHash,
		Attester: f.deps.Wallet.Address(),
		Block:    event.Block,
		Entry:    entry,
		Upload:   upload,
		Duration: f.now().Sub(start),
	}
	f.transition(Succeeded, nil)

	f.mu.Lock()
	if draft.Attachment != nil {
		delete(f.uploads, utils.ContentHash(draft.Attachment.Data))
	}
	f.mu.Unlock()

	f.logger.WithFields(logrus.Fields{
		"uid":     result.UID.Hex(),
		"tx_hash": result.TxHash.Hex(),
		"block":   result.Block,
	}).Info("Log entry attested")

	f.publish(ctx, result)
	return result, nil
}

// validate checks preconditions and the draft, and returns the entry to encode
func (f *Flow) validate(ctx context.Context, draft Draft) (models.LogEntry, error) {
	balance, err := f.deps.Wallet.GasBalance(ctx)
	if err != nil {
		return models.LogEntry{}, err
	}
	if balance == nil || balance.Sign() <= 0 {
		return models.LogEntry{}, utils.NewAppError(utils.ErrCodeValidation,
			"Insufficient gas balance to submit an attestation", f.deps.Wallet.Address().Hex())
	}

	entry := draft.Entry
	entry.MediaType = append([]string(nil), draft.Entry.MediaType...)
	entry.MediaData = append([]string(nil), draft.Entry.MediaData...)
	if entry.EventTimestamp == 0 {
		entry.EventTimestamp = f.now().Unix()
	}
	if err := entry.Validate(); err != nil {
		return models.LogEntry{}, err
	}
	if draft.Attachment != nil && len(draft.Attachment.Data) == 0 {
		return models.LogEntry{}, utils.NewAppError(utils.ErrCodeValidation, "Attached file is empty", draft.Attachment.Name)
	}
	return entry, nil
}

// upload pins the attachment once; a retry of the same content reuses the
// content identifier obtained earlier
func (f *Flow) upload(ctx context.Context, file *media.File) (*models.UploadResult, error) {
	key := utils.ContentHash(file.Data)

	f.mu.Lock()
	cached, ok := f.uploads[key]
	f.mu.Unlock()
	if ok {
		f.logger.WithField("cid", cached.ContentIdentifier).Debug("Reusing uploaded attachment")
		return &cached, nil
	}

	if f.deps.Uploader == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Media uploads are not configured")
	}
	res, err := f.deps.Uploader.Upload(ctx, *file)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.uploads[key] = *res
	f.mu.Unlock()
	return res, nil
}

func (f *Flow) publish(ctx context.Context, result *Result) {
	if f.deps.Journal == nil && f.deps.Notifier == nil {
		return
	}

	entry := models.Entry{
		UID:            result.UID.Hex(),
		Attester:       result.Attester.Hex(),
		EventTimestamp: time.Unix(result.Entry.EventTimestamp, 0),
		RecordedAt:     f.now(),
		Location:       result.Entry.Location(),
		Memo:           result.Entry.Memo,
		MediaType:      result.Entry.MediaType,
		MediaData:      result.Entry.MediaData,
	}
	rec := models.RecordFromEntry(f.cfg.NetworkID, f.cfg.SchemaUID.Hex(), entry, models.SourceSubmission)
	rec.TxHash = result.TxHash.Hex()

	if f.deps.Journal != nil {
		if err := f.deps.Journal.SaveAttestation(ctx, rec); err != nil {
			f.logger.WithError(err).WithField("uid", rec.UID).Warn("Failed to journal attestation")
		}
	}
	if f.deps.Notifier != nil {
		if err := f.deps.Notifier.NotifyRecorded(ctx, rec); err != nil {
			f.logger.WithError(err).WithField("uid", rec.UID).Warn("Failed to send attestation notification")
		}
	}
}

func (f *Flow) transition(to State, err error) {
	f.mu.Lock()
	from := f.state
	if !CanTransition(from, to) {
		f.mu.Unlock()
		f.logger.WithFields(logrus.Fields{"from": from, "to": to}).Error("Illegal submission transition")
		return
	}
	f.state = to
	if err != nil {
		f.lastErr = err
	}
	hooks := append([]func(Transition){}, f.onTransition...)
	f.mu.Unlock()

	t := Transition{From: from, To: to, At: f.now()}
	if err != nil {
		t.Error = Message(err)
	}

	f.logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("Submission state changed")
	if f.deps.Recorder != nil {
		f.deps.Recorder.RecordTransition(string(to))
	}
	for _, fn := range hooks {
		fn(t)
	}
}

func (f *Flow) fail(err error) error {
	f.transition(Failed, err)

	entry := f.logger.WithError(err).WithField("code", utils.ErrorCode(err))
	if utils.IsCode(err, utils.ErrCodeValidation) {
		entry.Info("Submission rejected")
	} else {
		entry.Warn("Submission failed")
	}
	return err
}

// Message renders err as the single line shown next to the form
func Message(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrSubmissionInFlight) {
		return "A submission is already in progress"
	}
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func encodingKind(err error) string {
	var encErr *codec.EncodingError
	if errors.As(err, &encErr) {
		return string(encErr.Kind)
	}
	return "unknown"
}

// asSubmissionError keeps classified errors and wraps the rest
func asSubmissionError(err error, message string) error {
	if utils.ErrorCode(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return utils.WrapAppError(utils.ErrCodeTimeout, message, err)
	}
	return utils.WrapAppError(utils.ErrCodeSubmission, message, err)
}
