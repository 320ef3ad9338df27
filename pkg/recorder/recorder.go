// Package recorder drives one provenance record from caller data to a final
// ledger receipt: build, sign, submit with retry, then poll for finality.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/chaintrace/pkg/artifacts"
	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
	"github.com/Mindburn-Labs/chaintrace/pkg/index"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/lock"
	"github.com/Mindburn-Labs/chaintrace/pkg/observability"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
	"github.com/Mindburn-Labs/chaintrace/pkg/retry"
)

const (
	uploadTimeout = 5 * time.Minute
	settleTimeout = 10 * time.Second
)

// Request is the caller data for one record.
type Request struct {
	Payload  any
	TypeTag  provenance.TypeTag
	Metadata map[string]any
}

// Config holds the submission and confirmation policy.
type Config struct {
	Retry               retry.Policy
	PollInterval        time.Duration
	ConfirmationTimeout time.Duration
}

// DefaultConfig returns the default retry policy, a 2s poll and a 2m timeout.
func DefaultConfig() Config {
	return Config{
		Retry:               retry.DefaultPolicy(),
		PollInterval:        2 * time.Second,
		ConfirmationTimeout: 2 * time.Minute,
	}
}

// Notifier receives index entries as records are submitted and settle.
// index.Index implements it.
type Notifier interface {
	Put(ctx context.Context, e *index.Entry) error
}

// Recorder records packages on one ledger. It is safe for concurrent use.
type Recorder struct {
	builder   *provenance.Builder
	signer    *crypto.Signer
	client    ledger.Client
	cfg       Config
	locker    lock.Locker
	store     artifacts.Store
	notifier  Notifier
	telemetry *observability.Provider
	backend   string
	onStage   func(recordID string, s Stage)
	clock     func() time.Time
	logger    *slog.Logger

	uploads sync.WaitGroup
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLocker replaces the in-process credential lock, e.g. with lock.Redis.
func WithLocker(l lock.Locker) Option {
	return func(r *Recorder) { r.locker = l }
}

// WithStore uploads offloaded payloads to s.
func WithStore(s artifacts.Store) Option {
	return func(r *Recorder) { r.store = s }
}

// WithNotifier reports submitted and settled records to n.
func WithNotifier(n Notifier) Option {
	return func(r *Recorder) { r.notifier = n }
}

// WithTelemetry wraps each call in a span and RED metrics.
func WithTelemetry(p *observability.Provider) Option {
	return func(r *Recorder) { r.telemetry = p }
}

// WithBackendName labels telemetry with the ledger backend.
func WithBackendName(name string) Option {
	return func(r *Recorder) { r.backend = name }
}

// WithStageHook is called on every state transition.
func WithStageHook(fn func(recordID string, s Stage)) Option {
	return func(r *Recorder) { r.onStage = fn }
}

// WithClock overrides the clock used for retry plans and index entries.
func WithClock(clock func() time.Time) Option {
	return func(r *Recorder) { r.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// New creates a recorder. builder and client are required.
func New(builder *provenance.Builder, client ledger.Client, cfg Config, opts ...Option) (*Recorder, error) {
	if builder == nil || client == nil {
		return nil, errors.New("recorder: builder and client are required")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("recorder: poll interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.ConfirmationTimeout < 0 {
		return nil, fmt.Errorf("recorder: confirmation timeout must not be negative")
	}
	r := &Recorder{
		builder: builder,
		signer:  crypto.NewSigner(),
		client:  client,
		cfg:     cfg,
		locker:  lock.NewLocal(),
		clock:   time.Now,
		logger:  slog.Default().With("component", "recorder"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// call is the state of one Record invocation.
type call struct {
	id       string
	stage    Stage
	attempts int
	tx       ledger.TxHash
	logger   *slog.Logger
}

func (r *Recorder) transition(ctx context.Context, c *call, s Stage) {
	c.stage = s
	c.logger.Debug("stage", "stage", s, "tx_hash", c.tx)
	observability.AddSpanEvent(ctx, "stage", observability.AttrStage.String(string(s)))
	if r.onStage != nil {
		r.onStage(c.id, s)
	}
}

func (c *call) fail(outcome Outcome, cause error) *RecordError {
	return &RecordError{
		Outcome:  outcome,
		Stage:    c.stage,
		RecordID: c.id,
		TxHash:   c.tx,
		Attempts: c.attempts,
		Cause:    cause,
	}
}

// Record builds, signs and submits req, then waits for finality.
//
// On confirmation it returns the receipt and nil. If the confirmation timeout
// elapses first it returns the last pending receipt and nil. Every failure is
// a *RecordError; when the transaction was sent the receipt is returned too.
func (r *Recorder) Record(ctx context.Context, req Request, source crypto.CredentialSource) (receipt *ledger.Receipt, err error) {
	c := &call{id: uuid.NewString(), stage: StageBuilding}
	c.logger = r.logger.With("record_id", c.id, "type_tag", req.TypeTag)

	ctx, done := r.telemetry.TrackOperation(ctx, "record",
		observability.AttrBackend.String(r.backend),
		observability.AttrTypeTag.String(string(req.TypeTag)),
	)
	defer func() { done(err) }()

	r.transition(ctx, c, StageBuilding)
	assembly, err := r.builder.Assemble(req.Payload, req.TypeTag, req.Metadata)
	if err != nil {
		return nil, c.fail(OutcomeNotSubmitted, err)
	}
	if assembly.Offloaded && r.store == nil {
		return nil, c.fail(OutcomeNotSubmitted, errors.New("payload exceeds inline limit and no artifact store is configured"))
	}

	sealed, release, err := r.seal(ctx, c, assembly, source)
	if err != nil {
		return nil, err
	}

	hash, err := r.submit(ctx, c, sealed)
	release()
	if err != nil {
		return nil, err
	}

	if assembly.Offloaded {
		r.offload(ctx, c, assembly)
	}
	r.notify(ctx, c, sealed, assembly.Package, nil)

	return r.confirm(ctx, c, hash, sealed, assembly.Package)
}

// seal acquires the credential and the submitter lock, signs and seals.
// The credential is destroyed before seal returns. On success the caller
// owns the returned release func.
func (r *Recorder) seal(ctx context.Context, c *call, a *provenance.Assembly, source crypto.CredentialSource) (*ledger.SealedTx, func(), error) {
	cred, err := source.Acquire(ctx)
	if err != nil {
		return nil, nil, c.fail(OutcomeNotSubmitted, err)
	}
	defer cred.Destroy()
	c.logger = c.logger.With("submitter", cred.Identity())
	observability.SetSpanAttributes(ctx, observability.AttrScheme.String(cred.Scheme()))

	unlock, err := r.locker.Acquire(ctx, "submitter:"+cred.Identity())
	if err != nil {
		return nil, nil, c.fail(OutcomeNotSubmitted, fmt.Errorf("submitter lock: %w", err))
	}
	release := func() {
		// the lock may outlive ctx, so release it on a fresh context
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("failed to release submitter lock", "error", err)
		}
	}

	rec, err := r.signer.Sign(a.Package, cred)
	if err != nil {
		release()
		return nil, nil, c.fail(OutcomeNotSubmitted, err)
	}

	params, err := r.client.Prepare(ctx, cred.Identity())
	if err != nil {
		release()
		return nil, nil, c.fail(OutcomeNotSubmitted, fmt.Errorf("prepare: %w", err))
	}

	var inline []byte
	if a.Inline {
		inline = a.Payload
	}
	sealed, err := r.client.Seal(params, rec, inline, cred)
	cred.Destroy()
	if err != nil {
		release()
		return nil, nil, c.fail(OutcomeNotSubmitted, fmt.Errorf("seal: %w", err))
	}

	c.tx = sealed.Hash
	r.transition(ctx, c, StageSigned)
	return sealed, release, nil
}

// submit sends the sealed bytes until accepted, retrying only retryable
// submission errors on the backoff plan.
//
// A retryable failure may have reached the ledger, so once one is seen the
// call can no longer fail as not_submitted. A final Fetch decides between
// continuing to confirmation and an unknown outcome.
func (r *Recorder) submit(ctx context.Context, c *call, sealed *ledger.SealedTx) (ledger.TxHash, error) {
	plan := retry.NewPlan(c.id, r.cfg.Retry, r.clock())

	var (
		lastErr   error
		maybeSent bool
	)
	for i := 0; i < plan.MaxAttempts; i++ {
		if i > 0 {
			delay := plan.Delay(i)
			c.logger.Info("retrying submission", "attempt", i+1, "delay", delay, "error", lastErr)
			if err := retry.Sleep(ctx, delay); err != nil {
				lastErr = errors.Join(err, lastErr)
				break
			}
		}

		c.attempts++
		observability.AddSpanEvent(ctx, "submit", observability.AttrAttempt.Int(c.attempts))
		hash, err := r.client.Submit(ctx, sealed)
		if err == nil {
			return r.submitted(ctx, c, hash), nil
		}
		lastErr = err

		if !ledger.IsRetryable(err) {
			break
		}
		maybeSent = true
	}

	if maybeSent {
		if r.onLedger(ctx, c, sealed.Hash) {
			return r.submitted(ctx, c, sealed.Hash), nil
		}
		r.transition(ctx, c, StageFailed)
		c.logger.Warn("submission outcome unknown", "tx_hash", sealed.Hash, "attempts", c.attempts, "error", lastErr)
		return "", c.fail(OutcomeUnknown, lastErr)
	}
	r.transition(ctx, c, StageFailed)
	c.logger.Warn("submission failed", "attempts", c.attempts, "error", lastErr)
	return "", c.fail(OutcomeNotSubmitted, lastErr)
}

func (r *Recorder) submitted(ctx context.Context, c *call, hash ledger.TxHash) ledger.TxHash {
	c.tx = hash
	r.transition(ctx, c, StageSubmitted)
	c.logger.Info("transaction submitted", "tx_hash", hash, "attempts", c.attempts)
	return hash
}

// onLedger reports whether the ledger knows tx, included or pending.
func (r *Recorder) onLedger(ctx context.Context, c *call, tx ledger.TxHash) bool {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	_, err := r.client.Fetch(fetchCtx, tx)
	switch {
	case err == nil, errors.Is(err, ledger.ErrPending):
		c.logger.Info("transaction found after failed submission", "tx_hash", tx)
		return true
	case errors.Is(err, ledger.ErrNotFound):
		return false
	default:
		c.logger.Warn("receipt lookup failed", "tx_hash", tx, "error", err)
		return false
	}
}

// confirm polls until the receipt is terminal, the confirmation timeout
// elapses, or ctx is done.
func (r *Recorder) confirm(ctx context.Context, c *call, hash ledger.TxHash, sealed *ledger.SealedTx, pkg *provenance.DataPackage) (*ledger.Receipt, error) {
	r.transition(ctx, c, StageConfirming)
	last := ledger.PendingReceipt(hash)

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.ConfirmationTimeout)
	defer cancel()

	for {
		receipt, err := r.client.Fetch(waitCtx, hash)
		switch {
		case err == nil:
			last = receipt
			if receipt.Terminal() {
				return r.settle(ctx, c, sealed, pkg, receipt)
			}
		case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrPending):
		default:
			if waitCtx.Err() == nil {
				c.logger.Warn("receipt poll failed", "tx_hash", hash, "error", err)
			}
		}

		if err := retry.Sleep(waitCtx, r.cfg.PollInterval); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				c.logger.Info("stopped waiting for confirmation", "tx_hash", hash, "error", ctxErr)
				return last, c.fail(OutcomeUnknown, ctxErr)
			}
			c.logger.Info("confirmation timeout elapsed", "tx_hash", hash, "status", last.Status)
			return last, nil
		}
	}
}

func (r *Recorder) settle(ctx context.Context, c *call, sealed *ledger.SealedTx, pkg *provenance.DataPackage, receipt *ledger.Receipt) (*ledger.Receipt, error) {
	r.notify(ctx, c, sealed, pkg, receipt)
	if receipt.Status == ledger.StatusFailed {
		r.transition(ctx, c, StageFailed)
		return receipt, c.fail(OutcomeRejected, fmt.Errorf("transaction failed in block %d", receipt.BlockNumber))
	}
	r.transition(ctx, c, StageConfirmed)
	c.logger.Info("record confirmed", "tx_hash", receipt.TxHash, "block", receipt.BlockNumber)
	return receipt, nil
}

// offload uploads the payload in the background. Failures are logged only.
func (r *Recorder) offload(ctx context.Context, c *call, a *provenance.Assembly) {
	uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uploadTimeout)
	payload := append([]byte(nil), a.Payload...)
	r.uploads.Add(1)
	go func() {
		defer r.uploads.Done()
		defer cancel()
		if err := r.store.Put(uploadCtx, a.ContentHash, payload); err != nil {
			c.logger.Error("payload upload failed", "locator", a.Locator, "error", err)
			return
		}
		c.logger.Debug("payload uploaded", "locator", a.Locator)
	}()
}

func (r *Recorder) notify(ctx context.Context, c *call, sealed *ledger.SealedTx, pkg *provenance.DataPackage, receipt *ledger.Receipt) {
	if r.notifier == nil {
		return
	}
	rec := &provenance.SignedRecord{Package: *pkg}
	rec.Package.Submitter = sealed.Submitter
	e := index.EntryFor(c.tx, rec, r.clock())
	if receipt != nil {
		e.Apply(receipt)
	}
	if err := r.notifier.Put(context.WithoutCancel(ctx), e); err != nil {
		c.logger.Warn("index update failed", "tx_hash", c.tx, "error", err)
	}
}

// Wait blocks until background payload uploads finish.
func (r *Recorder) Wait() { r.uploads.Wait() }
