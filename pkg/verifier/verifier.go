// Package verifier re-checks recorded provenance against the ledger.
//
// Verification is read-only: the verifier queries the ledger (and, for
// offloaded payloads, the artifact store) and never writes. A record that
// does not verify is a normal Result with Verified=false and a Reason;
// errors are reserved for failures to ask the question at all.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/chaintrace/pkg/artifacts"
	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/observability"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

const VerifierVersion = "1.0.0"

// Reason explains why a record did not verify.
type Reason string

const (
	ReasonNotFound           Reason = "not_found"
	ReasonPending            Reason = "pending"
	ReasonTxFailed           Reason = "tx_failed"
	ReasonSignatureInvalid   Reason = "signature_invalid"
	ReasonHashMismatch       Reason = "hash_mismatch"
	ReasonTypeMismatch       Reason = "type_mismatch"
	ReasonMalformedRecord    Reason = "malformed_record"
	ReasonUnsupportedVersion Reason = "unsupported_version"
	// ReasonPayloadUnavailable means the offloaded payload could not be
	// read, so its hash was not checked.
	ReasonPayloadUnavailable Reason = "payload_unavailable"
)

// ErrNoIndex is returned by VerifyByData when no transaction is given and
// neither the ledger nor a configured index can search by payload hash.
var ErrNoIndex = errors.New("verifier: no payload hash index available")

var errLocatorMismatch = errors.New("storage locator does not match the record")

// Result is the verdict for one record.
type Result struct {
	TxHash      ledger.TxHash      `json:"tx_hash,omitempty"`
	Verified    bool               `json:"verified"`
	Reason      Reason             `json:"reason,omitempty"`
	TypeTag     provenance.TypeTag `json:"type_tag,omitempty"`
	Submitter   string             `json:"submitter,omitempty"`
	PayloadHash string             `json:"payload_hash,omitempty"`
	Timestamp   int64              `json:"timestamp,omitempty"`
	Receipt     *ledger.Receipt    `json:"receipt,omitempty"`
	Checks      []CheckResult      `json:"checks"`
	Summary     string             `json:"summary"`
	CheckedAt   time.Time          `json:"checked_at"`
	VerifierVer string             `json:"verifier_version"`
}

// CheckResult represents a single verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason Reason `json:"reason,omitempty"` // failure reason
}

func (r *Result) addCheck(c CheckResult) {
	r.Checks = append(r.Checks, c)
}

// finish derives Verified, Reason and Summary from the checks.
func (r *Result) finish() *Result {
	failed := 0
	for _, c := range r.Checks {
		if !c.Pass {
			if failed == 0 {
				r.Reason = c.Reason
			}
			failed++
		}
	}
	r.Verified = failed == 0 && len(r.Checks) > 0
	if r.Verified {
		r.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(r.Checks), len(r.Checks))
	} else {
		r.Summary = fmt.Sprintf("FAIL: %d/%d checks failed (%s)", failed, len(r.Checks), r.Reason)
	}
	return r
}

// Verifier answers verify-by-hash and verify-by-data queries.
type Verifier struct {
	client    ledger.Client
	engine    *digest.Engine
	indexer   ledger.Indexer
	store     artifacts.Store
	telemetry *observability.Provider
	clock     func() time.Time
	logger    *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithIndexer sets the payload hash index used by VerifyByData. By default
// the ledger client is used when it implements ledger.Indexer.
func WithIndexer(ix ledger.Indexer) Option {
	return func(v *Verifier) { v.indexer = ix }
}

// WithStore lets the verifier fetch offloaded payloads.
func WithStore(s artifacts.Store) Option {
	return func(v *Verifier) { v.store = s }
}

// WithTelemetry wraps each query in a span and RED metrics.
func WithTelemetry(p *observability.Provider) Option {
	return func(v *Verifier) { v.telemetry = p }
}

// WithClock overrides the CheckedAt timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(v *Verifier) { v.clock = clock }
}

// New creates a verifier. engine selects the digest used to look records up
// by data; nil means sha256. Records are always re-hashed with the algorithm
// they name.
func New(client ledger.Client, engine *digest.Engine, opts ...Option) *Verifier {
	if engine == nil {
		engine = &digest.Engine{}
	}
	v := &Verifier{
		client: client,
		engine: engine,
		clock:  time.Now,
		logger: slog.Default().With("component", "verifier"),
	}
	if ix, ok := client.(ledger.Indexer); ok {
		v.indexer = ix
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Verifier) newResult(tx ledger.TxHash) *Result {
	return &Result{
		TxHash:      tx,
		Checks:      make([]CheckResult, 0, 6),
		CheckedAt:   v.clock().UTC(),
		VerifierVer: VerifierVersion,
	}
}

// retrieved is what VerifyByHash learned about a transaction.
type retrieved struct {
	rec    *provenance.SignedRecord
	inline []byte
}

// VerifyByHash checks the record carried by tx: receipt finality, envelope
// version, signature against the embedded submitter, and the inline or
// offloaded payload against payload_hash.
func (v *Verifier) VerifyByHash(ctx context.Context, tx ledger.TxHash) (res *Result, err error) {
	ctx, done := v.telemetry.TrackOperation(ctx, "verify_by_hash", observability.AttrTxHash.String(string(tx)))
	defer func() { done(err) }()

	res, _, err = v.verifyHash(ctx, tx)
	if err != nil {
		return nil, err
	}
	observability.SetSpanAttributes(ctx, observability.AttrVerified.Bool(res.Verified), observability.AttrReason.String(string(res.Reason)))
	return res, nil
}

func (v *Verifier) verifyHash(ctx context.Context, tx ledger.TxHash) (*Result, *retrieved, error) {
	res := v.newResult(tx)

	receipt, err := v.client.Fetch(ctx, tx)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		res.addCheck(CheckResult{Name: "receipt", Reason: ReasonNotFound, Detail: "transaction unknown to the ledger"})
		return res.finish(), nil, nil
	case errors.Is(err, ledger.ErrPending):
		res.Receipt = ledger.PendingReceipt(tx)
		res.addCheck(CheckResult{Name: "receipt", Reason: ReasonPending, Detail: "transaction not yet included"})
		return res.finish(), nil, nil
	case err != nil:
		return nil, nil, fmt.Errorf("verifier: fetch %s: %w", tx, err)
	}
	res.Receipt = receipt
	res.addCheck(checkReceipt(receipt))

	rec, inline, err := v.client.Retrieve(ctx, tx)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		res.addCheck(CheckResult{Name: "envelope", Reason: ReasonNotFound, Detail: "transaction carries no record"})
		return res.finish(), nil, nil
	case errors.Is(err, provenance.ErrUnsupportedVersion):
		res.addCheck(CheckResult{Name: "envelope", Reason: ReasonUnsupportedVersion, Detail: err.Error()})
		return res.finish(), nil, nil
	case errors.Is(err, provenance.ErrMalformedEnvelope):
		res.addCheck(CheckResult{Name: "envelope", Reason: ReasonMalformedRecord, Detail: err.Error()})
		return res.finish(), nil, nil
	case err != nil:
		return nil, nil, fmt.Errorf("verifier: retrieve %s: %w", tx, err)
	}
	res.addCheck(CheckResult{Name: "envelope", Pass: true, Detail: "envelope version supported"})

	res.TypeTag = rec.Package.TypeTag
	res.Submitter = rec.Package.Submitter
	res.PayloadHash = rec.Package.PayloadHash.Hex()
	res.Timestamp = rec.Package.Timestamp

	res.addCheck(checkSignature(rec))
	res.addCheck(v.checkPayload(ctx, rec, inline))

	return res.finish(), &retrieved{rec: rec, inline: inline}, nil
}

func checkReceipt(r *ledger.Receipt) CheckResult {
	c := CheckResult{Name: "receipt"}
	switch r.Status {
	case ledger.StatusConfirmed:
		c.Pass = true
		c.Detail = fmt.Sprintf("confirmed in block %d (%d confirmations)", r.BlockNumber, r.Confirmations)
	case ledger.StatusFailed:
		c.Reason = ReasonTxFailed
		c.Detail = fmt.Sprintf("transaction failed in block %d", r.BlockNumber)
	default:
		c.Reason = ReasonPending
		c.Detail = fmt.Sprintf("%d confirmations, not yet final", r.Confirmations)
	}
	return c
}

func checkSignature(rec *provenance.SignedRecord) CheckResult {
	ok, err := crypto.VerifyRecord(rec)
	if err != nil {
		return CheckResult{Name: "signature", Reason: ReasonSignatureInvalid, Detail: err.Error()}
	}
	if !ok {
		return CheckResult{Name: "signature", Reason: ReasonSignatureInvalid, Detail: "signature does not match submitter " + rec.Package.Submitter}
	}
	return CheckResult{Name: "signature", Pass: true, Detail: rec.SignatureScheme + " signature by " + rec.Package.Submitter}
}

// checkPayload re-hashes the payload if the verifier can see it. Hash-only
// records pass with a note.
func (v *Verifier) checkPayload(ctx context.Context, rec *provenance.SignedRecord, inline []byte) CheckResult {
	c := CheckResult{Name: "payload_hash"}
	engine, err := digest.NewEngine(rec.Package.HashAlgorithm)
	if err != nil {
		c.Reason = ReasonMalformedRecord
		c.Detail = err.Error()
		return c
	}

	payloadBytes := inline
	source := "inline payload"
	if len(payloadBytes) == 0 {
		blob, locator, err := v.fetchOffloaded(ctx, engine, rec)
		switch {
		case errors.Is(err, artifacts.ErrCorrupt), errors.Is(err, errLocatorMismatch):
			c.Reason = ReasonHashMismatch
			c.Detail = err.Error()
			return c
		case err != nil:
			c.Reason = ReasonPayloadUnavailable
			c.Detail = err.Error()
			return c
		case blob == nil:
			return v.checkMetadataOnly(engine, rec)
		}
		payloadBytes = blob
		source = locator
	}

	payload, err := provenance.DecodePayload(payloadBytes)
	if err != nil {
		c.Reason = ReasonMalformedRecord
		c.Detail = err.Error()
		return c
	}
	h, err := provenance.ComputeHash(engine, payload, rec.Package.Metadata)
	if err != nil {
		c.Reason = ReasonMalformedRecord
		c.Detail = err.Error()
		return c
	}
	if h != rec.Package.PayloadHash {
		c.Reason = ReasonHashMismatch
		c.Detail = fmt.Sprintf("%s hashes to %s, record has %s", source, h.Hex(), rec.Package.PayloadHash.Hex())
		return c
	}
	c.Pass = true
	c.Detail = source + " matches payload_hash"
	return c
}

// checkMetadataOnly handles records without a reachable payload. A record
// whose hash equals the metadata-only hash had no payload at all.
func (v *Verifier) checkMetadataOnly(engine *digest.Engine, rec *provenance.SignedRecord) CheckResult {
	h, err := provenance.ComputeHash(engine, nil, rec.Package.Metadata)
	if err == nil && h == rec.Package.PayloadHash {
		return CheckResult{Name: "payload_hash", Pass: true, Detail: "metadata-only record matches payload_hash"}
	}
	return CheckResult{Name: "payload_hash", Pass: true, Detail: "hash-only record; payload not available to re-hash"}
}

// fetchOffloaded returns the offloaded payload named by the record's
// metadata, or nil when the record has none or no store is configured.
func (v *Verifier) fetchOffloaded(ctx context.Context, engine *digest.Engine, rec *provenance.SignedRecord) ([]byte, string, error) {
	locator, _ := rec.Package.Metadata[provenance.MetaStorageLocator].(string)
	if locator == "" || v.store == nil {
		return nil, "", nil
	}
	h, err := artifacts.HashFromLocator(locator)
	if err != nil {
		return nil, locator, fmt.Errorf("%w: %v", errLocatorMismatch, err)
	}
	if want, _ := rec.Package.Metadata[provenance.MetaContentHash].(string); want != h.Hex() {
		return nil, locator, fmt.Errorf("%w: %s does not name content hash %s", errLocatorMismatch, locator, want)
	}
	blob, err := artifacts.GetVerified(ctx, v.store, engine, h)
	if errors.Is(err, artifacts.ErrNotFound) {
		v.logger.WarnContext(ctx, "offloaded payload not in store", "locator", locator)
		return nil, locator, nil
	}
	if err != nil {
		return nil, locator, fmt.Errorf("offloaded payload %s: %w", locator, err)
	}
	return blob, locator, nil
}

// VerifyByData recomputes the hash of payload and metadata and compares it
// with the record at expectedTx, or, when expectedTx is empty, with the
// records the index returns for that hash.
func (v *Verifier) VerifyByData(ctx context.Context, payload any, tag provenance.TypeTag, metadata map[string]any, expectedTx ledger.TxHash) (res *Result, err error) {
	ctx, done := v.telemetry.TrackOperation(ctx, "verify_by_data", observability.AttrTypeTag.String(string(tag)))
	defer func() { done(err) }()

	if !tag.Valid() {
		return nil, &provenance.InvalidTypeTagError{Tag: string(tag)}
	}
	if expectedTx != "" {
		return v.verifyDataAt(ctx, payload, tag, metadata, expectedTx)
	}
	if v.indexer == nil {
		return nil, ErrNoIndex
	}

	candidates, err := v.lookup(ctx, payload, metadata)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		res := v.newResult("")
		res.addCheck(CheckResult{Name: "lookup", Reason: ReasonNotFound, Detail: "no record for this payload"})
		return res.finish(), nil
	}

	var last *Result
	for _, tx := range candidates {
		res, err := v.verifyDataAt(ctx, payload, tag, metadata, tx)
		if err != nil {
			return nil, err
		}
		if res.Verified {
			return res, nil
		}
		// prefer a type mismatch over weaker reasons
		if last == nil || res.Reason == ReasonTypeMismatch {
			last = res
		}
	}
	return last, nil
}

// lookup returns candidate transactions for payload. Offloaded records
// carry storage metadata, so the offloaded hash is tried as well.
func (v *Verifier) lookup(ctx context.Context, payload any, metadata map[string]any) ([]ledger.TxHash, error) {
	hashes := make([]digest.Hash, 0, 2)
	h, err := provenance.ComputeHash(v.engine, payload, metadata)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	hashes = append(hashes, h)
	if v.store != nil && payload != nil {
		if meta, ok := v.offloadedMetadata(payload, metadata); ok {
			if oh, err := provenance.ComputeHash(v.engine, payload, meta); err == nil {
				hashes = append(hashes, oh)
			}
		}
	}

	var out []ledger.TxHash
	seen := make(map[ledger.TxHash]bool)
	for _, h := range hashes {
		found, err := v.indexer.FindByPayloadHash(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("verifier: index lookup: %w", err)
		}
		for _, tx := range found {
			if !seen[tx] {
				seen[tx] = true
				out = append(out, tx)
			}
		}
	}
	return out, nil
}

func (v *Verifier) offloadedMetadata(payload any, metadata map[string]any) (map[string]any, bool) {
	ch, err := provenance.OffloadedContentHash(v.engine, payload)
	if err != nil {
		return nil, false
	}
	meta := cloneMeta(metadata)
	meta[provenance.MetaContentHash] = ch.Hex()
	meta[provenance.MetaStorageLocator] = v.store.Locator(ch)
	return meta, true
}

func (v *Verifier) verifyDataAt(ctx context.Context, payload any, tag provenance.TypeTag, metadata map[string]any, tx ledger.TxHash) (*Result, error) {
	res, found, err := v.verifyHash(ctx, tx)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return res, nil
	}
	rec := found.rec

	engine, err := digest.NewEngine(rec.Package.HashAlgorithm)
	if err != nil {
		res.addCheck(CheckResult{Name: "data_hash", Reason: ReasonMalformedRecord, Detail: err.Error()})
		return res.finish(), nil
	}
	meta, err := reconcileOffload(engine, payload, metadata, rec)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	h, err := provenance.ComputeHash(engine, payload, meta)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	if h == rec.Package.PayloadHash {
		res.addCheck(CheckResult{Name: "data_hash", Pass: true, Detail: "supplied data hashes to " + h.Hex()})
	} else {
		res.addCheck(CheckResult{
			Name:   "data_hash",
			Reason: ReasonHashMismatch,
			Detail: fmt.Sprintf("supplied data hashes to %s, record has %s", h.Hex(), rec.Package.PayloadHash.Hex()),
		})
	}

	if tag == rec.Package.TypeTag {
		res.addCheck(CheckResult{Name: "type_tag", Pass: true, Detail: string(tag)})
	} else {
		res.addCheck(CheckResult{
			Name:   "type_tag",
			Reason: ReasonTypeMismatch,
			Detail: fmt.Sprintf("expected %s, record has %s", tag, rec.Package.TypeTag),
		})
	}

	// data checks decide the reason when the record itself is sound
	res.Reason = ""
	return res.finish(), nil
}

// reconcileOffload adds the record's storage metadata to the caller's when
// the record offloaded this very payload.
func reconcileOffload(engine *digest.Engine, payload any, metadata map[string]any, rec *provenance.SignedRecord) (map[string]any, error) {
	recorded, _ := rec.Package.Metadata[provenance.MetaContentHash].(string)
	if recorded == "" || payload == nil {
		return metadata, nil
	}
	if _, ok := metadata[provenance.MetaContentHash]; ok {
		return metadata, nil
	}
	ch, err := provenance.OffloadedContentHash(engine, payload)
	if err != nil {
		return nil, err
	}
	if ch.Hex() != recorded {
		return metadata, nil
	}
	meta := cloneMeta(metadata)
	meta[provenance.MetaContentHash] = recorded
	meta[provenance.MetaStorageLocator] = rec.Package.Metadata[provenance.MetaStorageLocator]
	return meta, nil
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
