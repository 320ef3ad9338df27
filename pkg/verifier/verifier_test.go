package verifier

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/chaintrace/pkg/artifacts"
	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger/memledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
	"github.com/Mindburn-Labs/chaintrace/pkg/recorder"
	"github.com/Mindburn-Labs/chaintrace/pkg/retry"
)

var testKey = crypto.HexSource{Scheme: crypto.SchemeEd25519, Key: "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"}

func record(t *testing.T, chain *memledger.Chain, builder *provenance.Builder, req recorder.Request, opts ...recorder.Option) ledger.TxHash {
	t.Helper()
	if builder == nil {
		builder = provenance.NewBuilder(nil)
	}
	cfg := recorder.Config{Retry: retry.Policy{MaxAttempts: 1}, PollInterval: time.Millisecond, ConfirmationTimeout: 50 * time.Millisecond}
	r, err := recorder.New(builder, chain, cfg, opts...)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	receipt, err := r.Record(context.Background(), req, testKey)
	if err != nil {
		var re *recorder.RecordError
		if !errors.As(err, &re) || re.Outcome != recorder.OutcomeRejected {
			t.Fatalf("record: %v", err)
		}
	}
	r.Wait()
	return receipt.TxHash
}

func expect(t *testing.T, res *Result, verified bool, reason Reason) {
	t.Helper()
	if res.Verified != verified || res.Reason != reason {
		t.Errorf("expected verified=%v reason=%q, got verified=%v reason=%q (%s)", verified, reason, res.Verified, res.Reason, res.Summary)
		for _, c := range res.Checks {
			if !c.Pass {
				t.Logf("  FAIL: %s: %s", c.Name, c.Detail)
			}
		}
	}
}

func TestVerifyByHash_MLModel(t *testing.T) {
	chain := memledger.New(memledger.WithAutoMine())
	tx := record(t, chain, nil, recorder.Request{Payload: map[string]any{"acc": 0.95}, TypeTag: provenance.TagMLModel})

	res, err := New(chain, nil).VerifyByHash(context.Background(), tx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expect(t, res, true, "")
	if res.TypeTag != provenance.TagMLModel {
		t.Errorf("expected type ml_model, got %s", res.TypeTag)
	}
	if res.Receipt == nil || res.Receipt.Status != ledger.StatusConfirmed {
		t.Errorf("expected confirmed receipt, got %+v", res.Receipt)
	}
	if res.VerifierVer != VerifierVersion {
		t.Errorf("expected version %s, got %s", VerifierVersion, res.VerifierVer)
	}
	if !strings.HasPrefix(res.Summary, "PASS") {
		t.Errorf("unexpected summary %q", res.Summary)
	}
}

func TestVerifyByHash_Unknown(t *testing.T) {
	res, err := New(memledger.New(), nil).VerifyByHash(context.Background(), "0x1234")
	if err != nil {
		t.Fatalf("unknown hash must not be an error: %v", err)
	}
	expect(t, res, false, ReasonNotFound)
}

func TestVerifyByHash_PendingAndFailed(t *testing.T) {
	ctx := context.Background()

	chain := memledger.New(memledger.WithConfirmations(3), memledger.WithAutoMine())
	tx := record(t, chain, nil, recorder.Request{Payload: "x", TypeTag: provenance.TagOther})
	res, err := New(chain, nil).VerifyByHash(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, false, ReasonPending)

	reverting := memledger.New(memledger.WithAutoMine(), memledger.WithRevert(func(*ledger.SealedTx) bool { return true }))
	tx = record(t, reverting, nil, recorder.Request{Payload: "x", TypeTag: provenance.TagOther})
	res, err = New(reverting, nil).VerifyByHash(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, false, ReasonTxFailed)
}

func TestVerifyByHash_SwappedSubmitter(t *testing.T) {
	ctx := context.Background()
	chain := memledger.New(memledger.WithAutoMine())

	cred, err := testKey.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer cred.Destroy()
	a, err := provenance.NewBuilder(nil).Assemble("x", provenance.TagOther, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := crypto.NewSigner().Sign(a.Package, cred)
	if err != nil {
		t.Fatal(err)
	}
	_, otherPub, err := crypto.GenerateKey(crypto.SchemeEd25519)
	if err != nil {
		t.Fatal(err)
	}
	rec.Package.Submitter = otherPub

	params, err := chain.Prepare(ctx, cred.Identity())
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := chain.Seal(params, rec, a.Payload, cred)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := chain.Submit(ctx, sealed)
	if err != nil {
		t.Fatal(err)
	}

	res, err := New(chain, nil).VerifyByHash(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, false, ReasonSignatureInvalid)
}

func TestVerifyByData_RoundTripAndTamper(t *testing.T) {
	ctx := context.Background()
	chain := memledger.New(memledger.WithAutoMine())
	payload := map[string]any{"dataset": "cifar10", "rows": 60000}
	meta := map[string]any{"lab": "a", "seed": 7}
	tx := record(t, chain, nil, recorder.Request{Payload: payload, TypeTag: provenance.TagScientificStudy, Metadata: meta})
	v := New(chain, nil)

	res, err := v.VerifyByData(ctx, payload, provenance.TagScientificStudy, meta, tx)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, true, "")

	// same values through the index, with float64 instead of int
	res, err = v.VerifyByData(ctx, map[string]any{"rows": 60000.0, "dataset": "cifar10"}, provenance.TagScientificStudy, map[string]any{"seed": 7, "lab": "a"}, "")
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, true, "")
	if res.TxHash != tx {
		t.Errorf("expected %s, got %s", tx, res.TxHash)
	}

	res, err = v.VerifyByData(ctx, map[string]any{"dataset": "cifar1O", "rows": 60000}, provenance.TagScientificStudy, meta, tx)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, false, ReasonHashMismatch)

	res, err = v.VerifyByData(ctx, payload, provenance.TagScientificStudy, map[string]any{"lab": "a", "seed": 8}, tx)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, false, ReasonHashMismatch)

	res, err = v.VerifyByData(ctx, payload, provenance.TagDonation, meta, tx)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, false, ReasonTypeMismatch)

	res, err = v.VerifyByData(ctx, payload, provenance.TagDonation, meta, "")
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, false, ReasonTypeMismatch)

	res, err = v.VerifyByData(ctx, "never recorded", provenance.TagOther, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, false, ReasonNotFound)

	if _, err := v.VerifyByData(ctx, payload, "poem", meta, tx); !errors.Is(err, provenance.ErrInvalidTypeTag) {
		t.Errorf("expected ErrInvalidTypeTag, got %v", err)
	}
}

type plainClient struct{ ledger.Client }

func TestVerifyByData_NoIndex(t *testing.T) {
	v := New(plainClient{memledger.New()}, nil)
	if _, err := v.VerifyByData(context.Background(), "x", provenance.TagOther, nil, ""); !errors.Is(err, ErrNoIndex) {
		t.Errorf("expected ErrNoIndex, got %v", err)
	}
}

func TestVerify_HashOnlyRecord(t *testing.T) {
	ctx := context.Background()
	chain := memledger.New(memledger.WithAutoMine())
	builder := provenance.NewBuilder(nil, provenance.WithInlineLimit(0))
	tx := record(t, chain, builder, recorder.Request{Payload: "secret notes", TypeTag: provenance.TagGenericText})

	v := New(chain, nil)
	res, err := v.VerifyByHash(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, true, "")

	res, err = v.VerifyByData(ctx, "secret notes", provenance.TagGenericText, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, true, "")
}

func TestVerify_OffloadedPayload(t *testing.T) {
	ctx := context.Background()
	store, err := artifacts.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	chain := memledger.New(memledger.WithAutoMine())
	builder := provenance.NewBuilder(nil, provenance.WithInlineLimit(8), provenance.WithLocator(store.Locator))
	payload := []any{"checkpoint", 1, 2, 3}
	tx := record(t, chain, builder, recorder.Request{Payload: payload, TypeTag: provenance.TagSupplyChain}, recorder.WithStore(store))

	v := New(chain, nil, WithStore(store))
	res, err := v.VerifyByHash(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, true, "")

	res, err = v.VerifyByData(ctx, payload, provenance.TagSupplyChain, nil, tx)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, true, "")

	res, err = v.VerifyByData(ctx, payload, provenance.TagSupplyChain, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, true, "")

	// corrupt the stored object
	rec, _, err := chain.Retrieve(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	locator := rec.Package.Metadata[provenance.MetaStorageLocator].(string)
	if err := os.WriteFile(strings.TrimPrefix(locator, "file://"), []byte(`["checkpoint",1,2,4]`), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err = v.VerifyByHash(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, false, ReasonHashMismatch)
}

// unreachableStore accepts uploads but cannot be read back.
type unreachableStore struct {
	*artifacts.FileStore
}

func (unreachableStore) Get(context.Context, digest.Hash) ([]byte, error) {
	return nil, errors.New("dial tcp 10.0.0.7:443: connect: connection refused")
}

func TestVerify_OffloadedPayloadStoreDown(t *testing.T) {
	ctx := context.Background()
	fs, err := artifacts.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	chain := memledger.New(memledger.WithAutoMine())
	builder := provenance.NewBuilder(nil, provenance.WithInlineLimit(8), provenance.WithLocator(fs.Locator))
	payload := []any{"checkpoint", 1, 2, 3}
	tx := record(t, chain, builder, recorder.Request{Payload: payload, TypeTag: provenance.TagSupplyChain}, recorder.WithStore(fs))

	res, err := New(chain, nil, WithStore(unreachableStore{fs})).VerifyByHash(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	expect(t, res, false, ReasonPayloadUnavailable)
	for _, c := range res.Checks {
		if c.Name == "signature" && !c.Pass {
			t.Errorf("signature check failed: %s", c.Detail)
		}
	}
}
