package httpledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chaintrace/pkg/api"
	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger/memledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

const testSeed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

func newGateway(t *testing.T, opts ...memledger.Option) (*Client, *memledger.Chain) {
	t.Helper()
	chain := memledger.New(opts...)
	srv := httptest.NewServer(NewGateway(chain).Handler())
	t.Cleanup(srv.Close)
	return New(srv.URL, WithTimeout(5*time.Second)), chain
}

func seal(t *testing.T, c *Client, payload any) (*ledger.SealedTx, *provenance.Assembly) {
	t.Helper()
	ctx := context.Background()
	cred, err := crypto.HexSource{Scheme: crypto.SchemeEd25519, Key: testSeed}.Acquire(ctx)
	require.NoError(t, err)
	defer cred.Destroy()

	a, err := provenance.NewBuilder(nil).Assemble(payload, provenance.TagMLModel, map[string]any{"model": "m1"})
	require.NoError(t, err)
	rec, err := crypto.NewSigner().Sign(a.Package, cred)
	require.NoError(t, err)

	params, err := c.Prepare(ctx, cred.Identity())
	require.NoError(t, err)
	assert.Equal(t, memledger.ChainID.String(), params.ChainID.String())
	tx, err := c.Seal(params, rec, a.Payload, cred)
	require.NoError(t, err)
	return tx, a
}

func TestClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, chain := newGateway(t)

	tx, a := seal(t, c, map[string]any{"acc": 0.95})

	hash, err := c.Submit(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash, hash)

	_, err = c.Fetch(ctx, hash)
	assert.ErrorIs(t, err, ledger.ErrPending)

	chain.Mine()
	r, err := c.Fetch(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, r.Status)
	assert.Equal(t, uint64(1), r.BlockNumber)

	rec, inline, err := c.Retrieve(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, a.Package.PayloadHash, rec.Package.PayloadHash)
	assert.JSONEq(t, `{"acc":0.95}`, string(inline))
	ok, err := crypto.VerifyRecord(rec)
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := c.FindByPayloadHash(ctx, a.Package.PayloadHash)
	require.NoError(t, err)
	assert.Equal(t, []ledger.TxHash{hash}, found)

	// Nonce advanced after acceptance.
	params, err := c.Prepare(ctx, rec.Package.Submitter)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), params.Nonce)
}

func TestClient_ResubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, _ := newGateway(t)
	tx, _ := seal(t, c, "same")

	h1, err := c.Submit(ctx, tx)
	require.NoError(t, err)
	h2, err := c.Submit(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestClient_NotFound(t *testing.T) {
	ctx := context.Background()
	c, _ := newGateway(t)
	missing := ledger.TxHash("0x" + digest.Hash{}.Hex())

	_, err := c.Fetch(ctx, missing)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, _, err = c.Retrieve(ctx, missing)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	found, err := c.FindByPayloadHash(ctx, digest.Hash{1})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestClient_SubmitRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("permanent", func(t *testing.T) {
		c, _ := newGateway(t, memledger.WithSubmitHook(func(*ledger.SealedTx) error {
			return &ledger.SubmissionError{Reason: "insufficient funds"}
		}))
		tx, _ := seal(t, c, "x")
		_, err := c.Submit(ctx, tx)
		require.ErrorIs(t, err, ledger.ErrSubmission)
		assert.False(t, ledger.IsRetryable(err))

		var p *api.ProblemDetail
		require.True(t, errors.As(err, &p))
		assert.Equal(t, http.StatusUnprocessableEntity, p.Status)
	})

	t.Run("transient", func(t *testing.T) {
		c, _ := newGateway(t, memledger.WithSubmitHook(func(*ledger.SealedTx) error {
			return errors.New("node syncing")
		}))
		tx, _ := seal(t, c, "x")
		_, err := c.Submit(ctx, tx)
		require.ErrorIs(t, err, ledger.ErrSubmission)
		assert.True(t, ledger.IsRetryable(err))
	})

	t.Run("forged signature", func(t *testing.T) {
		c, chain := newGateway(t)
		tx, _ := seal(t, c, "x")
		var parsed ledger.JSONTx
		require.NoError(t, json.Unmarshal(tx.Raw, &parsed))
		parsed.Body.Nonce++
		raw, err := json.Marshal(parsed)
		require.NoError(t, err)

		_, err = c.Submit(ctx, &ledger.SealedTx{Raw: raw, Submitter: tx.Submitter, Nonce: parsed.Body.Nonce})
		require.ErrorIs(t, err, ledger.ErrSubmission)
		assert.False(t, ledger.IsRetryable(err))
		params, err := chain.Prepare(ctx, tx.Submitter)
		require.NoError(t, err)
		assert.Zero(t, params.Nonce)
	})

	t.Run("wrong nonce", func(t *testing.T) {
		c, _ := newGateway(t)
		tx, _ := seal(t, c, "x")
		tx2, _ := seal(t, c, "y") // same nonce as tx
		_, err := c.Submit(ctx, tx)
		require.NoError(t, err)
		_, err = c.Submit(ctx, tx2)
		require.Error(t, err)
		assert.False(t, ledger.IsRetryable(err))
	})
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, WithTimeout(time.Second))
	_, err := c.Submit(context.Background(), &ledger.SealedTx{Raw: []byte("{}")})
	require.ErrorIs(t, err, ledger.ErrSubmission)
	assert.True(t, ledger.IsRetryable(err))
}

func TestClient_StatusMapping(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusConflict, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				api.WriteError(w, tc.status, http.StatusText(tc.status), "scripted")
			}))
			defer srv.Close()

			_, err := New(srv.URL).Submit(context.Background(), &ledger.SealedTx{Raw: []byte("{}")})
			require.Error(t, err)
			assert.Equal(t, tc.retryable, ledger.IsRetryable(err))
		})
	}
}

func TestGateway_BadRequests(t *testing.T) {
	srv := httptest.NewServer(NewGateway(memledger.New()).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/transactions", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/transactions/zz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/records?payload_hash=nothex")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
