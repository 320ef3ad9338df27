package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
const devAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

// fakeBackend is a single-node chain that includes transactions on demand.
type fakeBackend struct {
	mu       sync.Mutex
	chainID  *big.Int
	head     uint64
	nonces   map[common.Address]uint64
	txs      map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sendErr  error
	sent     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(31337),
		head:     100,
		nonces:   make(map[common.Address]uint64),
		txs:      make(map[common.Hash]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) PendingNonceAt(_ context.Context, a common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[a], nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(7), nil }
func (f *fakeBackend) ChainID(context.Context) (*big.Int, error)         { return f.chainID, nil }

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	if f.sendErr != nil {
		return f.sendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}
	if _, ok := f.txs[tx.Hash()]; ok {
		return errors.New("already known")
	}
	f.nonces[from]++
	f.txs[tx.Hash()] = tx
	return nil
}

// include mines tx into the next block with the given status.
func (f *fakeBackend) include(h common.Hash, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	f.receipts[h] = &types.Receipt{
		Status:      status,
		TxHash:      h,
		BlockNumber: new(big.Int).SetUint64(f.head),
		GasUsed:     21000,
	}
}

func (f *fakeBackend) advance(n uint64) {
	f.mu.Lock()
	f.head += n
	f.mu.Unlock()
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	_, mined := f.receipts[h]
	return tx, !mined, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	return &types.Header{Number: n, Time: 1700000000 + n.Uint64()*12}, nil
}

func sealTestRecord(t *testing.T, c *Client) (*ledger.SealedTx, *provenance.SignedRecord) {
	t.Helper()
	ctx := context.Background()
	cred, err := crypto.HexSource{Scheme: crypto.SchemeSecp256k1, Key: devKey}.Acquire(ctx)
	require.NoError(t, err)
	defer cred.Destroy()

	a, err := provenance.NewBuilder(nil).Assemble(map[string]any{"acc": 0.95}, provenance.TagMLModel, nil)
	require.NoError(t, err)
	rec, err := crypto.NewSigner().Sign(a.Package, cred)
	require.NoError(t, err)

	params, err := c.Prepare(ctx, cred.Identity())
	require.NoError(t, err)
	sealed, err := c.Seal(params, rec, a.Payload, cred)
	require.NoError(t, err)
	return sealed, rec
}

func TestClient_SealIsSelfSend(t *testing.T) {
	fb := newFakeBackend()
	c := New(fb, Config{})

	sealed, _ := sealTestRecord(t, c)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(sealed.Raw))
	assert.Equal(t, common.HexToAddress(devAddr), *tx.To())
	assert.Zero(t, tx.Value().Sign())
	assert.Equal(t, sealed.Envelope, tx.Data())
	assert.Equal(t, IntrinsicGas(tx.Data()), tx.Gas())
	assert.Equal(t, big.NewInt(7), tx.GasPrice())
	assert.Equal(t, uint64(0), tx.Nonce())

	from, err := types.Sender(types.LatestSignerForChainID(fb.chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(devAddr), from)
	assert.Equal(t, ledger.TxHash(tx.Hash().Hex()), sealed.Hash)
}

func TestClient_Lifecycle(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	c := New(fb, Config{Confirmations: 3})

	sealed, rec := sealTestRecord(t, c)
	hash, err := c.Submit(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, sealed.Hash, hash)

	_, err = c.Fetch(ctx, hash)
	assert.ErrorIs(t, err, ledger.ErrPending)

	fb.include(common.HexToHash(string(hash)), types.ReceiptStatusSuccessful)
	r, err := c.Fetch(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, r.Status)
	assert.Equal(t, uint64(1), r.Confirmations)
	assert.Equal(t, uint64(101), r.BlockNumber)
	assert.Equal(t, int64(1700000000+101*12), r.BlockTimestamp)
	assert.Equal(t, uint64(21000), r.GasUsed)

	fb.advance(2)
	r, err = c.Fetch(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, r.Status)
	assert.Equal(t, uint64(3), r.Confirmations)

	got, inline, err := c.Retrieve(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, rec.Package.PayloadHash, got.Package.PayloadHash)
	assert.Equal(t, `{"acc":0.95}`, string(inline))
	ok, err := crypto.VerifyRecord(got)
	require.NoError(t, err)
	assert.True(t, ok)

	// identical bytes again
	again, err := c.Submit(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, hash, again)
}

func TestClient_FailedReceipt(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	c := New(fb, Config{Confirmations: 1})

	sealed, _ := sealTestRecord(t, c)
	_, err := c.Submit(ctx, sealed)
	require.NoError(t, err)
	fb.include(common.HexToHash(string(sealed.Hash)), types.ReceiptStatusFailed)

	r, err := c.Fetch(ctx, sealed.Hash)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, r.Status)
}

func TestClient_NotFound(t *testing.T) {
	c := New(newFakeBackend(), Config{})
	unknown := ledger.TxHash(common.Hash{1}.Hex())

	_, err := c.Fetch(context.Background(), unknown)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, _, err = c.Retrieve(context.Background(), unknown)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestClient_SubmitClassification(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
	}{
		{errors.New("insufficient funds for gas * price + value"), false},
		{errors.New("nonce too low"), false},
		{errors.New("connection refused"), true},
		{errors.New("503 Service Unavailable"), true},
	}
	for _, tc := range cases {
		fb := newFakeBackend()
		c := New(fb, Config{})
		sealed, _ := sealTestRecord(t, c)

		fb.sendErr = tc.err
		_, err := c.Submit(context.Background(), sealed)
		require.Error(t, err)
		assert.ErrorIs(t, err, ledger.ErrSubmission)
		assert.Equal(t, tc.retryable, ledger.IsRetryable(err), tc.err.Error())
	}
}

func TestClient_SealRequiresSecp256k1(t *testing.T) {
	c := New(newFakeBackend(), Config{})
	cred, err := crypto.HexSource{Scheme: crypto.SchemeEd25519, Key: "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"}.Acquire(context.Background())
	require.NoError(t, err)
	defer cred.Destroy()

	_, err = c.Seal(&ledger.TxParams{Submitter: devAddr, ChainID: big.NewInt(1), GasPrice: big.NewInt(1)}, &provenance.SignedRecord{}, nil, cred)
	assert.ErrorIs(t, err, crypto.ErrCredential)
}

func TestClient_PrepareRejectsNonAddress(t *testing.T) {
	c := New(newFakeBackend(), Config{})
	_, err := c.Prepare(context.Background(), "d75a980182b10ab7d54bfed3c964073a")
	assert.Error(t, err)

	params, err := c.Prepare(context.Background(), devAddr)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(31337), params.ChainID)
	assert.Equal(t, devAddr, params.Submitter)
}
