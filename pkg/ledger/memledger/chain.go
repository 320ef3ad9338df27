// Package memledger is an in-memory, hash-chained ledger for tests and local
// demos. Transactions wait in a mempool until Mine seals them into a block;
// each block hash covers its predecessor.
package memledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/Mindburn-Labs/chaintrace/pkg/canonicalize"
	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

const genesis = "genesis"

// ChainID is reported by Prepare.
var ChainID = big.NewInt(1337)

// Block is a sealed batch of transactions.
type Block struct {
	Number    uint64          `json:"number"`
	Timestamp int64           `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Txs       []ledger.TxHash `json:"txs"`
}

type entry struct {
	tx       *ledger.SealedTx
	payload  digest.Hash
	block    uint64 // 0 while in the mempool
	reverted bool
}

// Chain implements ledger.Client and ledger.Indexer.
type Chain struct {
	mu            sync.RWMutex
	engine        *digest.Engine
	blocks        []Block
	headHash      string
	txs           map[ledger.TxHash]*entry
	order         []ledger.TxHash
	mempool       []ledger.TxHash
	nonces        map[string]uint64
	clock         func() time.Time
	confirmations uint64
	autoMine      bool
	submitHook    func(*ledger.SealedTx) error
	revert        func(*ledger.SealedTx) bool
	logger        *slog.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(c *Chain) { c.clock = clock }
}

// WithConfirmations sets how many blocks (including its own) a transaction
// needs before it is reported confirmed. Default 1.
func WithConfirmations(n uint64) Option {
	return func(c *Chain) {
		if n > 0 {
			c.confirmations = n
		}
	}
}

// WithAutoMine mines a block after every accepted submission.
func WithAutoMine() Option {
	return func(c *Chain) { c.autoMine = true }
}

// WithSubmitHook runs before a submission is accepted; a non-nil error
// rejects it. Tests use it to simulate endpoint failures.
func WithSubmitHook(hook func(*ledger.SealedTx) error) Option {
	return func(c *Chain) { c.submitHook = hook }
}

// WithRevert marks matching transactions as failed when they are mined.
func WithRevert(revert func(*ledger.SealedTx) bool) Option {
	return func(c *Chain) { c.revert = revert }
}

// New creates an empty chain.
func New(opts ...Option) *Chain {
	c := &Chain{
		engine:        &digest.Engine{},
		headHash:      genesis,
		txs:           make(map[ledger.TxHash]*entry),
		nonces:        make(map[string]uint64),
		clock:         time.Now,
		confirmations: 1,
		logger:        slog.Default().With("component", "memledger"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prepare returns the next nonce for submitter, counting mempool transactions.
func (c *Chain) Prepare(ctx context.Context, submitter string) (*ledger.TxParams, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &ledger.TxParams{
		Submitter: submitter,
		Nonce:     c.nonces[submitter],
		GasPrice:  big.NewInt(0),
		ChainID:   new(big.Int).Set(ChainID),
	}, nil
}

// Seal signs the transaction body with cred.
func (c *Chain) Seal(params *ledger.TxParams, rec *provenance.SignedRecord, inline []byte, cred crypto.Credential) (*ledger.SealedTx, error) {
	env, err := provenance.EncodeEnvelope(rec, inline)
	if err != nil {
		return nil, err
	}
	return ledger.SealJSON(params, env, cred)
}

// Submit places tx in the mempool. Resubmitting a known transaction is a no-op.
func (c *Chain) Submit(ctx context.Context, tx *ledger.SealedTx) (ledger.TxHash, error) {
	if err := ctx.Err(); err != nil {
		return "", &ledger.SubmissionError{Reason: "context done", Retryable: false, Err: err}
	}
	if c.submitHook != nil {
		if err := c.submitHook(tx); err != nil {
			return "", err
		}
	}
	signed, err := ledger.DecodeJSONTx(tx.Raw)
	if err != nil {
		return "", &ledger.SubmissionError{Reason: "invalid transaction", Err: err}
	}
	if signed.Submitter != tx.Submitter || signed.Nonce != tx.Nonce {
		return "", &ledger.SubmissionError{Reason: "transaction fields do not match its signed body"}
	}
	rec, _, err := provenance.DecodeEnvelope(signed.Envelope)
	if err != nil {
		return "", &ledger.SubmissionError{Reason: "malformed transaction", Err: err}
	}

	c.mu.Lock()
	if _, known := c.txs[tx.Hash]; known {
		c.mu.Unlock()
		return tx.Hash, nil
	}
	if want := c.nonces[tx.Submitter]; tx.Nonce != want {
		c.mu.Unlock()
		return "", &ledger.SubmissionError{Reason: fmt.Sprintf("nonce %d, expected %d", tx.Nonce, want)}
	}
	c.nonces[tx.Submitter]++
	c.txs[tx.Hash] = &entry{tx: tx, payload: rec.Package.PayloadHash}
	c.order = append(c.order, tx.Hash)
	c.mempool = append(c.mempool, tx.Hash)
	c.mu.Unlock()

	c.logger.Debug("transaction accepted", "tx", tx.Hash, "submitter", tx.Submitter, "nonce", tx.Nonce)
	if c.autoMine {
		c.Mine()
	}
	return tx.Hash, nil
}

// Mine seals the mempool into a new block and returns its number. An empty
// mempool still produces a block, which advances confirmations.
func (c *Chain) Mine() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	number := uint64(len(c.blocks)) + 1
	b := Block{
		Number:    number,
		Timestamp: c.clock().Unix(),
		PrevHash:  c.headHash,
		Txs:       c.mempool,
	}
	b.Hash = c.blockHash(b)

	for _, h := range b.Txs {
		e := c.txs[h]
		e.block = number
		if c.revert != nil && c.revert(e.tx) {
			e.reverted = true
		}
	}
	c.blocks = append(c.blocks, b)
	c.headHash = b.Hash
	c.mempool = nil
	return number
}

func (c *Chain) blockHash(b Block) string {
	hashInput := struct {
		Number    uint64          `json:"number"`
		Timestamp int64           `json:"timestamp"`
		PrevHash  string          `json:"prev"`
		Txs       []ledger.TxHash `json:"txs"`
	}{b.Number, b.Timestamp, b.PrevHash, b.Txs}
	raw, err := canonicalize.Canonicalize(hashInput)
	if err != nil {
		// only strings and small integers, cannot fail
		panic(err)
	}
	return c.engine.Digest(raw).Hex()
}

// Fetch reports the receipt of tx.
func (c *Chain) Fetch(ctx context.Context, tx ledger.TxHash) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.txs[tx]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if e.block == 0 {
		return nil, ledger.ErrPending
	}

	b := c.blocks[e.block-1]
	r := &ledger.Receipt{
		TxHash:         tx,
		BlockNumber:    b.Number,
		BlockTimestamp: b.Timestamp,
		Confirmations:  uint64(len(c.blocks)) - b.Number + 1,
		Status:         ledger.StatusPending,
	}
	switch {
	case e.reverted:
		r.Status = ledger.StatusFailed
	case r.Confirmations >= c.confirmations:
		r.Status = ledger.StatusConfirmed
	}
	return r, nil
}

// Retrieve decodes the envelope carried by tx.
func (c *Chain) Retrieve(ctx context.Context, tx ledger.TxHash) (*provenance.SignedRecord, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	c.mu.RLock()
	e, ok := c.txs[tx]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, ledger.ErrNotFound
	}
	return provenance.DecodeEnvelope(e.tx.Envelope)
}

// FindByPayloadHash lists transactions recording h, oldest first.
func (c *Chain) FindByPayloadHash(ctx context.Context, h digest.Hash) ([]ledger.TxHash, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []ledger.TxHash
	for _, tx := range c.order {
		if c.txs[tx].payload == h {
			out = append(out, tx)
		}
	}
	return out, nil
}

// Head returns the current head block hash.
func (c *Chain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headHash
}

// Height returns the number of mined blocks.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.blocks))
}

// Verify checks the integrity of the entire block chain.
func (c *Chain) Verify() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	prevHash := genesis
	for i, b := range c.blocks {
		if b.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at block %d: expected prev %s, got %s", i+1, prevHash, b.PrevHash)
		}
		if c.blockHash(b) != b.Hash {
			return false, fmt.Sprintf("hash mismatch at block %d", i+1)
		}
		prevHash = b.Hash
	}
	return true, "chain verified"
}
