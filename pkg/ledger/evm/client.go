// Package evm records provenance envelopes on an EVM chain. Each record is a
// zero-value legacy transaction the submitter sends to itself, with the
// envelope JSON as calldata.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

// DefaultConfirmations is the finality depth used when none is configured.
const DefaultConfirmations = 12

const (
	txGas       = 21000
	calldataGas = 16
)

// Backend is the subset of ethclient.Client the ledger needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Config tunes the client.
type Config struct {
	// Confirmations is the number of blocks, including the inclusion block,
	// before a receipt is reported confirmed.
	Confirmations uint64
	// GasLimit overrides the computed intrinsic gas when non-zero.
	GasLimit uint64
	// ChainID pins the chain; when nil it is queried on first Prepare.
	ChainID *big.Int
}

// Client implements ledger.Client over an EVM JSON-RPC endpoint.
type Client struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
}

// New wraps backend.
func New(backend Backend, cfg Config) *Client {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = DefaultConfirmations
	}
	return &Client{
		backend: backend,
		cfg:     cfg,
		logger:  slog.Default().With("component", "ledger.evm"),
	}
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, url string, cfg Config) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", url, err)
	}
	return New(ec, cfg), nil
}

// Prepare fetches the pending nonce, gas price and chain id for submitter.
func (c *Client) Prepare(ctx context.Context, submitter string) (*ledger.TxParams, error) {
	if !common.IsHexAddress(submitter) {
		return nil, fmt.Errorf("evm: submitter %q is not an address", submitter)
	}
	addr := common.HexToAddress(submitter)

	nonce, err := c.backend.PendingNonceAt(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("evm: pending nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: gas price: %w", err)
	}
	chainID := c.cfg.ChainID
	if chainID == nil {
		if chainID, err = c.backend.ChainID(ctx); err != nil {
			return nil, fmt.Errorf("evm: chain id: %w", err)
		}
	}

	return &ledger.TxParams{
		Submitter: addr.Hex(),
		Nonce:     nonce,
		GasPrice:  gasPrice,
		GasLimit:  c.cfg.GasLimit,
		ChainID:   chainID,
	}, nil
}

// IntrinsicGas is the upper bound of gas a self-send carrying data consumes.
func IntrinsicGas(data []byte) uint64 {
	return txGas + calldataGas*uint64(len(data))
}

// Seal builds and signs the self-send transaction. cred must be a secp256k1
// credential whose address is params.Submitter.
func (c *Client) Seal(params *ledger.TxParams, rec *provenance.SignedRecord, inline []byte, cred crypto.Credential) (*ledger.SealedTx, error) {
	holder, ok := cred.(crypto.ECDSAKeyHolder)
	if !ok {
		return nil, &crypto.CredentialError{Source: "memory", Reason: "evm ledger requires a secp256k1 credential"}
	}
	key, err := holder.ECDSAKey()
	if err != nil {
		return nil, err
	}
	if !crypto.SameIdentity(cred.Identity(), params.Submitter) {
		return nil, fmt.Errorf("evm: credential %s does not match submitter %s", cred.Identity(), params.Submitter)
	}

	data, err := provenance.EncodeEnvelope(rec, inline)
	if err != nil {
		return nil, err
	}
	gas := params.GasLimit
	if gas == 0 {
		gas = IntrinsicGas(data)
	}

	to := common.HexToAddress(params.Submitter)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    params.Nonce,
		GasPrice: params.GasPrice,
		Gas:      gas,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(params.ChainID), key)
	if err != nil {
		return nil, fmt.Errorf("evm: sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("evm: encode tx: %w", err)
	}

	return &ledger.SealedTx{
		Hash:      ledger.TxHash(signed.Hash().Hex()),
		Raw:       raw,
		Envelope:  data,
		Submitter: params.Submitter,
		Nonce:     params.Nonce,
	}, nil
}

// Submit broadcasts the sealed transaction.
func (c *Client) Submit(ctx context.Context, sealed *ledger.SealedTx) (ledger.TxHash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(sealed.Raw); err != nil {
		return "", &ledger.SubmissionError{Reason: "malformed transaction", Err: err}
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		if isAlreadyKnown(err) {
			c.logger.Debug("transaction already known", "tx", sealed.Hash)
			return sealed.Hash, nil
		}
		return "", classify(err)
	}
	return ledger.TxHash(tx.Hash().Hex()), nil
}

// Fetch maps the chain's view of tx onto a ledger.Receipt.
func (c *Client) Fetch(ctx context.Context, txHash ledger.TxHash) (*ledger.Receipt, error) {
	h := common.HexToHash(string(txHash))

	rcpt, err := c.backend.TransactionReceipt(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		_, pending, txErr := c.backend.TransactionByHash(ctx, h)
		switch {
		case errors.Is(txErr, ethereum.NotFound):
			return nil, ledger.ErrNotFound
		case txErr != nil:
			return nil, fmt.Errorf("evm: transaction lookup: %w", txErr)
		case pending:
			return nil, ledger.ErrPending
		default:
			// indexed but receipt not served yet
			return nil, ledger.ErrPending
		}
	}
	if err != nil {
		return nil, fmt.Errorf("evm: receipt: %w", err)
	}

	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: block number: %w", err)
	}
	header, err := c.backend.HeaderByNumber(ctx, rcpt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("evm: block header: %w", err)
	}

	block := rcpt.BlockNumber.Uint64()
	r := &ledger.Receipt{
		TxHash:         txHash,
		BlockNumber:    block,
		BlockTimestamp: int64(header.Time), //nolint:gosec // block times fit in int64
		GasUsed:        rcpt.GasUsed,
		Status:         ledger.StatusPending,
	}
	if head >= block {
		r.Confirmations = head - block + 1
	}
	switch {
	case rcpt.Status != types.ReceiptStatusSuccessful:
		r.Status = ledger.StatusFailed
	case r.Confirmations >= c.cfg.Confirmations:
		r.Status = ledger.StatusConfirmed
	}
	return r, nil
}

// Retrieve decodes the envelope from the transaction's calldata.
func (c *Client) Retrieve(ctx context.Context, txHash ledger.TxHash) (*provenance.SignedRecord, []byte, error) {
	tx, _, err := c.backend.TransactionByHash(ctx, common.HexToHash(string(txHash)))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("evm: transaction lookup: %w", err)
	}
	return provenance.DecodeEnvelope(tx.Data())
}

var permanentRejections = []string{
	"insufficient funds",
	"nonce too low",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"invalid sender",
	"oversized data",
	"transaction type not supported",
	"only replay-protected",
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// classify splits node errors into permanent rejections and transient failures.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	for _, p := range permanentRejections {
		if strings.Contains(msg, p) {
			return &ledger.SubmissionError{Reason: p, Retryable: false, Err: err}
		}
	}
	return &ledger.SubmissionError{Reason: "endpoint error", Retryable: true, Err: err}
}
