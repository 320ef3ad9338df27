// Package ledger defines the contract between the engine and a ledger
// endpoint, plus the receipt and error types shared by every backend.
//
// A Client talks to exactly one endpoint and never retries on its own;
// retry and confirmation policy belong to the recorder.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

// TxHash identifies a ledger transaction. Backends use 0x-prefixed lowercase hex.
type TxHash string

// ParseTxHash normalizes s to 0x-prefixed lowercase hex.
func ParseTxHash(s string) (TxHash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return "", fmt.Errorf("ledger: empty transaction hash")
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("ledger: transaction hash %q is not hex", s)
		}
	}
	return TxHash("0x" + s), nil
}

func (h TxHash) String() string { return string(h) }

// Status is the finality state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Receipt is the ledger's view of a submitted transaction at query time.
type Receipt struct {
	TxHash         TxHash `json:"tx_hash"`
	BlockNumber    uint64 `json:"block_number"`
	BlockTimestamp int64  `json:"block_timestamp"`
	Status         Status `json:"status"`
	Confirmations  uint64 `json:"confirmations"`
	GasUsed        uint64 `json:"gas_used,omitempty"`
}

// Terminal reports whether the status can no longer change.
func (r *Receipt) Terminal() bool {
	return r.Status == StatusConfirmed || r.Status == StatusFailed
}

// PendingReceipt is the receipt of a transaction that was sent but not yet seen.
func PendingReceipt(tx TxHash) *Receipt {
	return &Receipt{TxHash: tx, Status: StatusPending}
}

// TxParams are the endpoint-assigned values a transaction needs before it
// can be signed.
type TxParams struct {
	Submitter string
	Nonce     uint64
	GasPrice  *big.Int
	GasLimit  uint64
	ChainID   *big.Int
}

// SealedTx is a fully signed transaction. Resubmitting it sends identical bytes.
type SealedTx struct {
	Hash      TxHash
	Raw       []byte
	Envelope  []byte
	Submitter string
	Nonce     uint64
}

// Client is one ledger endpoint.
type Client interface {
	// Prepare fetches nonce, fee and chain parameters for submitter.
	Prepare(ctx context.Context, submitter string) (*TxParams, error)
	// Seal encodes rec (and inline payload bytes, if any) into a transaction
	// and signs it. It is local and performs no I/O.
	Seal(params *TxParams, rec *provenance.SignedRecord, inline []byte, cred crypto.Credential) (*SealedTx, error)
	// Submit sends tx. Failures are *SubmissionError.
	Submit(ctx context.Context, tx *SealedTx) (TxHash, error)
	// Fetch returns the current receipt; ErrNotFound for unknown hashes and
	// ErrPending for known but unincluded transactions.
	Fetch(ctx context.Context, tx TxHash) (*Receipt, error)
	// Retrieve decodes the record (and inline payload) carried by tx.
	Retrieve(ctx context.Context, tx TxHash) (*provenance.SignedRecord, []byte, error)
}

// Indexer is implemented by clients that can look records up by payload hash.
type Indexer interface {
	FindByPayloadHash(ctx context.Context, h digest.Hash) ([]TxHash, error)
}

var (
	// ErrNotFound means the ledger does not know the transaction.
	ErrNotFound = errors.New("ledger: transaction not found")
	// ErrPending means the transaction is known but not yet in a block.
	ErrPending = errors.New("ledger: transaction pending")
	// ErrSubmission matches every *SubmissionError.
	ErrSubmission = errors.New("ledger: submission failed")
)

// SubmissionError is a failed Submit. Retryable is false for rejections that
// resending the same bytes cannot fix (malformed tx, insufficient funds).
type SubmissionError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *SubmissionError) Error() string {
	msg := "ledger: submission failed: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }

// IsRetryable reports whether err is a retryable *SubmissionError.
func IsRetryable(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se) && se.Retryable
}
