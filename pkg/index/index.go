// Package index keeps a local lookup table from payload hash to the ledger
// transactions that recorded it. Ledgers generally cannot be searched by
// transaction content, so verify-by-data relies on an index.
package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

// ErrNotFound means the index has no entry for the transaction.
var ErrNotFound = errors.New("index: entry not found")

// Entry is one recorded transaction.
type Entry struct {
	TxHash        ledger.TxHash      `json:"tx_hash"`
	PayloadHash   digest.Hash        `json:"payload_hash"`
	HashAlgorithm string             `json:"hash_algorithm"`
	TypeTag       provenance.TypeTag `json:"type_tag"`
	Submitter     string             `json:"submitter"`
	Timestamp     int64              `json:"timestamp"`
	Status        ledger.Status      `json:"status"`
	BlockNumber   uint64             `json:"block_number"`
	RecordedAt    time.Time          `json:"recorded_at"`
}

// EntryFor builds the entry for a submitted record.
func EntryFor(tx ledger.TxHash, rec *provenance.SignedRecord, now time.Time) *Entry {
	return &Entry{
		TxHash:        tx,
		PayloadHash:   rec.Package.PayloadHash,
		HashAlgorithm: string(rec.Package.HashAlgorithm),
		TypeTag:       rec.Package.TypeTag,
		Submitter:     rec.Package.Submitter,
		Timestamp:     rec.Package.Timestamp,
		Status:        ledger.StatusPending,
		RecordedAt:    now.UTC(),
	}
}

// Apply copies the receipt's status into e.
func (e *Entry) Apply(r *ledger.Receipt) {
	e.Status = r.Status
	e.BlockNumber = r.BlockNumber
}

// Index stores entries. Put is an upsert keyed by TxHash.
type Index interface {
	ledger.Indexer
	Put(ctx context.Context, e *Entry) error
	Get(ctx context.Context, tx ledger.TxHash) (*Entry, error)
	// List returns the most recently recorded entries first.
	List(ctx context.Context, limit int) ([]*Entry, error)
	Close() error
}

// Config selects an index backend.
type Config struct {
	Driver string // sqlite, postgres, memory, or empty for none
	DSN    string
}

// Open returns the configured index, or nil when Driver is empty or "none".
func Open(ctx context.Context, cfg Config) (Index, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("index: unsupported driver %q", cfg.Driver)
	}
}
