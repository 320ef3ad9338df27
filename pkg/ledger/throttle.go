package ledger

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

// Throttle wraps c so every endpoint call first waits on limiter. Seal is
// local and never waits. The result implements Indexer when c does.
func Throttle(c Client, limiter *rate.Limiter) Client {
	if limiter == nil {
		return c
	}
	t := &throttled{next: c, limiter: limiter}
	if idx, ok := c.(Indexer); ok {
		return &throttledIndexer{throttled: t, idx: idx}
	}
	return t
}

type throttled struct {
	next    Client
	limiter *rate.Limiter
}

func (t *throttled) Prepare(ctx context.Context, submitter string) (*TxParams, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.next.Prepare(ctx, submitter)
}

func (t *throttled) Seal(params *TxParams, rec *provenance.SignedRecord, inline []byte, cred crypto.Credential) (*SealedTx, error) {
	return t.next.Seal(params, rec, inline, cred)
}

func (t *throttled) Submit(ctx context.Context, tx *SealedTx) (TxHash, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", &SubmissionError{Reason: "rate limit wait aborted", Retryable: ctx.Err() == nil, Err: err}
	}
	return t.next.Submit(ctx, tx)
}

func (t *throttled) Fetch(ctx context.Context, tx TxHash) (*Receipt, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.next.Fetch(ctx, tx)
}

func (t *throttled) Retrieve(ctx context.Context, tx TxHash) (*provenance.SignedRecord, []byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	return t.next.Retrieve(ctx, tx)
}

type throttledIndexer struct {
	*throttled
	idx Indexer
}

func (t *throttledIndexer) FindByPayloadHash(ctx context.Context, h digest.Hash) ([]TxHash, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.idx.FindByPayloadHash(ctx, h)
}
