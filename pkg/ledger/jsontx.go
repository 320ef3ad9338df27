package ledger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/Mindburn-Labs/chaintrace/pkg/canonicalize"
	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
)

// ErrTxSignature means a JSON transaction is not signed by its submitter.
var ErrTxSignature = errors.New("ledger: transaction signature does not match submitter")

// JSONTxBody is the signed part of a transaction on JSON-native ledgers
// (the in-memory chain and REST gateways).
type JSONTxBody struct {
	ChainID   string          `json:"chain_id"`
	Nonce     uint64          `json:"nonce"`
	Submitter string          `json:"submitter"`
	Scheme    string          `json:"scheme"`
	Envelope  json.RawMessage `json:"envelope"`
}

// JSONTx is a body plus the submitter's signature over its canonical bytes.
type JSONTx struct {
	Body      JSONTxBody `json:"body"`
	Signature string     `json:"signature"`
}

// SealJSON signs envelope as a JSON transaction. The hash is the sha256 of
// the canonical raw transaction.
func SealJSON(params *TxParams, envelope []byte, cred crypto.Credential) (*SealedTx, error) {
	chainID := params.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	body := JSONTxBody{
		ChainID:   chainID.String(),
		Nonce:     params.Nonce,
		Submitter: params.Submitter,
		Scheme:    cred.Scheme(),
		Envelope:  envelope,
	}
	bodyBytes, err := canonicalize.Canonicalize(body)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode tx: %w", err)
	}
	sig, err := cred.Sign(bodyBytes)
	if err != nil {
		return nil, fmt.Errorf("ledger: sign tx: %w", err)
	}
	raw, err := canonicalize.Canonicalize(JSONTx{Body: body, Signature: hex.EncodeToString(sig)})
	if err != nil {
		return nil, fmt.Errorf("ledger: encode tx: %w", err)
	}
	return &SealedTx{
		Hash:      jsonTxHash(raw),
		Raw:       raw,
		Envelope:  envelope,
		Submitter: params.Submitter,
		Nonce:     params.Nonce,
	}, nil
}

// DecodeJSONTx parses raw bytes produced by SealJSON back into a SealedTx
// and checks the body signature against the declared submitter.
func DecodeJSONTx(raw []byte) (*SealedTx, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tx JSONTx
	if err := dec.Decode(&tx); err != nil {
		return nil, fmt.Errorf("ledger: decode tx: %w", err)
	}
	if len(tx.Body.Envelope) == 0 {
		return nil, fmt.Errorf("ledger: decode tx: missing envelope")
	}
	sig, err := hex.DecodeString(tx.Signature)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode tx: signature: %w", err)
	}
	bodyBytes, err := canonicalize.Canonicalize(tx.Body)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode tx: %w", err)
	}
	ok, err := crypto.VerifySignature(tx.Body.Scheme, tx.Body.Submitter, bodyBytes, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTxSignature, err)
	}
	if !ok {
		return nil, ErrTxSignature
	}
	return &SealedTx{
		Hash:      jsonTxHash(raw),
		Raw:       raw,
		Envelope:  []byte(tx.Body.Envelope),
		Submitter: tx.Body.Submitter,
		Nonce:     tx.Body.Nonce,
	}, nil
}

func jsonTxHash(raw []byte) TxHash {
	return TxHash("0x" + (&digest.Engine{}).Digest(raw).Hex())
}
