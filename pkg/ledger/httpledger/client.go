// Package httpledger talks to a ledger exposed over a small REST protocol,
// and provides the gateway handler that serves that protocol in front of any
// ledger.Client.
//
// Routes:
//
//	GET  /v1/accounts/{submitter}/nonce
//	POST /v1/transactions
//	GET  /v1/transactions/{hash}
//	GET  /v1/transactions/{hash}/receipt
//	GET  /v1/records?payload_hash={hex}
package httpledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Mindburn-Labs/chaintrace/pkg/api"
	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

// DefaultTimeout bounds each HTTP request.
const DefaultTimeout = 15 * time.Second

type nonceResponse struct {
	Nonce   uint64 `json:"nonce"`
	ChainID string `json:"chain_id"`
}

type submitRequest struct {
	Raw string `json:"raw"`
}

type submitResponse struct {
	TxHash ledger.TxHash `json:"tx_hash"`
}

type transactionResponse struct {
	TxHash   ledger.TxHash   `json:"tx_hash"`
	Envelope json.RawMessage `json:"envelope"`
}

type recordsResponse struct {
	TxHashes []ledger.TxHash `json:"tx_hashes"`
}

// Client implements ledger.Client and ledger.Indexer against a REST endpoint.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*resty.Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

// WithHeader adds a header to every request, e.g. an API key.
func WithHeader(name, value string) Option {
	return func(c *resty.Client) { c.SetHeader(name, value) }
}

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *resty.Client) { c.SetTransport(rt) }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(DefaultTimeout).
		SetHeader("Accept", "application/json")
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{
		http:   rc,
		logger: slog.Default().With("component", "ledger.http"),
	}
}

func problemOf(resp *resty.Response) *api.ProblemDetail {
	if p, ok := resp.Error().(*api.ProblemDetail); ok && p.Status != 0 {
		return p
	}
	return &api.ProblemDetail{Status: resp.StatusCode(), Title: http.StatusText(resp.StatusCode())}
}

// Prepare asks the endpoint for submitter's next nonce.
func (c *Client) Prepare(ctx context.Context, submitter string) (*ledger.TxParams, error) {
	var out nonceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("submitter", submitter).
		SetResult(&out).
		SetError(&api.ProblemDetail{}).
		Get("/v1/accounts/{submitter}/nonce")
	if err != nil {
		return nil, fmt.Errorf("httpledger: nonce: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("httpledger: nonce: %w", problemOf(resp))
	}

	chainID, ok := new(big.Int).SetString(out.ChainID, 10)
	if !ok {
		chainID = new(big.Int)
	}
	return &ledger.TxParams{
		Submitter: submitter,
		Nonce:     out.Nonce,
		GasPrice:  new(big.Int),
		ChainID:   chainID,
	}, nil
}

// Seal signs a JSON transaction carrying the envelope.
func (c *Client) Seal(params *ledger.TxParams, rec *provenance.SignedRecord, inline []byte, cred crypto.Credential) (*ledger.SealedTx, error) {
	env, err := provenance.EncodeEnvelope(rec, inline)
	if err != nil {
		return nil, err
	}
	return ledger.SealJSON(params, env, cred)
}

// Submit posts the raw transaction. 4xx responses other than 408 and 429 are
// permanent rejections.
func (c *Client) Submit(ctx context.Context, tx *ledger.SealedTx) (ledger.TxHash, error) {
	var out submitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(submitRequest{Raw: base64.StdEncoding.EncodeToString(tx.Raw)}).
		SetResult(&out).
		SetError(&api.ProblemDetail{}).
		Post("/v1/transactions")
	if err != nil {
		return "", &ledger.SubmissionError{Reason: "endpoint unreachable", Retryable: true, Err: err}
	}
	if resp.IsError() {
		p := problemOf(resp)
		status := resp.StatusCode()
		retryable := status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
		return "", &ledger.SubmissionError{Reason: fmt.Sprintf("endpoint returned %d", status), Retryable: retryable, Err: p}
	}
	if out.TxHash == "" {
		return tx.Hash, nil
	}
	return out.TxHash, nil
}

// Fetch reads the receipt. 404 is ErrNotFound and 202 is ErrPending.
func (c *Client) Fetch(ctx context.Context, tx ledger.TxHash) (*ledger.Receipt, error) {
	var out ledger.Receipt
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("hash", string(tx)).
		SetResult(&out).
		SetError(&api.ProblemDetail{}).
		Get("/v1/transactions/{hash}/receipt")
	if err != nil {
		return nil, fmt.Errorf("httpledger: receipt: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return &out, nil
	case http.StatusAccepted:
		return nil, ledger.ErrPending
	case http.StatusNotFound:
		return nil, ledger.ErrNotFound
	default:
		return nil, fmt.Errorf("httpledger: receipt: %w", problemOf(resp))
	}
}

// Retrieve downloads and decodes the envelope of tx.
func (c *Client) Retrieve(ctx context.Context, tx ledger.TxHash) (*provenance.SignedRecord, []byte, error) {
	var out transactionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("hash", string(tx)).
		SetResult(&out).
		SetError(&api.ProblemDetail{}).
		Get("/v1/transactions/{hash}")
	if err != nil {
		return nil, nil, fmt.Errorf("httpledger: transaction: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil, ledger.ErrNotFound
	}
	if resp.IsError() {
		return nil, nil, fmt.Errorf("httpledger: transaction: %w", problemOf(resp))
	}
	return provenance.DecodeEnvelope(out.Envelope)
}

// FindByPayloadHash asks the endpoint's index for transactions recording h.
func (c *Client) FindByPayloadHash(ctx context.Context, h digest.Hash) ([]ledger.TxHash, error) {
	var out recordsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("payload_hash", h.Hex()).
		SetResult(&out).
		SetError(&api.ProblemDetail{}).
		Get("/v1/records")
	if err != nil {
		return nil, fmt.Errorf("httpledger: records: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("httpledger: records: %w", problemOf(resp))
	}
	return out.TxHashes, nil
}
