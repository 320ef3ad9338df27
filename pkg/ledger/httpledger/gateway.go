package httpledger

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/chaintrace/pkg/api"
	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

// maxTxBytes bounds a submitted transaction body.
const maxTxBytes = 4 << 20

// Gateway serves the REST ledger protocol in front of backend. Submitted
// transactions must be JSON transactions (see ledger.SealJSON).
type Gateway struct {
	backend ledger.Client
	logger  *slog.Logger
}

// NewGateway creates a gateway for backend.
func NewGateway(backend ledger.Client) *Gateway {
	return &Gateway{
		backend: backend,
		logger:  slog.Default().With("component", "ledger.gateway"),
	}
}

// Register mounts the gateway routes on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/accounts/{submitter}/nonce", g.handleNonce)
	mux.HandleFunc("POST /v1/transactions", g.handleSubmit)
	mux.HandleFunc("GET /v1/transactions/{hash}", g.handleTransaction)
	mux.HandleFunc("GET /v1/transactions/{hash}/receipt", g.handleReceipt)
	mux.HandleFunc("GET /v1/records", g.handleRecords)
}

// Handler returns a standalone handler serving only the gateway routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	g.Register(mux)
	return mux
}

func (g *Gateway) handleNonce(w http.ResponseWriter, r *http.Request) {
	params, err := g.backend.Prepare(r.Context(), r.PathValue("submitter"))
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	chainID := "0"
	if params.ChainID != nil {
		chainID = params.ChainID.String()
	}
	api.WriteJSON(w, http.StatusOK, nonceResponse{Nonce: params.Nonce, ChainID: chainID})
}

func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTxBytes)).Decode(&req); err != nil {
		api.WriteBadRequest(w, "request body must be {\"raw\": base64}")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Raw)
	if err != nil {
		api.WriteBadRequest(w, "raw is not base64")
		return
	}
	tx, err := ledger.DecodeJSONTx(raw)
	if err != nil {
		api.WriteUnprocessable(w, err.Error())
		return
	}

	hash, err := g.backend.Submit(r.Context(), tx)
	if err != nil {
		var se *ledger.SubmissionError
		if errors.As(err, &se) && !se.Retryable {
			api.WriteUnprocessable(w, se.Error())
			return
		}
		g.logger.Warn("submission failed", "tx", tx.Hash, "error", err)
		api.WriteUnavailable(w, "ledger backend unavailable")
		return
	}
	api.WriteJSON(w, http.StatusAccepted, submitResponse{TxHash: hash})
}

func (g *Gateway) handleTransaction(w http.ResponseWriter, r *http.Request) {
	hash, err := ledger.ParseTxHash(r.PathValue("hash"))
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	rec, inline, err := g.backend.Retrieve(r.Context(), hash)
	if errors.Is(err, ledger.ErrNotFound) {
		api.WriteNotFound(w, "unknown transaction")
		return
	}
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	env, err := provenance.EncodeEnvelope(rec, inline)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, transactionResponse{TxHash: hash, Envelope: env})
}

func (g *Gateway) handleReceipt(w http.ResponseWriter, r *http.Request) {
	hash, err := ledger.ParseTxHash(r.PathValue("hash"))
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	rcpt, err := g.backend.Fetch(r.Context(), hash)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		api.WriteNotFound(w, "unknown transaction")
	case errors.Is(err, ledger.ErrPending):
		api.WriteJSON(w, http.StatusAccepted, ledger.PendingReceipt(hash))
	case err != nil:
		api.WriteInternal(w, err)
	default:
		api.WriteJSON(w, http.StatusOK, rcpt)
	}
}

func (g *Gateway) handleRecords(w http.ResponseWriter, r *http.Request) {
	idx, ok := g.backend.(ledger.Indexer)
	if !ok {
		api.WriteError(w, http.StatusNotImplemented, "Not Implemented", "backend has no payload index")
		return
	}
	h, err := digest.FromHex(r.URL.Query().Get("payload_hash"))
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	found, err := idx.FindByPayloadHash(r.Context(), h)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if found == nil {
		found = []ledger.TxHash{}
	}
	api.WriteJSON(w, http.StatusOK, recordsResponse{TxHashes: found})
}
