package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mindburn-Labs/chaintrace/pkg/canonicalize"
	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
	"github.com/Mindburn-Labs/chaintrace/pkg/index"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
	"github.com/Mindburn-Labs/chaintrace/pkg/recorder"
	"github.com/Mindburn-Labs/chaintrace/pkg/verifier"
)

const (
	maxBodyBytes   = 8 << 20
	defaultListLen = 50
	idempotencyTTL = 24 * time.Hour
)

// Deps are the engine components the server exposes.
type Deps struct {
	Recorder    *recorder.Recorder
	Verifier    *verifier.Verifier
	Ledger      ledger.Client
	Credentials crypto.CredentialSource
	// Index is optional; without it GET /v1/records answers 501.
	Index index.Index
	// Idempotency defaults to an in-memory store.
	Idempotency IdempotencyStore
	// Registry defaults to a fresh registry with Go and process collectors.
	Registry *prometheus.Registry
	// Gateway, when set, is served under /ledger/ so remote engines can
	// use this process as their http ledger endpoint.
	Gateway   http.Handler
	RateLimit float64
	RateBurst int
	Version   string
	Logger    *slog.Logger
}

// Server is the chaintrace HTTP API.
type Server struct {
	deps    Deps
	metrics *Metrics
	limiter *GlobalRateLimiter
	handler http.Handler
	logger  *slog.Logger
}

// NewServer wires the routes.
func NewServer(d Deps) (*Server, error) {
	if d.Recorder == nil || d.Verifier == nil || d.Ledger == nil || d.Credentials == nil {
		return nil, errors.New("api: recorder, verifier, ledger and credentials are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default().With("component", "api")
	}
	if d.Idempotency == nil {
		d.Idempotency = NewMemoryIdempotencyStore(idempotencyTTL)
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
		d.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if d.RateLimit <= 0 {
		d.RateLimit = 20
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 40
	}

	s := &Server{
		deps:    d,
		metrics: NewMetrics(d.Registry),
		limiter: NewGlobalRateLimiter(d.RateLimit, d.RateBurst),
		logger:  d.Logger,
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/records", IdempotencyMiddleware(d.Idempotency, s.logger)(http.HandlerFunc(s.handleRecord)))
	mux.HandleFunc("GET /v1/records", s.handleList)
	mux.HandleFunc("GET /v1/records/{tx}/verify", s.handleVerifyByHash)
	mux.HandleFunc("POST /v1/verify", s.handleVerifyByData)
	mux.HandleFunc("GET /v1/receipts/{tx}", s.handleReceipt)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	if d.Gateway != nil {
		mux.Handle("/ledger/", http.StripPrefix("/ledger", d.Gateway))
	}

	s.handler = Chain(s.metrics.Middleware(mux),
		RequestID,
		Logging(s.logger),
		s.limiter.Middleware,
	)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// Close releases background resources.
func (s *Server) Close() { s.limiter.Close() }

// dataRequest is the body of POST /v1/records and POST /v1/verify.
type dataRequest struct {
	Payload  json.RawMessage `json:"payload,omitempty"`
	TypeTag  string          `json:"type_tag"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	TxHash   string          `json:"tx_hash,omitempty"`
}

// decodeData reads the body with numbers kept as json.Number so the hash
// matches the caller's literal values.
func decodeData(w http.ResponseWriter, r *http.Request) (*dataRequest, any, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	var req dataRequest
	if err := dec.Decode(&req); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	payload, err := provenance.DecodePayload(req.Payload)
	if err != nil {
		return nil, nil, err
	}
	return &req, payload, nil
}

type recordResponse struct {
	Receipt   *ledger.Receipt  `json:"receipt"`
	Outcome   recorder.Outcome `json:"outcome,omitempty"`
	StatusURL string           `json:"status_url"`
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	req, payload, err := decodeData(w, r)
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	tag := provenance.TypeTag(req.TypeTag)

	receipt, err := s.deps.Recorder.Record(r.Context(), recorder.Request{
		Payload:  payload,
		TypeTag:  tag,
		Metadata: req.Metadata,
	}, s.deps.Credentials)

	var re *recorder.RecordError
	switch {
	case err == nil:
		s.metrics.records.WithLabelValues(string(tag), string(receipt.Status)).Inc()
		status := http.StatusCreated
		if receipt.Status != ledger.StatusConfirmed {
			status = http.StatusAccepted
		}
		WriteJSON(w, status, recordResponse{Receipt: receipt, StatusURL: "/v1/receipts/" + string(receipt.TxHash)})
		return
	case !errors.As(err, &re):
		s.metrics.records.WithLabelValues(string(tag), "error").Inc()
		WriteInternal(w, err)
		return
	}

	s.metrics.records.WithLabelValues(string(tag), string(re.Outcome)).Inc()
	switch {
	case errors.Is(err, provenance.ErrInvalidTypeTag),
		errors.Is(err, provenance.ErrInvalidMetadata),
		errors.Is(err, canonicalize.ErrUnsupportedType):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", re.Cause.Error())
	case errors.Is(err, crypto.ErrCredential):
		WriteInternal(w, err)
	case re.Outcome == recorder.OutcomeUnknown:
		WriteJSON(w, http.StatusAccepted, recordResponse{Receipt: receipt, Outcome: re.Outcome, StatusURL: "/v1/receipts/" + string(re.TxHash)})
	case re.Outcome == recorder.OutcomeRejected:
		WriteProblem(w, &ProblemDetail{
			Title:    "Transaction Failed",
			Status:   http.StatusUnprocessableEntity,
			Detail:   fmt.Sprintf("transaction %s failed on the ledger", re.TxHash),
			Instance: r.URL.Path,
		})
	default:
		WriteProblem(w, &ProblemDetail{
			Title:     "Not Submitted",
			Status:    http.StatusServiceUnavailable,
			Detail:    fmt.Sprintf("record was not submitted after %d attempt(s): %v", re.Attempts, re.Cause),
			Instance:  r.URL.Path,
			Retryable: true,
		})
	}
}

func (s *Server) handleVerifyByHash(w http.ResponseWriter, r *http.Request) {
	tx, err := ledger.ParseTxHash(r.PathValue("tx"))
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	res, err := s.deps.Verifier.VerifyByHash(r.Context(), tx)
	if err != nil {
		s.logger.WarnContext(r.Context(), "verify by hash failed", "tx_hash", tx, "error", err)
		WriteUnavailable(w, "ledger query failed")
		return
	}
	s.metrics.verifies.WithLabelValues("hash", strconv.FormatBool(res.Verified)).Inc()
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleVerifyByData(w http.ResponseWriter, r *http.Request) {
	req, payload, err := decodeData(w, r)
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	var tx ledger.TxHash
	if req.TxHash != "" {
		if tx, err = ledger.ParseTxHash(req.TxHash); err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
	}

	res, err := s.deps.Verifier.VerifyByData(r.Context(), payload, provenance.TypeTag(req.TypeTag), req.Metadata, tx)
	switch {
	case err == nil:
	case errors.Is(err, provenance.ErrInvalidTypeTag), errors.Is(err, canonicalize.ErrUnsupportedType):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	case errors.Is(err, verifier.ErrNoIndex):
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", "tx_hash is required: no payload hash index is configured")
		return
	default:
		s.logger.WarnContext(r.Context(), "verify by data failed", "error", err)
		WriteUnavailable(w, "ledger query failed")
		return
	}
	s.metrics.verifies.WithLabelValues("data", strconv.FormatBool(res.Verified)).Inc()
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	tx, err := ledger.ParseTxHash(r.PathValue("tx"))
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	receipt, err := s.deps.Ledger.Fetch(r.Context(), tx)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "unknown transaction "+string(tx))
	case errors.Is(err, ledger.ErrPending):
		WriteJSON(w, http.StatusAccepted, ledger.PendingReceipt(tx))
	case err != nil:
		s.logger.WarnContext(r.Context(), "receipt fetch failed", "tx_hash", tx, "error", err)
		WriteUnavailable(w, "ledger query failed")
	default:
		WriteJSON(w, http.StatusOK, receipt)
	}
}

type listResponse struct {
	Records []*index.Entry `json:"records"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Index == nil {
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", "no index is configured")
		return
	}
	limit := defaultListLen
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	entries, err := s.deps.Index.List(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if entries == nil {
		entries = []*index.Entry{}
	}
	WriteJSON(w, http.StatusOK, listResponse{Records: entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.deps.Version})
}
