package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"chaintv/internal/gate"
	"chaintv/internal/logging"
	"chaintv/internal/payments"
	"chaintv/internal/price"
	"chaintv/internal/streams"
	"chaintv/internal/wallet"
)

var validPlaybackIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// StreamLoader loads stream descriptors.
type StreamLoader interface {
	Load(ctx context.Context, playbackID string) (*streams.Descriptor, error)
}

// PriceSource is the price oracle as seen by the API.
type PriceSource interface {
	Acquire() (release func())
	Refresh(ctx context.Context) error
	Sample() (price.Sample, bool)
	USDToLamports(usd decimal.Decimal) (uint64, bool)
}

// Handler handles HTTP requests.
type Handler struct {
	streams  StreamLoader
	prices   PriceSource
	wallet   *wallet.Bridge
	payments *payments.Service
	sessions *SessionRegistry
	mux      *http.ServeMux
}

// NewHandler creates a new HTTP handler.
func NewHandler(loader StreamLoader, prices PriceSource, bridge *wallet.Bridge, svc *payments.Service, sessions *SessionRegistry) *Handler {
	h := &Handler{
		streams:  loader,
		prices:   prices,
		wallet:   bridge,
		payments: svc,
		sessions: sessions,
		mux:      http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/sessions", h.handleOpenSession)
	h.mux.HandleFunc("GET /api/sessions/{id}", h.handleGetSession)
	h.mux.HandleFunc("POST /api/sessions/{id}/pay", h.handlePay)
	h.mux.HandleFunc("POST /api/sessions/{id}/ack", h.handleAck)
	h.mux.HandleFunc("DELETE /api/sessions/{id}", h.handleCloseSession)
	h.mux.HandleFunc("GET /api/price", h.handlePrice)
	h.mux.HandleFunc("GET /api/wallet", h.handleWallet)
	h.mux.HandleFunc("GET /api/receipts/{signature}", h.handleReceipt)
	h.mux.Handle("GET /metrics", promhttp.Handler())
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func isValidPlaybackID(id string) bool {
	return id != "" && len(id) <= 128 && validPlaybackIDPattern.MatchString(id)
}

// OpenSessionRequest is the request body for opening a session.
type OpenSessionRequest struct {
	PlaybackID string `json:"playbackId"`
}

// StreamView is the public part of a descriptor.
type StreamView struct {
	PlaybackID   string               `json:"playbackId"`
	Owner        string               `json:"owner"`
	Policy       streams.AccessPolicy `json:"policy"`
	PriceUSD     decimal.Decimal      `json:"priceUsd"`
	Payers       int                  `json:"payers"`
	Presentation streams.Presentation `json:"presentation"`
}

func newStreamView(d *streams.Descriptor) *StreamView {
	if d == nil {
		return nil
	}
	return &StreamView{
		PlaybackID:   d.PlaybackID,
		Owner:        d.Owner,
		Policy:       d.Policy,
		PriceUSD:     d.PriceUSD,
		Payers:       d.PayerCount(),
		Presentation: d.Presentation,
	}
}

// SessionResponse is returned by the session endpoints.
type SessionResponse struct {
	gate.Snapshot
	Stream *StreamView `json:"stream,omitempty"`
}

// PayResponse is returned after a successful payment.
type PayResponse struct {
	Session SessionResponse   `json:"session"`
	Receipt *payments.Receipt `json:"receipt"`
}

// ErrorResponse is the body of payment errors.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Kind      payments.Kind    `json:"kind,omitempty"`
	Outcome   string           `json:"outcome,omitempty"`
	Signature string           `json:"signature,omitempty"`
	Session   *SessionResponse `json:"session,omitempty"`
}

// PriceResponse is returned by the price endpoint.
type PriceResponse struct {
	Rate      decimal.Decimal  `json:"rate"`
	FetchedAt time.Time        `json:"fetchedAt"`
	Fallback  bool             `json:"fallback"`
	USD       *decimal.Decimal `json:"usd,omitempty"`
	Lamports  uint64           `json:"lamports,omitempty"`
	SOL       *decimal.Decimal `json:"sol,omitempty"`
}

func (h *Handler) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r)
	if !h.sessions.CanOpen(ip) {
		logging.HTTP.Warn().Str("ip", ip).Int("open", h.sessions.Count(ip)).Msg("session limit reached")
		http.Error(w, "too many open sessions", http.StatusTooManyRequests)
		return
	}

	var req OpenSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !isValidPlaybackID(req.PlaybackID) {
		http.Error(w, "invalid playback id", http.StatusBadRequest)
		return
	}

	desc, err := h.streams.Load(r.Context(), req.PlaybackID)
	if err != nil {
		switch {
		case errors.Is(err, streams.ErrNotFound):
			http.Error(w, "stream not found", http.StatusNotFound)
		case errors.Is(err, streams.ErrNetwork), errors.Is(err, streams.ErrInvalidDescriptor):
			logging.HTTP.Error().Err(err).Str("playback_id", req.PlaybackID).Msg("failed to load stream")
			http.Error(w, "stream backend unavailable", http.StatusBadGateway)
		default:
			logging.HTTP.Error().Err(err).Str("playback_id", req.PlaybackID).Msg("failed to load stream")
			http.Error(w, "failed to load stream", http.StatusInternalServerError)
		}
		return
	}

	sess := gate.NewSession()
	if addr, ok := h.wallet.Address(); ok {
		sess.SetViewer(addr)
		desc = h.payments.ApplyJournal(r.Context(), desc, addr)
	}
	sess.SetDescriptor(desc)

	var release func()
	if h.prices != nil {
		release = h.prices.Acquire()
	}
	h.sessions.Add(ip, sess, release)

	logging.HTTP.Info().
		Str("session", sess.ID()).
		Str("playback_id", desc.PlaybackID).
		Stringer("state", sess.State()).
		Msg("session opened")

	writeJSON(w, http.StatusCreated, sessionResponse(sess))
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*gate.Session, context.Context, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return nil, nil, false
	}
	sess, ctx, ok := h.sessions.Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return nil, nil, false
	}
	return sess, ctx, true
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.lookup(w, r)
	if !ok {
		return
	}
	addr, _ := h.wallet.Address()
	sess.SetViewer(addr)
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	sess, sessCtx, ok := h.lookup(w, r)
	if !ok {
		return
	}
	addr, _ := h.wallet.Address()
	sess.SetViewer(addr)

	// Closing the session aborts the request as well.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(sessCtx, cancel)
	defer stop()

	// The wallet may have connected after the session was opened.
	if desc := sess.Descriptor(); desc != nil && addr != "" {
		if d := h.payments.ApplyJournal(ctx, desc, addr); d != desc {
			sess.SetDescriptor(d)
		}
	}
	// The first lease fetches the rate in the background.
	if h.prices != nil && !h.hasRate() && sess.CheckPayable() == nil {
		if err := h.prices.Refresh(ctx); err != nil {
			logging.HTTP.Warn().Err(err).Str("session", sess.ID()).Msg("price refresh before payment failed")
		}
	}

	receipt, err := h.payments.PayStream(ctx, sess)
	if err != nil {
		h.writePaymentError(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, PayResponse{Session: sessionResponse(sess), Receipt: receipt})
}

func (h *Handler) hasRate() bool {
	_, ok := h.prices.Sample()
	return ok
}

func (h *Handler) writePaymentError(w http.ResponseWriter, sess *gate.Session, err error) {
	kind := payments.KindOf(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}
	var pe *payments.PaymentError
	if errors.As(err, &pe) {
		resp.Outcome = pe.Outcome.String()
		resp.Signature = pe.Signature
	}
	if !sess.Detached() {
		sr := sessionResponse(sess)
		resp.Session = &sr
	}

	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		logging.HTTP.Error().Err(err).Str("session", sess.ID()).Str("kind", string(kind)).Msg("payment failed")
	} else {
		logging.HTTP.Info().Err(err).Str("session", sess.ID()).Str("kind", string(kind)).Msg("payment not completed")
	}
	writeJSON(w, status, resp)
}

func statusForKind(kind payments.Kind) int {
	switch kind {
	case payments.KindInputValidation:
		return http.StatusBadRequest
	case payments.KindConflict, payments.KindUserDeclined:
		return http.StatusConflict
	case payments.KindCapabilityMissing:
		return http.StatusPreconditionFailed
	case payments.KindTransport, payments.KindBackendReconciliation:
		return http.StatusBadGateway
	case payments.KindOnChainExecution:
		return http.StatusUnprocessableEntity
	case payments.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := sess.Acknowledge(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if !h.sessions.Remove(id) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	logging.HTTP.Info().Str("session", id).Msg("session closed")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePrice(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		http.Error(w, "price unavailable", http.StatusServiceUnavailable)
		return
	}
	sample, ok := h.prices.Sample()
	if !ok {
		http.Error(w, "price unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := PriceResponse{Rate: sample.Rate, FetchedAt: sample.FetchedAt, Fallback: sample.Fallback}

	if q := r.URL.Query().Get("usd"); q != "" {
		usd, err := decimal.NewFromString(q)
		if err != nil || !usd.IsPositive() {
			http.Error(w, "usd must be a positive number", http.StatusBadRequest)
			return
		}
		lamports, ok := h.prices.USDToLamports(usd)
		if !ok {
			http.Error(w, "price unavailable", http.StatusServiceUnavailable)
			return
		}
		sol := price.LamportsToSOL(lamports)
		resp.USD = &usd
		resp.Lamports = lamports
		resp.SOL = &sol
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleWallet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.wallet.Snapshot())
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	sig := r.PathValue("signature")
	receipt, err := h.payments.Receipt(r.Context(), sig)
	if err != nil {
		if errors.Is(err, payments.ErrReceiptNotFound) {
			http.Error(w, "receipt not found", http.StatusNotFound)
			return
		}
		logging.HTTP.Error().Err(err).Str("signature", sig).Msg("failed to load receipt")
		http.Error(w, "failed to load receipt", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func sessionResponse(sess *gate.Session) SessionResponse {
	return SessionResponse{Snapshot: sess.Snapshot(), Stream: newStreamView(sess.Descriptor())}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.HTTP.Error().Err(err).Msg("failed to encode response")
	}
}
