package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"embarques/internal/compat"
	"embarques/internal/domain"
	"embarques/internal/engine"
)

// maxWebhookBody bounds what the partner can post in one delivery.
const maxWebhookBody = 1 << 20

type webhookHandler struct {
	engine engine.Engine
	secret string
	header string
	sem    *semaphore.Weighted
	log    zerolog.Logger
}

func newWebhookHandler(e engine.Engine, log zerolog.Logger) *webhookHandler {
	return &webhookHandler{
		engine: e,
		secret: e.Config.Partner.WebhookSecret,
		header: e.Config.SignatureHeader(),
		sem:    semaphore.NewWeighted(int64(e.Config.MaxConcurrentDeliveries())),
		log:    log,
	}
}

type webhookOutcome struct {
	Outcome string `json:"outcome"`
}

// ServeHTTP handles one partner delivery. Signature verification happens on
// the raw bytes before anything is parsed; a spoofed event never reaches the
// pipeline.
func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large", "payload too large", nil))
		return
	}
	sig := r.Header.Get(h.header)
	if err := VerifySignature(h.secret, body, sig); err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("webhook rejected")
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "authentication_failed", "authentication failed", nil))
		return
	}

	if err := h.sem.Acquire(r.Context(), 1); err != nil {
		respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "overloaded", "delivery capacity exhausted", nil))
		return
	}
	defer h.sem.Release(1)

	raw := domain.RawEvent{
		Signature:     sig,
		Timestamp:     r.Header.Get("X-Orbium-Timestamp"),
		SourceVersion: r.Header.Get("X-Orbium-Schema-Version"),
		BodyBytes:     body,
	}
	outcome, err := h.engine.ProcessEvent(r.Context(), raw)
	if err != nil {
		var sme compat.SchemaMismatchError
		if errors.As(err, &sme) {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "schema_mismatch", sme.Error(), nil))
			return
		}
		var ite engine.InvalidTransitionError
		if errors.As(err, &ite) {
			respondStatusError(w, newAPIError(http.StatusUnprocessableEntity, "invalid_transition", ite.Error(), nil))
			return
		}
		// Transient store failure: 5xx so the partner redelivers, which is
		// safe under dedup by event id.
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
		return
	}
	respondJSON(w, http.StatusOK, webhookOutcome{Outcome: string(outcome)})
}
