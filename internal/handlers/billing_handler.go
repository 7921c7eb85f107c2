package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"podmanager/internal/metrics"
	"podmanager/internal/middleware"
	"podmanager/internal/models"
	"podmanager/internal/services"

	"github.com/rs/zerolog"
)

const maxWebhookBodyBytes = 64 << 10

type WebhookVerifier interface {
	Verify(payload []byte, header string) error
	Parse(payload []byte) (*models.PaymentEvent, error)
}

type PaymentProcessor interface {
	HandlePayment(ctx context.Context, event *models.PaymentEvent) (*models.Purchase, error)
	GetPurchases(ctx context.Context, userID string) ([]*models.Purchase, error)
}

type BillingHandler struct {
	webhook  WebhookVerifier
	payments PaymentProcessor
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewBillingHandler(webhook WebhookVerifier, payments PaymentProcessor, m *metrics.Metrics, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{
		webhook:  webhook,
		payments: payments,
		metrics:  m,
		logger:   logger,
	}
}

// StripeWebhook acknowledges every delivery it will never be able to
// process (ignored types, duplicates) with 200 so the provider stops
// retrying, and answers 500 only when a retry could succeed.
func (h *BillingHandler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.metrics.RecordWebhook("invalid")
		h.respondWithError(w, http.StatusBadRequest, "invalid_payload", "Unable to read request body")
		return
	}

	if err := h.webhook.Verify(payload, r.Header.Get(services.StripeSignatureHeader)); err != nil {
		h.metrics.RecordWebhook("invalid")
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected webhook with invalid signature")
		h.respondWithError(w, http.StatusBadRequest, "invalid_signature", "Invalid webhook signature")
		return
	}

	event, err := h.webhook.Parse(payload)
	switch {
	case errors.Is(err, services.ErrEventIgnored):
		h.metrics.RecordWebhook("ignored")
		h.logger.Debug().Err(err).Msg("Ignoring webhook event")
		h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"received": true, "ignored": true})
		return
	case err != nil:
		h.metrics.RecordWebhook("invalid")
		h.logger.Warn().Err(err).Msg("Rejected malformed webhook event")
		h.respondWithError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	purchase, err := h.payments.HandlePayment(r.Context(), event)
	switch {
	case errors.Is(err, services.ErrDuplicateEvent):
		h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"received": true, "duplicate": true})
		return
	case errors.Is(err, services.ErrPaymentInProgress):
		h.respondWithError(w, http.StatusConflict, "payment_in_progress", "Payment event is still being processed, retry later")
		return
	case err != nil:
		h.metrics.RecordWebhook("error")
		h.logger.Error().Err(err).Str("event_id", event.EventID).Msg("Failed to process payment event")
		h.respondWithError(w, http.StatusInternalServerError, "processing_failed", "Failed to process payment event")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"received":    true,
		"purchase_id": purchase.ID,
		"status":      purchase.Status,
		"credits":     purchase.Credits,
	})
}

func (h *BillingHandler) GetPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "unauthorized", "User not authenticated")
		return
	}

	purchases, err := h.payments.GetPurchases(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch purchases")
		h.respondWithError(w, http.StatusInternalServerError, "fetch_failed", "Failed to fetch purchases")
		return
	}

	h.respondWithJSON(w, http.StatusOK, purchases)
}

func (h *BillingHandler) respondWithError(w http.ResponseWriter, code int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

func (h *BillingHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
