package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campusfood/internal/payments"
	"campusfood/internal/redisx"
)

// TokenSource exchanges Yape credentials for a one-shot payment token.
type TokenSource interface {
	YapeToken(ctx context.Context, phoneNumber, otp string) (string, error)
}

// ChargeBridge is the slice of the payment bridge the HTTP layer drives.
type ChargeBridge interface {
	Charge(ctx context.Context, orderID, token, payerEmail string) (payments.Receipt, error)
	HandleWebhook(ctx context.Context, paymentID, preferenceID string) error
}

type PaymentsHandler struct {
	Bridge   ChargeBridge
	Provider TokenSource
	Redis    *redis.Client
	Log      *zap.Logger
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/payment/yape/token", h.yapeToken)
	r.Post("/payment/yape/{orderID}", h.charge)
	r.Post("/payment/webhook", h.webhook)
}

func (h *PaymentsHandler) yapeToken(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phoneNumber")
	otp := r.URL.Query().Get("otp")
	if phone == "" || otp == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "phoneNumber and otp are required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	token, err := h.Provider.YapeToken(ctx, phone, otp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type chargeRequest struct {
	Token      string `json:"token"`
	PayerEmail string `json:"payer_email"`
}

func (h *PaymentsHandler) charge(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	receipt, err := h.Bridge.Charge(ctx, orderID, req.Token, req.PayerEmail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// webhookBody covers the notification shapes the provider sends: nested
// data.id, flat data_id, and preference-based notifications.
type webhookBody struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
	DataID       string `json:"data_id"`
	PreferenceID string `json:"preference_id"`
}

// webhook acknowledges every delivery with 200 so the provider stops
// retrying; processing failures are logged and left to the next retry or
// the reconciliation sweep.
func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	var body webhookBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	q := r.URL.Query()
	paymentID := firstNonEmpty(body.Data.ID, body.DataID, q.Get("data.id"), q.Get("data_id"), q.Get("id"))
	preferenceID := firstNonEmpty(body.PreferenceID, q.Get("preference_id"))
	kind := firstNonEmpty(body.Type, q.Get("type"), q.Get("topic"))

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	log := h.logger().With(
		zap.String("payment_id", paymentID),
		zap.String("preference_id", preferenceID),
		zap.String("type", kind),
	)

	if paymentID == "" && preferenceID == "" {
		log.Warn("payment webhook without identifiers, discarding")
		h.ack(w)
		return
	}

	if h.seen(ctx, paymentID, kind) {
		log.Info("duplicate payment webhook, skipping")
		h.ack(w)
		return
	}

	if err := h.Bridge.HandleWebhook(ctx, paymentID, preferenceID); err != nil {
		log.Error("payment webhook processing failed", zap.Error(err))
		h.ack(w)
		return
	}

	h.markSeen(ctx, paymentID, kind)
	h.ack(w)
}

func (h *PaymentsHandler) ack(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *PaymentsHandler) seen(ctx context.Context, paymentID, kind string) bool {
	if h.Redis == nil || paymentID == "" {
		return false
	}
	seen, err := redisx.Exists(ctx, h.Redis, fmt.Sprintf(redisx.KeyWebhookDedup, paymentID, kind))
	return err == nil && seen
}

// markSeen records the delivery only after successful processing, so a
// failed attempt stays eligible for the provider's retry.
func (h *PaymentsHandler) markSeen(ctx context.Context, paymentID, kind string) {
	if h.Redis == nil || paymentID == "" {
		return
	}
	if err := h.Redis.Set(ctx, fmt.Sprintf(redisx.KeyWebhookDedup, paymentID, kind), "1", redisx.TTLDedup).Err(); err != nil {
		h.logger().Warn("webhook dedup write failed", zap.String("payment_id", paymentID), zap.Error(err))
	}
}

func (h *PaymentsHandler) logger() *zap.Logger {
	if h.Log != nil {
		return h.Log
	}
	return zap.NewNop()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
