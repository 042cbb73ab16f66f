package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campusfood/internal/orders"
	"campusfood/internal/redisx"
)

// TokenVerifier extracts the caller's user id from a bearer token.
type TokenVerifier interface {
	UserID(token string) (string, error)
}

// VendorDirectory resolves a caller to the vendor they operate, and
// decides whether a caller may read a vendor's order queue.
type VendorDirectory interface {
	VendorIDForUser(ctx context.Context, userID string) (string, error)
	Authorized(ctx context.Context, userID, vendorID string) (bool, error)
}

type OrdersHandler struct {
	Engine  *orders.Engine
	Catalog VendorDirectory
	Auth    TokenVerifier
	Redis   *redis.Client
	Log     *zap.Logger
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/pay", h.payOrder)
	r.Post("/orders/{id}/ready", h.markReady)
	r.Post("/orders/{id}/complete", h.markCompleted)
	r.Delete("/orders/{id}", h.cancelOrder)
	r.Get("/orders/user/{userID}", h.listByUser)
	r.Get("/orders/vendor/{vendorID}", h.listByVendor)
}

type createOrderRequest struct {
	UserID        string `json:"user_id"`
	VendorID      string `json:"vendor_id"`
	PaymentMethod string `json:"payment_method"`
	Items         []struct {
		MenuItemID string `json:"menu_item_id"`
		Quantity   int    `json:"quantity"`
	} `json:"items"`
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	lines := make([]orders.LineInput, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, orders.LineInput{MenuItemID: it.MenuItemID, Quantity: it.Quantity})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Engine.CreateOrder(ctx, req.UserID, req.VendorID, lines, req.PaymentMethod)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheSnapshot(ctx, o)
	writeJSON(w, http.StatusCreated, toOrderJSON(o))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.Redis != nil {
		if raw, err := h.Redis.Get(ctx, fmt.Sprintf(redisx.KeyOrderSnapshot, id)).Bytes(); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(raw)
			return
		}
	}

	o, err := h.Engine.GetOrder(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheSnapshot(ctx, o)
	writeJSON(w, http.StatusOK, toOrderJSON(o))
}

func (h *OrdersHandler) payOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Engine.MarkPaid(ctx, id, "")
	if err != nil {
		writeError(w, err)
		return
	}
	h.refreshSnapshot(ctx, o)
	writeJSON(w, http.StatusOK, toOrderJSON(o))
}

func (h *OrdersHandler) markReady(w http.ResponseWriter, r *http.Request) {
	h.vendorTransition(w, r, h.Engine.MarkReady)
}

func (h *OrdersHandler) markCompleted(w http.ResponseWriter, r *http.Request) {
	h.vendorTransition(w, r, h.Engine.MarkCompleted)
}

func (h *OrdersHandler) vendorTransition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, orderID, vendorID string) (*orders.Order, error)) {

	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Vendor scoping is best effort: without a token the transition is
	// not restricted to a vendor, matching kiosk-style terminals.
	vendorID := ""
	if userID, ok := h.caller(r); ok {
		if vid, err := h.Catalog.VendorIDForUser(ctx, userID); err == nil {
			vendorID = vid
		}
	}

	o, err := fn(ctx, id, vendorID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.refreshSnapshot(ctx, o)
	writeJSON(w, http.StatusOK, toOrderJSON(o))
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	userID, ok := h.caller(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid token"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Engine.Cancel(ctx, id, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.refreshSnapshot(ctx, o)
	writeJSON(w, http.StatusOK, toOrderJSON(o))
}

func (h *OrdersHandler) listByUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	list, err := h.Engine.OrdersByUser(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderListJSON(list))
}

func (h *OrdersHandler) listByVendor(w http.ResponseWriter, r *http.Request) {
	vendorID := chi.URLParam(r, "vendorID")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if userID, ok := h.caller(r); ok {
		allowed, err := h.Catalog.Authorized(ctx, userID, vendorID)
		if err == nil && !allowed {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
	}

	list, err := h.Engine.OrdersByVendor(ctx, vendorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderListJSON(list))
}

// caller returns the user id from the Authorization header, if a valid
// bearer token is present.
func (h *OrdersHandler) caller(r *http.Request) (string, bool) {
	if h.Auth == nil {
		return "", false
	}
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	token, found := strings.CutPrefix(raw, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	userID, err := h.Auth.UserID(token)
	if err != nil {
		return "", false
	}
	return userID, true
}

func (h *OrdersHandler) cacheSnapshot(ctx context.Context, o *orders.Order) {
	if h.Redis == nil {
		return
	}
	raw, err := json.Marshal(toOrderJSON(o))
	if err != nil {
		return
	}
	if err := h.Redis.Set(ctx, fmt.Sprintf(redisx.KeyOrderSnapshot, o.ID), raw, redisx.TTLSnapshotCache).Err(); err != nil && h.Log != nil {
		h.Log.Warn("order snapshot cache write failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// refreshSnapshot overwrites the cached snapshot after a state change so
// reads do not serve a stale status for the cache TTL.
func (h *OrdersHandler) refreshSnapshot(ctx context.Context, o *orders.Order) {
	h.cacheSnapshot(ctx, o)
}
