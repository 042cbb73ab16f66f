package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"campusfood/internal/auth"
	"campusfood/internal/money"
	"campusfood/internal/orders"
	"campusfood/internal/payments"
	"campusfood/internal/stock"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var (
		ve *orders.ValidationError
		te *orders.TransitionError
		ie *stock.InsufficientError
		re *payments.RejectionError
		pe *payments.ProviderError
	)
	switch {
	case errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, orders.ErrUserNotFound),
		errors.Is(err, orders.ErrVendorNotFound),
		errors.Is(err, orders.ErrMenuItemNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, orders.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.Is(err, auth.ErrInvalidToken):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Msg})
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  te.Error(),
			"status": string(te.From),
		})
	case errors.As(err, &ie):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     ie.Error(),
			"available": ie.Available,
			"requested": ie.Requested,
		})
	case errors.Is(err, stock.ErrUnavailable), errors.Is(err, stock.ErrNotConfigured):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &re):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":         re.Message,
			"status_detail": re.StatusDetail,
		})
	case errors.As(err, &pe):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": pe.Message})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

type orderItemJSON struct {
	MenuItemID string `json:"menu_item_id"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	Price      string `json:"price"`
}

type orderJSON struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	PickupTime    int64           `json:"pickup_time"` // epoch millis
	UserID        string          `json:"user_id"`
	UserName      string          `json:"user_name"`
	VendorID      string          `json:"vendor_id"`
	VendorName    string          `json:"vendor_name"`
	PickupCode    string          `json:"pickup_code"`
	PaymentMethod string          `json:"payment_method"`
	PaymentID     string          `json:"payment_id,omitempty"`
	PreferenceID  string          `json:"preference_id,omitempty"`
	Items         []orderItemJSON `json:"items"`
}

func toOrderJSON(o *orders.Order) orderJSON {
	items := make([]orderItemJSON, 0, len(o.Lines))
	for _, l := range o.Lines {
		items = append(items, orderItemJSON{
			MenuItemID: l.MenuItemID,
			Name:       l.ItemName,
			Quantity:   l.Quantity,
			Price:      money.FormatCents(l.UnitPriceCents),
		})
	}
	return orderJSON{
		ID:            o.ID,
		Status:        string(o.Status),
		PickupTime:    o.PickupTime.UnixMilli(),
		UserID:        o.UserID,
		UserName:      o.UserName,
		VendorID:      o.VendorID,
		VendorName:    o.VendorName,
		PickupCode:    o.PickupCode,
		PaymentMethod: o.PaymentMethod,
		PaymentID:     o.PaymentID,
		PreferenceID:  o.PreferenceID,
		Items:         items,
	}
}

func toOrderListJSON(list []*orders.Order) []orderJSON {
	out := make([]orderJSON, 0, len(list))
	for _, o := range list {
		out = append(out, toOrderJSON(o))
	}
	return out
}
