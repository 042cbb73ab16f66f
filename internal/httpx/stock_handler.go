package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"campusfood/internal/stock"
)

type StockHandler struct {
	Ledger *stock.Ledger
	Log    *zap.Logger
}

func (h *StockHandler) Register(r chi.Router) {
	r.Put("/menu/{menuItemID}/availability", h.configure)
	r.Get("/menu/{menuItemID}/availability", h.get)
}

type configureRequest struct {
	Date        string `json:"date"`
	Stock       *int   `json:"stock"`
	IsAvailable *bool  `json:"is_available"`
}

type entryJSON struct {
	MenuItemID  string `json:"menu_item_id"`
	Date        string `json:"date"`
	Stock       int    `json:"stock"`
	IsAvailable bool   `json:"is_available"`
}

func toEntryJSON(e stock.Entry) entryJSON {
	return entryJSON{
		MenuItemID:  e.MenuItemID,
		Date:        e.Date.Format("2006-01-02"),
		Stock:       e.Stock,
		IsAvailable: e.IsAvailable,
	}
}

func (h *StockHandler) configure(w http.ResponseWriter, r *http.Request) {
	menuItemID := chi.URLParam(r, "menuItemID")

	var req configureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Stock != nil && *req.Stock < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "stock must not be negative"})
		return
	}

	day, err := parseDay(req.Date)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "date must be YYYY-MM-DD"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	entry, err := h.Ledger.Configure(ctx, menuItemID, day, req.Stock, req.IsAvailable)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryJSON(entry))
}

func (h *StockHandler) get(w http.ResponseWriter, r *http.Request) {
	menuItemID := chi.URLParam(r, "menuItemID")

	day, err := parseDay(r.URL.Query().Get("date"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "date must be YYYY-MM-DD"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	entry, err := h.Ledger.Get(ctx, menuItemID, day)
	if err != nil {
		if errors.Is(err, stock.ErrNotConfigured) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryJSON(entry))
}

// parseDay accepts YYYY-MM-DD and defaults to today when empty.
func parseDay(s string) (time.Time, error) {
	if s == "" {
		return stock.Day(time.Now()), nil
	}
	return time.Parse("2006-01-02", s)
}
