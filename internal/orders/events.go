package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderPaid      = "OrderPaid"
	EventOrderReady     = "OrderReady"
	EventOrderCompleted = "OrderCompleted"
	EventOrderCancelled = "OrderCancelled"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type LineEvent struct {
	MenuItemID     string `json:"menu_item_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type OrderCreatedPayload struct {
	OrderID    string      `json:"order_id"`
	UserID     string      `json:"user_id"`
	VendorID   string      `json:"vendor_id"`
	PickupTime int64       `json:"pickup_time_ms"`
	TotalCents int64       `json:"total_cents"`
	Lines      []LineEvent `json:"lines"`
}

// StatusChangedPayload covers paid/ready/completed/cancelled events.
type StatusChangedPayload struct {
	OrderID   string `json:"order_id"`
	Status    Status `json:"status"`
	PaymentID string `json:"payment_id,omitempty"`
	Reason    string `json:"reason,omitempty"` // e.g. EXPIRED for sweeper cancellations
}
