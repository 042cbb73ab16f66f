package orders

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "campusfood/internal/kafka"
	"campusfood/internal/money"
)

// Store is the order persistence port; implemented by Repo.
type Store interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	ListByUser(ctx context.Context, userID string) ([]*Order, error)
	ListByVendor(ctx context.Context, vendorID string) ([]*Order, error)
	Transition(ctx context.Context, id string, from, to Status) (*Order, error)
	MarkPaid(ctx context.Context, id, paymentRef string) (*Order, error)
	PendingBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Ledger is the stock port. Reserve must serialize per (item, date) entry;
// Release is invoked at most once per reservation being undone, tracked by
// the order's status transition rather than by the ledger.
type Ledger interface {
	Reserve(ctx context.Context, menuItemID string, day time.Time, qty int) error
	Release(ctx context.Context, menuItemID string, day time.Time, qty int) error
}

// Directory is the read-only catalog collaborator: users, vendors, menu items.
type Directory interface {
	User(ctx context.Context, id string) (name string, err error)
	Vendor(ctx context.Context, id string) (Vendor, error)
	MenuItem(ctx context.Context, id string) (MenuItem, error)
}

// EventSink decouples the engine from the Kafka producer for tests.
type EventSink interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Engine owns every status transition. Orders are created here, stock is
// committed at creation time, and stock returns happen exactly once per
// winning CANCELLED transition.
type Engine struct {
	Store   Store
	Ledger  Ledger
	Catalog Directory
	Events  EventSink // optional
	Log     *zap.Logger
	Service string
	Now     func() time.Time // test clock; defaults to time.Now
}

const defaultClosingTime = "18:00"

// CreateOrder validates the request, snapshots every line's name and price,
// reserves stock line by line, and persists the order as PENDING_PAYMENT.
// If any line fails, lines reserved earlier in this call are released again
// before the original error surfaces; a partial reservation never persists.
func (e *Engine) CreateOrder(ctx context.Context, userID, vendorID string, lines []LineInput, paymentMethod string) (*Order, error) {
	if userID == "" {
		return nil, validationf("user is required")
	}
	if vendorID == "" {
		return nil, validationf("vendor is required")
	}
	if len(lines) == 0 {
		return nil, validationf("order must contain at least one item")
	}
	if strings.TrimSpace(paymentMethod) == "" {
		return nil, validationf("payment method is required")
	}

	userName, err := e.Catalog.User(ctx, userID)
	if err != nil {
		return nil, err
	}
	vendor, err := e.Catalog.Vendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	pickup := pickupTime(vendor.ClosingTime, now)
	day := dateOf(pickup)

	// Resolve and validate every line before touching the ledger.
	resolved := make([]Line, 0, len(lines))
	for _, in := range lines {
		if in.Quantity <= 0 {
			return nil, validationf("quantity must be greater than 0")
		}
		item, err := e.Catalog.MenuItem(ctx, in.MenuItemID)
		if err != nil {
			return nil, err
		}
		cents, err := money.ParseCents(item.Price)
		if err != nil {
			return nil, validationf("menu item %q has an invalid price %q", item.Name, item.Price)
		}
		resolved = append(resolved, Line{
			MenuItemID:     item.ID,
			ItemName:       item.Name,
			Quantity:       in.Quantity,
			UnitPriceCents: cents,
		})
	}

	reserved := make([]Line, 0, len(resolved))
	for _, l := range resolved {
		if err := e.Ledger.Reserve(ctx, l.MenuItemID, day, l.Quantity); err != nil {
			e.releaseLines(ctx, day, reserved)
			return nil, err
		}
		reserved = append(reserved, l)
	}

	o := &Order{
		ID:            uuid.NewString(),
		Status:        StatusPendingPayment,
		UserID:        userID,
		VendorID:      vendorID,
		CreatedAt:     now,
		PickupTime:    pickup,
		PickupCode:    newPickupCode(),
		PaymentMethod: strings.ToUpper(strings.TrimSpace(paymentMethod)),
		UserName:      userName,
		VendorName:    vendor.Name,
		Lines:         resolved,
	}
	if err := e.Store.Create(ctx, o); err != nil {
		e.releaseLines(ctx, day, reserved)
		return nil, err
	}

	e.publish(EventOrderCreated, o.ID, OrderCreatedPayload{
		OrderID:    o.ID,
		UserID:     o.UserID,
		VendorID:   o.VendorID,
		PickupTime: o.PickupTime.UnixMilli(),
		TotalCents: o.TotalCents(),
		Lines:      lineEvents(o.Lines),
	})
	return o, nil
}

// MarkPaid settles an order awaiting payment. paymentRef may be empty for
// the direct (non-provider) pay flow. Stock was already committed at
// creation, so there is no ledger side effect.
func (e *Engine) MarkPaid(ctx context.Context, orderID, paymentRef string) (*Order, error) {
	o, err := e.Store.MarkPaid(ctx, orderID, paymentRef)
	if err != nil {
		return nil, err
	}
	e.publish(EventOrderPaid, o.ID, StatusChangedPayload{OrderID: o.ID, Status: o.Status, PaymentID: paymentRef})
	return o, nil
}

// MarkReady moves a paid order to READY_FOR_PICKUP. A non-empty
// requestingVendorID must match the order's vendor.
func (e *Engine) MarkReady(ctx context.Context, orderID, requestingVendorID string) (*Order, error) {
	if err := e.checkVendor(ctx, orderID, requestingVendorID); err != nil {
		return nil, err
	}
	o, err := e.Store.Transition(ctx, orderID, StatusPaid, StatusReadyForPickup)
	if err != nil {
		return nil, err
	}
	e.publish(EventOrderReady, o.ID, StatusChangedPayload{OrderID: o.ID, Status: o.Status})
	return o, nil
}

// MarkCompleted closes out a picked-up order.
func (e *Engine) MarkCompleted(ctx context.Context, orderID, requestingVendorID string) (*Order, error) {
	if err := e.checkVendor(ctx, orderID, requestingVendorID); err != nil {
		return nil, err
	}
	o, err := e.Store.Transition(ctx, orderID, StatusReadyForPickup, StatusCompleted)
	if err != nil {
		return nil, err
	}
	e.publish(EventOrderCompleted, o.ID, StatusChangedPayload{OrderID: o.ID, Status: o.Status})
	return o, nil
}

// Cancel cancels an unpaid order. A non-empty requestingUserID must own the
// order.
func (e *Engine) Cancel(ctx context.Context, orderID, requestingUserID string) (*Order, error) {
	return e.cancel(ctx, orderID, requestingUserID, "")
}

// CancelAutomatically is the ownerless cancel used by the expiration sweeper
// and the webhook reconciliation path.
func (e *Engine) CancelAutomatically(ctx context.Context, orderID, reason string) (*Order, error) {
	return e.cancel(ctx, orderID, "", reason)
}

func (e *Engine) cancel(ctx context.Context, orderID, requestingUserID, reason string) (*Order, error) {
	o, err := e.Store.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if requestingUserID != "" && o.UserID != requestingUserID {
		return nil, ErrForbidden
	}

	// Win the transition first. Only the winner releases stock, which makes
	// a duplicate cancellation a failed no-op instead of a double return.
	updated, err := e.Store.Transition(ctx, orderID, StatusPendingPayment, StatusCancelled)
	if err != nil {
		return nil, err
	}

	// Best effort: a stuck ledger entry must not re-trap the order.
	e.releaseLines(ctx, o.PickupDate(), o.Lines)

	e.publish(EventOrderCancelled, updated.ID, StatusChangedPayload{OrderID: updated.ID, Status: updated.Status, Reason: reason})
	return updated, nil
}

func (e *Engine) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return e.Store.GetByID(ctx, orderID)
}

func (e *Engine) OrdersByUser(ctx context.Context, userID string) ([]*Order, error) {
	if _, err := e.Catalog.User(ctx, userID); err != nil {
		return nil, err
	}
	return e.Store.ListByUser(ctx, userID)
}

func (e *Engine) OrdersByVendor(ctx context.Context, vendorID string) ([]*Order, error) {
	if _, err := e.Catalog.Vendor(ctx, vendorID); err != nil {
		return nil, err
	}
	return e.Store.ListByVendor(ctx, vendorID)
}

func (e *Engine) checkVendor(ctx context.Context, orderID, requestingVendorID string) error {
	if requestingVendorID == "" {
		return nil
	}
	o, err := e.Store.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.VendorID != requestingVendorID {
		return ErrForbidden
	}
	return nil
}

func (e *Engine) releaseLines(ctx context.Context, day time.Time, lines []Line) {
	for _, l := range lines {
		if err := e.Ledger.Release(ctx, l.MenuItemID, day, l.Quantity); err != nil {
			e.logger().Warn("stock release failed",
				zap.String("menu_item_id", l.MenuItemID),
				zap.Int("quantity", l.Quantity),
				zap.Error(err))
		}
	}
}

func (e *Engine) publish(eventType, orderID string, payload any) {
	if e.Events == nil {
		return
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    e.now(),
		Producer:      e.Service,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	e.Events.Publish(PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

// pickupTime is the vendor's closing time on the reservation date, 18:00
// when the vendor has no configured hours.
func pickupTime(closing string, now time.Time) time.Time {
	if closing == "" {
		closing = defaultClosingTime
	}
	t, err := time.Parse("15:04", closing)
	if err != nil {
		t, _ = time.Parse("15:04", defaultClosingTime)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func newPickupCode() string {
	return "ORD-" + strings.ToUpper(uuid.NewString()[:8])
}

func lineEvents(lines []Line) []LineEvent {
	out := make([]LineEvent, 0, len(lines))
	for _, l := range lines {
		out = append(out, LineEvent{MenuItemID: l.MenuItemID, Quantity: l.Quantity, UnitPriceCents: l.UnitPriceCents})
	}
	return out
}
