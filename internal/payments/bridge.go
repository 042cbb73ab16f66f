// Package payments reconciles the external provider's settlement outcomes
// with the order lifecycle, both on the synchronous charge path and via
// webhook notifications.
package payments

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"campusfood/internal/money"
	"campusfood/internal/orders"
)

type Provider interface {
	CreatePayment(ctx context.Context, req ChargeRequest) (Payment, error)
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
}

// Lifecycle is the slice of the order engine the bridge drives.
type Lifecycle interface {
	MarkPaid(ctx context.Context, orderID, paymentRef string) (*orders.Order, error)
	CancelAutomatically(ctx context.Context, orderID, reason string) (*orders.Order, error)
}

type OrderLookup interface {
	GetByID(ctx context.Context, id string) (*orders.Order, error)
	FindByPaymentRef(ctx context.Context, ref string) (*orders.Order, error)
	SetPreferenceID(ctx context.Context, id, preferenceID string) error
}

// RejectionError carries the user-facing reason for a rejected charge. The
// order stays PENDING_PAYMENT so the user may retry or let it expire.
type RejectionError struct {
	StatusDetail string
	Message      string
}

func (e *RejectionError) Error() string { return e.Message }

type Receipt struct {
	PaymentID     string `json:"payment_id"`
	Total         string `json:"total"`
	PaymentMethod string `json:"payment_method"`
}

type Bridge struct {
	Provider Provider
	Engine   Lifecycle
	Orders   OrderLookup
	Log      *zap.Logger
}

// Charge settles an order synchronously with a Yape token. The total comes
// from the order's line snapshots, never the live catalog, and is validated
// against the provider's bounds before any charge attempt.
func (b *Bridge) Charge(ctx context.Context, orderID, token, payerEmail string) (Receipt, error) {
	if strings.TrimSpace(token) == "" {
		return Receipt{}, &orders.ValidationError{Msg: "payment token is required"}
	}

	o, err := b.Orders.GetByID(ctx, orderID)
	if err != nil {
		return Receipt{}, err
	}
	// Never charge an order that can no longer become PAID. The genuine
	// pay-vs-sweep race is still settled by the guarded transition below;
	// this only refuses charges that are doomed before any money moves.
	if o.Status != orders.StatusPendingPayment {
		return Receipt{}, &orders.TransitionError{OrderID: o.ID, From: o.Status, To: orders.StatusPaid}
	}
	if len(o.Lines) == 0 {
		return Receipt{}, &orders.ValidationError{Msg: "order has no items to charge"}
	}

	total := o.TotalCents()
	if total < money.MinChargeCents {
		return Receipt{}, &orders.ValidationError{
			Msg: "order total is below the minimum chargeable amount of " + money.FormatCents(money.MinChargeCents),
		}
	}
	if total > money.MaxChargeCents {
		return Receipt{}, &orders.ValidationError{
			Msg: "order total exceeds the maximum chargeable amount of " + money.FormatCents(money.MaxChargeCents),
		}
	}

	req := ChargeRequest{
		TransactionAmount: float64(total) / 100,
		Description:       "Order " + o.ID,
		Installments:      1,
		PaymentMethodID:   "yape",
		Token:             strings.TrimSpace(token),
	}
	if email := strings.TrimSpace(payerEmail); email != "" {
		req.Payer = &Payer{Email: email}
	}

	p, err := b.Provider.CreatePayment(ctx, req)
	if err != nil {
		return Receipt{}, err
	}
	if !strings.EqualFold(p.Status, "approved") {
		return Receipt{}, &RejectionError{
			StatusDetail: p.StatusDetail,
			Message:      rejectionMessage(p.StatusDetail),
		}
	}

	ref := strconv.FormatInt(p.ID, 10)
	if _, err := b.Engine.MarkPaid(ctx, o.ID, ref); err != nil {
		return Receipt{}, err
	}
	// The preference reference lets later webhooks find this order even when
	// the notification omits the payment id. The money already moved, so a
	// failed write is logged, not surfaced.
	if p.PreferenceID != "" {
		if err := b.Orders.SetPreferenceID(ctx, o.ID, p.PreferenceID); err != nil {
			b.logger().Warn("storing preference reference failed",
				zap.String("order_id", o.ID),
				zap.String("preference_id", p.PreferenceID),
				zap.Error(err))
		}
	}
	return Receipt{
		PaymentID:     ref,
		Total:         money.FormatCents(total),
		PaymentMethod: "YAPE",
	}, nil
}

// HandleWebhook reconciles an asynchronous provider notification. Delivery
// is at-least-once and may reference orders this system never saw, so an
// unmatched id is logged and discarded rather than treated as a failure.
func (b *Bridge) HandleWebhook(ctx context.Context, paymentID, preferenceID string) error {
	if paymentID == "" && preferenceID == "" {
		return nil
	}

	o, err := b.lookup(ctx, paymentID, preferenceID)
	if err != nil {
		return err
	}
	if o == nil {
		b.logger().Warn("webhook references unknown payment",
			zap.String("payment_id", paymentID), zap.String("preference_id", preferenceID))
		return nil
	}

	// A preference-only notification verifies through the payment reference
	// recorded when the order settled.
	queryID := paymentID
	if queryID == "" {
		queryID = o.PaymentID
	}
	if queryID == "" {
		b.logger().Warn("webhook matched an order with no payment reference to verify",
			zap.String("order_id", o.ID), zap.String("preference_id", preferenceID))
		return nil
	}

	// The webhook body is a hint; the provider's query API is authoritative.
	p, err := b.Provider.GetPayment(ctx, queryID)
	if err != nil {
		return err
	}

	ref := queryID
	if p.ID != 0 {
		ref = strconv.FormatInt(p.ID, 10)
	}

	switch strings.ToLower(p.Status) {
	case "approved":
		if o.Status == orders.StatusPaid {
			return nil // duplicate delivery
		}
		if _, err := b.Engine.MarkPaid(ctx, o.ID, ref); err != nil {
			return b.swallowLostRace(err, o.ID, p.Status)
		}
	case "rejected", "cancelled":
		if o.Status == orders.StatusCancelled {
			return nil
		}
		// Unified with manual cancellation: the winning transition releases
		// the reserved stock.
		if _, err := b.Engine.CancelAutomatically(ctx, o.ID, "PAYMENT_"+strings.ToUpper(p.Status)); err != nil {
			return b.swallowLostRace(err, o.ID, p.Status)
		}
	}
	return nil
}

func (b *Bridge) lookup(ctx context.Context, paymentID, preferenceID string) (*orders.Order, error) {
	if paymentID != "" {
		o, err := b.Orders.FindByPaymentRef(ctx, paymentID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, orders.ErrOrderNotFound) {
			return nil, err
		}
	}
	if preferenceID == "" {
		return nil, nil
	}
	o, err := b.Orders.FindByPaymentRef(ctx, preferenceID)
	if errors.Is(err, orders.ErrOrderNotFound) {
		return nil, nil
	}
	return o, err
}

func (b *Bridge) swallowLostRace(err error, orderID, status string) error {
	var te *orders.TransitionError
	if errors.As(err, &te) {
		b.logger().Info("webhook transition lost to an earlier one",
			zap.String("order_id", orderID),
			zap.String("provider_status", status),
			zap.String("current_status", string(te.From)))
		return nil
	}
	return err
}

func (b *Bridge) logger() *zap.Logger {
	if b.Log != nil {
		return b.Log
	}
	return zap.NewNop()
}

func rejectionMessage(statusDetail string) string {
	switch statusDetail {
	case "cc_rejected_insufficient_amount":
		return "The payment was rejected for insufficient funds."
	case "cc_rejected_bad_filled_security_code":
		return "The Yape OTP code is incorrect."
	case "cc_rejected_other_reason":
		return "The payment was rejected. Check that the Yape token is valid."
	case "":
		return "The payment was rejected by the provider."
	default:
		return "The payment was rejected by the provider: " + statusDetail
	}
}
