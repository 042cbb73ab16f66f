package orders

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

// Create persists the order and its lines in one transaction.
func (r *Repo) Create(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, status, user_id, vendor_id, created_at, pickup_time,
		                   pickup_code, payment_method)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.Status, o.UserID, o.VendorID, o.CreatedAt, o.PickupTime,
		o.PickupCode, o.PaymentMethod)
	if err != nil {
		return err
	}
	for i, l := range o.Lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_lines(order_id, position, menu_item_id, item_name, quantity, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			o.ID, i, l.MenuItemID, l.ItemName, l.Quantity, l.UnitPriceCents); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Order, error) {
	o, err := r.scanOrder(ctx, `o.id=$1`, id)
	if err != nil {
		return nil, err
	}
	if err := r.loadLines(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// FindByPaymentRef matches either external reference, for webhook lookups.
func (r *Repo) FindByPaymentRef(ctx context.Context, ref string) (*Order, error) {
	o, err := r.scanOrder(ctx, `(o.payment_id=$1 OR o.preference_id=$1)`, ref)
	if err != nil {
		return nil, err
	}
	if err := r.loadLines(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Repo) ListByUser(ctx context.Context, userID string) ([]*Order, error) {
	return r.list(ctx, `o.user_id=$1`, userID)
}

func (r *Repo) ListByVendor(ctx context.Context, vendorID string) ([]*Order, error) {
	return r.list(ctx, `o.vendor_id=$1`, vendorID)
}

// Transition is the compare-and-set at the heart of the lifecycle: the UPDATE
// only matches while the order is still in `from`, so of two concurrent
// attempts exactly one wins and the other reports the state it lost to.
func (r *Repo) Transition(ctx context.Context, id string, from, to Status) (*Order, error) {
	return r.transition(ctx, id, from, to, "")
}

// MarkPaid transitions to PAID and records the settled payment reference in
// the same statement.
func (r *Repo) MarkPaid(ctx context.Context, id, paymentRef string) (*Order, error) {
	return r.transition(ctx, id, StatusPendingPayment, StatusPaid, paymentRef)
}

// SetPreferenceID records the provider's preference reference on an order.
func (r *Repo) SetPreferenceID(ctx context.Context, id, preferenceID string) error {
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET preference_id=$2 WHERE id=$1`, id, preferenceID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// PendingBefore returns ids of orders still awaiting payment created before
// the cutoff. Backed by a partial index on (created_at) WHERE status =
// 'PENDING_PAYMENT'.
func (r *Repo) PendingBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id FROM orders WHERE status=$1 AND created_at < $2 ORDER BY created_at`,
		StatusPendingPayment, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repo) transition(ctx context.Context, id string, from, to Status, paymentRef string) (*Order, error) {
	var ct int64
	if paymentRef != "" {
		tag, err := r.DB.Exec(ctx, `
			UPDATE orders SET status=$3, payment_id=$4 WHERE id=$1 AND status=$2`,
			id, from, to, paymentRef)
		if err != nil {
			return nil, err
		}
		ct = tag.RowsAffected()
	} else {
		tag, err := r.DB.Exec(ctx, `
			UPDATE orders SET status=$3 WHERE id=$1 AND status=$2`,
			id, from, to)
		if err != nil {
			return nil, err
		}
		ct = tag.RowsAffected()
	}

	if ct == 0 {
		var cur Status
		err := r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, id).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		if err != nil {
			return nil, err
		}
		return nil, &TransitionError{OrderID: id, From: cur, To: to}
	}
	return r.GetByID(ctx, id)
}

const orderSelect = `
	SELECT o.id, o.status, o.user_id, o.vendor_id, o.created_at, o.pickup_time,
	       o.pickup_code, o.payment_method,
	       COALESCE(o.payment_id,''), COALESCE(o.preference_id,''),
	       u.name, v.name
	FROM orders o
	JOIN users u ON u.id = o.user_id
	JOIN vendors v ON v.id = o.vendor_id
	WHERE `

func (r *Repo) scanOrder(ctx context.Context, where string, arg any) (*Order, error) {
	var o Order
	err := r.DB.QueryRow(ctx, orderSelect+where, arg).Scan(
		&o.ID, &o.Status, &o.UserID, &o.VendorID, &o.CreatedAt, &o.PickupTime,
		&o.PickupCode, &o.PaymentMethod, &o.PaymentID, &o.PreferenceID,
		&o.UserName, &o.VendorName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repo) list(ctx context.Context, where string, arg any) ([]*Order, error) {
	rows, err := r.DB.Query(ctx, orderSelect+where+` ORDER BY o.created_at DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(
			&o.ID, &o.Status, &o.UserID, &o.VendorID, &o.CreatedAt, &o.PickupTime,
			&o.PickupCode, &o.PaymentMethod, &o.PaymentID, &o.PreferenceID,
			&o.UserName, &o.VendorName); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, o := range out {
		if err := r.loadLines(ctx, o); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repo) loadLines(ctx context.Context, o *Order) error {
	rows, err := r.DB.Query(ctx, `
		SELECT menu_item_id, item_name, quantity, unit_price_cents
		FROM order_lines WHERE order_id=$1 ORDER BY position`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.MenuItemID, &l.ItemName, &l.Quantity, &l.UnitPriceCents); err != nil {
			return err
		}
		o.Lines = append(o.Lines, l)
	}
	return rows.Err()
}
