// Package catalog is the read-only data access the order core consumes:
// user existence, vendor hours, menu item price strings, and the
// user-to-vendor capability check. Catalog management itself lives outside
// this service.
package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campusfood/internal/orders"
)

type Repo struct{ DB *pgxpool.Pool }

const (
	RoleAdmin  = "ADMIN"
	RoleVendor = "VENDOR"
)

func (r *Repo) User(ctx context.Context, id string) (string, error) {
	var name string
	err := r.DB.QueryRow(ctx, `SELECT name FROM users WHERE id=$1`, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", orders.ErrUserNotFound
	}
	return name, err
}

func (r *Repo) Vendor(ctx context.Context, id string) (orders.Vendor, error) {
	var v orders.Vendor
	err := r.DB.QueryRow(ctx, `
		SELECT id, name, COALESCE(to_char(closing_time, 'HH24:MI'), '')
		FROM vendors WHERE id=$1`, id).Scan(&v.ID, &v.Name, &v.ClosingTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Vendor{}, orders.ErrVendorNotFound
	}
	return v, err
}

func (r *Repo) MenuItem(ctx context.Context, id string) (orders.MenuItem, error) {
	var m orders.MenuItem
	err := r.DB.QueryRow(ctx, `
		SELECT id, vendor_id, name, price FROM menu_items WHERE id=$1`,
		id).Scan(&m.ID, &m.VendorID, &m.Name, &m.Price)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.MenuItem{}, orders.ErrMenuItemNotFound
	}
	return m, err
}

// VendorIDForUser resolves the vendor a VENDOR-role user operates.
func (r *Repo) VendorIDForUser(ctx context.Context, userID string) (string, error) {
	var role string
	var vendorID *string
	err := r.DB.QueryRow(ctx, `SELECT role, vendor_id FROM users WHERE id=$1`, userID).
		Scan(&role, &vendorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", orders.ErrUserNotFound
	}
	if err != nil {
		return "", err
	}
	if role != RoleVendor || vendorID == nil {
		return "", orders.ErrForbidden
	}
	return *vendorID, nil
}

// Authorized is the (userId, vendorId) capability check: admins always pass,
// vendor users pass only for their own vendor.
func (r *Repo) Authorized(ctx context.Context, userID, vendorID string) (bool, error) {
	var role string
	var assigned *string
	err := r.DB.QueryRow(ctx, `SELECT role, vendor_id FROM users WHERE id=$1`, userID).
		Scan(&role, &assigned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, orders.ErrUserNotFound
	}
	if err != nil {
		return false, err
	}
	if role == RoleAdmin {
		return true, nil
	}
	if role == RoleVendor {
		return assigned != nil && *assigned == vendorID, nil
	}
	return false, nil
}
