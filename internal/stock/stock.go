// Package stock is the per (menu item, date) ledger of remaining units. Each
// entry mutates only under its own row lock, so concurrent reservations
// against the same entry serialize and stock never goes negative.
package stock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConfigured: no entry exists for that item and date.
	ErrNotConfigured = errors.New("no stock configured for this item and date")
	// ErrUnavailable: the entry is flagged unavailable (possibly a vendor
	// override with stock remaining).
	ErrUnavailable = errors.New("item not available for this date")
)

type InsufficientError struct {
	MenuItemID string
	Available  int
	Requested  int
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s: available %d, requested %d",
		e.MenuItemID, e.Available, e.Requested)
}

type Entry struct {
	MenuItemID  string
	Date        time.Time
	Stock       int
	IsAvailable bool
}

// Day normalizes a timestamp to the ledger's calendar-date key.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// reserveOutcome applies the reservation guards to a locked entry. The
// availability flag only changes when stock crosses zero, so a forced
// unavailable flag with remaining stock is preserved.
func reserveOutcome(cur Entry, qty int) (newStock int, newAvail bool, err error) {
	if !cur.IsAvailable {
		return cur.Stock, cur.IsAvailable, ErrUnavailable
	}
	if cur.Stock < qty {
		return cur.Stock, cur.IsAvailable, &InsufficientError{
			MenuItemID: cur.MenuItemID, Available: cur.Stock, Requested: qty,
		}
	}
	newStock = cur.Stock - qty
	newAvail = cur.IsAvailable
	if newStock == 0 {
		newAvail = false
	}
	return newStock, newAvail, nil
}

// releaseOutcome adds units back; the flag flips to available only on the
// zero-to-positive crossing.
func releaseOutcome(cur Entry, qty int) (newStock int, newAvail bool) {
	newStock = cur.Stock + qty
	newAvail = cur.IsAvailable
	if cur.Stock == 0 && newStock > 0 {
		newAvail = true
	}
	return newStock, newAvail
}
