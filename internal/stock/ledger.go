package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger reads and mutates availability rows. Every mutation locks the
// single (menu_item_id, date) row with FOR UPDATE inside its own transaction.
type Ledger struct{ DB *pgxpool.Pool }

func (l *Ledger) Reserve(ctx context.Context, menuItemID string, day time.Time, qty int) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cur, err := lockEntry(ctx, tx, menuItemID, Day(day))
	if err != nil {
		return err
	}
	newStock, newAvail, err := reserveOutcome(cur, qty)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE availability SET stock=$3, is_available=$4
		WHERE menu_item_id=$1 AND date=$2`,
		menuItemID, Day(day), newStock, newAvail); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *Ledger) Release(ctx context.Context, menuItemID string, day time.Time, qty int) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cur, err := lockEntry(ctx, tx, menuItemID, Day(day))
	if err != nil {
		return err
	}
	newStock, newAvail := releaseOutcome(cur, qty)
	if _, err := tx.Exec(ctx, `
		UPDATE availability SET stock=$3, is_available=$4
		WHERE menu_item_id=$1 AND date=$2`,
		menuItemID, Day(day), newStock, newAvail); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Configure is the administrative upsert. A new entry created with neither
// field defaults to zero stock, unavailable. Supplied fields overwrite;
// omitted ones keep their current value.
func (l *Ledger) Configure(ctx context.Context, menuItemID string, day time.Time, stock *int, isAvailable *bool) (Entry, error) {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback(ctx)

	cur, err := lockEntry(ctx, tx, menuItemID, Day(day))
	if errors.Is(err, ErrNotConfigured) {
		cur = Entry{MenuItemID: menuItemID, Date: Day(day), Stock: 0, IsAvailable: false}
		if _, err := tx.Exec(ctx, `
			INSERT INTO availability(menu_item_id, date, stock, is_available)
			VALUES ($1,$2,$3,$4)`,
			menuItemID, cur.Date, cur.Stock, cur.IsAvailable); err != nil {
			return Entry{}, err
		}
	} else if err != nil {
		return Entry{}, err
	}

	if stock != nil {
		cur.Stock = *stock
	}
	if isAvailable != nil {
		cur.IsAvailable = *isAvailable
	}
	if _, err := tx.Exec(ctx, `
		UPDATE availability SET stock=$3, is_available=$4
		WHERE menu_item_id=$1 AND date=$2`,
		menuItemID, Day(day), cur.Stock, cur.IsAvailable); err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Entry{}, err
	}
	return cur, nil
}

func (l *Ledger) Get(ctx context.Context, menuItemID string, day time.Time) (Entry, error) {
	var e Entry
	err := l.DB.QueryRow(ctx, `
		SELECT menu_item_id, date, stock, is_available FROM availability
		WHERE menu_item_id=$1 AND date=$2`,
		menuItemID, Day(day)).Scan(&e.MenuItemID, &e.Date, &e.Stock, &e.IsAvailable)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotConfigured
	}
	return e, err
}

func lockEntry(ctx context.Context, tx pgx.Tx, menuItemID string, day time.Time) (Entry, error) {
	var e Entry
	err := tx.QueryRow(ctx, `
		SELECT menu_item_id, date, stock, is_available FROM availability
		WHERE menu_item_id=$1 AND date=$2 FOR UPDATE`,
		menuItemID, day).Scan(&e.MenuItemID, &e.Date, &e.Stock, &e.IsAvailable)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotConfigured
	}
	return e, err
}
