package orders

import "time"

type Order struct {
	ID            string
	Status        Status
	UserID        string
	VendorID      string
	CreatedAt     time.Time
	PickupTime    time.Time
	PickupCode    string
	PaymentMethod string
	// External payment references, set once a payment settles.
	PaymentID    string
	PreferenceID string

	// Denormalized for snapshots; filled on reads.
	UserName   string
	VendorName string

	Lines []Line
}

// Line is an order line with the menu item's name and unit price captured at
// order time. Later catalog edits never change historical orders.
type Line struct {
	MenuItemID     string
	ItemName       string
	Quantity       int
	UnitPriceCents int64
}

// TotalCents is the amount the payment bridge charges.
func (o *Order) TotalCents() int64 {
	var total int64
	for _, l := range o.Lines {
		total += l.UnitPriceCents * int64(l.Quantity)
	}
	return total
}

// PickupDate is the stock ledger date the order reserved against: the
// calendar date of the pickup time, at midnight UTC.
func (o *Order) PickupDate() time.Time {
	t := o.PickupTime
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type LineInput struct {
	MenuItemID string `json:"menu_item_id"`
	Quantity   int    `json:"quantity"`
}

// Collaborator views consumed from the catalog.

type Vendor struct {
	ID          string
	Name        string
	ClosingTime string // "HH:MM", empty when the vendor has no hours configured
}

type MenuItem struct {
	ID       string
	VendorID string
	Name     string
	Price    string // display string, e.g. "S/ 15.50"
}
