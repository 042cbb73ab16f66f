package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusfood/internal/stock"
)

var testNow = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

// ---- fakes ----

type ledgerEntry struct {
	stock     int
	available bool
}

type memLedger struct {
	mu       sync.Mutex
	entries  map[string]*ledgerEntry
	releases map[string]int // reserve/release accounting per item
}

func newMemLedger() *memLedger {
	return &memLedger{entries: map[string]*ledgerEntry{}, releases: map[string]int{}}
}

func key(itemID string, day time.Time) string {
	return itemID + "|" + day.Format("2006-01-02")
}

func (l *memLedger) set(itemID string, day time.Time, units int, available bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key(itemID, day)] = &ledgerEntry{stock: units, available: available}
}

func (l *memLedger) units(itemID string, day time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[key(itemID, day)].stock
}

func (l *memLedger) Reserve(ctx context.Context, itemID string, day time.Time, qty int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key(itemID, day)]
	if !ok {
		return stock.ErrNotConfigured
	}
	if !e.available {
		return stock.ErrUnavailable
	}
	if e.stock < qty {
		return &stock.InsufficientError{MenuItemID: itemID, Available: e.stock, Requested: qty}
	}
	e.stock -= qty
	if e.stock == 0 {
		e.available = false
	}
	return nil
}

func (l *memLedger) Release(ctx context.Context, itemID string, day time.Time, qty int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key(itemID, day)]
	if !ok {
		return stock.ErrNotConfigured
	}
	if e.stock == 0 && qty > 0 {
		e.available = true
	}
	e.stock += qty
	l.releases[itemID] += qty
	return nil
}

type memStore struct {
	mu        sync.Mutex
	orders    map[string]*Order
	createErr error
}

func newMemStore() *memStore { return &memStore{orders: map[string]*Order{}} }

func clone(o *Order) *Order {
	cp := *o
	cp.Lines = append([]Line(nil), o.Lines...)
	return &cp
}

func (s *memStore) Create(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.orders[o.ID] = clone(o)
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return clone(o), nil
}

func (s *memStore) ListByUser(ctx context.Context, userID string) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, clone(o))
		}
	}
	return out, nil
}

func (s *memStore) ListByVendor(ctx context.Context, vendorID string) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.orders {
		if o.VendorID == vendorID {
			out = append(out, clone(o))
		}
	}
	return out, nil
}

func (s *memStore) Transition(ctx context.Context, id string, from, to Status) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != from {
		return nil, &TransitionError{OrderID: id, From: o.Status, To: to}
	}
	o.Status = to
	return clone(o), nil
}

func (s *memStore) MarkPaid(ctx context.Context, id, paymentRef string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusPendingPayment {
		return nil, &TransitionError{OrderID: id, From: o.Status, To: StatusPaid}
	}
	o.Status = StatusPaid
	if paymentRef != "" {
		o.PaymentID = paymentRef
	}
	return clone(o), nil
}

func (s *memStore) PendingBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, o := range s.orders {
		if o.Status == StatusPendingPayment && o.CreatedAt.Before(cutoff) {
			ids = append(ids, o.ID)
		}
	}
	return ids, nil
}

type stubCatalog struct {
	users   map[string]string
	vendors map[string]Vendor
	items   map[string]MenuItem
}

func (c *stubCatalog) User(ctx context.Context, id string) (string, error) {
	name, ok := c.users[id]
	if !ok {
		return "", ErrUserNotFound
	}
	return name, nil
}

func (c *stubCatalog) Vendor(ctx context.Context, id string) (Vendor, error) {
	v, ok := c.vendors[id]
	if !ok {
		return Vendor{}, ErrVendorNotFound
	}
	return v, nil
}

func (c *stubCatalog) MenuItem(ctx context.Context, id string) (MenuItem, error) {
	m, ok := c.items[id]
	if !ok {
		return MenuItem{}, ErrMenuItemNotFound
	}
	return m, nil
}

// ---- harness ----

func newTestEngine() (*Engine, *memStore, *memLedger, *stubCatalog) {
	store := newMemStore()
	ledger := newMemLedger()
	catalog := &stubCatalog{
		users: map[string]string{"user-1": "Ana Torres", "user-2": "Luis Paz"},
		vendors: map[string]Vendor{
			"vendor-1": {ID: "vendor-1", Name: "Cafeteria Central", ClosingTime: "17:30"},
			"vendor-2": {ID: "vendor-2", Name: "Jugos Andinos"},
		},
		items: map[string]MenuItem{
			"item-a": {ID: "item-a", VendorID: "vendor-1", Name: "Menu del dia", Price: "S/ 15.50"},
			"item-b": {ID: "item-b", VendorID: "vendor-1", Name: "Causa limena", Price: "8.00"},
			"item-bad": {ID: "item-bad", VendorID: "vendor-1", Name: "Sin precio", Price: "consultar"},
		},
	}
	eng := &Engine{Store: store, Ledger: ledger, Catalog: catalog, Service: "test", Now: func() time.Time { return testNow }}
	return eng, store, ledger, catalog
}

func today() time.Time { return dateOf(testNow) }

func TestCreateOrderHappyPath(t *testing.T) {
	eng, store, ledger, _ := newTestEngine()
	ledger.set("item-a", today(), 10, true)

	o, err := eng.CreateOrder(context.Background(), "user-1", "vendor-1",
		[]LineInput{{MenuItemID: "item-a", Quantity: 2}}, "yape")
	require.NoError(t, err)

	assert.Equal(t, StatusPendingPayment, o.Status)
	assert.Equal(t, "YAPE", o.PaymentMethod)
	assert.Equal(t, testNow, o.CreatedAt)
	// pickup = vendor closing time on the reservation date
	assert.Equal(t, time.Date(2025, 6, 2, 17, 30, 0, 0, time.UTC), o.PickupTime)
	assert.Regexp(t, `^ORD-[0-9A-F]{8}$`, o.PickupCode)

	require.Len(t, o.Lines, 1)
	assert.Equal(t, int64(1550), o.Lines[0].UnitPriceCents)
	assert.Equal(t, "Menu del dia", o.Lines[0].ItemName)
	assert.Equal(t, int64(3100), o.TotalCents())

	assert.Equal(t, 8, ledger.units("item-a", today()))
	stored, err := store.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, stored.Status)
}

func TestCreateOrderDefaultsPickupTo1800(t *testing.T) {
	eng, _, ledger, _ := newTestEngine()
	ledger.set("item-a", today(), 5, true)

	o, err := eng.CreateOrder(context.Background(), "user-1", "vendor-2",
		[]LineInput{{MenuItemID: "item-a", Quantity: 1}}, "plin")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC), o.PickupTime)
}

func TestCreateOrderValidation(t *testing.T) {
	eng, _, ledger, _ := newTestEngine()
	ledger.set("item-a", today(), 5, true)
	ledger.set("item-bad", today(), 5, true)
	ctx := context.Background()

	var ve *ValidationError

	_, err := eng.CreateOrder(ctx, "user-1", "vendor-1", nil, "yape")
	assert.ErrorAs(t, err, &ve)

	_, err = eng.CreateOrder(ctx, "user-1", "vendor-1",
		[]LineInput{{MenuItemID: "item-a", Quantity: 0}}, "yape")
	assert.ErrorAs(t, err, &ve)

	_, err = eng.CreateOrder(ctx, "user-1", "vendor-1",
		[]LineInput{{MenuItemID: "item-a", Quantity: 1}}, "  ")
	assert.ErrorAs(t, err, &ve)

	// unparseable catalog price fails before any reservation
	_, err = eng.CreateOrder(ctx, "user-1", "vendor-1",
		[]LineInput{{MenuItemID: "item-bad", Quantity: 1}}, "yape")
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, 5, ledger.units("item-a", today()))

	_, err = eng.CreateOrder(ctx, "nobody", "vendor-1",
		[]LineInput{{MenuItemID: "item-a", Quantity: 1}}, "yape")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = eng.CreateOrder(ctx, "user-1", "no-vendor",
		[]LineInput{{MenuItemID: "item-a", Quantity: 1}}, "yape")
	assert.ErrorIs(t, err, ErrVendorNotFound)

	_, err = eng.CreateOrder(ctx, "user-1", "vendor-1",
		[]LineInput{{MenuItemID: "ghost", Quantity: 1}}, "yape")
	assert.ErrorIs(t, err, ErrMenuItemNotFound)
}

func TestCreateOrderInsufficientStockLeavesLedgerUntouched(t *testing.T) {
	eng, _, ledger, _ := newTestEngine()
	ledger.set("item-a", today(), 2, true)

	_, err := eng.CreateOrder(context.Background(), "user-1", "vendor-1",
		[]LineInput{{MenuItemID: "item-a", Quantity: 3}}, "yape")

	var ie *stock.InsufficientError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 2, ie.Available)
	assert.Equal(t, 2, ledger.units("item-a", today()))
}

func TestCreateOrderRollsBackEarlierLines(t *testing.T) {
	eng, _, ledger, _ := newTestEngine()
	ledger.set("item-a", today(), 10, true)
	ledger.set("item-b", today(), 1, true)

	_, err := eng.CreateOrder(context.Background(), "user-1", "vendor-1",
		[]LineInput{
			{MenuItemID: "item-a", Quantity: 2},
			{MenuItemID: "item-b", Quantity: 100},
		}, "yape")

	var ie *stock.InsufficientError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "item-b", ie.MenuItemID)
	// item-a's reservation was compensated
	assert.Equal(t, 10, ledger.units("item-a", today()))
	assert.Equal(t, 1, ledger.units("item-b", today()))
}

func TestCreateOrderReleasesStockWhenPersistFails(t *testing.T) {
	eng, store, ledger, _ := newTestEngine()
	ledger.set("item-a", today(), 10, true)
	store.createErr = errors.New("db down")

	_, err := eng.CreateOrder(context.Background(), "user-1", "vendor-1",
		[]LineInput{{MenuItemID: "item-a", Quantity: 4}}, "yape")
	assert.Error(t, err)
	assert.Equal(t, 10, ledger.units("item-a", today()))
}

func TestCreateOrderUnavailableEntry(t *testing.T) {
	eng, _, ledger, _ := newTestEngine()
	ledger.set("item-a", today(), 5, false) // vendor override

	_, err := eng.CreateOrder(context.Background(), "user-1", "vendor-1",
		[]LineInput{{MenuItemID: "item-a", Quantity: 1}}, "yape")
	assert.ErrorIs(t, err, stock.ErrUnavailable)

	_, err = eng.CreateOrder(context.Background(), "user-1", "vendor-1",
		[]LineInput{{MenuItemID: "item-b", Quantity: 1}}, "yape")
	assert.ErrorIs(t, err, stock.ErrNotConfigured)
}

func createPending(t *testing.T, eng *Engine, ledger *memLedger, qty int) *Order {
	t.Helper()
	ledger.set("item-a", today(), 10, true)
	o, err := eng.CreateOrder(context.Background(), "user-1", "vendor-1",
		[]LineInput{{MenuItemID: "item-a", Quantity: qty}}, "yape")
	require.NoError(t, err)
	return o
}

func TestCancelReleasesStockExactlyOnce(t *testing.T) {
	eng, _, ledger, _ := newTestEngine()
	o := createPending(t, eng, ledger, 3)
	assert.Equal(t, 7, ledger.units("item-a", today()))

	cancelled, err := eng.Cancel(context.Background(), o.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 10, ledger.units("item-a", today()))
	assert.Equal(t, 3, ledger.releases["item-a"])

	// duplicate cancel: transition guard refuses, stock untouched
	_, err = eng.Cancel(context.Background(), o.ID, "user-1")
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusCancelled, te.From)
	assert.Equal(t, 10, ledger.units("item-a", today()))
	assert.Equal(t, 3, ledger.releases["item-a"])
}

func TestCancelRequiresOwnership(t *testing.T) {
	eng, _, ledger, _ := newTestEngine()
	o := createPending(t, eng, ledger, 1)

	_, err := eng.Cancel(context.Background(), o.ID, "user-2")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 9, ledger.units("item-a", today()))
}

func TestCancelAutomaticallySkipsOwnershipCheck(t *testing.T) {
	eng, _, ledger, _ := newTestEngine()
	o := createPending(t, eng, ledger, 2)

	cancelled, err := eng.CancelAutomatically(context.Background(), o.ID, "EXPIRED")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 10, ledger.units("item-a", today()))
}

func TestCancelSurvivesReleaseFailure(t *testing.T) {
	eng, store, ledger, _ := newTestEngine()
	o := createPending(t, eng, ledger, 2)

	// the ledger entry vanishes before the cancel; release fails but the
	// order must still land in CANCELLED
	ledger.mu.Lock()
	delete(ledger.entries, key("item-a", today()))
	ledger.mu.Unlock()

	cancelled, err := eng.Cancel(context.Background(), o.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	stored, err := store.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
}

func TestMarkPaidOnlyFromPending(t *testing.T) {
	eng, _, ledger, _ := newTestEngine()
	o := createPending(t, eng, ledger, 1)

	paid, err := eng.MarkPaid(context.Background(), o.ID, "mp-123")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)
	assert.Equal(t, "mp-123", paid.PaymentID)
	// no stock side effect on payment
	assert.Equal(t, 9, ledger.units("item-a", today()))

	_, err = eng.MarkPaid(context.Background(), o.ID, "mp-456")
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusPaid, te.From)
}

func TestReadyAndCompleteFlow(t *testing.T) {
	eng, _, ledger, _ := newTestEngine()
	o := createPending(t, eng, ledger, 1)
	ctx := context.Background()

	// not paid yet
	_, err := eng.MarkReady(ctx, o.ID, "vendor-1")
	var te *TransitionError
	require.ErrorAs(t, err, &te)

	_, err = eng.MarkPaid(ctx, o.ID, "")
	require.NoError(t, err)

	// wrong vendor
	_, err = eng.MarkReady(ctx, o.ID, "vendor-2")
	assert.ErrorIs(t, err, ErrForbidden)

	ready, err := eng.MarkReady(ctx, o.ID, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReadyForPickup, ready.Status)

	_, err = eng.MarkCompleted(ctx, o.ID, "vendor-2")
	assert.ErrorIs(t, err, ErrForbidden)

	done, err := eng.MarkCompleted(ctx, o.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestPaidOrderCannotBeCancelled(t *testing.T) {
	eng, _, ledger, _ := newTestEngine()
	o := createPending(t, eng, ledger, 2)
	_, err := eng.MarkPaid(context.Background(), o.ID, "")
	require.NoError(t, err)

	_, err = eng.Cancel(context.Background(), o.ID, "user-1")
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusPaid, te.From)
	assert.Equal(t, 8, ledger.units("item-a", today()))
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	eng, _, ledger, _ := newTestEngine()
	const initial = 10
	ledger.set("item-a", today(), initial, true)

	const attempts = 25
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := eng.CreateOrder(context.Background(), "user-1", "vendor-1",
				[]LineInput{{MenuItemID: "item-a", Quantity: 1}}, "yape")
			results[i] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			var ie *stock.InsufficientError
			ok := errors.As(err, &ie) || errors.Is(err, stock.ErrUnavailable)
			assert.True(t, ok, fmt.Sprintf("unexpected error: %v", err))
		}
	}
	assert.Equal(t, initial, succeeded)
	assert.Equal(t, 0, ledger.units("item-a", today()))
}

func TestOrdersByUserChecksExistence(t *testing.T) {
	eng, _, ledger, _ := newTestEngine()
	createPending(t, eng, ledger, 1)

	_, err := eng.OrdersByUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)

	list, err := eng.OrdersByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = eng.OrdersByVendor(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrVendorNotFound)
}
