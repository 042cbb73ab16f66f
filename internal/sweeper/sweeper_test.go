package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"campusfood/internal/orders"
)

var sweepNow = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

type fakePending struct {
	gotCutoff time.Time
	ids       []string
	err       error
}

func (f *fakePending) PendingBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	f.gotCutoff = cutoff
	return f.ids, f.err
}

type fakeCanceller struct {
	calls []string
	errs  map[string]error
}

func (f *fakeCanceller) CancelAutomatically(ctx context.Context, orderID, reason string) (*orders.Order, error) {
	f.calls = append(f.calls, orderID)
	if err := f.errs[orderID]; err != nil {
		return nil, err
	}
	return &orders.Order{ID: orderID, Status: orders.StatusCancelled}, nil
}

func newSweeper(p *fakePending, c *fakeCanceller) *Sweeper {
	return &Sweeper{
		Engine:   c,
		Orders:   p,
		Interval: time.Minute,
		TTL:      5 * time.Minute,
		Now:      func() time.Time { return sweepNow },
	}
}

func TestSweepUsesTTLCutoff(t *testing.T) {
	p := &fakePending{}
	s := newSweeper(p, &fakeCanceller{})

	n := s.SweepOnce(context.Background())
	assert.Equal(t, 0, n)
	assert.Equal(t, sweepNow.Add(-5*time.Minute), p.gotCutoff)
}

func TestSweepCancelsAllCandidates(t *testing.T) {
	p := &fakePending{ids: []string{"o1", "o2", "o3"}}
	c := &fakeCanceller{}
	s := newSweeper(p, c)

	n := s.SweepOnce(context.Background())
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"o1", "o2", "o3"}, c.calls)
}

func TestSweepIsolatesPerOrderFailures(t *testing.T) {
	p := &fakePending{ids: []string{"o1", "o2", "o3"}}
	c := &fakeCanceller{errs: map[string]error{
		"o1": errors.New("db timeout"),
		// o2 was paid while the sweep ran; the guard refused the cancel
		"o2": &orders.TransitionError{OrderID: "o2", From: orders.StatusPaid, To: orders.StatusCancelled},
	}}
	s := newSweeper(p, c)

	n := s.SweepOnce(context.Background())
	assert.Equal(t, 1, n)
	// every candidate was still attempted
	assert.Equal(t, []string{"o1", "o2", "o3"}, c.calls)
}

func TestSweepEmptyRunIsNoOp(t *testing.T) {
	c := &fakeCanceller{}
	s := newSweeper(&fakePending{}, c)

	assert.Equal(t, 0, s.SweepOnce(context.Background()))
	assert.Empty(t, c.calls)
}

func TestSweepQueryFailureReturnsZero(t *testing.T) {
	c := &fakeCanceller{}
	s := newSweeper(&fakePending{err: errors.New("conn refused")}, c)

	assert.Equal(t, 0, s.SweepOnce(context.Background()))
	assert.Empty(t, c.calls)
}
