package orders

type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusPaid           Status = "PAID"
	StatusReadyForPickup Status = "READY_FOR_PICKUP"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

// An order moves forward only; CANCELLED is reachable solely from the unpaid
// state, and terminal states never resurrect.
var validNext = map[Status]map[Status]bool{
	StatusPendingPayment: {StatusPaid: true, StatusCancelled: true},
	StatusPaid:           {StatusReadyForPickup: true},
	StatusReadyForPickup: {StatusCompleted: true},
	StatusCompleted:      {},
	StatusCancelled:      {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}
