package orders

// Status is the order lifecycle state. Paid and PaymentFailed are reached
// only through the reconciliation engine; Processing/Shipped/Delivered are
// admin moves; Cancelled is buyer/admin initiated before payment.
type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusPaid           Status = "PAID"
	StatusProcessing     Status = "PROCESSING"
	StatusShipped        Status = "SHIPPED"
	StatusDelivered      Status = "DELIVERED"
	StatusPaymentFailed  Status = "PAYMENT_FAILED"
	StatusCancelled      Status = "CANCELLED"
)

var validNext = map[Status]map[Status]bool{
	StatusPendingPayment: {StatusPaid: true, StatusPaymentFailed: true, StatusCancelled: true},
	StatusPaid:           {StatusProcessing: true},
	StatusProcessing:     {StatusShipped: true},
	StatusShipped:        {StatusDelivered: true},
	StatusDelivered:      {},
	StatusPaymentFailed:  {},
	StatusCancelled:      {},
}

// adminNext restricts what an administrative actor may request directly.
// Paid, PaymentFailed and Cancelled never appear here.
var adminNext = map[Status]bool{
	StatusProcessing: true,
	StatusShipped:    true,
	StatusDelivered:  true,
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// AdminCanTransition reports whether an admin may move an order to the
// requested status. Backward or skipping moves are rejected.
func AdminCanTransition(from, to Status) bool {
	return adminNext[to] && validNext[from][to]
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return len(validNext[s]) == 0
}

// PaidOrLater reports whether the order's payment has been applied. Once
// true it stays true: no transition leaves this set.
func (s Status) PaidOrLater() bool {
	switch s {
	case StatusPaid, StatusProcessing, StatusShipped, StatusDelivered:
		return true
	}
	return false
}

func ValidStatus(s Status) bool {
	_, ok := validNext[s]
	return ok
}
