package escrow

// Status is the lifecycle state of a deal.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusAgreed    Status = "AGREED"
	StatusPaid      Status = "PAID"
	StatusShipped   Status = "SHIPPED"
	StatusCompleted Status = "COMPLETED"
	StatusCanceled  Status = "CANCELED"
	StatusDispute   Status = "DISPUTE"
)

// transitions lists every allowed edge. Edges out of DISPUTE are reserved for
// the dispute resolver.
var transitions = map[Status][]Status{
	StatusCreated: {StatusAgreed, StatusCanceled},
	StatusAgreed:  {StatusPaid, StatusCanceled},
	StatusPaid:    {StatusShipped, StatusDispute},
	StatusShipped: {StatusCompleted, StatusDispute},
	StatusDispute: {StatusCompleted, StatusCanceled},
}

// CanTransition reports whether from -> to is an edge of the deal graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusAgreed, StatusPaid, StatusShipped, StatusCompleted, StatusCanceled, StatusDispute:
		return true
	default:
		return false
	}
}
