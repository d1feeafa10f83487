package domain

// transitions lists the legal successor states of each non-terminal status.
// Submitted may move straight to a fill because an execution report can be
// observed before its acknowledgement.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated: {
		OrderStatusReserved, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired,
	},
	OrderStatusReserved: {
		OrderStatusSubmitted, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired,
	},
	OrderStatusSubmitted: {
		OrderStatusAccepted, OrderStatusRejected, OrderStatusPartiallyFilled,
		OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired,
	},
	OrderStatusAccepted: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired,
	},
}

// Terminal reports whether no further transitions are possible from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// Submitted reports whether the broker may know about an order in status s.
func (s OrderStatus) Submitted() bool {
	switch s {
	case OrderStatusSubmitted, OrderStatusAccepted, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OpenStatuses returns the non-terminal statuses in lifecycle order.
func OpenStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusCreated,
		OrderStatusReserved,
		OrderStatusSubmitted,
		OrderStatusAccepted,
		OrderStatusPartiallyFilled,
	}
}
