package orders

import "errors"

var (
	// ErrOrderNotFound is returned when the order id resolves to no row
	ErrOrderNotFound = errors.New("order not found")

	// ErrKillSwitchActive is returned when a transition into ORDER_SENT
	// is requested while trading is halted
	ErrKillSwitchActive = errors.New("kill switch active, refusing to send order")

	// ErrQuantityNotPositive is returned when an order is created with a
	// zero or negative quantity
	ErrQuantityNotPositive = errors.New("order quantity must be positive")
)
