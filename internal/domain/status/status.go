// Package status maps exchange order states onto the decoupled order and position lifecycles
// and repairs combinations that cannot coexist.
package status

import (
	"strings"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle of the order request itself.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// PositionStatus is the lifecycle of the holding produced by the order.
type PositionStatus string

const (
	PositionPending   PositionStatus = "PENDING"
	PositionActive    PositionStatus = "ACTIVE"
	PositionClosed    PositionStatus = "CLOSED"
	PositionCancelled PositionStatus = "CANCELLED"
	PositionFailed    PositionStatus = "FAILED"
)

var allowed = map[OrderStatus][]PositionStatus{
	OrderNew:             {PositionPending},
	OrderPartiallyFilled: {PositionActive, PositionPending},
	OrderFilled:          {PositionActive, PositionClosed},
	OrderCanceled:        {PositionCancelled},
	OrderRejected:        {PositionFailed},
	OrderExpired:         {PositionCancelled},
}

// Order statuses stored by older writers use the position spelling.
var orderAliases = map[string]OrderStatus{
	"CANCELLED":        OrderCanceled,
	"PARTIALLY-FILLED": OrderPartiallyFilled,
	"PARTIAL_FILL":     OrderPartiallyFilled,
	"FAILED":           OrderRejected,
	"NEW_INSURANCE":    OrderFilled,
	"NEW_ADL":          OrderFilled,
	"PENDING_CANCEL":   OrderNew,
	"OPEN":             OrderNew,
}

// NormalizeOrderStatus uppercases and trims raw, resolving known exchange aliases.
// The second return value is false when raw is empty or unknown.
func NormalizeOrderStatus(raw string) (OrderStatus, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return OrderNew, false
	}
	if alias, ok := orderAliases[s]; ok {
		return alias, true
	}
	candidate := OrderStatus(s)
	if _, ok := allowed[candidate]; ok {
		return candidate, true
	}
	return OrderNew, false
}

// MapExchangeToInternal derives the order and position status from a raw exchange status and
// the position size left after the event.
func MapExchangeToInternal(raw string, positionSize decimal.Decimal) (OrderStatus, PositionStatus) {
	order, ok := NormalizeOrderStatus(raw)
	if !ok {
		return OrderNew, PositionPending
	}
	open := positionSize.Abs().IsPositive()
	switch order {
	case OrderFilled:
		if open {
			return order, PositionActive
		}
		return order, PositionClosed
	case OrderPartiallyFilled:
		if open {
			return order, PositionActive
		}
		return order, PositionPending
	case OrderCanceled, OrderExpired:
		return order, PositionCancelled
	case OrderRejected:
		return order, PositionFailed
	default:
		return OrderNew, PositionPending
	}
}

// ValidateStatusConsistency reports whether the pair belongs to the valid-combination table.
func ValidateStatusConsistency(order OrderStatus, position PositionStatus) bool {
	if normalized, ok := NormalizeOrderStatus(string(order)); ok {
		order = normalized
	}
	for _, candidate := range allowed[order] {
		if candidate == position {
			return true
		}
	}
	return false
}

// FixInconsistentStatus applies the known targeted repairs. The boolean reports whether a
// repair was applied; unrepairable pairs are returned unchanged.
func FixInconsistentStatus(order OrderStatus, position PositionStatus) (OrderStatus, PositionStatus, bool) {
	switch {
	case order == OrderFilled && position == PositionPending:
		return order, PositionActive, true
	case order == OrderCanceled && position == PositionActive:
		return order, PositionCancelled, true
	case order == OrderRejected && position == PositionActive:
		return order, PositionFailed, true
	case order == OrderNew && position == PositionClosed:
		return order, PositionPending, true
	}
	return order, position, false
}

// IsTerminalPosition reports whether the position lifecycle has ended.
func IsTerminalPosition(position PositionStatus) bool {
	switch position {
	case PositionClosed, PositionCancelled, PositionFailed:
		return true
	}
	return false
}

// IsTerminalOrder reports whether no further fills can arrive for the order.
func IsTerminalOrder(order OrderStatus) bool {
	switch order {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// IsNonFill reports whether the order ended without execution by its status alone.
func IsNonFill(order OrderStatus) bool {
	switch order {
	case OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Order    OrderStatus
	Position PositionStatus
	// Repaired is set when FixInconsistentStatus changed the mapped pair.
	Repaired bool
	// Flagged is set when no repair applied and the safe default was chosen.
	Flagged bool
}

// Resolve maps raw, validates the pair, repairs it when needed, and otherwise falls back to
// keeping current with a PENDING position.
func Resolve(raw string, positionSize decimal.Decimal, current OrderStatus) Resolution {
	order, position := MapExchangeToInternal(raw, positionSize)
	return Reconcile(order, position, current)
}

// Reconcile validates an already derived pair and applies the repair or fallback rules.
func Reconcile(order OrderStatus, position PositionStatus, current OrderStatus) Resolution {
	if ValidateStatusConsistency(order, position) {
		return Resolution{Order: order, Position: position}
	}
	if o, p, ok := FixInconsistentStatus(order, position); ok && ValidateStatusConsistency(o, p) {
		return Resolution{Order: o, Position: p, Repaired: true}
	}
	if current == "" {
		current = OrderNew
	}
	return Resolution{Order: current, Position: PositionPending, Flagged: true}
}
