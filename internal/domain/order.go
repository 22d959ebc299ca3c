// Package domain defines the synchronized entity types: Order, OrderLine,
// and the read-only reference collections (Partner, Product, Unit).
package domain

import "time"

// OrderStatus is the lifecycle stage of an Order.
type OrderStatus int

const (
	OrderStatusDraft OrderStatus = iota
	OrderStatusConfirmed
	OrderStatusFulfilled
	OrderStatusCancelled
)

// String renders the status the way orderctl prints and parses it.
func (s OrderStatus) String() string {
	switch s {
	case OrderStatusDraft:
		return "draft"
	case OrderStatusConfirmed:
		return "confirmed"
	case OrderStatusFulfilled:
		return "fulfilled"
	case OrderStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseOrderStatus parses the String form back into an OrderStatus.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch s {
	case "draft":
		return OrderStatusDraft, true
	case "confirmed":
		return OrderStatusConfirmed, true
	case "fulfilled":
		return OrderStatusFulfilled, true
	case "cancelled":
		return OrderStatusCancelled, true
	default:
		return 0, false
	}
}

// Order is a pre-order placed against a partner, delivered on a given date.
type Order struct {
	ID           string
	PartnerID    string
	Status       OrderStatus
	OrderDate    *time.Time
	DeliveryDate time.Time
	Comment      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      int64
	DeletedAt    *time.Time
}

// TableName returns the local store table backing this entity.
func (Order) TableName() string { return "orders" }

// EntityType is the wire-level discriminator used in outbox rows and
// change log entries.
func (Order) EntityType() string { return "order" }

// WritableFields lists the fields a pull-applied or rebased operation may
// project onto an Order row. partner_id and delivery_date are included
// because the UI may re-point an order; id, version and timestamps are
// never part of an UPDATE's writable projection.
func (Order) WritableFields() []string {
	return []string{"partner_id", "status", "order_date", "delivery_date", "comment"}
}

// OrderLine is one product/quantity line within an Order.
type OrderLine struct {
	ID        string
	OrderID   string
	ProductID string
	UnitID    string
	Quantity  float64
	Price     float64
	Comment   string
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
	DeletedAt *time.Time
}

func (OrderLine) TableName() string  { return "order_lines" }
func (OrderLine) EntityType() string { return "order_line" }

func (OrderLine) WritableFields() []string {
	return []string{"product_id", "unit_id", "quantity", "price", "comment"}
}
