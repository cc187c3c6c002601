package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Variant is a purchasable option of a product (size, colour, pack).
type Variant struct {
	ID       string           `json:"id" yaml:"id"`
	Price    *decimal.Decimal `json:"price,omitempty" yaml:"price,omitempty"`
	PriceRef string           `json:"priceRef,omitempty" yaml:"priceRef,omitempty"`
}

// Product is a normalized catalog record. BasePrice is the flat price or
// basic.price from the source file, whichever was present.
type Product struct {
	ID        string           `json:"id"`
	Name      string           `json:"name,omitempty"`
	BasePrice *decimal.Decimal `json:"price,omitempty"`
	Variants  []Variant        `json:"variants,omitempty"`
}

// VariantByID returns the variant with the given id, if any.
func (p *Product) VariantByID(id string) (*Variant, bool) {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			return &p.Variants[i], true
		}
	}
	return nil, false
}

// CartItem is the untrusted {id, quantity} pair sent by the browser.
type CartItem struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

// ResolvedLineItem carries the authoritative unit price of one cart line.
type ResolvedLineItem struct {
	Product   *Product
	VariantID string
	UnitPrice decimal.Decimal
	Quantity  int
}

// LineTotal is unit price times quantity, unrounded.
func (l ResolvedLineItem) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Totals are two-decimal EUR amounts, each rounded independently.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	VAT      decimal.Decimal `json:"vat"`
	Total    decimal.Decimal `json:"total"`
}

// Cents converts a EUR amount into integer cents.
func Cents(eur decimal.Decimal) int64 {
	return eur.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FromCents converts integer cents into a two-decimal EUR amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// ShippingAddress is the postal destination captured at checkout.
type ShippingAddress struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	County     string `json:"county,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Customer is the contact captured at checkout.
type Customer struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// OrderStatus is the fulfilment lifecycle of an order.
type OrderStatus string

const (
	StatusPaid      OrderStatus = "paid"
	StatusShipped   OrderStatus = "shipped"
	StatusDelivered OrderStatus = "delivered"
	StatusFailed    OrderStatus = "failed"
	StatusRefunded  OrderStatus = "refunded"
)

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPaid, StatusShipped, StatusDelivered, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// DeliveryStatus is the outcome of one notification channel.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// Notification kinds, also the keys of Order.Emails.
const (
	NotifyCustomer = "customer"
	NotifyAdmin    = "admin"
	NotifyShipping = "shipping"
)

// Delivery records what happened to one email.
type Delivery struct {
	Status    DeliveryStatus `json:"status"`
	MessageID string         `json:"messageId,omitempty"`
	Error     string         `json:"error,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	At        time.Time      `json:"at"`
}

// OrderLine is the snapshot of a priced line at payment time.
type OrderLine struct {
	ID             string `json:"id"`
	VariantID      string `json:"variantId,omitempty"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents"`
	LineTotalCents int64  `json:"lineTotalCents"`
}

// Order is persisted under the payment intent id.
type Order struct {
	ID             string          `json:"id"`
	OrderNumber    string          `json:"orderNumber"`
	Status         OrderStatus     `json:"status"`
	Currency       string          `json:"currency"`
	AmountCents    int64           `json:"amountCents"`
	SubtotalCents  int64           `json:"subtotalCents"`
	ShippingCents  int64           `json:"shippingCents"`
	VATCents       int64           `json:"vatCents"`
	TotalCents     int64           `json:"totalCents"`
	Amount         decimal.Decimal `json:"amount"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Shipping       decimal.Decimal `json:"shipping"`
	VAT            decimal.Decimal `json:"vat"`
	Total          decimal.Decimal `json:"total"`
	Customer       Customer        `json:"customer"`
	ShippingMethod string          `json:"shippingMethod,omitempty"`
	Address        ShippingAddress `json:"shippingAddress"`
	Items          []OrderLine     `json:"items"`

	// keyed by notification kind: customer, admin, shipping
	Emails map[string]Delivery `json:"emails,omitempty"`

	TrackingNumber string     `json:"trackingNumber,omitempty"`
	Carrier        string     `json:"carrier,omitempty"`
	ShippedAt      *time.Time `json:"shippedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	PaidAt         time.Time  `json:"paidAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Source         string     `json:"source"`
	WebhookEventID string     `json:"webhookEventId,omitempty"`
}

// OrderEvent is one append-only audit entry.
type OrderEvent struct {
	ID         string      `json:"id"`
	OrderID    string      `json:"orderId"`
	Kind       string      `json:"kind"`
	FromStatus OrderStatus `json:"fromStatus,omitempty"`
	ToStatus   OrderStatus `json:"toStatus,omitempty"`
	Note       string      `json:"note,omitempty"`
	Actor      string      `json:"actor,omitempty"`
	At         time.Time   `json:"at"`
}

// Event kinds.
const (
	EventCreated       = "created"
	EventStatusChanged = "status_changed"
	EventShipped       = "shipped"
)

// FailedNotification is a ledger row kept for manual or automated retry.
type FailedNotification struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"orderId"`
	Kind          string     `json:"kind"`
	Recipient     string     `json:"recipient,omitempty"`
	Error         string     `json:"error"`
	RetryCount    int        `json:"retryCount"`
	Resolved      bool       `json:"resolved"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

// RateLimitCounter is the fixed-window state for one client identity.
type RateLimitCounter struct {
	Count         int       `json:"count"`
	WindowResetAt time.Time `json:"windowResetAt"`
}
