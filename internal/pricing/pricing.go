// Package pricing computes order totals from authoritative catalog prices.
package pricing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"storefront/internal/catalog"
	"storefront/internal/model"
)

var (
	ErrInvalidCart     = errors.New("cart is empty")
	ErrInvalidProduct  = errors.New("invalid product")
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// Quantity bounds for one cart line, shared with the checkout schema.
const (
	MinQuantity = 1
	MaxQuantity = 100
)

// ShippingMethod is one of the methods offered at checkout.
type ShippingMethod string

const (
	MethodStandard ShippingMethod = "standard"
	MethodSameDay  ShippingMethod = "same-day"
	MethodPickup   ShippingMethod = "pickup"
)

// Valid reports whether m is an offered method.
func (m ShippingMethod) Valid() bool {
	switch m {
	case MethodStandard, MethodSameDay, MethodPickup:
		return true
	}
	return false
}

// Policy is the single source of truth for shipping and tax constants. The
// display layer reads the same values through GET /shipping-config.
type Policy struct {
	FreeShippingThreshold decimal.Decimal `json:"freeShippingThreshold"`
	SameDayRate           decimal.Decimal `json:"sameDayRate"`
	StandardRate          decimal.Decimal `json:"standardRate"`
	VATRate               decimal.Decimal `json:"vatRate"`
}

// DefaultPolicy is the live Electric Ink IE policy.
var DefaultPolicy = Policy{
	FreeShippingThreshold: decimal.RequireFromString("130.00"),
	SameDayRate:           decimal.RequireFromString("7.50"),
	StandardRate:          decimal.RequireFromString("11.50"),
	VATRate:               decimal.RequireFromString("0.23"),
}

// Dublin Central postal districts D01 to D08.
var dublinCentral = regexp.MustCompile(`^D0[1-8]`)

// IsDublinCentral reports whether a postal code is in the same-day zone.
func IsDublinCentral(postal string) bool {
	p := strings.ToUpper(strings.Join(strings.Fields(postal), ""))
	return dublinCentral.MatchString(p)
}

// Engine prices resolved lines under a Policy.
type Engine struct {
	Policy Policy
}

func NewEngine(p Policy) *Engine { return &Engine{Policy: p} }

func round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// Shipping returns the shipping cost for an already rounded subtotal.
func (e *Engine) Shipping(subtotal decimal.Decimal, method ShippingMethod, postal string) decimal.Decimal {
	switch {
	case subtotal.GreaterThanOrEqual(e.Policy.FreeShippingThreshold):
		return decimal.Zero
	case method == MethodPickup:
		return decimal.Zero
	case method == MethodSameDay && IsDublinCentral(postal):
		return round2(e.Policy.SameDayRate)
	}
	return round2(e.Policy.StandardRate)
}

// Price computes totals. Each field is rounded to cents on its own and VAT is
// computed from the rounded subtotal and shipping.
func (e *Engine) Price(lines []model.ResolvedLineItem, method ShippingMethod, postal string) (model.Totals, error) {
	if len(lines) == 0 {
		return model.Totals{}, ErrInvalidCart
	}
	sum := decimal.Zero
	for _, l := range lines {
		if l.Quantity < MinQuantity || l.Quantity > MaxQuantity {
			return model.Totals{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, l.Quantity)
		}
		if l.UnitPrice.IsNegative() {
			return model.Totals{}, fmt.Errorf("%w: negative price", ErrInvalidProduct)
		}
		sum = sum.Add(l.LineTotal())
	}
	subtotal := round2(sum)
	shipping := e.Shipping(subtotal, method, postal)
	vat := round2(subtotal.Add(shipping).Mul(e.Policy.VATRate))
	total := round2(subtotal.Add(shipping).Add(vat))
	return model.Totals{Subtotal: subtotal, Shipping: shipping, VAT: vat, Total: total}, nil
}

// Resolver is the catalog lookup the engine needs.
type Resolver interface {
	Resolve(identifier string) (catalog.Resolution, error)
}

// ResolveLine turns one cart item into a priced line. A resolved variant's
// price wins over the product base price.
func ResolveLine(r Resolver, item model.CartItem) (model.ResolvedLineItem, error) {
	if item.Quantity < MinQuantity || item.Quantity > MaxQuantity {
		return model.ResolvedLineItem{}, fmt.Errorf("%w: item %q quantity %d", ErrInvalidQuantity, item.ID, item.Quantity)
	}
	res, err := r.Resolve(item.ID)
	if err != nil {
		return model.ResolvedLineItem{}, fmt.Errorf("%w: %q not found", ErrInvalidProduct, item.ID)
	}
	line := model.ResolvedLineItem{Product: res.Product, Quantity: item.Quantity}
	switch {
	case res.Variant != nil && res.Variant.Price != nil:
		line.VariantID = res.Variant.ID
		line.UnitPrice = *res.Variant.Price
	case res.Product.BasePrice != nil:
		if res.Variant != nil {
			line.VariantID = res.Variant.ID
		}
		line.UnitPrice = *res.Product.BasePrice
	default:
		return model.ResolvedLineItem{}, fmt.Errorf("%w: %q has no price", ErrInvalidProduct, item.ID)
	}
	return line, nil
}

// Quote resolves every cart item and prices the result.
func (e *Engine) Quote(r Resolver, items []model.CartItem, method ShippingMethod, postal string) ([]model.ResolvedLineItem, model.Totals, error) {
	if len(items) == 0 {
		return nil, model.Totals{}, ErrInvalidCart
	}
	lines := make([]model.ResolvedLineItem, 0, len(items))
	for _, it := range items {
		l, err := ResolveLine(r, it)
		if err != nil {
			return nil, model.Totals{}, err
		}
		lines = append(lines, l)
	}
	totals, err := e.Price(lines, method, postal)
	if err != nil {
		return nil, model.Totals{}, err
	}
	return lines, totals, nil
}
