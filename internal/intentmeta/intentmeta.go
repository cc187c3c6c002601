// Package intentmeta is the flat string map attached to a payment intent at
// checkout and read back when the payment succeeds.
package intentmeta

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"storefront/internal/model"
)

// Processor limits on metadata values.
const (
	maxValueLen = 500
	maxChunks   = 20
)

const (
	KeySubtotal         = "subtotal"
	KeyShipping         = "shipping"
	KeyVAT              = "vat"
	KeyTotal            = "total"
	KeySubtotalCents    = "subtotal_cents"
	KeyShippingCents    = "shipping_cents"
	KeyVATCents         = "vat_cents"
	KeyTotalCents       = "total_cents"
	KeyBackendValidated = "backend_validated"
	KeyItems            = "items"
	KeyShippingMethod   = "shipping_method"
	KeyIdempotencyKey   = "idempotency_key"
	KeyCustomerEmail    = "customer_email"
	KeyCustomerName     = "customer_name"
	KeyCustomerPhone    = "customer_phone"
	KeyAddressLine1     = "address_line1"
	KeyAddressLine2     = "address_line2"
	KeyAddressCity      = "address_city"
	KeyAddressCounty    = "address_county"
	KeyAddressPostal    = "address_postal_code"
	KeyAddressCountry   = "address_country"
)

// ErrItemsTooLarge means the line items do not fit the processor's metadata
// limits.
var ErrItemsTooLarge = errors.New("items metadata too large")

// Metadata is the typed view of the map.
type Metadata struct {
	Totals           model.Totals
	BackendValidated bool
	Items            []model.OrderLine
	ShippingMethod   string
	IdempotencyKey   string
	Customer         model.Customer
	Address          model.ShippingAddress
}

// line is the compact on-the-wire form of one order line.
type line struct {
	ID        string `json:"id"`
	VariantID string `json:"v,omitempty"`
	Quantity  int    `json:"q"`
	UnitCents int64  `json:"p"`
}

// Encode flattens m. Items larger than one metadata value are split across
// items, items_1, items_2 and so on.
func Encode(m Metadata) (map[string]string, error) {
	out := map[string]string{
		KeySubtotal:         m.Totals.Subtotal.StringFixed(2),
		KeyShipping:         m.Totals.Shipping.StringFixed(2),
		KeyVAT:              m.Totals.VAT.StringFixed(2),
		KeyTotal:            m.Totals.Total.StringFixed(2),
		KeySubtotalCents:    strconv.FormatInt(model.Cents(m.Totals.Subtotal), 10),
		KeyShippingCents:    strconv.FormatInt(model.Cents(m.Totals.Shipping), 10),
		KeyVATCents:         strconv.FormatInt(model.Cents(m.Totals.VAT), 10),
		KeyTotalCents:       strconv.FormatInt(model.Cents(m.Totals.Total), 10),
		KeyBackendValidated: strconv.FormatBool(m.BackendValidated),
	}
	lines := make([]line, 0, len(m.Items))
	for _, it := range m.Items {
		lines = append(lines, line{ID: it.ID, VariantID: it.VariantID, Quantity: it.Quantity, UnitCents: it.UnitPriceCents})
	}
	b, err := json.Marshal(lines)
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}
	chunks := split(string(b), maxValueLen)
	if len(chunks) > maxChunks {
		return nil, fmt.Errorf("%w: %d bytes", ErrItemsTooLarge, len(b))
	}
	for i, c := range chunks {
		out[itemsKey(i)] = c
	}

	set := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = truncate(v, maxValueLen)
		}
	}
	set(KeyShippingMethod, m.ShippingMethod)
	set(KeyIdempotencyKey, m.IdempotencyKey)
	set(KeyCustomerEmail, m.Customer.Email)
	set(KeyCustomerName, m.Customer.Name)
	set(KeyCustomerPhone, m.Customer.Phone)
	set(KeyAddressLine1, m.Address.Line1)
	set(KeyAddressLine2, m.Address.Line2)
	set(KeyAddressCity, m.Address.City)
	set(KeyAddressCounty, m.Address.County)
	set(KeyAddressPostal, m.Address.PostalCode)
	set(KeyAddressCountry, m.Address.Country)
	return out, nil
}

// Decode reads a map produced by Encode. Missing cents fields fall back to
// the EUR strings. Malformed items are an error.
func Decode(md map[string]string) (Metadata, error) {
	var m Metadata
	var err error
	if m.Totals.Subtotal, err = amount(md, KeySubtotalCents, KeySubtotal); err != nil {
		return Metadata{}, err
	}
	if m.Totals.Shipping, err = amount(md, KeyShippingCents, KeyShipping); err != nil {
		return Metadata{}, err
	}
	if m.Totals.VAT, err = amount(md, KeyVATCents, KeyVAT); err != nil {
		return Metadata{}, err
	}
	if m.Totals.Total, err = amount(md, KeyTotalCents, KeyTotal); err != nil {
		return Metadata{}, err
	}
	m.BackendValidated, _ = strconv.ParseBool(md[KeyBackendValidated])

	var sb strings.Builder
	for i := 0; i < maxChunks; i++ {
		c, ok := md[itemsKey(i)]
		if !ok {
			break
		}
		sb.WriteString(c)
	}
	if sb.Len() > 0 {
		var lines []line
		if err := json.Unmarshal([]byte(sb.String()), &lines); err != nil {
			return Metadata{}, fmt.Errorf("decode items: %w", err)
		}
		for _, l := range lines {
			m.Items = append(m.Items, model.OrderLine{
				ID:             l.ID,
				VariantID:      l.VariantID,
				Quantity:       l.Quantity,
				UnitPriceCents: l.UnitCents,
				LineTotalCents: l.UnitCents * int64(l.Quantity),
			})
		}
	}

	m.ShippingMethod = md[KeyShippingMethod]
	m.IdempotencyKey = md[KeyIdempotencyKey]
	m.Customer = model.Customer{Email: md[KeyCustomerEmail], Name: md[KeyCustomerName], Phone: md[KeyCustomerPhone]}
	m.Address = model.ShippingAddress{
		Line1:      md[KeyAddressLine1],
		Line2:      md[KeyAddressLine2],
		City:       md[KeyAddressCity],
		County:     md[KeyAddressCounty],
		PostalCode: md[KeyAddressPostal],
		Country:    md[KeyAddressCountry],
	}
	return m, nil
}

func amount(md map[string]string, centsKey, eurKey string) (decimal.Decimal, error) {
	if v, ok := md[centsKey]; ok && v != "" {
		c, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", centsKey, err)
		}
		return model.FromCents(c), nil
	}
	if v, ok := md[eurKey]; ok && v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", eurKey, err)
		}
		return d.Round(2), nil
	}
	return decimal.Zero, nil
}

func itemsKey(i int) string {
	if i == 0 {
		return KeyItems
	}
	return KeyItems + "_" + strconv.Itoa(i)
}

// cut returns the largest prefix length <= n that ends on a rune boundary.
func cut(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

func split(s string, n int) []string {
	var out []string
	for len(s) > n {
		i := cut(s, n)
		out = append(out, s[:i])
		s = s[i:]
	}
	return append(out, s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:cut(s, n)]
}
