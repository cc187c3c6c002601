package intentmeta

import (
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/model"
)

func sample(n int) Metadata {
	m := Metadata{
		Totals: model.Totals{
			Subtotal: decimal.RequireFromString("50.00"),
			Shipping: decimal.RequireFromString("7.50"),
			VAT:      decimal.RequireFromString("13.23"),
			Total:    decimal.RequireFromString("70.73"),
		},
		BackendValidated: true,
		ShippingMethod:   "same-day",
		IdempotencyKey:   "abc",
		Customer:         model.Customer{Email: "a@b.ie", Name: "Aoife"},
		Address:          model.ShippingAddress{Line1: "1 Main St", City: "Dublin", PostalCode: "D04 X1Y2"},
	}
	for i := 0; i < n; i++ {
		m.Items = append(m.Items, model.OrderLine{ID: fmt.Sprintf("needle-cartridge-rl-%02d", i), VariantID: fmt.Sprintf("rl-%02d", i), Quantity: 2, UnitPriceCents: 1250})
	}
	return m
}

func TestEncode_Fields(t *testing.T) {
	md, err := Encode(sample(2))
	require.NoError(t, err)
	assert.Equal(t, "70.73", md[KeyTotal])
	assert.Equal(t, "7073", md[KeyTotalCents])
	assert.Equal(t, "true", md[KeyBackendValidated])
	assert.Equal(t, "D04 X1Y2", md[KeyAddressPostal])
	_, hasLine2 := md[KeyAddressLine2]
	assert.False(t, hasLine2, "empty values are not sent")
	for k, v := range md {
		assert.LessOrEqual(t, len(v), maxValueLen, k)
	}
}

func TestDecode_LargeCartSplitsItems(t *testing.T) {
	in := sample(50)
	md, err := Encode(in)
	require.NoError(t, err)
	assert.Contains(t, md, "items_1")

	out, err := Decode(md)
	require.NoError(t, err)
	require.Len(t, out.Items, 50)
	assert.Equal(t, int64(2500), out.Items[49].LineTotalCents)
	assert.True(t, out.Totals.Total.Equal(in.Totals.Total))
	assert.Equal(t, in.Customer, out.Customer)
	assert.Equal(t, in.Address, out.Address)
}

func TestDecode_FallsBackToEuroStrings(t *testing.T) {
	out, err := Decode(map[string]string{KeyTotal: "12.345", KeySubtotal: "10"})
	require.NoError(t, err)
	assert.Equal(t, "12.35", out.Totals.Total.StringFixed(2))
	assert.Equal(t, "10.00", out.Totals.Subtotal.StringFixed(2))
	assert.Empty(t, out.Items)
}

func TestEncode_OversizedItemsIsTyped(t *testing.T) {
	m := sample(0)
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("%03d-%s", i, strings.Repeat("x", 196))
		m.Items = append(m.Items, model.OrderLine{ID: id, VariantID: id, Quantity: 1, UnitPriceCents: 100})
	}
	_, err := Encode(m)
	assert.ErrorIs(t, err, ErrItemsTooLarge)
}

func TestDecode_BadItems(t *testing.T) {
	_, err := Decode(map[string]string{KeyItems: "[{"})
	assert.Error(t, err)
}

func TestSplit_KeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", 400)
	for _, c := range split(s, maxValueLen) {
		assert.True(t, len(c) <= maxValueLen)
		assert.False(t, strings.ContainsRune(c, '�'))
	}
	assert.Equal(t, s, strings.Join(split(s, maxValueLen), ""))
}
