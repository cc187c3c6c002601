package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"storefront/internal/catalog"
	"storefront/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func line(price string, qty int) model.ResolvedLineItem {
	return model.ResolvedLineItem{Product: &model.Product{ID: "p"}, UnitPrice: d(price), Quantity: qty}
}

func assertTotals(t *testing.T, got model.Totals, sub, ship, vat, total string) {
	t.Helper()
	if !got.Subtotal.Equal(d(sub)) || !got.Shipping.Equal(d(ship)) || !got.VAT.Equal(d(vat)) || !got.Total.Equal(d(total)) {
		t.Fatalf("totals=%s/%s/%s/%s want %s/%s/%s/%s",
			got.Subtotal, got.Shipping, got.VAT, got.Total, sub, ship, vat, total)
	}
}

func TestPrice_FreeShippingThreshold(t *testing.T) {
	e := NewEngine(DefaultPolicy)
	for _, postal := range []string{"D04", "D09", "T12 ABC1", ""} {
		got, err := e.Price([]model.ResolvedLineItem{line("65.00", 2)}, MethodStandard, postal)
		if err != nil {
			t.Fatalf("price: %v", err)
		}
		assertTotals(t, got, "130.00", "0", "29.90", "159.90")
	}
}

func TestPrice_SameDayDublinCentral(t *testing.T) {
	e := NewEngine(DefaultPolicy)
	got, err := e.Price([]model.ResolvedLineItem{line("25.00", 2)}, MethodSameDay, "D04")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	assertTotals(t, got, "50.00", "7.50", "13.23", "70.73")

	got, err = e.Price([]model.ResolvedLineItem{line("25.00", 2)}, MethodSameDay, "D09")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	assertTotals(t, got, "50.00", "11.50", "14.15", "75.65")
}

func TestPrice_Pickup(t *testing.T) {
	got, err := NewEngine(DefaultPolicy).Price([]model.ResolvedLineItem{line("10.00", 1)}, MethodPickup, "")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	assertTotals(t, got, "10.00", "0", "2.30", "12.30")
}

func TestPrice_StepwiseRoundingDiffersFromNaive(t *testing.T) {
	e := NewEngine(DefaultPolicy)
	lines := []model.ResolvedLineItem{line("0.005", 1)}
	got, err := e.Price(lines, MethodStandard, "")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	// stepwise: 0.01 + 11.50 + round2(11.51*0.23)=2.65
	assertTotals(t, got, "0.01", "11.50", "2.65", "14.16")

	naiveSum := d("0.005").Add(d("11.50"))
	naive := naiveSum.Add(naiveSum.Mul(d("0.23"))).Round(2)
	if got.Total.Sub(naive).Abs().LessThan(d("0.01")) {
		t.Fatalf("expected stepwise total %s to differ from naive %s", got.Total, naive)
	}
}

func TestPrice_Errors(t *testing.T) {
	e := NewEngine(DefaultPolicy)
	if _, err := e.Price(nil, MethodStandard, ""); !errors.Is(err, ErrInvalidCart) {
		t.Fatalf("want ErrInvalidCart, got %v", err)
	}
	for _, q := range []int{0, -1, MaxQuantity + 1} {
		if _, err := e.Price([]model.ResolvedLineItem{line("1.00", q)}, MethodStandard, ""); !errors.Is(err, ErrInvalidQuantity) {
			t.Fatalf("qty=%d want ErrInvalidQuantity, got %v", q, err)
		}
	}
	if _, err := e.Price([]model.ResolvedLineItem{line("1.00", MaxQuantity)}, MethodStandard, ""); err != nil {
		t.Fatalf("qty=%d must be accepted: %v", MaxQuantity, err)
	}
}

func TestIsDublinCentral(t *testing.T) {
	yes := []string{"D01", "d04", "D08 XY12", " d0 2 ", "D05AB12"}
	no := []string{"D09", "D10", "D6W", "T12", "", "XD01"}
	for _, p := range yes {
		if !IsDublinCentral(p) {
			t.Fatalf("%q should be Dublin Central", p)
		}
	}
	for _, p := range no {
		if IsDublinCentral(p) {
			t.Fatalf("%q should not be Dublin Central", p)
		}
	}
}

func TestQuote_UsesCatalogPricesOnly(t *testing.T) {
	c := catalog.New([]model.Product{
		{ID: "ink", BasePrice: dp("10.00"), Variants: []model.Variant{{ID: "ink-big", Price: dp("30.00")}, {ID: "ink-free"}}},
		{ID: "only-variants", Variants: []model.Variant{{ID: "ov-1", Price: dp("5.00")}}},
	})
	e := NewEngine(DefaultPolicy)

	lines, totals, err := e.Quote(c, []model.CartItem{{ID: "ink", Quantity: 1}, {ID: "ink-big", Quantity: 2}, {ID: "ink-free", Quantity: 1}}, MethodPickup, "")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !lines[1].UnitPrice.Equal(d("30.00")) || lines[1].VariantID != "ink-big" {
		t.Fatalf("variant price not preferred: %+v", lines[1])
	}
	if !lines[2].UnitPrice.Equal(d("10.00")) || lines[2].VariantID != "ink-free" {
		t.Fatalf("unpriced variant must fall back to base price: %+v", lines[2])
	}
	if !totals.Subtotal.Equal(d("80.00")) {
		t.Fatalf("subtotal=%s", totals.Subtotal)
	}

	if _, _, err := e.Quote(c, []model.CartItem{{ID: "only-variants", Quantity: 1}}, MethodPickup, ""); !errors.Is(err, ErrInvalidProduct) {
		t.Fatalf("product without base price and no variant must fail, got %v", err)
	}
	if _, _, err := e.Quote(c, []model.CartItem{{ID: "nope", Quantity: 1}}, MethodPickup, ""); !errors.Is(err, ErrInvalidProduct) {
		t.Fatalf("unknown product must fail, got %v", err)
	}
	if _, _, err := e.Quote(c, nil, MethodPickup, ""); !errors.Is(err, ErrInvalidCart) {
		t.Fatalf("empty cart must fail, got %v", err)
	}
}
