package catalog

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/model"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func testCatalog() *Catalog {
	return New([]model.Product{
		{ID: "gloo-stencil-30ml", BasePrice: dec("12.50")},
		{ID: "dynamic-black", BasePrice: dec("9.00"), Variants: []model.Variant{
			{ID: "dynamic-black-1oz", Price: dec("9.00"), PriceRef: "price_db1"},
			{ID: "dynamic-black-4oz", Price: dec("24.00"), PriceRef: "price_db4"},
		}},
		{ID: "needle-cartridge", Variants: []model.Variant{
			{ID: "rl-3", Price: dec("18.00")},
			{ID: "rl-5", Price: dec("19.50")},
		}},
		{ID: "grip-tape", Variants: []model.Variant{{ID: "blue", Price: dec("3.00")}}},
		{ID: "bandage-roll", Variants: []model.Variant{{ID: "blue", Price: dec("4.00")}}},
	})
}

func TestResolve_ExactProduct(t *testing.T) {
	r, err := testCatalog().Resolve("gloo-stencil-30ml")
	require.NoError(t, err)
	assert.Equal(t, "gloo-stencil-30ml", r.Product.ID)
	assert.Nil(t, r.Variant)
	assert.Equal(t, StrategyExact, r.Strategy)
}

func TestResolve_DuplicatedPrefix(t *testing.T) {
	r, err := testCatalog().Resolve("gloo-stencil-gloo-stencil-30ml")
	require.NoError(t, err)
	assert.Equal(t, "gloo-stencil-30ml", r.Product.ID)
	assert.Equal(t, StrategyDuplicatePrefix, r.Strategy)
}

func TestResolve_DuplicatedPrefixOntoVariant(t *testing.T) {
	r, err := testCatalog().Resolve("dynamic-dynamic-black-4oz")
	require.NoError(t, err)
	assert.Equal(t, "dynamic-black", r.Product.ID)
	require.NotNil(t, r.Variant)
	assert.Equal(t, "dynamic-black-4oz", r.Variant.ID)
}

func TestResolve_VariantIDAnywhere(t *testing.T) {
	r, err := testCatalog().Resolve("dynamic-black-4oz")
	require.NoError(t, err)
	assert.Equal(t, "dynamic-black", r.Product.ID)
	assert.Equal(t, "dynamic-black-4oz", r.Variant.ID)
	assert.Equal(t, StrategyVariantScan, r.Strategy)
}

func TestResolve_PriceRef(t *testing.T) {
	r, err := testCatalog().Resolve("price_db1")
	require.NoError(t, err)
	assert.Equal(t, "dynamic-black-1oz", r.Variant.ID)
}

func TestResolve_SuffixUnderParent(t *testing.T) {
	r, err := testCatalog().Resolve("needle-cartridge-rl-5")
	require.NoError(t, err)
	assert.Equal(t, "needle-cartridge", r.Product.ID)
	assert.Equal(t, "rl-5", r.Variant.ID)
	assert.Equal(t, StrategySuffix, r.Strategy)
}

func TestResolve_SuffixOnUnknownPrefix(t *testing.T) {
	r, err := testCatalog().Resolve("old-cart-key-rl-3")
	require.NoError(t, err)
	assert.Equal(t, "needle-cartridge", r.Product.ID)
	assert.Equal(t, "rl-3", r.Variant.ID)
}

func TestResolve_AmbiguousVariantIsNotGuessed(t *testing.T) {
	c := testCatalog()
	_, err := c.Resolve("blue")
	assert.True(t, errors.Is(err, ErrNotFound))

	// the parent-qualified form is still exact
	r, err := c.Resolve("grip-tape-blue")
	require.NoError(t, err)
	assert.Equal(t, "grip-tape", r.Product.ID)
}

func TestResolve_SuffixPrefersVariantIDOverPriceRef(t *testing.T) {
	c := New([]model.Product{
		{ID: "liner-set", Variants: []model.Variant{
			{ID: "std", Price: dec("15.00"), PriceRef: "hd"},
			{ID: "hd", Price: dec("22.00")},
		}},
	})
	r, err := c.Resolve("old-liner-key-hd")
	require.NoError(t, err)
	assert.Equal(t, "liner-set", r.Product.ID)
	require.NotNil(t, r.Variant)
	assert.Equal(t, "hd", r.Variant.ID)
	assert.Equal(t, StrategySuffix, r.Strategy)

	r, err = c.Resolve("hd")
	require.NoError(t, err)
	assert.Equal(t, "hd", r.Variant.ID)
}

func TestResolve_LogsWhenMatchedIDDiffers(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	c := testCatalog()
	_, err := c.Resolve("gloo-stencil-30ml")
	require.NoError(t, err)
	assert.Empty(t, buf.String())

	r, err := c.Resolve("  gloo-stencil-30ml ")
	require.NoError(t, err)
	assert.Equal(t, StrategyExact, r.Strategy)
	assert.Contains(t, buf.String(), `matched="gloo-stencil-30ml"`)
}

func TestResolve_NotFound(t *testing.T) {
	for _, id := range []string{"", "   ", "unknown", "gloo-stencil", "30ml"} {
		_, err := testCatalog().Resolve(id)
		assert.ErrorIs(t, err, ErrNotFound, "id=%q", id)
	}
}

func TestParse_Shapes(t *testing.T) {
	list := `[{"id":"a","price":5},{"id":"b","basic":{"price":"7.25"}}]`
	products, errs := Parse([]byte(list))
	require.Empty(t, errs)
	require.Len(t, products, 2)
	assert.Equal(t, "7.25", products[1].BasePrice.StringFixed(2))

	wrapped := `
products:
  - id: c
    variants:
      - id: c-small
        price: "€3.10"
        stripePriceId: price_c_small
`
	products, errs = Parse([]byte(wrapped))
	require.Empty(t, errs)
	require.Len(t, products, 1)
	assert.Equal(t, "price_c_small", products[0].Variants[0].PriceRef)
	assert.Equal(t, "3.1", products[0].Variants[0].Price.String())

	byID := `{"d": {"price": 1.5}, "e": {"name": "no price"}}`
	products, errs = Parse([]byte(byID))
	require.Len(t, products, 1)
	assert.Equal(t, "d", products[0].ID)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "no resolvable price")
}

func TestParse_RejectsMalformedRecordsIndividually(t *testing.T) {
	doc := `[
  {"id":"ok","price":"1.00"},
  {"price":"2.00"},
  {"id":"neg","price":"-1"},
  {"id":"junk","price":"abc"},
  {"id":"v","variants":[{"id":"","price":1},{"id":"v1","price":2}]}
]`
	products, errs := Parse([]byte(doc))
	require.Len(t, products, 2)
	assert.Equal(t, "ok", products[0].ID)
	assert.Equal(t, "v", products[1].ID)
	assert.Len(t, products[1].Variants, 1)
	assert.Len(t, errs, 3)
}

func TestLoadDir_LaterFilesOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01-base.json"), []byte(`[{"id":"a","price":"1.00"},{"id":"b","price":"2.00"}]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02-patch.yaml"), []byte("- id: a\n  price: 1.50\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	c, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	p, ok := c.Product("a")
	require.True(t, ok)
	assert.Equal(t, "1.50", p.BasePrice.StringFixed(2))
}

func TestLoadDir_EmptyIsError(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	assert.Error(t, err)
}
