// Package catalog holds the read-only product table and resolves incoming
// cart identifiers against it.
package catalog

import (
	"errors"
	"log"
	"sort"
	"strings"

	"storefront/internal/model"
)

var ErrNotFound = errors.New("product not found")

// Strategy names the rule that produced a resolution.
type Strategy string

const (
	StrategyExact           Strategy = "exact"
	StrategyDuplicatePrefix Strategy = "duplicate-prefix"
	StrategyVariantScan     Strategy = "variant-scan"
	StrategySuffix          Strategy = "suffix"
)

// Resolution is the authoritative product (and variant) behind an identifier.
type Resolution struct {
	Product   *model.Product
	Variant   *model.Variant
	MatchedID string
	Strategy  Strategy
}

type variantHit struct {
	product *model.Product
	variant *model.Variant
}

// Catalog is immutable once built and safe for concurrent use.
type Catalog struct {
	products  map[string]*model.Product
	ids       []string
	byVariant map[string][]variantHit
}

// New indexes products. Later duplicates of an id replace earlier ones.
func New(products []model.Product) *Catalog {
	c := &Catalog{
		products:  make(map[string]*model.Product, len(products)),
		byVariant: make(map[string][]variantHit),
	}
	for i := range products {
		p := products[i]
		c.products[p.ID] = &p
	}
	for id := range c.products {
		c.ids = append(c.ids, id)
	}
	sort.Strings(c.ids)
	for _, id := range c.ids {
		p := c.products[id]
		for j := range p.Variants {
			v := &p.Variants[j]
			c.byVariant[v.ID] = append(c.byVariant[v.ID], variantHit{product: p, variant: v})
			if v.PriceRef != "" && v.PriceRef != v.ID {
				c.byVariant[v.PriceRef] = append(c.byVariant[v.PriceRef], variantHit{product: p, variant: v})
			}
		}
	}
	return c
}

func (c *Catalog) Len() int { return len(c.products) }

func (c *Catalog) Product(id string) (*model.Product, bool) {
	p, ok := c.products[id]
	return p, ok
}

// Products returns every product in id order.
func (c *Catalog) Products() []*model.Product {
	out := make([]*model.Product, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.products[id])
	}
	return out
}

// Resolve maps a possibly mangled identifier to a product. Every rule is an
// exact string comparison; when a variant id is shared by several products the
// match is rejected rather than guessed.
func (c *Catalog) Resolve(identifier string) (Resolution, error) {
	res, ok := c.resolve(strings.TrimSpace(identifier))
	if !ok {
		return Resolution{}, ErrNotFound
	}
	if res.MatchedID != identifier {
		log.Printf("catalog: resolved id=%q product=%s variant=%s matched=%q strategy=%s",
			identifier, res.Product.ID, variantID(res.Variant), res.MatchedID, res.Strategy)
	}
	return res, nil
}

func (c *Catalog) resolve(id string) (Resolution, bool) {
	if id == "" {
		return Resolution{}, false
	}
	if p, ok := c.products[id]; ok {
		return Resolution{Product: p, MatchedID: id, Strategy: StrategyExact}, true
	}

	tokens := strings.Split(id, "-")
	for k := 1; 2*k <= len(tokens); k++ {
		if !sameTokens(tokens[:k], tokens[k:2*k]) {
			continue
		}
		rest := strings.Join(tokens[k:], "-")
		if p, ok := c.products[rest]; ok {
			return Resolution{Product: p, MatchedID: rest, Strategy: StrategyDuplicatePrefix}, true
		}
		if hit, ok := c.uniqueVariant(rest, false); ok {
			return Resolution{Product: hit.product, Variant: hit.variant, MatchedID: rest, Strategy: StrategyDuplicatePrefix}, true
		}
	}

	if hit, ok := c.uniqueVariant(id, false); ok {
		return Resolution{Product: hit.product, Variant: hit.variant, MatchedID: id, Strategy: StrategyVariantScan}, true
	}

	for n := 1; n <= 3 && n < len(tokens); n++ {
		suffix := strings.Join(tokens[len(tokens)-n:], "-")
		prefix := strings.Join(tokens[:len(tokens)-n], "-")
		if p, ok := c.products[prefix]; ok {
			if v, ok := p.VariantByID(suffix); ok {
				return Resolution{Product: p, Variant: v, MatchedID: suffix, Strategy: StrategySuffix}, true
			}
		}
		if hit, ok := c.uniqueVariant(suffix, true); ok {
			return Resolution{Product: hit.product, Variant: hit.variant, MatchedID: suffix, Strategy: StrategySuffix}, true
		}
	}
	return Resolution{}, false
}

// uniqueVariant finds the variant indexed under key, preferring an id match
// over a priceRef match. With idOnly set priceRef matches are ignored. Hits
// spread over more than one product are ambiguous.
func (c *Catalog) uniqueVariant(key string, idOnly bool) (variantHit, bool) {
	var pick variantHit
	found := false
	for _, h := range c.byVariant[key] {
		if idOnly && h.variant.ID != key {
			continue
		}
		if !found {
			pick, found = h, true
			continue
		}
		if h.product.ID != pick.product.ID {
			log.Printf("catalog: ambiguous variant key=%q products=%s,%s", key, pick.product.ID, h.product.ID)
			return variantHit{}, false
		}
		if pick.variant.ID != key && h.variant.ID == key {
			pick = h
		}
	}
	return pick, found
}

func sameTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func variantID(v *model.Variant) string {
	if v == nil {
		return "-"
	}
	return v.ID
}
