package catalog

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"storefront/internal/model"
)

// price accepts numbers or numeric strings ("12.50", "€12.50").
type price struct {
	d decimal.Decimal
}

func (p *price) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: price must be a scalar", n.Line)
	}
	v := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(n.Value), "€"))
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fmt.Errorf("line %d: bad price %q", n.Line, n.Value)
	}
	p.d = d
	return nil
}

type rawVariant struct {
	ID            string `yaml:"id"`
	Price         *price `yaml:"price"`
	PriceRef      string `yaml:"priceRef"`
	PriceID       string `yaml:"priceId"`
	StripePriceID string `yaml:"stripePriceId"`
}

type rawProduct struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Price *price `yaml:"price"`
	Basic struct {
		Price *price `yaml:"price"`
	} `yaml:"basic"`
	Variants []rawVariant `yaml:"variants"`
}

// LoadDir loads every .json, .yaml and .yml file in dir in name order. A
// malformed record is logged and skipped; other records still load.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return LoadFiles(paths...)
}

// LoadFiles loads the given catalog files. Later files override earlier ones.
func LoadFiles(paths ...string) (*Catalog, error) {
	var all []model.Product
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		products, errs := Parse(data)
		for _, e := range errs {
			log.Printf("catalog: skipped record file=%s: %v", filepath.Base(path), e)
		}
		all = append(all, products...)
	}
	if len(all) == 0 {
		return nil, errors.New("catalog is empty")
	}
	c := New(all)
	log.Printf("catalog: loaded products=%d files=%d", c.Len(), len(paths))
	return c, nil
}

// Parse decodes one catalog document. It accepts a list of products, an
// object with a "products" list, or a map of id to product. The returned
// errors describe records that were rejected.
func Parse(data []byte) ([]model.Product, []error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, []error{fmt.Errorf("parse: %w", err)}
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]

	var nodes []*yaml.Node
	var keys []string
	switch doc.Kind {
	case yaml.SequenceNode:
		nodes = doc.Content
		keys = make([]string, len(nodes))
	case yaml.MappingNode:
		if list := mappingValue(doc, "products"); list != nil && list.Kind == yaml.SequenceNode {
			nodes = list.Content
			keys = make([]string, len(nodes))
			break
		}
		for i := 0; i+1 < len(doc.Content); i += 2 {
			keys = append(keys, doc.Content[i].Value)
			nodes = append(nodes, doc.Content[i+1])
		}
	default:
		return nil, []error{errors.New("catalog document must be a list or a map")}
	}

	var out []model.Product
	var errs []error
	for i, n := range nodes {
		var rp rawProduct
		if err := n.Decode(&rp); err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		if rp.ID == "" {
			rp.ID = keys[i]
		}
		p, err := normalize(rp)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d (%s): %w", i, rp.ID, err))
			continue
		}
		out = append(out, p)
	}
	return out, errs
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func normalize(rp rawProduct) (model.Product, error) {
	p := model.Product{ID: strings.TrimSpace(rp.ID), Name: rp.Name}
	if p.ID == "" {
		return model.Product{}, errors.New("missing id")
	}
	base := rp.Price
	if base == nil {
		base = rp.Basic.Price
	}
	if base != nil {
		if base.d.IsNegative() {
			return model.Product{}, fmt.Errorf("negative price %s", base.d)
		}
		d := base.d
		p.BasePrice = &d
	}

	priced := 0
	for _, rv := range rp.Variants {
		v := model.Variant{ID: strings.TrimSpace(rv.ID), PriceRef: firstNonEmpty(rv.PriceRef, rv.PriceID, rv.StripePriceID)}
		if v.ID == "" {
			log.Printf("catalog: product=%s dropped variant without id", p.ID)
			continue
		}
		if rv.Price != nil {
			if rv.Price.d.IsNegative() {
				log.Printf("catalog: product=%s dropped variant=%s negative price", p.ID, v.ID)
				continue
			}
			d := rv.Price.d
			v.Price = &d
			priced++
		}
		p.Variants = append(p.Variants, v)
	}
	if p.BasePrice == nil && priced == 0 {
		return model.Product{}, errors.New("no resolvable price")
	}
	return p, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
