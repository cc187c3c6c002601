package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"storefront/internal/catalog"
	"storefront/internal/checkout"
	"storefront/internal/pricing"
)

type cartItem struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

type address struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type cart struct {
	Items           []cartItem `json:"items"`
	ShippingMethod  string     `json:"shippingMethod"`
	Email           string     `json:"email"`
	Name            string     `json:"name"`
	ShippingAddress address    `json:"shippingAddress"`
}

func main() {
	var count, maxLines int
	var catalogDir, outputFile string
	var seed int64
	flag.IntVar(&count, "count", 100, "number of carts to generate")
	flag.IntVar(&maxLines, "max-lines", 4, "maximum distinct items per cart")
	flag.StringVar(&catalogDir, "catalog", "./catalog", "catalog directory")
	flag.StringVar(&outputFile, "output", "carts.jsonl", "output file")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	if err := generateCarts(count, maxLines, catalogDir, outputFile, seed); err != nil {
		log.Fatalf("generation failed: %v", err)
	}
}

func generateCarts(count, maxLines int, catalogDir, outputFile string, seed int64) error {
	cat, err := catalog.LoadDir(catalogDir)
	if err != nil {
		return err
	}
	// every product id and variant id is a valid cart identifier
	var ids []string
	for _, p := range cat.Products() {
		ids = append(ids, p.ID)
		for _, v := range p.Variants {
			if v.ID != "" {
				ids = append(ids, v.ID)
			}
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("catalog %s has no products", catalogDir)
	}
	if maxLines < 1 {
		maxLines = 1
	}
	if maxLines > checkout.MaxItems {
		maxLines = checkout.MaxItems
	}

	file, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	rng := rand.New(rand.NewSource(seed))
	methods := []pricing.ShippingMethod{pricing.MethodStandard, pricing.MethodSameDay, pricing.MethodPickup}
	postcodes := []string{"D01 F5P2", "D04 K7X1", "D08 TN96", "D09 W2K3", "T12 X70A", "H91 E2K5"}

	enc := json.NewEncoder(file)
	for i := 0; i < count; i++ {
		c := cart{
			ShippingMethod: string(methods[rng.Intn(len(methods))]),
			Email:          fmt.Sprintf("customer%d@example.ie", i+1),
			Name:           fmt.Sprintf("Customer %d", i+1),
			ShippingAddress: address{
				Line1:      fmt.Sprintf("%d Main Street", 1+rng.Intn(200)),
				City:       "Dublin",
				PostalCode: postcodes[rng.Intn(len(postcodes))],
				Country:    "IE",
			},
		}
		seen := map[string]bool{}
		for n := 1 + rng.Intn(maxLines); len(c.Items) < n && len(seen) < len(ids); {
			id := ids[rng.Intn(len(ids))]
			if seen[id] {
				continue
			}
			seen[id] = true
			c.Items = append(c.Items, cartItem{ID: id, Quantity: 1 + rng.Intn(5)})
		}
		if err := enc.Encode(&c); err != nil {
			return fmt.Errorf("encode cart %d: %w", i+1, err)
		}
	}

	log.Printf("generated %d carts from %d identifiers to %s", count, len(ids), outputFile)
	return nil
}
