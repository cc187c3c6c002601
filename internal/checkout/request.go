package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/clock"
	"storefront/internal/model"
	"storefront/internal/pricing"
)

// Schema bounds.
const (
	MaxItems          = 50
	MaxEmailLen       = 254
	MaxNameLen        = 100
	MaxItemIDLen      = 200
	IdempotencyWindow = 5 * time.Minute
)

// Request is the canonical checkout request after Normalize.
type Request struct {
	Items          []model.CartItem
	ShippingMethod pricing.ShippingMethod
	Customer       model.Customer
	Address        model.ShippingAddress

	// problems found while normalizing, reported by Validate
	problems []apperr.FieldError
}

type wireItem struct {
	ID        string      `json:"id"`
	ProductID string      `json:"productId"`
	Quantity  json.Number `json:"quantity"`
}

type wireAddress struct {
	Method     string `json:"method"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	Address    string `json:"address"`
	City       string `json:"city"`
	County     string `json:"county"`
	PostalCode string `json:"postalCode"`
	Eircode    string `json:"eircode"`
	Country    string `json:"country"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
}

type wireRequest struct {
	Items           []wireItem   `json:"items"`
	CartItems       []wireItem   `json:"cartItems"`
	ShippingMethod  string       `json:"shippingMethod"`
	Email           string       `json:"email"`
	Name            string       `json:"name"`
	Phone           string       `json:"phone"`
	ShippingAddress *wireAddress `json:"shippingAddress"`
}

// Normalize maps both accepted payload shapes onto Request:
//
//	{items, shippingMethod, email?, name?, shippingAddress?}
//	{cartItems, shippingAddress: {method, ...}}
//
// Repeated ids are merged into one line. Only malformed JSON is an error here;
// everything else is left for Validate.
func Normalize(raw []byte) (Request, error) {
	var w wireRequest
	if err := json.Unmarshal(raw, &w); err != nil {
		return Request{}, apperr.Validation("invalid JSON body")
	}
	var req Request

	items := w.Items
	if len(items) == 0 {
		items = w.CartItems
	}
	index := make(map[string]int, len(items))
	for i, it := range items {
		id := strings.TrimSpace(it.ID)
		if id == "" {
			id = strings.TrimSpace(it.ProductID)
		}
		qty, err := quantity(it.Quantity)
		if err != nil {
			req.problems = append(req.problems, apperr.FieldError{
				Field:   fmt.Sprintf("items[%d].quantity", i),
				Message: err.Error(),
			})
			continue
		}
		if j, ok := index[id]; ok && id != "" {
			req.Items[j].Quantity += qty
			continue
		}
		index[id] = len(req.Items)
		req.Items = append(req.Items, model.CartItem{ID: id, Quantity: qty})
	}

	method := w.ShippingMethod
	a := w.ShippingAddress
	if a == nil {
		a = &wireAddress{}
	}
	if method == "" {
		method = a.Method
	}
	req.ShippingMethod = pricing.ShippingMethod(strings.ToLower(strings.TrimSpace(method)))
	if req.ShippingMethod == "" {
		req.ShippingMethod = pricing.MethodStandard
	}

	req.Customer = model.Customer{
		Email: strings.TrimSpace(first(w.Email, a.Email)),
		Name:  strings.TrimSpace(first(w.Name, a.Name)),
		Phone: strings.TrimSpace(first(w.Phone, a.Phone)),
	}
	req.Address = model.ShippingAddress{
		Line1:      strings.TrimSpace(first(a.Line1, a.Address)),
		Line2:      strings.TrimSpace(a.Line2),
		City:       strings.TrimSpace(a.City),
		County:     strings.TrimSpace(a.County),
		PostalCode: strings.TrimSpace(first(a.PostalCode, a.Eircode)),
		Country:    strings.TrimSpace(a.Country),
	}
	return req, nil
}

func quantity(n json.Number) (int, error) {
	if n == "" {
		return 0, fmt.Errorf("quantity is required")
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("quantity must be an integer")
	}
	if v < pricing.MinQuantity || v > pricing.MaxQuantity {
		return 0, fmt.Errorf("quantity must be between %d and %d", pricing.MinQuantity, pricing.MaxQuantity)
	}
	return int(v), nil
}

func first(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Validate checks the request against the checkout schema and returns every
// violation at once.
func (r Request) Validate() error {
	fields := append([]apperr.FieldError(nil), r.problems...)
	add := func(field, msg string) {
		fields = append(fields, apperr.FieldError{Field: field, Message: msg})
	}

	switch {
	case len(r.Items) == 0 && len(r.problems) == 0:
		add("items", "at least one item is required")
	case len(r.Items) > MaxItems:
		add("items", fmt.Sprintf("at most %d distinct items are allowed", MaxItems))
	}
	for i, it := range r.Items {
		switch {
		case it.ID == "":
			add(fmt.Sprintf("items[%d].id", i), "id is required")
		case len(it.ID) > MaxItemIDLen:
			add(fmt.Sprintf("items[%d].id", i), fmt.Sprintf("id must be at most %d characters", MaxItemIDLen))
		}
		if it.Quantity > pricing.MaxQuantity {
			add(fmt.Sprintf("items[%d].quantity", i), fmt.Sprintf("quantity must be between %d and %d", pricing.MinQuantity, pricing.MaxQuantity))
		}
	}
	if !r.ShippingMethod.Valid() {
		add("shippingMethod", "must be one of standard, same-day, pickup")
	}
	if e := r.Customer.Email; e != "" {
		if len(e) > MaxEmailLen {
			add("email", fmt.Sprintf("email must be at most %d characters", MaxEmailLen))
		} else if _, err := mail.ParseAddress(e); err != nil {
			add("email", "email is not a valid address")
		}
	}
	if len([]rune(r.Customer.Name)) > MaxNameLen {
		add("name", fmt.Sprintf("name must be at most %d characters", MaxNameLen))
	}
	if len(fields) > 0 {
		return apperr.Validation("invalid request", fields...)
	}
	return nil
}

// ClientIP is the first X-Forwarded-For value, else the socket address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// IdempotencyKey is sha256 over the cart sorted by (id, quantity), the
// shipping method and the five-minute bucket of now. The same cart within one
// bucket always yields the same key.
func IdempotencyKey(items []model.CartItem, method pricing.ShippingMethod, now time.Time) string {
	sorted := append([]model.CartItem(nil), items...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ID != sorted[j].ID {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Quantity < sorted[j].Quantity
	})
	h := sha256.New()
	_ = json.NewEncoder(h).Encode(sorted)
	fmt.Fprintf(h, "%s|%d", method, clock.Bucket(now, IdempotencyWindow))
	return hex.EncodeToString(h.Sum(nil))
}
