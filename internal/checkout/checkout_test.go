package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"storefront/internal/apperr"
	"storefront/internal/catalog"
	"storefront/internal/intentmeta"
	"storefront/internal/model"
	"storefront/internal/pricing"
	"storefront/internal/ratelimit"
)

type fakeProcessor struct {
	calls []IntentParams
	err   error
}

func (f *fakeProcessor) CreateIntent(_ context.Context, p IntentParams) (Intent, error) {
	f.calls = append(f.calls, p)
	if f.err != nil {
		return Intent{}, f.err
	}
	return Intent{ID: "pi_" + p.IdempotencyKey[:8], ClientSecret: "secret_" + p.IdempotencyKey[:8]}, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, ResetAt: time.Date(2024, 5, 1, 12, 0, 42, 0, time.UTC)}, nil
}

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func newService(p PaymentProcessor) *Service {
	cat := catalog.New([]model.Product{
		{ID: "dynamic-black", BasePrice: price("9.00"), Variants: []model.Variant{
			{ID: "dynamic-black-4oz", Price: price("24.00")},
		}},
		{ID: "gloo-stencil-30ml", BasePrice: price("12.50")},
	})
	return &Service{
		Catalog:   cat,
		Engine:    pricing.NewEngine(pricing.DefaultPolicy),
		Processor: p,
		Now:       func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func TestCreateIntent_IgnoresClientPrice(t *testing.T) {
	fp := &fakeProcessor{}
	s := newService(fp)

	cheap := `{"items":[{"id":"dynamic-black-4oz","quantity":2,"price":0.01}],"shippingMethod":"same-day","shippingAddress":{"postalCode":"D04 AB12"}}`
	honest := `{"items":[{"id":"dynamic-black-4oz","quantity":2,"price":24}],"shippingMethod":"same-day","shippingAddress":{"postalCode":"D04 AB12"}}`

	r1, err := s.CreateIntent(context.Background(), []byte(cheap), "1.2.3.4")
	require.NoError(t, err)
	r2, err := s.CreateIntent(context.Background(), []byte(honest), "1.2.3.4")
	require.NoError(t, err)

	assert.Equal(t, "48.00", r1.Totals.Subtotal.StringFixed(2))
	assert.True(t, r1.Totals.Total.Equal(r2.Totals.Total))
	// 48.00 + 7.50 + round2(55.50 * 0.23 = 12.765) = 68.27
	assert.Equal(t, "68.27", r1.Totals.Total.StringFixed(2))

	require.Len(t, fp.calls, 2)
	call := fp.calls[0]
	assert.Equal(t, int64(6827), call.AmountCents)
	assert.Equal(t, "eur", call.Currency)
	assert.Equal(t, fp.calls[0].IdempotencyKey, fp.calls[1].IdempotencyKey, "same cart in the same bucket")
	assert.Equal(t, "true", call.Metadata[intentmeta.KeyBackendValidated])
	assert.Equal(t, "6827", call.Metadata[intentmeta.KeyTotalCents])
	assert.Equal(t, call.IdempotencyKey, call.Metadata[intentmeta.KeyIdempotencyKey])

	md, err := intentmeta.Decode(call.Metadata)
	require.NoError(t, err)
	require.Len(t, md.Items, 1)
	assert.Equal(t, "dynamic-black", md.Items[0].ID)
	assert.Equal(t, "dynamic-black-4oz", md.Items[0].VariantID)
	assert.Equal(t, int64(2400), md.Items[0].UnitPriceCents)
}

func TestCreateIntent_LegacyShape(t *testing.T) {
	fp := &fakeProcessor{}
	s := newService(fp)
	body := `{"cartItems":[{"id":"gloo-stencil-30ml","quantity":1}],"shippingAddress":{"method":"pickup","email":"a@b.ie","name":"Aoife","line1":"1 Main St"}}`
	r, err := s.CreateIntent(context.Background(), []byte(body), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "0.00", r.Totals.Shipping.StringFixed(2))
	assert.Equal(t, "a@b.ie", fp.calls[0].ReceiptEmail)
	assert.Equal(t, "pickup", fp.calls[0].Metadata[intentmeta.KeyShippingMethod])
	assert.Equal(t, "Aoife", fp.calls[0].Metadata[intentmeta.KeyCustomerName])
}

func TestCreateIntent_ValidationErrorsAreItemized(t *testing.T) {
	fp := &fakeProcessor{}
	s := newService(fp)
	body := `{"items":[{"id":"","quantity":1},{"id":"x","quantity":0},{"id":"y","quantity":1.5}],"shippingMethod":"teleport","email":"not-an-email"}`
	_, err := s.CreateIntent(context.Background(), []byte(body), "1.2.3.4")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindValidation, e.Kind)

	fields := map[string]bool{}
	for _, f := range e.Fields {
		fields[f.Field] = true
	}
	for _, want := range []string{"items[0].id", "items[1].quantity", "items[2].quantity", "shippingMethod", "email"} {
		assert.True(t, fields[want], "missing field error %s in %+v", want, e.Fields)
	}
	assert.Empty(t, fp.calls)
}

func TestCreateIntent_TooManyItems(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"items":[`)
	for i := 0; i <= MaxItems; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"id":"p` + strings.Repeat("x", i) + `","quantity":1}`)
	}
	sb.WriteString(`]}`)
	_, err := newService(&fakeProcessor{}).CreateIntent(context.Background(), []byte(sb.String()), "ip")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCreateIntent_BadJSON(t *testing.T) {
	_, err := newService(&fakeProcessor{}).CreateIntent(context.Background(), []byte(`{"items":`), "ip")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCreateIntent_UnknownProductIsCartError(t *testing.T) {
	fp := &fakeProcessor{}
	_, err := newService(fp).CreateIntent(context.Background(), []byte(`{"items":[{"id":"nope","quantity":1}]}`), "ip")
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindValidation, e.Kind)
	assert.Contains(t, e.Message, "invalid product")
	assert.Empty(t, fp.calls)
}

func TestCreateIntent_RateLimited(t *testing.T) {
	fp := &fakeProcessor{}
	s := newService(fp)
	s.Limiter = denyAll{}
	_, err := s.CreateIntent(context.Background(), []byte(`{"items":[{"id":"gloo-stencil-30ml","quantity":1}]}`), "ip")
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindRateLimited, e.Kind)
	assert.Equal(t, 42, e.RetryAfter)
	assert.Empty(t, fp.calls)
}

func TestCreateIntent_ProcessorFailureIsUpstream(t *testing.T) {
	s := newService(&fakeProcessor{err: context.DeadlineExceeded})
	_, err := s.CreateIntent(context.Background(), []byte(`{"items":[{"id":"gloo-stencil-30ml","quantity":1}]}`), "ip")
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, apperr.Expected(err))
}

func TestCreateIntent_IdempotencyConflictIsClientError(t *testing.T) {
	s := newService(&fakeProcessor{err: fmt.Errorf("stripe: %w: keys differ", ErrIdempotencyConflict)})
	_, err := s.CreateIntent(context.Background(), []byte(`{"items":[{"id":"gloo-stencil-30ml","quantity":1}],"shippingMethod":"same-day"}`), "ip")
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindConflict, e.Kind)
	assert.True(t, apperr.Expected(err))
	assert.Equal(t, 300, e.RetryAfter)
	assert.NotEmpty(t, e.Message)
}

func TestStripeProcessor_MapsIdempotencyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"idempotency_error","message":"Keys for idempotent requests can only be used with the same parameters they were first used with."}}`))
	}))
	defer srv.Close()
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	sp := &StripeProcessor{api: client.New("sk_test_123", &stripe.Backends{API: backend, Uploads: backend})}

	_, err := sp.CreateIntent(context.Background(), IntentParams{AmountCents: 1250, Currency: Currency, IdempotencyKey: "k1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIdempotencyConflict), "err=%v", err)
}

func TestCreateIntent_OversizedCartIsValidation(t *testing.T) {
	var products []model.Product
	var items []string
	for i := 0; i < MaxItems; i++ {
		id := fmt.Sprintf("%03d-%s", i, strings.Repeat("x", MaxItemIDLen-4))
		products = append(products, model.Product{ID: id, BasePrice: price("1.00")})
		items = append(items, fmt.Sprintf(`{"id":%q,"quantity":1}`, id))
	}
	fp := &fakeProcessor{}
	s := newService(fp)
	s.Catalog = catalog.New(products)

	_, err := s.CreateIntent(context.Background(), []byte(`{"items":[`+strings.Join(items, ",")+`]}`), "ip")
	e, ok := apperr.As(err)
	require.True(t, ok, "err=%v", err)
	assert.Equal(t, apperr.KindValidation, e.Kind)
	assert.True(t, errors.Is(err, intentmeta.ErrItemsTooLarge))
	assert.Empty(t, fp.calls)
}

func TestNormalize_MergesRepeatedIDs(t *testing.T) {
	req, err := Normalize([]byte(`{"items":[{"id":"a","quantity":2},{"id":"b","quantity":1},{"id":"a","quantity":3}]}`))
	require.NoError(t, err)
	assert.Equal(t, []model.CartItem{{ID: "a", Quantity: 5}, {ID: "b", Quantity: 1}}, req.Items)
	assert.Equal(t, pricing.MethodStandard, req.ShippingMethod)
	assert.NoError(t, req.Validate())
}

func TestIdempotencyKey(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := []model.CartItem{{ID: "a", Quantity: 1}, {ID: "b", Quantity: 2}}
	b := []model.CartItem{{ID: "b", Quantity: 2}, {ID: "a", Quantity: 1}}

	k := IdempotencyKey(a, pricing.MethodStandard, base)
	assert.Len(t, k, 64)
	assert.Equal(t, k, IdempotencyKey(b, pricing.MethodStandard, base.Add(4*time.Minute)), "order and bucket position must not matter")
	assert.NotEqual(t, k, IdempotencyKey(a, pricing.MethodStandard, base.Add(5*time.Minute)), "next bucket")
	assert.NotEqual(t, k, IdempotencyKey(a, pricing.MethodPickup, base))
	assert.NotEqual(t, k, IdempotencyKey([]model.CartItem{{ID: "a", Quantity: 2}, {ID: "b", Quantity: 2}}, pricing.MethodStandard, base))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("POST", "/create-payment-intent", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", ClientIP(r))
	r.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(r))
}
