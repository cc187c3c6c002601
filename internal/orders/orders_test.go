package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/apperr"
	"storefront/internal/docstore"
	"storefront/internal/intentmeta"
	"storefront/internal/model"
)

type recordingLog struct {
	mu     sync.Mutex
	events []model.OrderEvent
}

func (r *recordingLog) Append(_ context.Context, ev model.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func newTestService(t *testing.T) (*Service, docstore.Store, *recordingLog) {
	t.Helper()
	st, err := docstore.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	var n atomic.Int64
	rl := &recordingLog{}
	s := &Service{
		Provider:  docstore.Static{S: st},
		Changelog: rl,
		Now:       func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) },
		NewID:     func() string { return fmt.Sprintf("id-%03d", n.Add(1)) },
	}
	return s, st, rl
}

func intent(id string) PaymentIntent {
	md, err := intentmeta.Encode(intentmeta.Metadata{
		Totals: model.Totals{
			Subtotal: decimal.RequireFromString("48.00"),
			Shipping: decimal.RequireFromString("7.50"),
			VAT:      decimal.RequireFromString("12.77"),
			Total:    decimal.RequireFromString("68.27"),
		},
		BackendValidated: true,
		Items:            []model.OrderLine{{ID: "dynamic-black", VariantID: "dynamic-black-4oz", Quantity: 2, UnitPriceCents: 2400, LineTotalCents: 4800}},
		ShippingMethod:   "same-day",
		Customer:         model.Customer{Email: "aoife@example.ie", Name: "Aoife"},
		Address:          model.ShippingAddress{Line1: "1 Main St", City: "Dublin", PostalCode: "D04"},
	})
	if err != nil {
		panic(err)
	}
	return PaymentIntent{ID: id, AmountCents: 6827, Currency: "eur", Metadata: md}
}

func countCreatedEvents(t *testing.T, st docstore.Store, orderID string) int {
	t.Helper()
	n := 0
	require.NoError(t, st.View(context.Background(), func(tx docstore.Tx) error {
		return tx.Scan(docstore.OrderEvents, func(_ string, raw []byte) error {
			var ev model.OrderEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				return err
			}
			if ev.OrderID == orderID && ev.Kind == model.EventCreated {
				n++
			}
			return nil
		})
	}))
	return n
}

func countOrders(t *testing.T, st docstore.Store) int {
	t.Helper()
	n := 0
	require.NoError(t, st.View(context.Background(), func(tx docstore.Tx) error {
		return tx.Scan(docstore.Orders, func(string, []byte) error { n++; return nil })
	}))
	return n
}

func TestCreateFromIntent_BuildsOrder(t *testing.T) {
	s, st, rl := newTestService(t)
	o, created, err := s.CreateFromIntent(context.Background(), intent("pi_1"), "evt_1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "EI-20240501-0001", o.OrderNumber)
	assert.Equal(t, model.StatusPaid, o.Status)
	assert.Equal(t, int64(6827), o.AmountCents)
	assert.Equal(t, int64(4800), o.SubtotalCents)
	assert.Equal(t, int64(750), o.ShippingCents)
	assert.Equal(t, int64(1277), o.VATCents)
	assert.Equal(t, "68.27", o.Total.StringFixed(2))
	assert.Equal(t, "evt_1", o.WebhookEventID)
	require.Len(t, o.Items, 1)

	got, err := s.Get(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, o.OrderNumber, got.OrderNumber)
	assert.Equal(t, "aoife@example.ie", got.Customer.Email)

	// stored document holds present keys only
	var raw map[string]any
	require.NoError(t, st.View(context.Background(), func(tx docstore.Tx) error {
		return tx.Get(docstore.Orders, "pi_1", &raw)
	}))
	addr := raw["shippingAddress"].(map[string]any)
	_, hasLine2 := addr["line2"]
	assert.False(t, hasLine2)
	_, hasTracking := raw["trackingNumber"]
	assert.False(t, hasTracking)

	require.Len(t, rl.events, 1)
	assert.Equal(t, model.EventCreated, rl.events[0].Kind)
}

func TestCreateFromIntent_DuplicateDeliveryIsNoop(t *testing.T) {
	s, st, rl := newTestService(t)
	ctx := context.Background()
	first, created, err := s.CreateFromIntent(ctx, intent("pi_dup"), "evt_1")
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := s.CreateFromIntent(ctx, intent("pi_dup"), "evt_1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.OrderNumber, again.OrderNumber)

	assert.Equal(t, 1, countOrders(t, st))
	assert.Equal(t, 1, countCreatedEvents(t, st, "pi_dup"))
	assert.Len(t, rl.events, 1)
}

func TestCreateFromIntent_ConcurrentDeliveriesWriteOnce(t *testing.T) {
	s, st, _ := newTestService(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	var createdCount atomic.Int32
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.CreateFromIntent(ctx, intent("pi_race"), "evt_race")
			if err != nil {
				errs <- err
				return
			}
			if created {
				createdCount.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("delivery failed: %v", err)
	}
	assert.Equal(t, int32(1), createdCount.Load())
	assert.Equal(t, 1, countOrders(t, st))
	assert.Equal(t, 1, countCreatedEvents(t, st, "pi_race"))
}

func TestCreateFromIntent_OrderNumbersIncrement(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	a, _, err := s.CreateFromIntent(ctx, intent("pi_a"), "e1")
	require.NoError(t, err)
	b, _, err := s.CreateFromIntent(ctx, intent("pi_b"), "e2")
	require.NoError(t, err)
	assert.Equal(t, "EI-20240501-0001", a.OrderNumber)
	assert.Equal(t, "EI-20240501-0002", b.OrderNumber)
}

func TestCreateFromIntent_StoreUnavailableIsIntegrityFault(t *testing.T) {
	s := &Service{Provider: docstore.NewLazy(func() (docstore.Store, error) { return nil, errors.New("no credentials") })}
	_, _, err := s.CreateFromIntent(context.Background(), intent("pi_x"), "e")
	require.Error(t, err)
	assert.Equal(t, apperr.KindIntegrity, apperr.KindOf(err))
	assert.True(t, errors.Is(err, docstore.ErrUnavailable))
	assert.False(t, apperr.Expected(err))
}

func TestCreateFromIntent_BadMetadataStillRecordsPayment(t *testing.T) {
	s, _, _ := newTestService(t)
	pi := PaymentIntent{ID: "pi_bad", AmountCents: 1000, Metadata: map[string]string{intentmeta.KeyItems: "[{"}, ReceiptEmail: "x@y.ie"}
	o, created, err := s.CreateFromIntent(context.Background(), pi, "e")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1000), o.TotalCents)
	assert.Equal(t, "x@y.ie", o.Customer.Email)
	assert.Equal(t, "eur", o.Currency)
}

func TestUpdateStatus(t *testing.T) {
	s, _, rl := newTestService(t)
	ctx := context.Background()
	_, _, err := s.CreateFromIntent(ctx, intent("pi_s"), "e")
	require.NoError(t, err)

	o, err := s.UpdateStatus(ctx, "pi_s", model.StatusDelivered, "left with neighbour", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, o.Status)

	// same status again records nothing
	_, err = s.UpdateStatus(ctx, "pi_s", model.StatusDelivered, "", "admin-1")
	require.NoError(t, err)

	evs, err := s.Events(ctx, "pi_s")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventStatusChanged, evs[1].Kind)
	assert.Equal(t, model.StatusPaid, evs[1].FromStatus)
	assert.Equal(t, model.StatusDelivered, evs[1].ToStatus)
	assert.Equal(t, "admin-1", evs[1].Actor)
	assert.Len(t, rl.events, 2)

	_, err = s.UpdateStatus(ctx, "missing", model.StatusShipped, "", "a")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = s.UpdateStatus(ctx, "pi_s", "lost", "", "a")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestMarkShipped(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := s.CreateFromIntent(ctx, intent("pi_ship"), "e")
	require.NoError(t, err)
	o, err := s.MarkShipped(ctx, "pi_ship", "AN123IE", "An Post", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusShipped, o.Status)
	assert.Equal(t, "AN123IE", o.TrackingNumber)
	require.NotNil(t, o.ShippedAt)

	evs, err := s.Events(ctx, "pi_ship")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventShipped, evs[1].Kind)
}

func TestRecordDelivery_KeepsStatus(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := s.CreateFromIntent(ctx, intent("pi_d"), "e")
	require.NoError(t, err)
	at := time.Date(2024, 5, 1, 9, 31, 0, 0, time.UTC)
	require.NoError(t, s.RecordDelivery(ctx, "pi_d", "customer", model.Delivery{Status: model.DeliveryFailed, Error: "smtp down", At: at}))
	require.NoError(t, s.RecordDelivery(ctx, "pi_d", "admin", model.Delivery{Status: model.DeliverySent, MessageID: "m-1", At: at}))

	o, err := s.Get(ctx, "pi_d")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, o.Status)
	assert.Equal(t, model.DeliveryFailed, o.Emails["customer"].Status)
	assert.Equal(t, "smtp down", o.Emails["customer"].Error)
	assert.Equal(t, "m-1", o.Emails["admin"].MessageID)
}

func TestLedger(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	fn, err := s.AppendFailedNotification(ctx, "pi_l", "customer", "a@b.ie", errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, 0, fn.RetryCount)

	pending, err := s.PendingNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "boom", pending[0].Error)

	fn, err = s.RecordRetry(ctx, fn.ID, errors.New("still down"))
	require.NoError(t, err)
	assert.Equal(t, 1, fn.RetryCount)
	assert.False(t, fn.Resolved)

	fn, err = s.RecordRetry(ctx, fn.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fn.RetryCount)
	assert.True(t, fn.Resolved)

	pending, err = s.PendingNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIsAdmin(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	ok, err := s.IsAdmin(ctx, "uid-1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.GrantAdmin(ctx, "uid-1", "owner@electricink.ie"))
	ok, err = s.IsAdmin(ctx, "uid-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
