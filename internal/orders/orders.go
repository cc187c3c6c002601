// Package orders owns the orders, order-events, counters and
// failed_notifications collections. Every mutation runs in one document-store
// transaction and appends its audit event in the same transaction.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"storefront/internal/apperr"
	"storefront/internal/changelog"
	"storefront/internal/clock"
	"storefront/internal/docstore"
	"storefront/internal/intentmeta"
	"storefront/internal/metrics"
	"storefront/internal/model"
)

const SourceWebhook = "stripe_webhook"

// PaymentIntent is the subset of a succeeded intent the order is built from.
type PaymentIntent struct {
	ID           string
	AmountCents  int64
	Currency     string
	Metadata     map[string]string
	ReceiptEmail string
}

type Service struct {
	Provider  docstore.Provider
	Changelog changelog.Writer
	Metrics   *metrics.Registry
	Now       func() time.Time
	NewID     func() string
}

func New(p docstore.Provider) *Service {
	return &Service{Provider: p, Now: clock.Now, NewID: uuid.NewString}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return clock.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// store returns the process store. An unreachable store is an integrity
// fault: the caller must fail so the payment processor redelivers.
func (s *Service) store() (docstore.Store, error) {
	if s.Provider == nil {
		return nil, apperr.New("open store", apperr.KindIntegrity, docstore.ErrUnavailable)
	}
	st, err := s.Provider.Store()
	if err != nil {
		return nil, apperr.New("open store", apperr.KindIntegrity, err)
	}
	return st, nil
}

// CreateFromIntent persists the order for a succeeded payment intent. Within
// one transaction it reads orders/{intentId}; when present the call is a no-op
// and created is false. Otherwise it allocates an order number, writes the
// compacted order and its created event.
func (s *Service) CreateFromIntent(ctx context.Context, pi PaymentIntent, eventID string) (order model.Order, created bool, err error) {
	if pi.ID == "" {
		return model.Order{}, false, apperr.Validation("payment intent id is empty")
	}
	md, err := intentmeta.Decode(pi.Metadata)
	if err != nil {
		// A paid order is still recorded; the line items are lost but the
		// amount is authoritative.
		log.Printf("orders: bad intent metadata id=%s err=%v", pi.ID, err)
		md = intentmeta.Metadata{}
	}
	st, err := s.store()
	if err != nil {
		return model.Order{}, false, err
	}

	start := time.Now()
	now := s.now()
	var ev model.OrderEvent
	err = st.Update(ctx, func(tx docstore.Tx) error {
		created = false
		var existing model.Order
		err := tx.Get(docstore.Orders, pi.ID, &existing)
		if err == nil {
			order = existing
			return nil
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		num, err := nextOrderNumber(tx, now)
		if err != nil {
			return err
		}
		order = build(pi, md, num, eventID, now)
		if err := putOrder(tx, order); err != nil {
			return err
		}
		ev = model.OrderEvent{
			ID:       s.newID(),
			OrderID:  order.ID,
			Kind:     model.EventCreated,
			ToStatus: order.Status,
			Actor:    order.Source,
			At:       now,
		}
		if err := tx.Put(docstore.OrderEvents, ev.ID, ev); err != nil {
			return err
		}
		created = true
		return nil
	})
	if s.Metrics != nil {
		s.Metrics.OrderTxLatencySec.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return model.Order{}, false, apperr.New("create order", apperr.KindInternal, err)
	}

	if !created {
		if s.Metrics != nil {
			s.Metrics.OrdersDuplicate.Inc()
		}
		log.Printf("orders: duplicate delivery id=%s number=%s event=%s", pi.ID, order.OrderNumber, eventID)
		return order, false, nil
	}
	if s.Metrics != nil {
		s.Metrics.OrdersCreated.Inc()
	}
	log.Printf("orders: created id=%s number=%s total_cents=%d items=%d", order.ID, order.OrderNumber, order.TotalCents, len(order.Items))
	s.mirror(ctx, ev)
	return order, true, nil
}

func build(pi PaymentIntent, md intentmeta.Metadata, number, eventID string, now time.Time) model.Order {
	currency := strings.ToLower(pi.Currency)
	if currency == "" {
		currency = "eur"
	}
	customer := md.Customer
	if customer.Email == "" {
		customer.Email = pi.ReceiptEmail
	}
	o := model.Order{
		ID:             pi.ID,
		OrderNumber:    number,
		Status:         model.StatusPaid,
		Currency:       currency,
		AmountCents:    pi.AmountCents,
		SubtotalCents:  model.Cents(md.Totals.Subtotal),
		ShippingCents:  model.Cents(md.Totals.Shipping),
		VATCents:       model.Cents(md.Totals.VAT),
		TotalCents:     pi.AmountCents,
		Customer:       customer,
		ShippingMethod: md.ShippingMethod,
		Address:        md.Address,
		Items:          md.Items,
		CreatedAt:      now,
		PaidAt:         now,
		UpdatedAt:      now,
		Source:         SourceWebhook,
		WebhookEventID: eventID,
	}
	if md.Totals.Total.IsPositive() && model.Cents(md.Totals.Total) != pi.AmountCents {
		log.Printf("orders: amount mismatch id=%s intent_cents=%d metadata_cents=%d", pi.ID, pi.AmountCents, model.Cents(md.Totals.Total))
	}
	o.Amount = model.FromCents(o.AmountCents)
	o.Total = model.FromCents(o.TotalCents)
	o.Subtotal = model.FromCents(o.SubtotalCents)
	o.Shipping = model.FromCents(o.ShippingCents)
	o.VAT = model.FromCents(o.VATCents)
	return o
}

type counter struct {
	Value int64 `json:"value"`
}

// nextOrderNumber increments the date-scoped counter inside tx.
func nextOrderNumber(tx docstore.Tx, now time.Time) (string, error) {
	day := now.UTC().Format("20060102")
	id := "orders-" + day
	var c counter
	if err := tx.Get(docstore.Counters, id, &c); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return "", err
	}
	c.Value++
	if err := tx.Put(docstore.Counters, id, c); err != nil {
		return "", err
	}
	return fmt.Sprintf("EI-%s-%04d", day, c.Value), nil
}

func putOrder(tx docstore.Tx, o model.Order) error {
	doc, err := docstore.Compact(o)
	if err != nil {
		return err
	}
	return tx.Put(docstore.Orders, o.ID, doc)
}

// mirror appends a committed event to the changelog. Failures are logged; the
// document store stays the source of truth.
func (s *Service) mirror(ctx context.Context, ev model.OrderEvent) {
	if s.Changelog == nil {
		return
	}
	if err := s.Changelog.Append(ctx, ev); err != nil {
		log.Printf("orders: changelog append failed order=%s event=%s err=%v", ev.OrderID, ev.ID, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.ChangelogAppended.Inc()
	}
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (model.Order, error) {
	st, err := s.store()
	if err != nil {
		return model.Order{}, err
	}
	var o model.Order
	err = st.View(ctx, func(tx docstore.Tx) error { return tx.Get(docstore.Orders, id, &o) })
	if errors.Is(err, docstore.ErrNotFound) {
		return model.Order{}, &apperr.Error{Op: "get order", Kind: apperr.KindNotFound, Message: "order not found", Err: err}
	}
	if err != nil {
		return model.Order{}, apperr.New("get order", apperr.KindInternal, err)
	}
	return o, nil
}

// mutate loads an order, applies fn and writes it back with any event fn
// returns, all in one transaction.
func (s *Service) mutate(ctx context.Context, op, id string, fn func(o *model.Order) (*model.OrderEvent, error)) (model.Order, *model.OrderEvent, error) {
	st, err := s.store()
	if err != nil {
		return model.Order{}, nil, err
	}
	var out model.Order
	var ev *model.OrderEvent
	err = st.Update(ctx, func(tx docstore.Tx) error {
		var o model.Order
		if err := tx.Get(docstore.Orders, id, &o); err != nil {
			return err
		}
		e, err := fn(&o)
		if err != nil {
			return err
		}
		o.UpdatedAt = s.now()
		if err := putOrder(tx, o); err != nil {
			return err
		}
		if e != nil {
			if err := tx.Put(docstore.OrderEvents, e.ID, e); err != nil {
				return err
			}
		}
		out, ev = o, e
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, docstore.ErrNotFound):
		return model.Order{}, nil, &apperr.Error{Op: op, Kind: apperr.KindNotFound, Message: "order not found", Err: err}
	case apperr.KindOf(err) != apperr.KindInternal:
		return model.Order{}, nil, err
	default:
		return model.Order{}, nil, apperr.New(op, apperr.KindInternal, err)
	}
	if ev != nil {
		s.mirror(ctx, *ev)
	}
	return out, ev, nil
}

// UpdateStatus moves an order to status and records the transition. Setting
// the current status again is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, id string, status model.OrderStatus, note, actor string) (model.Order, error) {
	if !status.Valid() {
		return model.Order{}, apperr.Validation("invalid status", apperr.FieldError{Field: "status", Message: "unknown status " + string(status)})
	}
	o, ev, err := s.mutate(ctx, "update status", id, func(o *model.Order) (*model.OrderEvent, error) {
		if o.Status == status {
			return nil, nil
		}
		ev := &model.OrderEvent{
			ID:         s.newID(),
			OrderID:    o.ID,
			Kind:       model.EventStatusChanged,
			FromStatus: o.Status,
			ToStatus:   status,
			Note:       note,
			Actor:      actor,
			At:         s.now(),
		}
		o.Status = status
		return ev, nil
	})
	if err != nil {
		return model.Order{}, err
	}
	if ev != nil {
		log.Printf("orders: status id=%s from=%s to=%s actor=%s", id, ev.FromStatus, ev.ToStatus, actor)
	}
	return o, nil
}

// MarkShipped sets status shipped with tracking details.
func (s *Service) MarkShipped(ctx context.Context, id, tracking, carrier, actor string) (model.Order, error) {
	o, _, err := s.mutate(ctx, "mark shipped", id, func(o *model.Order) (*model.OrderEvent, error) {
		now := s.now()
		ev := &model.OrderEvent{
			ID:         s.newID(),
			OrderID:    o.ID,
			Kind:       model.EventShipped,
			FromStatus: o.Status,
			ToStatus:   model.StatusShipped,
			Note:       strings.TrimSpace(carrier + " " + tracking),
			Actor:      actor,
			At:         now,
		}
		o.Status = model.StatusShipped
		if tracking != "" {
			o.TrackingNumber = tracking
		}
		if carrier != "" {
			o.Carrier = carrier
		}
		o.ShippedAt = &now
		return ev, nil
	})
	if err != nil {
		return model.Order{}, err
	}
	log.Printf("orders: shipped id=%s tracking=%s carrier=%s", id, tracking, carrier)
	return o, nil
}

// RecordDelivery stores the outcome of one notification channel. It never
// touches the order status.
func (s *Service) RecordDelivery(ctx context.Context, id, channel string, d model.Delivery) error {
	_, _, err := s.mutate(ctx, "record delivery", id, func(o *model.Order) (*model.OrderEvent, error) {
		if o.Emails == nil {
			o.Emails = map[string]model.Delivery{}
		}
		o.Emails[channel] = d
		return nil, nil
	})
	return err
}

// Events returns the audit trail of one order in time order.
func (s *Service) Events(ctx context.Context, orderID string) ([]model.OrderEvent, error) {
	st, err := s.store()
	if err != nil {
		return nil, err
	}
	var out []model.OrderEvent
	err = st.View(ctx, func(tx docstore.Tx) error {
		return tx.Scan(docstore.OrderEvents, func(_ string, raw []byte) error {
			var ev model.OrderEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				return err
			}
			if ev.OrderID == orderID {
				out = append(out, ev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, apperr.New("list events", apperr.KindInternal, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// IsAdmin reports whether uid is in the admins collection.
func (s *Service) IsAdmin(ctx context.Context, uid string) (bool, error) {
	if uid == "" {
		return false, nil
	}
	st, err := s.store()
	if err != nil {
		return false, err
	}
	err = st.View(ctx, func(tx docstore.Tx) error { return tx.Get(docstore.Admins, uid, nil) })
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.New("admin lookup", apperr.KindInternal, err)
	}
	return true, nil
}

// GrantAdmin adds uid to the admins collection.
func (s *Service) GrantAdmin(ctx context.Context, uid, email string) error {
	st, err := s.store()
	if err != nil {
		return err
	}
	return st.Update(ctx, func(tx docstore.Tx) error {
		return tx.Put(docstore.Admins, uid, map[string]any{"email": email, "grantedAt": s.now()})
	})
}
