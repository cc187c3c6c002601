// Package checkout validates a cart, re-prices it against the catalog and
// creates the payment intent for it.
package checkout

import (
	"context"
	"errors"
	"log"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/clock"
	"storefront/internal/intentmeta"
	"storefront/internal/metrics"
	"storefront/internal/model"
	"storefront/internal/pricing"
	"storefront/internal/ratelimit"
)

const Currency = "eur"

var errNoProcessor = errors.New("payment processor not configured")

// Result is returned to the browser so it can cross-check displayed totals.
type Result struct {
	ClientSecret    string
	PaymentIntentID string
	Totals          model.Totals
}

type Service struct {
	Catalog   pricing.Resolver
	Engine    *pricing.Engine
	Limiter   ratelimit.Limiter
	Processor PaymentProcessor
	Metrics   *metrics.Registry
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return clock.Now()
}

// CreateIntent runs normalize, validate, rate limit, price and intent creation
// in that order.
func (s *Service) CreateIntent(ctx context.Context, raw []byte, clientIP string) (Result, error) {
	req, err := Normalize(raw)
	if err != nil {
		s.reject("validation")
		return Result{}, err
	}
	if err := req.Validate(); err != nil {
		s.reject("validation")
		return Result{}, err
	}

	if s.Limiter != nil {
		d, err := s.Limiter.Allow(ctx, clientIP)
		if err != nil {
			return Result{}, apperr.New("rate limit", apperr.KindUpstream, err)
		}
		if !d.Allowed {
			s.reject("rate_limited")
			if s.Metrics != nil {
				s.Metrics.RateLimited.Inc()
			}
			log.Printf("checkout: rate limited ip=%s reset=%s", clientIP, d.ResetAt.Format(time.RFC3339))
			return Result{}, apperr.RateLimited(d.RetryAfter(s.now()))
		}
	}

	lines, totals, err := s.Engine.Quote(s.Catalog, req.Items, req.ShippingMethod, req.Address.PostalCode)
	if err != nil {
		if errors.Is(err, pricing.ErrInvalidCart) || errors.Is(err, pricing.ErrInvalidProduct) || errors.Is(err, pricing.ErrInvalidQuantity) {
			s.reject("cart")
			return Result{}, &apperr.Error{Op: "price cart", Kind: apperr.KindValidation, Message: err.Error(), Err: err}
		}
		return Result{}, apperr.New("price cart", apperr.KindInternal, err)
	}

	key := IdempotencyKey(req.Items, req.ShippingMethod, s.now())
	md, err := intentmeta.Encode(intentmeta.Metadata{
		Totals:           totals,
		BackendValidated: true,
		Items:            orderLines(lines),
		ShippingMethod:   string(req.ShippingMethod),
		IdempotencyKey:   key,
		Customer:         req.Customer,
		Address:          req.Address,
	})
	if errors.Is(err, intentmeta.ErrItemsTooLarge) {
		s.reject("validation")
		return Result{}, &apperr.Error{
			Op:      "encode metadata",
			Kind:    apperr.KindValidation,
			Message: "cart is too large to process",
			Fields:  []apperr.FieldError{{Field: "items", Message: "too many items or identifiers too long"}},
			Err:     err,
		}
	}
	if err != nil {
		return Result{}, apperr.New("encode metadata", apperr.KindInternal, err)
	}

	if s.Processor == nil {
		return Result{}, apperr.New("create payment intent", apperr.KindInternal, errNoProcessor)
	}
	intent, err := s.Processor.CreateIntent(ctx, IntentParams{
		AmountCents:    model.Cents(totals.Total),
		Currency:       Currency,
		IdempotencyKey: key,
		ReceiptEmail:   req.Customer.Email,
		Description:    "Electric Ink IE order",
		Metadata:       md,
	})
	if errors.Is(err, ErrIdempotencyConflict) {
		s.reject("idempotency")
		log.Printf("checkout: idempotency conflict key=%s ip=%s", key, clientIP)
		return Result{}, &apperr.Error{
			Op:         "create payment intent",
			Kind:       apperr.KindConflict,
			Message:    "this cart was just submitted with different delivery details; please try again shortly",
			RetryAfter: bucketRemaining(s.now()),
			Err:        err,
		}
	}
	if err != nil {
		s.reject("processor")
		return Result{}, apperr.New("create payment intent", apperr.KindUpstream, err)
	}
	if s.Metrics != nil {
		s.Metrics.IntentsCreated.Inc()
	}
	log.Printf("checkout: intent created id=%s total=%s items=%d method=%s", intent.ID, totals.Total.StringFixed(2), len(lines), req.ShippingMethod)
	return Result{ClientSecret: intent.ClientSecret, PaymentIntentID: intent.ID, Totals: totals}, nil
}

// bucketRemaining is the number of seconds until the idempotency key rotates.
func bucketRemaining(now time.Time) int {
	size := int64(IdempotencyWindow / time.Second)
	return int(size - now.Unix()%size)
}

func (s *Service) reject(reason string) {
	if s.Metrics != nil {
		s.Metrics.IntentsRejected.WithLabelValues(reason).Inc()
	}
}

// orderLines snapshots priced lines in integer cents.
func orderLines(lines []model.ResolvedLineItem) []model.OrderLine {
	out := make([]model.OrderLine, 0, len(lines))
	for _, l := range lines {
		unit := model.Cents(l.UnitPrice)
		out = append(out, model.OrderLine{
			ID:             l.Product.ID,
			VariantID:      l.VariantID,
			Quantity:       l.Quantity,
			UnitPriceCents: unit,
			LineTotalCents: unit * int64(l.Quantity),
		})
	}
	return out
}
