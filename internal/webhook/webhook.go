// Package webhook verifies and dispatches payment processor events.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"storefront/internal/apperr"
	"storefront/internal/metrics"
	"storefront/internal/model"
	"storefront/internal/orders"
)

// Event types with explicit handling.
const (
	TypePaymentSucceeded = "payment_intent.succeeded"
	TypePaymentFailed    = "payment_intent.payment_failed"
	TypeChargeRefunded   = "charge.refunded"
)

var errNoSecret = errors.New("webhook signing secret not configured")

// OrderCreator is the order-creation transaction.
type OrderCreator interface {
	CreateFromIntent(ctx context.Context, pi orders.PaymentIntent, eventID string) (model.Order, bool, error)
	AppendFailedNotification(ctx context.Context, orderID, kind, recipient string, cause error) (model.FailedNotification, error)
}

// Notifier schedules post-commit notifications without blocking.
type Notifier interface {
	Enqueue(o model.Order) error
}

// Result describes what one delivery did.
type Result struct {
	EventID string
	Type    string
	OrderID string
	Created bool
}

type Processor struct {
	Secret   string
	Orders   OrderCreator
	Notifier Notifier
	Metrics  *metrics.Registry
}

// Handle verifies payload against the signature header before reading any of
// it, then dispatches on the event type. Errors returned before the order is
// committed make the processor redeliver; notification problems after commit
// are recorded and never returned.
func (p *Processor) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	if p.Secret == "" {
		return Result{}, apperr.New("verify webhook", apperr.KindInternal, errNoSecret)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.Secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Printf("webhook: signature rejected err=%v", err)
		return Result{}, &apperr.Error{Op: "verify webhook", Kind: apperr.KindValidation, Message: "invalid signature", Err: err}
	}
	res := Result{EventID: event.ID, Type: string(event.Type)}
	if p.Metrics != nil {
		p.Metrics.WebhookEvents.WithLabelValues(res.Type).Inc()
	}

	switch res.Type {
	case TypePaymentSucceeded:
		return p.paymentSucceeded(ctx, event, res)
	case TypePaymentFailed:
		var pi stripe.PaymentIntent
		_ = json.Unmarshal(event.Data.Raw, &pi)
		msg := ""
		if pi.LastPaymentError != nil {
			msg = pi.LastPaymentError.Msg
		}
		log.Printf("webhook: payment failed event=%s intent=%s reason=%q", event.ID, pi.ID, msg)
	case TypeChargeRefunded:
		var ch stripe.Charge
		_ = json.Unmarshal(event.Data.Raw, &ch)
		intentID := ""
		if ch.PaymentIntent != nil {
			intentID = ch.PaymentIntent.ID
		}
		log.Printf("webhook: charge refunded event=%s charge=%s intent=%s amount_refunded=%d", event.ID, ch.ID, intentID, ch.AmountRefunded)
	default:
		log.Printf("webhook: unhandled event=%s type=%s", event.ID, res.Type)
	}
	return res, nil
}

func (p *Processor) paymentSucceeded(ctx context.Context, event stripe.Event, res Result) (Result, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return res, apperr.New("decode payment intent", apperr.KindInternal, err)
	}
	res.OrderID = pi.ID
	order, created, err := p.Orders.CreateFromIntent(ctx, orders.PaymentIntent{
		ID:           pi.ID,
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
		ReceiptEmail: pi.ReceiptEmail,
	}, event.ID)
	if err != nil {
		return res, err
	}
	res.Created = created
	if !created || p.Notifier == nil {
		return res, nil
	}

	// committed: nothing below may fail the delivery
	if err := p.Notifier.Enqueue(order); err != nil {
		log.Printf("webhook: notification not scheduled order=%s err=%v", order.ID, err)
		for _, kind := range []string{model.NotifyCustomer, model.NotifyAdmin} {
			if _, lerr := p.Orders.AppendFailedNotification(context.WithoutCancel(ctx), order.ID, kind, "", err); lerr != nil {
				log.Printf("webhook: ledger append failed order=%s kind=%s err=%v", order.ID, kind, lerr)
			}
		}
	}
	return res, nil
}
