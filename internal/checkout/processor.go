package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

const DefaultProcessorTimeout = 20 * time.Second

// ErrIdempotencyConflict is returned when the processor already saw the
// idempotency key with different parameters.
var ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")

// IntentParams is what the orchestrator asks the processor for.
type IntentParams struct {
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	ReceiptEmail   string
	Description    string
	Metadata       map[string]string
}

// Intent is the part of a created payment intent the browser needs.
type Intent struct {
	ID           string
	ClientSecret string
}

// PaymentProcessor creates payment intents. Retries carrying the same
// idempotency key must return the same intent.
type PaymentProcessor interface {
	CreateIntent(ctx context.Context, p IntentParams) (Intent, error)
}

// StripeProcessor creates PaymentIntents through the Stripe API.
type StripeProcessor struct {
	api     *client.API
	Timeout time.Duration
}

func NewStripeProcessor(secretKey string) (*StripeProcessor, error) {
	if secretKey == "" {
		return nil, errors.New("stripe secret key is empty")
	}
	return &StripeProcessor{api: client.New(secretKey, nil), Timeout: DefaultProcessorTimeout}, nil
}

func (s *StripeProcessor) CreateIntent(ctx context.Context, p IntentParams) (Intent, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.AmountCents),
		Currency: stripe.String(p.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	if p.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(p.ReceiptEmail)
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) {
			if se.Type == stripe.ErrorTypeIdempotency {
				return Intent{}, fmt.Errorf("stripe: %w: %s", ErrIdempotencyConflict, se.Msg)
			}
			return Intent{}, fmt.Errorf("stripe %s: %s", se.Type, se.Msg)
		}
		return Intent{}, fmt.Errorf("stripe: %w", err)
	}
	return Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}
