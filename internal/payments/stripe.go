package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Provider is the slice of a payment processor the dispatch lifecycle uses:
// hold the quoted fare at acceptance, capture on completion, release on
// cancellation. Failures here never change a ride's outcome.
type Provider interface {
	Hold(ctx context.Context, amount int64, currency, riderID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Release(ctx context.Context, holdID string) error
}

// StripeProvider implements Provider with manual-capture PaymentIntents.
type StripeProvider struct {
	currency string
}

func NewStripeProvider(apiKey, currency string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{currency: currency}
}

func (s *StripeProvider) Hold(ctx context.Context, amount int64, currency, riderID string) (string, error) {
	if currency == "" {
		currency = s.currency
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if riderID != "" {
		params.Customer = stripe.String(riderID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeProvider) Capture(ctx context.Context, holdID string) error {
	_, err := paymentintent.Capture(holdID, nil)
	return err
}

func (s *StripeProvider) Release(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}
