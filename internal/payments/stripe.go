package payments

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/errand-dispatch/internal/models"
)

// StripeGateway holds a buyer's fee on accept, captures it on completion and
// releases it on cancellation. The gateway is a black box to the lifecycle
// core; the PaymentIntent id per job lives here.
type StripeGateway struct {
	mu      sync.Mutex
	intents map[string]string // job id -> payment intent id
}

// NewStripeGateway initializes the stripe client with the STRIPE_API_KEY
// env var.
func NewStripeGateway() *StripeGateway {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeGateway{intents: make(map[string]string)}
}

// Hold creates a manual-capture PaymentIntent for the job's fee.
func (s *StripeGateway) Hold(ctx context.Context, jobID string, amount models.Money, buyerID string) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount.Amount),
		Currency: stripe.String(strings.ToLower(amount.Currency)),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("job_id", jobID)
	params.AddMetadata("buyer_id", buyerID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.intents[jobID] = pi.ID
	s.mu.Unlock()
	return nil
}

// Capture finalizes the hold for a completed job.
func (s *StripeGateway) Capture(ctx context.Context, jobID string) error {
	id, err := s.intentFor(jobID)
	if err != nil {
		return err
	}
	_, err = paymentintent.Capture(id, nil)
	return err
}

// Release cancels the hold for a cancelled job.
func (s *StripeGateway) Release(ctx context.Context, jobID string) error {
	id, err := s.intentFor(jobID)
	if err != nil {
		return err
	}
	_, err = paymentintent.Cancel(id, nil)
	return err
}

func (s *StripeGateway) intentFor(jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.intents[jobID]
	if !ok {
		return "", fmt.Errorf("no payment intent held for job %s", jobID)
	}
	return id, nil
}
