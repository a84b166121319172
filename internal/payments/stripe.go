package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"tripbooker/internal/booking"
)

var (
	ErrInvalidSignature = errors.New("invalid stripe webhook signature")
	// ErrIgnoredEvent marks a verified event that carries no payment authorization.
	ErrIgnoredEvent     = errors.New("stripe event ignored")
	ErrMissingBookingID = errors.New("checkout session has no booking id")
	ErrNotPaid          = errors.New("checkout session is not paid")
)

// AuthType is the PaymentAuth.Type produced by this package.
const AuthType = "stripe"

// Metadata keys carrying the booking request id on a checkout session.
const (
	metadataBookingID       = "booking_id"
	metadataLegacyBookingID = "booking_db_id"
)

// Authorization is a verified payment ready to drive the confirm phase.
type Authorization struct {
	RequestID string
	Auth      booking.PaymentAuth
	EventID   string
}

type StripeWebhook struct {
	secret    string
	tolerance time.Duration
}

// NewStripeWebhook verifies events signed with secret. A zero tolerance uses the library default.
func NewStripeWebhook(secret string, tolerance time.Duration) *StripeWebhook {
	return &StripeWebhook{secret: secret, tolerance: tolerance}
}

// Parse verifies payload against the Stripe-Signature header and extracts the authorization
// from a checkout.session.completed event.
func (w *StripeWebhook) Parse(payload []byte, signature string) (Authorization, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, w.secret, webhook.ConstructEventOptions{
		Tolerance:                w.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Authorization{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		return Authorization{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Type)
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return Authorization{}, fmt.Errorf("decode checkout session: %w", err)
	}
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		return Authorization{}, fmt.Errorf("%w: %s", ErrNotPaid, session.ID)
	}

	requestID := session.Metadata[metadataBookingID]
	if requestID == "" {
		requestID = session.Metadata[metadataLegacyBookingID]
	}
	if requestID == "" {
		requestID = session.ClientReferenceID
	}
	if requestID == "" {
		return Authorization{}, fmt.Errorf("%w: %s", ErrMissingBookingID, session.ID)
	}

	extra := booking.MetaOf(
		"payment_status", string(session.PaymentStatus),
		"amount_total", session.AmountTotal,
		"currency", string(session.Currency),
	)
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		extra.Set("payment_intent", session.PaymentIntent.ID)
	}

	return Authorization{
		RequestID: requestID,
		Auth:      booking.PaymentAuth{Type: AuthType, ID: session.ID, Extra: extra},
		EventID:   event.ID,
	}, nil
}
