package processor

import (
	"time"

	"github.com/stripe/stripe-go/v76/webhook"

	"ticketpay/internal/store"
)

const DefaultTolerance = webhook.DefaultTolerance

// StripeVerifier checks the Stripe-Signature header against the endpoint
// secret. Any v1 signature in the header may match.
type StripeVerifier struct {
	Secret    string
	Tolerance time.Duration
}

func (v StripeVerifier) Verify(payload []byte, header string) error {
	if v.Secret == "" || header == "" {
		return store.ErrInvalidSignature
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, v.Secret, tolerance); err != nil {
		return store.ErrInvalidSignature
	}
	return nil
}

// SignatureHeader builds a header the verifier accepts. Used to sign test
// payloads and by local tooling that replays events.
func SignatureHeader(secret string, payload []byte, at time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	}).Header
}
