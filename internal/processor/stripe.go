// Package processor talks to the payment processor: it creates hosted
// checkout sessions and authenticates the confirmations sent back.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ticketpay/internal/store"
)

type SessionRequest struct {
	AmountCents    int64
	IdempotencyKey string
	TicketNo       string
	Description    string
	CustomerEmail  string
}

type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type StripeOptions struct {
	SecretKey  string
	APIBase    string
	SuccessURL string
	CancelURL  string
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

type StripeClient struct {
	api        *client.API
	successURL string
	cancelURL  string
}

func NewStripeClient(options StripeOptions) *StripeClient {
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	config := &stripe.BackendConfig{
		HTTPClient:    httpClient,
		LeveledLogger: logger.WithField("component", "stripe"),
	}
	if base := strings.TrimRight(options.APIBase, "/"); base != "" {
		config.URL = stripe.String(base)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, config)

	api := &client.API{}
	api.Init(options.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &StripeClient{
		api:        api,
		successURL: options.SuccessURL,
		cancelURL:  options.CancelURL,
	}
}

// CreateSession opens a hosted checkout session. The idempotency key makes a
// retried request return the session created by the first one.
func (c *StripeClient) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if req.AmountCents <= 0 {
		return Session{}, store.Validation("session amount must be positive")
	}
	name := req.Description
	if name == "" {
		name = "Ticket " + req.TicketNo
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card", "us_bank_account"}),
		PhoneNumberCollection: &stripe.CheckoutSessionPhoneNumberCollectionParams{
			Enabled: stripe.Bool(true),
		},
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(string(stripe.CurrencyUSD)),
				UnitAmount: stripe.Int64(req.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(name),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"ticket_no": req.TicketNo},
		},
	}
	params.Context = ctx
	params.AddMetadata("ticket_no", req.TicketNo)
	if c.successURL != "" {
		params.SuccessURL = stripe.String(expandTicket(c.successURL, req.TicketNo))
	}
	if c.cancelURL != "" {
		params.CancelURL = stripe.String(expandTicket(c.cancelURL, req.TicketNo))
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			return Session{}, fmt.Errorf("create checkout session: %w: status %d %s", store.ErrUpstream, stripeErr.HTTPStatusCode, stripeErr.Msg)
		}
		return Session{}, fmt.Errorf("create checkout session: %w: %v", store.ErrUpstream, err)
	}
	if session.ID == "" || session.URL == "" {
		return Session{}, fmt.Errorf("checkout session missing id or url: %w", store.ErrUpstream)
	}
	return Session{ID: session.ID, URL: session.URL}, nil
}

// expandTicket fills the {ticket_no} placeholder of a redirect URL.
func expandTicket(rawURL, ticketNo string) string {
	return strings.ReplaceAll(rawURL, "{ticket_no}", url.QueryEscape(ticketNo))
}
