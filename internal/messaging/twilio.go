package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"ticketpay/internal/store"
)

type TwilioSMS struct {
	rest *twilio.RestClient
	from string
}

func NewTwilioSMS(cfg Config) *TwilioSMS {
	httpClient := cfg.httpClient()
	if cfg.TwilioAPIBase != "" {
		httpClient = withBaseURL(httpClient, cfg.TwilioAPIBase)
	}
	base := &client.Client{
		Credentials: client.NewCredentials(cfg.TwilioAccountSID, cfg.TwilioAuthToken),
		HTTPClient:  httpClient,
	}
	base.SetAccountSid(cfg.TwilioAccountSID)
	return &TwilioSMS{
		rest: twilio.NewRestClientWithParams(twilio.ClientParams{Client: base}),
		from: cfg.TwilioFrom,
	}
}

// Send posts one message. The Twilio client takes no context, so a cancelled
// context is only checked before the call.
func (p *TwilioSMS) Send(ctx context.Context, msg Message) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(p.from)
	params.SetBody(msg.Body)

	resp, err := p.rest.Api.CreateMessage(params)
	if err != nil {
		var restErr *client.TwilioRestError
		if errors.As(err, &restErr) {
			return Delivery{}, fmt.Errorf("twilio rejected message: status %d code %d %s", restErr.Status, restErr.Code, restErr.Message)
		}
		return Delivery{}, fmt.Errorf("twilio send: %w", err)
	}
	if resp.Sid == nil {
		return Delivery{}, fmt.Errorf("twilio accepted message without sid")
	}
	return Delivery{ID: *resp.Sid}, nil
}

// TwilioVerifier checks X-Twilio-Signature over the full request URL and the
// POST parameters.
type TwilioVerifier struct {
	AuthToken string
}

func (v TwilioVerifier) Verify(fullURL string, params url.Values, signature string) error {
	if v.AuthToken == "" || signature == "" {
		return store.ErrInvalidSignature
	}
	flat := make(map[string]string, len(params))
	for key := range params {
		flat[key] = params.Get(key)
	}
	validator := client.NewRequestValidator(v.AuthToken)
	if !validator.Validate(fullURL, flat, signature) {
		return store.ErrInvalidSignature
	}
	return nil
}

// withBaseURL sends every request of client to base instead of the host the
// SDK picked. Used to point a provider at a stub or regional proxy.
func withBaseURL(c *http.Client, base string) *http.Client {
	target, err := url.Parse(base)
	if err != nil || target.Host == "" {
		return c
	}
	next := c.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	clone := *c
	clone.Transport = rewriteTransport{target: target, next: next}
	return &clone
}

type rewriteTransport struct {
	target *url.URL
	next   http.RoundTripper
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = t.target.Scheme
	out.URL.Host = t.target.Host
	out.Host = t.target.Host
	return t.next.RoundTrip(out)
}
