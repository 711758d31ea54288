package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const defaultSendGridAPIBase = "https://api.sendgrid.com"

type SendGrid struct {
	apiKey  string
	from    *mail.Email
	apiBase string
	client  *rest.Client
}

func NewSendGrid(cfg Config) *SendGrid {
	base := strings.TrimRight(cfg.SendGridAPIBase, "/")
	if base == "" {
		base = defaultSendGridAPIBase
	}
	from := cfg.FromEmail
	if from == "" {
		from = "no-reply@ticketpay.us.com"
	}
	return &SendGrid{
		apiKey:  cfg.SendGridAPIKey,
		from:    mail.NewEmail("TicketPay", from),
		apiBase: base,
		client:  &rest.Client{HTTPClient: cfg.httpClient()},
	}
}

func (p *SendGrid) Send(ctx context.Context, msg Message) (Delivery, error) {
	email := mail.NewV3MailInit(p.from, msg.Subject, mail.NewEmail("", msg.To), mail.NewContent("text/plain", msg.Body))

	request := sendgrid.GetRequest(p.apiKey, "/v3/mail/send", p.apiBase)
	request.Method = rest.Post
	request.Body = mail.GetRequestBody(email)

	resp, err := p.client.SendWithContext(ctx, request)
	if err != nil {
		return Delivery{}, fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Delivery{}, fmt.Errorf("sendgrid rejected message: status %d %s", resp.StatusCode, strings.TrimSpace(resp.Body))
	}
	var id string
	if values := resp.Headers["X-Message-Id"]; len(values) > 0 {
		id = values[0]
	}
	return Delivery{ID: id}, nil
}
