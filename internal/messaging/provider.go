// Package messaging delivers rendered messages over email and SMS providers.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Message struct {
	Channel string
	To      string
	Subject string
	Body    string
}

// Delivery is what the provider reported for an accepted message.
type Delivery struct {
	ID string
}

type Provider interface {
	Send(ctx context.Context, msg Message) (Delivery, error)
}

var ErrNoProvider = errors.New("no provider for channel")

// Router sends each message through the provider registered for its channel.
type Router struct {
	providers map[string]Provider
}

func NewRouter(providers map[string]Provider) *Router {
	return &Router{providers: providers}
}

func (r *Router) Send(ctx context.Context, msg Message) (Delivery, error) {
	provider, ok := r.providers[msg.Channel]
	if !ok || provider == nil {
		return Delivery{}, fmt.Errorf("%w: %s", ErrNoProvider, msg.Channel)
	}
	return provider.Send(ctx, msg)
}

type Config struct {
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioAPIBase    string
	SendGridAPIKey   string
	SendGridAPIBase  string
	FromEmail        string
	WebhookToken     string
	HTTPClient       *http.Client
	Logger           logrus.FieldLogger
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func (c Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

// NewProvider picks an implementation by name. An http(s) URL selects the
// generic webhook provider; unknown names fall back to logging.
func NewProvider(kind, channel string, cfg Config) Provider {
	switch kind {
	case "twilio":
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
			return logProvider{channel: channel, log: cfg.logger()}
		}
		return NewTwilioSMS(cfg)
	case "sendgrid":
		if cfg.SendGridAPIKey == "" {
			return logProvider{channel: channel, log: cfg.logger()}
		}
		return NewSendGrid(cfg)
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "", "stub", "log":
		return logProvider{channel: channel, log: cfg.logger()}
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			return webhookProvider{channel: channel, url: kind, token: cfg.WebhookToken, client: cfg.httpClient()}
		}
		return logProvider{channel: channel, log: cfg.logger()}
	}
}

type logProvider struct {
	channel string
	log     logrus.FieldLogger
}

func (p logProvider) Send(ctx context.Context, msg Message) (Delivery, error) {
	id := "log-" + uuid.NewString()
	p.log.WithFields(logrus.Fields{
		"channel":     p.channel,
		"to":          msg.To,
		"subject":     msg.Subject,
		"provider_id": id,
	}).Info(msg.Body)
	return Delivery{ID: id}, nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, msg Message) (Delivery, error) {
	return Delivery{ID: "noop"}, nil
}

type failProvider struct{}

func (failProvider) Send(ctx context.Context, msg Message) (Delivery, error) {
	return Delivery{}, errors.New("provider failure")
}

type webhookProvider struct {
	channel string
	url     string
	token   string
	client  *http.Client
}

func (p webhookProvider) Send(ctx context.Context, msg Message) (Delivery, error) {
	body, err := json.Marshal(map[string]string{
		"channel":   p.channel,
		"recipient": msg.To,
		"subject":   msg.Subject,
		"message":   msg.Body,
	})
	if err != nil {
		return Delivery{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return Delivery{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Delivery{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Delivery{}, fmt.Errorf("webhook provider rejected request: status %d", resp.StatusCode)
	}
	var reply struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&reply)
	return Delivery{ID: reply.ID}, nil
}
