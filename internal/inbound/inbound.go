// Package inbound applies recipient replies (STOP, START, HELP and ticket
// lookups) to the per-phone opt-out state.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ticketpay/internal/metrics"
	"ticketpay/internal/models"
	"ticketpay/internal/notify"
	"ticketpay/internal/store"
)

const (
	ActionOptOut     = "opt_out"
	ActionOptIn      = "opt_in"
	ActionHelp       = "help"
	ActionLookup     = "lookup"
	ActionSuppressed = "suppressed"
	ActionIgnored    = "ignored"
)

const (
	optOutConfirmation = "You are opted out of TicketPay alerts. Reply START to opt in again."
	optInConfirmation  = "You are opted in to TicketPay alerts. Reply STOP to cancel."
)

var (
	stopWords  = map[string]bool{"STOP": true, "STOP ALL": true, "UNSUBSCRIBE": true, "CANCEL": true, "END": true, "QUIT": true}
	startWords = map[string]bool{"START": true, "UNSTOP": true, "YES": true}
	helpWords  = map[string]bool{"HELP": true, "INFO": true}

	lookupPattern = regexp.MustCompile(`^(?:(?:TICKET|STATUS)\s+)?#?([A-Z0-9][A-Z0-9-]{3,31})$`)
	whitespace    = regexp.MustCompile(`\s+`)
)

type Store interface {
	store.OptOutStore
	store.AuditLog
}

type Lookup interface {
	GetTicketSnapshotByNo(ctx context.Context, ticketNo string) (models.TicketSnapshot, error)
}

type Verifier interface {
	Verify(fullURL string, params url.Values, signature string) error
}

// Request is a signed inbound webhook: the full public URL the provider
// posted to, the form parameters and the signature header.
type Request struct {
	URL       string
	Params    url.Values
	Signature string
}

// Reply carries the resulting action and the text to answer with. An empty
// Message means no reply is sent.
type Reply struct {
	Action  string
	Message string
}

type Options struct {
	SupportEmail string
	SiteURL      string
	Logger       logrus.FieldLogger
}

type Machine struct {
	store        Store
	lookup       Lookup
	verifier     Verifier
	supportEmail string
	siteURL      string
	log          logrus.FieldLogger
}

func NewMachine(st Store, lookup Lookup, verifier Verifier, opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	support := opts.SupportEmail
	if support == "" {
		support = "support@example.com"
	}
	return &Machine{
		store:        st,
		lookup:       lookup,
		verifier:     verifier,
		supportEmail: support,
		siteURL:      opts.SiteURL,
		log:          logger.WithField("component", "inbound"),
	}
}

// Handle verifies the request signature and then applies the message. An
// unverifiable request returns ErrInvalidSignature and changes nothing.
func (m *Machine) Handle(ctx context.Context, req Request) (Reply, error) {
	if m.verifier == nil {
		return Reply{}, store.ErrInvalidSignature
	}
	if err := m.verifier.Verify(req.URL, req.Params, req.Signature); err != nil {
		return Reply{}, err
	}

	phone := models.NormalizePhone(req.Params.Get("From"))
	body := req.Params.Get("Body")
	text := Normalize(body)

	reply, ticketRef, err := m.apply(ctx, phone, text)
	if err != nil {
		m.log.WithError(err).WithField("phone", phone).Error("inbound message failed")
		return Reply{}, err
	}

	metrics.InboundMessages.WithLabelValues(reply.Action).Inc()
	m.audit(ctx, phone, ticketRef, body, reply)
	m.log.WithFields(logrus.Fields{"phone": phone, "action": reply.Action}).Info("inbound message handled")
	return reply, nil
}

func (m *Machine) apply(ctx context.Context, phone, text string) (Reply, string, error) {
	if phone == "" {
		return Reply{Action: ActionIgnored}, "", nil
	}

	switch {
	case stopWords[text]:
		changed, err := m.store.SetOptOut(ctx, phone, true)
		if err != nil {
			return Reply{}, "", err
		}
		reply := Reply{Action: ActionOptOut}
		if changed {
			reply.Message = optOutConfirmation
		}
		return reply, "", nil
	case startWords[text]:
		changed, err := m.store.SetOptOut(ctx, phone, false)
		if err != nil {
			return Reply{}, "", err
		}
		reply := Reply{Action: ActionOptIn}
		if changed {
			reply.Message = optInConfirmation
		}
		return reply, "", nil
	case helpWords[text]:
		return Reply{Action: ActionHelp, Message: "TicketPay alerts. Reply STOP to cancel. Need help? " + m.supportEmail}, "", nil
	}

	optedOut, err := m.store.IsOptedOut(ctx, phone)
	if err != nil {
		return Reply{}, "", err
	}
	if optedOut {
		return Reply{Action: ActionSuppressed}, "", nil
	}

	ticketNo, ok := MatchTicket(text)
	if !ok || m.lookup == nil {
		return Reply{Action: ActionIgnored}, "", nil
	}
	snap, err := m.lookup.GetTicketSnapshotByNo(ctx, ticketNo)
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return Reply{Action: ActionLookup, Message: fmt.Sprintf("No ticket found for %s.", ticketNo)}, ticketNo, nil
	case err != nil:
		return Reply{}, "", err
	}
	return Reply{Action: ActionLookup, Message: m.describe(snap.Balance)}, ticketNo, nil
}

func (m *Machine) describe(balance models.TicketBalance) string {
	remaining := balance.RemainingCents()
	if balance.Status == models.StatusPaid || (models.IsPayable(balance.Status) && remaining <= 0) {
		return fmt.Sprintf("Ticket %s is paid. Thank you.", balance.TicketNo)
	}
	if !models.IsPayable(balance.Status) {
		return fmt.Sprintf("Ticket %s is %s.", balance.TicketNo, balance.Status)
	}
	msg := fmt.Sprintf("Ticket %s: %s due %s.", balance.TicketNo, notify.FormatCents(remaining), notify.FormatDue(balance.DueAt))
	if m.siteURL != "" {
		msg += " Pay: " + notify.TicketLink(m.siteURL, balance.TicketNo)
	}
	return msg
}

func (m *Machine) audit(ctx context.Context, phone, ticketRef, body string, reply Reply) {
	err := m.store.AppendAudit(ctx, models.AuditEntry{
		AuditID:      uuid.NewString(),
		EventType:    models.AuditSMSInbound,
		RecipientRef: phone,
		TicketRef:    ticketRef,
		Message:      body,
		Metadata: map[string]any{
			"action":  reply.Action,
			"replied": reply.Message != "",
		},
	})
	if err != nil {
		m.log.WithError(err).Warn("audit append failed")
	}
}

// Normalize upper-cases the body and collapses runs of whitespace.
func Normalize(body string) string {
	return whitespace.ReplaceAllString(strings.ToUpper(strings.TrimSpace(body)), " ")
}

// MatchTicket extracts a ticket number from a normalized body. Bare words
// without a digit are not treated as ticket numbers.
func MatchTicket(text string) (string, bool) {
	match := lookupPattern.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	if !strings.ContainsAny(match[1], "0123456789") {
		return "", false
	}
	return match[1], true
}
