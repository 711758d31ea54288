package notify

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"ticketpay/internal/messaging"
	"ticketpay/internal/models"
)

type template struct {
	Subject string
	Body    string
}

var smsTemplates = map[string]string{
	models.KindNew:         "New ticket {ticket_no}{plate_suffix}. Amount {amount}. Due {due}. View: {link} Reply STOP to opt out, HELP for help.",
	models.KindReminder72h: "Reminder: ticket {ticket_no} is due in 72 hours. Amount {amount}. Pay now: {link} Reply STOP to opt out, HELP for help.",
	models.KindDue:         "Due today: ticket {ticket_no}. Avoid late fees. Amount {amount}. Pay now: {link} Reply STOP to opt out, HELP for help.",
	models.KindPaid:        "Payment received for ticket {ticket_no}. Thank you. Reply STOP to opt out, HELP for help.",
}

var emailTemplates = map[string]template{
	models.KindNew: {
		Subject: "New ticket {ticket_no}",
		Body:    "We found a new ticket {ticket_no}{plate_suffix}. Amount {amount}. Due {due}.\nPay now: {link}",
	},
	models.KindReminder72h: {
		Subject: "Ticket {ticket_no} due in 72 hours",
		Body:    "Heads up: ticket {ticket_no} is due in 72 hours. Amount {amount}.\nPay now: {link}",
	},
	models.KindDue: {
		Subject: "Ticket {ticket_no} due today",
		Body:    "Today is the due date for ticket {ticket_no}. Amount {amount}.\nPay now: {link}",
	},
	models.KindPaid: {
		Subject: "Receipt for ticket {ticket_no}",
		Body:    "Thanks! We received your payment of {amount} for ticket {ticket_no}.",
	},
}

// Render builds the outbound message for a notification. ok is false when no
// template exists for the kind and channel.
func Render(n models.Notification, snap models.TicketSnapshot, to, siteURL string) (messaging.Message, bool) {
	values := templateValues(n.Kind, snap, siteURL)
	switch n.Channel {
	case models.ChannelSMS:
		body, ok := smsTemplates[n.Kind]
		if !ok {
			return messaging.Message{}, false
		}
		return messaging.Message{Channel: n.Channel, To: to, Body: renderTemplate(body, values)}, true
	case models.ChannelEmail:
		tmpl, ok := emailTemplates[n.Kind]
		if !ok {
			return messaging.Message{}, false
		}
		body := renderTemplate(tmpl.Body, values) + "\n\nUnsubscribe: " + strings.TrimRight(siteURL, "/") + "/prefs"
		return messaging.Message{
			Channel: n.Channel,
			To:      to,
			Subject: renderTemplate(tmpl.Subject, values),
			Body:    body,
		}, true
	default:
		return messaging.Message{}, false
	}
}

func templateValues(kind string, snap models.TicketSnapshot, siteURL string) map[string]string {
	balance := snap.Balance
	amount := balance.RemainingCents()
	if kind == models.KindPaid {
		amount = balance.PaidCents
	}
	plateSuffix := ""
	if balance.Plate != "" {
		plateSuffix = " for " + balance.Plate
	}
	return map[string]string{
		"ticket_no":    balance.TicketNo,
		"plate_suffix": plateSuffix,
		"amount":       FormatCents(amount),
		"due":          FormatDue(balance.DueAt),
		"link":         TicketLink(siteURL, balance.TicketNo),
	}
}

func renderTemplate(body string, values map[string]string) string {
	result := body
	for key, value := range values {
		result = strings.ReplaceAll(result, "{"+key+"}", value)
	}
	return result
}

func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

func FormatDue(due *time.Time) string {
	if due == nil {
		return "N/A"
	}
	return due.Format("01/02/2006")
}

func TicketLink(siteURL, ticketNo string) string {
	return strings.TrimRight(siteURL, "/") + "/ticket.html?t=" + url.QueryEscape(ticketNo)
}
