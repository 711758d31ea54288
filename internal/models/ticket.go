package models

import "time"

type Ticket struct {
	TicketID     string     `json:"ticket_id"`
	TicketNo     string     `json:"ticket_no"`
	UserID       string     `json:"-"`
	Plate        string     `json:"plate,omitempty"`
	BalanceCents int64      `json:"balance_cents"`
	Status       string     `json:"status"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

const (
	StatusOpen           = "open"
	StatusPendingPayment = "pending_payment"
	StatusPaid           = "paid"
	StatusVoid           = "void"
	StatusRefunded       = "refunded"
)

// IsPayable reports whether a ticket in status can still take money.
func IsPayable(status string) bool {
	return status == StatusOpen || status == StatusPendingPayment
}

// TicketBalance is a ticket together with the sum of its succeeded ledger entries.
type TicketBalance struct {
	Ticket
	PaidCents int64 `json:"paid_cents"`
}

func (b TicketBalance) RemainingCents() int64 {
	return b.BalanceCents - b.PaidCents
}

// Recipient is the contact record a ticket's notifications go to.
type Recipient struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	EmailEnabled bool   `json:"email_enabled"`
	SMSEnabled   bool   `json:"sms_enabled"`
}

// Address returns the delivery address for channel and whether the
// recipient accepts messages on it.
func (r Recipient) Address(channel string) (string, bool) {
	switch channel {
	case ChannelEmail:
		return r.Email, r.EmailEnabled
	case ChannelSMS:
		return r.Phone, r.SMSEnabled
	default:
		return "", false
	}
}

type TicketSnapshot struct {
	Balance   TicketBalance
	Recipient Recipient
}
