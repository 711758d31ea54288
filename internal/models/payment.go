package models

import "time"

// Payment is one append-only ledger entry. Refunds carry a negative amount.
type Payment struct {
	PaymentID   string    `json:"payment_id"`
	TicketID    string    `json:"ticket_id"`
	Processor   string    `json:"processor"`
	AmountCents int64     `json:"amount_cents"`
	Status      string    `json:"status"`
	ExternalID  string    `json:"external_id"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	ProcessorStripe = "stripe"
	ProcessorManual = "manual"
	ProcessorRefund = "refund"
)

const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
	PaymentPending   = "pending"
)
