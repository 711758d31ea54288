package models

import "time"

type AuditEntry struct {
	AuditID      string         `json:"audit_id"`
	EventType    string         `json:"event_type"`
	RecipientRef string         `json:"recipient_ref,omitempty"`
	TicketRef    string         `json:"ticket_ref,omitempty"`
	Message      string         `json:"message"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

const (
	AuditCheckoutCreated      = "checkout.session_created"
	AuditPaymentReconciled    = "payment.reconciled"
	AuditPaymentDuplicate     = "payment.duplicate"
	AuditPaymentUnknownTicket = "payment.unknown_ticket"
	AuditPaymentIgnored       = "payment.ignored"
	AuditPaymentManual        = "payment.manual"
	AuditTicketVoided         = "ticket.voided"
	AuditTicketRefunded       = "ticket.refunded"
	AuditNotification         = "notification.dispatched"
	AuditSMSInbound           = "sms.inbound"
)

type OptOut struct {
	Phone     string    `json:"phone"`
	OptedOut  bool      `json:"opted_out"`
	UpdatedAt time.Time `json:"updated_at"`
}
