package reconcile

import (
	"encoding/json"
	"strings"

	"ticketpay/internal/store"
)

const (
	EventSessionCompleted    = "checkout.session.completed"
	EventAsyncPaymentSuccess = "checkout.session.async_payment_succeeded"
)

type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object EventObject `json:"object"`
	} `json:"data"`
}

type EventObject struct {
	ID             string            `json:"id"`
	Metadata       map[string]string `json:"metadata"`
	AmountTotal    *int64            `json:"amount_total"`
	AmountReceived *int64            `json:"amount_received"`
	Amount         *int64            `json:"amount"`
	PaymentStatus  string            `json:"payment_status"`
}

// Confirmation is the money movement an actionable event carries.
type Confirmation struct {
	TicketNo    string
	AmountCents int64
	ExternalID  string
}

func ParseEvent(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, store.Validation("malformed event payload")
	}
	if event.Type == "" {
		return Event{}, store.Validation("event type is required")
	}
	return event, nil
}

// Actionable reports whether the event confirms money was collected.
func (e Event) Actionable() bool {
	switch e.Type {
	case EventSessionCompleted:
		status := e.Data.Object.PaymentStatus
		return status == "paid" || status == "no_payment_required"
	case EventAsyncPaymentSuccess:
		return true
	default:
		return false
	}
}

// Confirmation extracts the ticket reference and amount. ok is false when the
// object carries no ticket reference.
func (e Event) Confirmation() (Confirmation, bool) {
	obj := e.Data.Object
	ticketNo := strings.TrimSpace(obj.Metadata["ticket_no"])
	if ticketNo == "" {
		ticketNo = strings.TrimSpace(obj.Metadata["ticket_ref"])
	}
	if ticketNo == "" || obj.ID == "" {
		return Confirmation{}, false
	}
	var amount int64
	switch {
	case obj.AmountTotal != nil:
		amount = *obj.AmountTotal
	case obj.AmountReceived != nil:
		amount = *obj.AmountReceived
	case obj.Amount != nil:
		amount = *obj.Amount
	}
	return Confirmation{TicketNo: ticketNo, AmountCents: amount, ExternalID: obj.ID}, true
}
