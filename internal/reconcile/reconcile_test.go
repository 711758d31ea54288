package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketpay/internal/ledger"
	"ticketpay/internal/models"
	"ticketpay/internal/processor"
	"ticketpay/internal/store"
	"ticketpay/internal/store/memory"
)

const secret = "whsec_test"

func newHandler(t *testing.T) (*memory.Store, *Handler, models.Ticket) {
	t.Helper()
	st := memory.New()
	user := st.AddUser(models.Recipient{Email: "driver@example.com", EmailEnabled: true})
	ticket := st.AddTicket(models.Ticket{TicketNo: "T-55", UserID: user.UserID, BalanceCents: 5000, Status: models.StatusPendingPayment})
	svc := ledger.NewService(st, st, ledger.Options{})
	h := NewHandler(svc, st, processor.StripeVerifier{Secret: secret}, Options{})
	return st, h, ticket
}

func sessionEvent(t *testing.T, eventType, sessionID, ticketNo string, amount int64, paymentStatus string) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":   "evt_" + sessionID,
		"type": eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":             sessionID,
				"metadata":       map[string]string{"ticket_no": ticketNo},
				"amount_total":   amount,
				"payment_status": paymentStatus,
			},
		},
	})
	require.NoError(t, err)
	return payload
}

func sign(payload []byte) string {
	return processor.SignatureHeader(secret, payload, time.Now())
}

func TestHandleAppliesPayment(t *testing.T) {
	st, h, ticket := newHandler(t)
	payload := sessionEvent(t, EventSessionCompleted, "cs_1", "T-55", 5000, "paid")

	result, err := h.Handle(context.Background(), payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, int64(5000), result.ChargedCents)
	assert.Equal(t, int64(0), result.RemainingCents)
	assert.Equal(t, models.StatusPaid, result.Status)

	payments := st.Payments(ticket.TicketID)
	require.Len(t, payments, 1)
	assert.Equal(t, "cs_1", payments[0].ExternalID)
	assert.Equal(t, models.ProcessorStripe, payments[0].Processor)
}

func TestHandleReplayIsDuplicate(t *testing.T) {
	st, h, ticket := newHandler(t)
	payload := sessionEvent(t, EventSessionCompleted, "cs_1", "T-55", 2000, "paid")
	ctx := context.Background()

	_, err := h.Handle(ctx, payload, sign(payload))
	require.NoError(t, err)
	again, err := h.Handle(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Len(t, st.Payments(ticket.TicketID), 1)
}

func TestHandleOutOfOrderEventsConverge(t *testing.T) {
	st, h, ticket := newHandler(t)
	ctx := context.Background()
	events := [][]byte{
		sessionEvent(t, EventSessionCompleted, "cs_b", "T-55", 3000, "paid"),
		sessionEvent(t, EventAsyncPaymentSuccess, "cs_a", "T-55", 3000, ""),
		sessionEvent(t, EventSessionCompleted, "cs_b", "T-55", 3000, "paid"),
	}
	for _, payload := range events {
		_, err := h.Handle(ctx, payload, sign(payload))
		require.NoError(t, err)
	}

	var total int64
	for _, p := range st.Payments(ticket.TicketID) {
		total += p.AmountCents
	}
	assert.Equal(t, int64(5000), total)
	got, _ := st.Ticket("T-55")
	assert.Equal(t, models.StatusPaid, got.Status)
}

func TestHandleRejectsBadSignature(t *testing.T) {
	st, h, ticket := newHandler(t)
	payload := sessionEvent(t, EventSessionCompleted, "cs_1", "T-55", 5000, "paid")

	_, err := h.Handle(context.Background(), payload, processor.SignatureHeader("whsec_wrong", payload, time.Now()))
	assert.ErrorIs(t, err, store.ErrInvalidSignature)
	_, err = h.Handle(context.Background(), payload, "")
	assert.ErrorIs(t, err, store.ErrInvalidSignature)

	assert.Empty(t, st.Payments(ticket.TicketID))
	assert.Empty(t, st.AuditEntries())
}

func TestHandleIgnoresOtherEvents(t *testing.T) {
	st, h, ticket := newHandler(t)
	cases := [][]byte{
		sessionEvent(t, "payment_intent.succeeded", "pi_1", "T-55", 5000, ""),
		sessionEvent(t, EventSessionCompleted, "cs_unpaid", "T-55", 5000, "unpaid"),
		sessionEvent(t, EventSessionCompleted, "cs_noref", "", 5000, "paid"),
	}
	for _, payload := range cases {
		result, err := h.Handle(context.Background(), payload, sign(payload))
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, result.Outcome)
	}
	assert.Empty(t, st.Payments(ticket.TicketID))
}

func TestHandleUnknownTicketIsAcknowledged(t *testing.T) {
	st, h, _ := newHandler(t)
	payload := sessionEvent(t, EventSessionCompleted, "cs_1", "NOPE", 5000, "paid")

	result, err := h.Handle(context.Background(), payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownTicket, result.Outcome)

	audit := st.AuditEntries()
	require.Len(t, audit, 1)
	assert.Equal(t, models.AuditPaymentUnknownTicket, audit[0].EventType)
}

func TestHandleMalformedPayload(t *testing.T) {
	_, h, _ := newHandler(t)
	payload := []byte(`{not json`)
	_, err := h.Handle(context.Background(), payload, sign(payload))
	assert.ErrorIs(t, err, store.ErrValidation)
}

type failingApplier struct{ err error }

func (f failingApplier) Apply(ctx context.Context, input ledger.ApplyInput) (ledger.ApplyResult, error) {
	return ledger.ApplyResult{}, f.err
}

func TestHandleSurfacesTransientFailure(t *testing.T) {
	st := memory.New()
	h := NewHandler(failingApplier{err: store.Transient("commit tx", errors.New("conn reset"))}, st, processor.StripeVerifier{Secret: secret}, Options{})
	payload := sessionEvent(t, EventSessionCompleted, "cs_1", "T-55", 5000, "paid")

	_, err := h.Handle(context.Background(), payload, sign(payload))
	assert.ErrorIs(t, err, store.ErrTransient)
}

func TestConfirmationAmountFallbacks(t *testing.T) {
	received := int64(700)
	event := Event{Type: EventAsyncPaymentSuccess}
	event.Data.Object = EventObject{ID: "cs_9", Metadata: map[string]string{"ticket_ref": "R-1"}, AmountReceived: &received}

	confirmation, ok := event.Confirmation()
	require.True(t, ok)
	assert.Equal(t, Confirmation{TicketNo: "R-1", AmountCents: 700, ExternalID: "cs_9"}, confirmation)
}
