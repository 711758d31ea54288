package checkout

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketpay/internal/models"
	"ticketpay/internal/processor"
	"ticketpay/internal/store"
	"ticketpay/internal/store/memory"
)

type fakeSessions struct {
	requests []processor.SessionRequest
	err      error
}

func (f *fakeSessions) CreateSession(ctx context.Context, req processor.SessionRequest) (processor.Session, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return processor.Session{}, f.err
	}
	return processor.Session{ID: "cs_" + req.IdempotencyKey, URL: "https://pay.example/" + req.TicketNo}, nil
}

func setup(t *testing.T, balance int64) (*memory.Store, *fakeSessions, *Orchestrator, models.Ticket) {
	t.Helper()
	st := memory.New()
	user := st.AddUser(models.Recipient{Email: "driver@example.com", EmailEnabled: true})
	ticket := st.AddTicket(models.Ticket{TicketNo: "T-7", UserID: user.UserID, BalanceCents: balance})
	sessions := &fakeSessions{}
	return st, sessions, NewOrchestrator(st, sessions, nil), ticket
}

func TestStartCreatesSessionForRemaining(t *testing.T) {
	st, sessions, orch, ticket := setup(t, 5000)
	st.AddPayment(models.Payment{TicketID: ticket.TicketID, Processor: models.ProcessorStripe, AmountCents: 1500, Status: models.PaymentSucceeded, ExternalID: "cs_old"})

	result, err := orch.Start(context.Background(), Request{TicketNo: "T-7"})
	require.NoError(t, err)
	assert.Equal(t, int64(3500), result.AmountCents)
	assert.Equal(t, IdempotencyKey(ticket.TicketID, 3500), result.IdempotencyKey)
	assert.Equal(t, models.StatusPendingPayment, result.Status)

	require.Len(t, sessions.requests, 1)
	assert.Equal(t, "T-7", sessions.requests[0].TicketNo)
	assert.Equal(t, "driver@example.com", sessions.requests[0].CustomerEmail)

	got, _ := st.Ticket("T-7")
	assert.Equal(t, models.StatusPendingPayment, got.Status)

	audit := st.AuditEntries()
	require.Len(t, audit, 1)
	assert.Equal(t, models.AuditCheckoutCreated, audit[0].EventType)
}

func TestStartKeyIsStableAcrossRetries(t *testing.T) {
	_, sessions, orch, _ := setup(t, 5000)
	ctx := context.Background()

	first, err := orch.Start(ctx, Request{TicketNo: "T-7"})
	require.NoError(t, err)
	second, err := orch.Start(ctx, Request{TicketNo: "T-7", CustomerEmail: "other@example.com"})
	require.NoError(t, err)

	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, "other@example.com", sessions.requests[1].CustomerEmail)
}

func TestStartRejectsSettledTickets(t *testing.T) {
	st, sessions, orch, ticket := setup(t, 5000)
	st.AddPayment(models.Payment{TicketID: ticket.TicketID, Processor: models.ProcessorStripe, AmountCents: 5000, Status: models.PaymentSucceeded, ExternalID: "cs_1"})

	_, err := orch.Start(context.Background(), Request{TicketNo: "T-7"})
	assert.ErrorIs(t, err, store.ErrAlreadySettled)
	assert.Empty(t, sessions.requests)
}

func TestStartRejectsVoidTicket(t *testing.T) {
	st := memory.New()
	st.AddTicket(models.Ticket{TicketNo: "V-1", BalanceCents: 100, Status: models.StatusVoid})
	sessions := &fakeSessions{}
	_, err := NewOrchestrator(st, sessions, nil).Start(context.Background(), Request{TicketNo: "V-1"})
	assert.ErrorIs(t, err, store.ErrAlreadySettled)
}

func TestStartUnknownTicket(t *testing.T) {
	_, _, orch, _ := setup(t, 5000)
	_, err := orch.Start(context.Background(), Request{TicketNo: "nope"})
	assert.ErrorIs(t, err, store.ErrTicketNotFound)

	_, err = orch.Start(context.Background(), Request{TicketNo: "  "})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestStartProcessorFailureLeavesTicketOpen(t *testing.T) {
	st, sessions, orch, _ := setup(t, 5000)
	sessions.err = errors.Join(store.ErrUpstream, errors.New("timeout"))

	_, err := orch.Start(context.Background(), Request{TicketNo: "T-7"})
	assert.ErrorIs(t, err, store.ErrUpstream)
	got, _ := st.Ticket("T-7")
	assert.Equal(t, models.StatusOpen, got.Status)
}
