package inbound

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketpay/internal/messaging"
	"ticketpay/internal/messaging/messagingtest"
	"ticketpay/internal/models"
	"ticketpay/internal/store"
	"ticketpay/internal/store/memory"
)

const (
	authToken = "twilio-token"
	hookURL   = "https://ticketpay.example/api/webhooks/sms"
)

func newMachine(t *testing.T) (*Machine, *memory.Store) {
	t.Helper()
	st := memory.New()
	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	st.AddTicket(models.Ticket{TicketNo: "PK-1001", BalanceCents: 5000, DueAt: &due})
	m := NewMachine(st, st, messaging.TwilioVerifier{AuthToken: authToken}, Options{
		SupportEmail: "help@ticketpay.example",
		SiteURL:      "https://ticketpay.example",
	})
	return m, st
}

func signed(from, body string) Request {
	params := url.Values{"From": {from}, "Body": {body}, "MessageSid": {"SM123"}}
	return Request{URL: hookURL, Params: params, Signature: messagingtest.TwilioSignature(authToken, hookURL, params)}
}

func TestStopThenStartTogglesState(t *testing.T) {
	m, st := newMachine(t)
	ctx := context.Background()

	reply, err := m.Handle(ctx, signed("(555) 555-0100", " stop "))
	require.NoError(t, err)
	assert.Equal(t, ActionOptOut, reply.Action)
	assert.Equal(t, optOutConfirmation, reply.Message)

	optedOut, err := st.IsOptedOut(ctx, "+15555550100")
	require.NoError(t, err)
	assert.True(t, optedOut)

	reply, err = m.Handle(ctx, signed("+15555550100", "UNSUBSCRIBE"))
	require.NoError(t, err)
	assert.Equal(t, ActionOptOut, reply.Action)
	assert.Empty(t, reply.Message, "no confirmation without a state change")

	reply, err = m.Handle(ctx, signed("+15555550100", "Start"))
	require.NoError(t, err)
	assert.Equal(t, ActionOptIn, reply.Action)
	assert.Equal(t, optInConfirmation, reply.Message)

	optedOut, err = st.IsOptedOut(ctx, "+15555550100")
	require.NoError(t, err)
	assert.False(t, optedOut)

	reply, err = m.Handle(ctx, signed("+15555550100", "YES"))
	require.NoError(t, err)
	assert.Empty(t, reply.Message)

	entries := st.AuditEntries()
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, models.AuditSMSInbound, e.EventType)
		assert.Equal(t, "+15555550100", e.RecipientRef)
	}
}

func TestStartForUnknownPhoneSendsNoConfirmation(t *testing.T) {
	m, _ := newMachine(t)
	reply, err := m.Handle(context.Background(), signed("+15555550199", "START"))
	require.NoError(t, err)
	assert.Equal(t, ActionOptIn, reply.Action)
	assert.Empty(t, reply.Message)
}

func TestHelpRepliesWithoutStateChange(t *testing.T) {
	m, st := newMachine(t)
	ctx := context.Background()
	_, err := st.SetOptOut(ctx, "+15555550100", true)
	require.NoError(t, err)

	reply, err := m.Handle(ctx, signed("+15555550100", "help"))
	require.NoError(t, err)
	assert.Equal(t, ActionHelp, reply.Action)
	assert.Equal(t, "TicketPay alerts. Reply STOP to cancel. Need help? help@ticketpay.example", reply.Message)

	optedOut, err := st.IsOptedOut(ctx, "+15555550100")
	require.NoError(t, err)
	assert.True(t, optedOut)
}

func TestOptedOutSuppressesOtherContent(t *testing.T) {
	m, st := newMachine(t)
	ctx := context.Background()
	_, err := st.SetOptOut(ctx, "+15555550100", true)
	require.NoError(t, err)

	reply, err := m.Handle(ctx, signed("+15555550100", "TICKET PK-1001"))
	require.NoError(t, err)
	assert.Equal(t, ActionSuppressed, reply.Action)
	assert.Empty(t, reply.Message)
}

func TestTicketLookup(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()

	reply, err := m.Handle(ctx, signed("+15555550100", "status pk-1001"))
	require.NoError(t, err)
	assert.Equal(t, ActionLookup, reply.Action)
	assert.Equal(t, "Ticket PK-1001: $50.00 due 04/01/2026. Pay: https://ticketpay.example/ticket.html?t=PK-1001", reply.Message)

	reply, err = m.Handle(ctx, signed("+15555550100", "PK-9999"))
	require.NoError(t, err)
	assert.Equal(t, "No ticket found for PK-9999.", reply.Message)

	reply, err = m.Handle(ctx, signed("+15555550100", "thanks a lot"))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, reply.Action)
	assert.Empty(t, reply.Message)
}

func TestInvalidSignatureChangesNothing(t *testing.T) {
	m, st := newMachine(t)
	req := signed("+15555550100", "STOP")
	req.Signature = "forged"

	_, err := m.Handle(context.Background(), req)
	require.ErrorIs(t, err, store.ErrInvalidSignature)

	optedOut, err := st.IsOptedOut(context.Background(), "+15555550100")
	require.NoError(t, err)
	assert.False(t, optedOut)
	assert.Empty(t, st.AuditEntries())

	req = signed("+15555550100", "STOP")
	req.Params.Set("Body", "START")
	_, err = m.Handle(context.Background(), req)
	assert.ErrorIs(t, err, store.ErrInvalidSignature)
}

func TestMissingVerifierRejects(t *testing.T) {
	st := memory.New()
	m := NewMachine(st, st, nil, Options{})
	_, err := m.Handle(context.Background(), signed("+15555550100", "STOP"))
	assert.ErrorIs(t, err, store.ErrInvalidSignature)
}

func TestMatchTicket(t *testing.T) {
	no, ok := MatchTicket("TICKET #AB-123")
	assert.True(t, ok)
	assert.Equal(t, "AB-123", no)

	_, ok = MatchTicket("HELLO")
	assert.False(t, ok)
	_, ok = MatchTicket("PAY MY TICKET 123")
	assert.False(t, ok)
}
