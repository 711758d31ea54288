package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketpay/internal/models"
	"ticketpay/internal/store"
	"ticketpay/internal/store/memory"
)

func newFixture(t *testing.T, balance int64) (*memory.Store, *Service, models.Ticket) {
	t.Helper()
	st := memory.New()
	user := st.AddUser(models.Recipient{Email: "driver@example.com", EmailEnabled: true, Phone: "+15555550100", SMSEnabled: true})
	ticket := st.AddTicket(models.Ticket{TicketNo: "T-100", UserID: user.UserID, BalanceCents: balance})
	return st, NewService(st, st, Options{}), ticket
}

func sumPaid(payments []models.Payment) int64 {
	var total int64
	for _, p := range payments {
		if p.Status == models.PaymentSucceeded {
			total += p.AmountCents
		}
	}
	return total
}

func TestClamp(t *testing.T) {
	cases := []struct {
		amount, remaining, want int64
	}{
		{5000, 5000, 5000},
		{6000, 5000, 5000},
		{2000, 5000, 2000},
		{100, 0, 0},
		{100, -50, 0},
		{-10, 100, 0},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.want, Clamp(tt.amount, tt.remaining), "Clamp(%d, %d)", tt.amount, tt.remaining)
	}
}

func TestApplySettlesAndQueuesReceipt(t *testing.T) {
	st, svc, ticket := newFixture(t, 5000)
	ctx := context.Background()

	result, err := svc.Apply(ctx, ApplyInput{TicketNo: "T-100", Processor: models.ProcessorStripe, ExternalID: "cs_1", AmountCents: 5000})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.True(t, result.Settled)
	assert.Equal(t, int64(0), result.RemainingCents)
	assert.Equal(t, 1, result.NotificationsQueued)

	got, _ := st.Ticket("T-100")
	assert.Equal(t, models.StatusPaid, got.Status)

	notifications := st.Notifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, models.KindPaid, notifications[0].Kind)
	assert.Equal(t, models.ChannelEmail, notifications[0].Channel)
	assert.Equal(t, ticket.TicketID, notifications[0].TicketID)

	audit := st.AuditEntries()
	require.Len(t, audit, 1)
	assert.Equal(t, models.AuditPaymentReconciled, audit[0].EventType)
}

func TestApplyIsIdempotentPerExternalID(t *testing.T) {
	st, svc, ticket := newFixture(t, 5000)
	ctx := context.Background()
	input := ApplyInput{TicketNo: "T-100", Processor: models.ProcessorStripe, ExternalID: "cs_1", AmountCents: 2000}

	first, err := svc.Apply(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)

	for i := 0; i < 3; i++ {
		again, err := svc.Apply(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, again.Outcome)
		assert.Equal(t, int64(3000), again.RemainingCents)
	}

	payments := st.Payments(ticket.TicketID)
	require.Len(t, payments, 1)
	assert.Equal(t, int64(2000), sumPaid(payments))
	got, _ := st.Ticket("T-100")
	assert.Equal(t, models.StatusOpen, got.Status)
}

func TestApplyClampsOverpayment(t *testing.T) {
	st, svc, ticket := newFixture(t, 5000)
	ctx := context.Background()

	_, err := svc.Apply(ctx, ApplyInput{TicketNo: "T-100", Processor: models.ProcessorStripe, ExternalID: "cs_1", AmountCents: 4000})
	require.NoError(t, err)
	second, err := svc.Apply(ctx, ApplyInput{TicketNo: "T-100", Processor: models.ProcessorStripe, ExternalID: "cs_2", AmountCents: 4000})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), second.ChargedCents)
	assert.True(t, second.Settled)

	third, err := svc.Apply(ctx, ApplyInput{TicketNo: "T-100", Processor: models.ProcessorStripe, ExternalID: "cs_3", AmountCents: 4000})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, third.Outcome)
	assert.Equal(t, int64(0), third.ChargedCents)
	assert.False(t, third.Settled)

	assert.Equal(t, int64(5000), sumPaid(st.Payments(ticket.TicketID)))
	assert.Len(t, st.Notifications(), 1)
}

func TestApplyUnknownTicket(t *testing.T) {
	_, svc, _ := newFixture(t, 5000)
	_, err := svc.Apply(context.Background(), ApplyInput{TicketNo: "missing", Processor: models.ProcessorStripe, ExternalID: "cs_1", AmountCents: 100})
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
}

func TestApplyValidation(t *testing.T) {
	_, svc, _ := newFixture(t, 5000)
	ctx := context.Background()
	cases := []ApplyInput{
		{Processor: models.ProcessorStripe, ExternalID: "cs", AmountCents: 1},
		{TicketNo: "T-100", ExternalID: "cs", AmountCents: 1},
		{TicketNo: "T-100", Processor: models.ProcessorStripe, AmountCents: 1},
		{TicketNo: "T-100", Processor: models.ProcessorStripe, ExternalID: "cs", AmountCents: -1},
	}
	for _, input := range cases {
		_, err := svc.Apply(ctx, input)
		assert.ErrorIs(t, err, store.ErrValidation)
	}
}

func TestManualPaymentRejectsSettledTicket(t *testing.T) {
	_, svc, _ := newFixture(t, 1000)
	ctx := context.Background()
	_, err := svc.Apply(ctx, ApplyInput{TicketNo: "T-100", Processor: models.ProcessorManual, ExternalID: "req-1", AmountCents: 1000, RejectSettled: true})
	require.NoError(t, err)
	_, err = svc.Apply(ctx, ApplyInput{TicketNo: "T-100", Processor: models.ProcessorManual, ExternalID: "req-2", AmountCents: 1000, RejectSettled: true})
	assert.ErrorIs(t, err, store.ErrAlreadySettled)
}

func TestApplyOnVoidTicketKeepsStatus(t *testing.T) {
	st, svc, ticket := newFixture(t, 5000)
	ctx := context.Background()
	_, err := svc.Void(ctx, VoidInput{TicketNo: "T-100", RequestID: "req-void"})
	require.NoError(t, err)

	result, err := svc.Apply(ctx, ApplyInput{TicketNo: "T-100", Processor: models.ProcessorStripe, ExternalID: "cs_late", AmountCents: 5000})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.False(t, result.Settled)
	got, _ := st.Ticket("T-100")
	assert.Equal(t, models.StatusVoid, got.Status)
	assert.Equal(t, int64(5000), sumPaid(st.Payments(ticket.TicketID)))
}

func TestConcurrentAppliesNeverOverpay(t *testing.T) {
	st, svc, ticket := newFixture(t, 5000)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan ApplyResult, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.Apply(ctx, ApplyInput{
				TicketNo:    "T-100",
				Processor:   models.ProcessorStripe,
				ExternalID:  fmt.Sprintf("cs_%d", i),
				AmountCents: 2000,
			})
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("apply: %v", err)
	}
	settled := 0
	for result := range results {
		if result.Settled {
			settled++
		}
	}
	assert.Equal(t, 1, settled)
	assert.Equal(t, int64(5000), sumPaid(st.Payments(ticket.TicketID)))
	assert.Len(t, st.Notifications(), 1)
}

func TestConcurrentReplaysOfOneEvent(t *testing.T) {
	st, svc, ticket := newFixture(t, 5000)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.Apply(ctx, ApplyInput{TicketNo: "T-100", Processor: models.ProcessorStripe, ExternalID: "cs_same", AmountCents: 5000})
			if err == nil {
				outcomes <- result.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	applied := 0
	for outcome := range outcomes {
		if outcome == OutcomeApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Len(t, st.Payments(ticket.TicketID), 1)
}

func TestRefund(t *testing.T) {
	st, svc, ticket := newFixture(t, 5000)
	ctx := context.Background()
	_, err := svc.Apply(ctx, ApplyInput{TicketNo: "T-100", Processor: models.ProcessorStripe, ExternalID: "cs_1", AmountCents: 5000})
	require.NoError(t, err)

	_, err = svc.Refund(ctx, RefundInput{TicketNo: "T-100", RequestID: "req-1", AmountCents: 6000})
	assert.ErrorIs(t, err, store.ErrValidation)

	result, err := svc.Refund(ctx, RefundInput{TicketNo: "T-100", RequestID: "req-2"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, int64(5000), result.RefundedCents)
	assert.Equal(t, models.StatusRefunded, result.Status)
	assert.Equal(t, int64(0), sumPaid(st.Payments(ticket.TicketID)))

	replay, err := svc.Refund(ctx, RefundInput{TicketNo: "T-100", RequestID: "req-2"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, replay.Outcome)

	_, err = svc.Refund(ctx, RefundInput{TicketNo: "T-100", RequestID: "req-3"})
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestRefundUnpaidTicket(t *testing.T) {
	_, svc, _ := newFixture(t, 5000)
	_, err := svc.Refund(context.Background(), RefundInput{TicketNo: "T-100", RequestID: "req-1"})
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestRefundLatePaymentKeepsStatus(t *testing.T) {
	cases := []struct {
		name  string
		setup func(ctx context.Context, svc *Service) error
		want  string
	}{
		{
			name: "void",
			setup: func(ctx context.Context, svc *Service) error {
				_, err := svc.Void(ctx, VoidInput{TicketNo: "T-100", RequestID: "req-void"})
				return err
			},
			want: models.StatusVoid,
		},
		{
			name: "refunded",
			setup: func(ctx context.Context, svc *Service) error {
				if _, err := svc.Apply(ctx, ApplyInput{TicketNo: "T-100", Processor: models.ProcessorStripe, ExternalID: "cs_1", AmountCents: 5000}); err != nil {
					return err
				}
				_, err := svc.Refund(ctx, RefundInput{TicketNo: "T-100", RequestID: "req-first"})
				return err
			},
			want: models.StatusRefunded,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			st, svc, ticket := newFixture(t, 5000)
			ctx := context.Background()
			require.NoError(t, tt.setup(ctx, svc))

			_, err := svc.Apply(ctx, ApplyInput{TicketNo: "T-100", Processor: models.ProcessorStripe, ExternalID: "cs_late", AmountCents: 5000})
			require.NoError(t, err)
			require.Equal(t, int64(5000), sumPaid(st.Payments(ticket.TicketID)))

			result, err := svc.Refund(ctx, RefundInput{TicketNo: "T-100", RequestID: "req-late"})
			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, result.Outcome)
			assert.Equal(t, int64(5000), result.RefundedCents)
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, int64(0), sumPaid(st.Payments(ticket.TicketID)))

			got, _ := st.Ticket("T-100")
			assert.Equal(t, tt.want, got.Status)

			_, err = svc.Refund(ctx, RefundInput{TicketNo: "T-100", RequestID: "req-again"})
			assert.ErrorIs(t, err, store.ErrInvalidState)
		})
	}
}

func TestVoid(t *testing.T) {
	st, svc, _ := newFixture(t, 5000)
	ctx := context.Background()

	ticket, err := svc.Void(ctx, VoidInput{TicketNo: "T-100", RequestID: "req-1", Reason: "issued in error"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusVoid, ticket.Status)

	again, err := svc.Void(ctx, VoidInput{TicketNo: "T-100", RequestID: "req-2"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusVoid, again.Status)
	assert.Len(t, st.AuditEntries(), 1)
}

func TestVoidRejectsPaidTicket(t *testing.T) {
	_, svc, _ := newFixture(t, 5000)
	ctx := context.Background()
	_, err := svc.Apply(ctx, ApplyInput{TicketNo: "T-100", Processor: models.ProcessorStripe, ExternalID: "cs_1", AmountCents: 1000})
	require.NoError(t, err)
	_, err = svc.Void(ctx, VoidInput{TicketNo: "T-100", RequestID: "req-1"})
	assert.ErrorIs(t, err, store.ErrInvalidState)
}
