package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketpay/internal/models"
	"ticketpay/internal/store"
	"ticketpay/internal/store/memory"
)

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestScheduleReminders(t *testing.T) {
	st := memory.New()
	user := st.AddUser(models.Recipient{Email: "a@example.com", Phone: "+15555550100", EmailEnabled: true, SMSEnabled: true})
	emailOnly := st.AddUser(models.Recipient{Email: "b@example.com", EmailEnabled: true, Phone: "+15555550101", SMSEnabled: false})
	st.AddTicket(models.Ticket{TicketNo: "DUE-3", UserID: user.UserID, BalanceCents: 100, DueAt: day(2026, 3, 13)})
	st.AddTicket(models.Ticket{TicketNo: "DUE-0", UserID: emailOnly.UserID, BalanceCents: 100, DueAt: day(2026, 3, 10)})
	st.AddTicket(models.Ticket{TicketNo: "PAID", UserID: user.UserID, BalanceCents: 100, DueAt: day(2026, 3, 10), Status: models.StatusPaid})
	st.AddTicket(models.Ticket{TicketNo: "LATER", UserID: user.UserID, BalanceCents: 100, DueAt: day(2026, 3, 20)})

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	scheduler := NewScheduler(st, ny, nil)
	// 02:00 UTC on the 11th is still the 10th in New York.
	now := time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)

	result, err := scheduler.ScheduleReminders(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", result.Date)
	assert.Equal(t, 2, result.Reminder72h)
	assert.Equal(t, 1, result.DueToday)

	again, err := scheduler.ScheduleReminders(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Reminder72h)
	assert.Equal(t, 0, again.DueToday)
	assert.Len(t, st.Notifications(), 3)
}

func TestEnqueueNew(t *testing.T) {
	st := memory.New()
	user := st.AddUser(models.Recipient{Email: "a@example.com", Phone: "+15555550100", EmailEnabled: true, SMSEnabled: true})
	st.AddTicket(models.Ticket{TicketNo: "N-1", UserID: user.UserID, BalanceCents: 100})
	scheduler := NewScheduler(st, nil, nil)

	count, err := scheduler.EnqueueNew(context.Background(), "N-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = scheduler.EnqueueNew(context.Background(), "N-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = scheduler.EnqueueNew(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
	_, err = scheduler.EnqueueNew(context.Background(), "")
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestWorkerTickRunsRemindersOncePerDay(t *testing.T) {
	f := newFixture(t)
	scheduler := NewScheduler(f.store, time.UTC, nil)
	worker := NewWorker(f.dispatcher, scheduler, nil)
	worker.now = func() time.Time { return f.now }

	worker.Tick(context.Background())
	// T-1 is due on the 13th, three days after the fixture clock.
	assert.Len(t, f.sender.sent, 2)

	worker.Tick(context.Background())
	assert.Len(t, f.sender.sent, 2)
	assert.Equal(t, "2026-03-10", worker.lastRun)
}
