package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ticketpay/internal/metrics"
	"ticketpay/internal/models"
	"ticketpay/internal/store"
)

type ReminderResult struct {
	Date        string `json:"date"`
	Reminder72h int    `json:"reminder_72h"`
	DueToday    int    `json:"due"`
}

// Scheduler enqueues time-driven notifications. Keys already queued, in
// flight or sent are never enqueued twice.
type Scheduler struct {
	store    store.NotificationStore
	location *time.Location
	log      logrus.FieldLogger
}

func NewScheduler(st store.NotificationStore, location *time.Location, logger logrus.FieldLogger) *Scheduler {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{store: st, location: location, log: logger.WithField("component", "scheduler")}
}

// ScheduleReminders queues reminder_72h for tickets due three days after
// now's local date and due for tickets due on it.
func (s *Scheduler) ScheduleReminders(ctx context.Context, now time.Time) (ReminderResult, error) {
	local := now.In(s.location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	result := ReminderResult{Date: today.Format(time.DateOnly)}

	count, err := s.store.EnqueueReminders(ctx, models.KindReminder72h, today.AddDate(0, 0, 3))
	if err != nil {
		return result, fmt.Errorf("enqueue 72h reminders: %w", err)
	}
	result.Reminder72h = count
	metrics.RemindersQueued.WithLabelValues(models.KindReminder72h).Add(float64(count))

	count, err = s.store.EnqueueReminders(ctx, models.KindDue, today)
	if err != nil {
		return result, fmt.Errorf("enqueue due reminders: %w", err)
	}
	result.DueToday = count
	metrics.RemindersQueued.WithLabelValues(models.KindDue).Add(float64(count))

	s.log.WithFields(logrus.Fields{
		"date":         result.Date,
		"reminder_72h": result.Reminder72h,
		"due":          result.DueToday,
	}).Info("reminders scheduled")
	return result, nil
}

// EnqueueNew queues the new-ticket notification for ticketNo.
func (s *Scheduler) EnqueueNew(ctx context.Context, ticketNo string) (int, error) {
	ticketNo = strings.TrimSpace(ticketNo)
	if ticketNo == "" {
		return 0, store.Validation("ticket_no is required")
	}
	count, err := s.store.EnqueueForTicket(ctx, ticketNo, models.KindNew)
	if err != nil {
		return 0, err
	}
	metrics.RemindersQueued.WithLabelValues(models.KindNew).Add(float64(count))
	return count, nil
}
