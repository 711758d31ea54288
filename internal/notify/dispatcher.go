// Package notify drains the notification queue and schedules reminders.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"ticketpay/internal/messaging"
	"ticketpay/internal/metrics"
	"ticketpay/internal/models"
	"ticketpay/internal/store"
)

type Store interface {
	store.NotificationStore
	store.TicketReader
	store.OptOutStore
	store.AuditLog
}

type Sender interface {
	Send(ctx context.Context, msg messaging.Message) (messaging.Delivery, error)
}

type Config struct {
	BatchSize    int
	RateWindow   time.Duration
	ClaimTimeout time.Duration
	SiteURL      string
	// RateLimitExempt kinds are delivered even if the recipient was messaged
	// inside the rate window.
	RateLimitExempt []string
	Logger          logrus.FieldLogger
	Now             func() time.Time
}

type BatchResult struct {
	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	OptedOut int `json:"opted_out"`
	Skipped  int `json:"skipped"`
}

func (r *BatchResult) count(status string) {
	switch status {
	case models.NotificationSent:
		r.Sent++
	case models.NotificationFailed:
		r.Failed++
	case models.NotificationOptedOut:
		r.OptedOut++
	default:
		r.Skipped++
	}
}

// completeAttempts bounds how often a transient store error is retried when
// recording an item's outcome.
const completeAttempts = 3

type Dispatcher struct {
	store        Store
	sender       Sender
	batchSize    int
	rateWindow   time.Duration
	claimTimeout time.Duration
	siteURL      string
	exempt       map[string]bool
	log          logrus.FieldLogger
	now          func() time.Time
	retryDelay   time.Duration
}

func NewDispatcher(st Store, sender Sender, cfg Config) *Dispatcher {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	claimTimeout := cfg.ClaimTimeout
	if claimTimeout <= 0 {
		claimTimeout = 10 * time.Minute
	}
	exemptKinds := cfg.RateLimitExempt
	if exemptKinds == nil {
		exemptKinds = []string{models.KindPaid}
	}
	exempt := make(map[string]bool, len(exemptKinds))
	for _, kind := range exemptKinds {
		exempt[kind] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		store:        st,
		sender:       sender,
		batchSize:    batch,
		rateWindow:   window,
		claimTimeout: claimTimeout,
		siteURL:      cfg.SiteURL,
		exempt:       exempt,
		log:          logger.WithField("component", "dispatcher"),
		now:          now,
		retryDelay:   200 * time.Millisecond,
	}
}

// DispatchBatch claims one batch and drives every item to a terminal status.
// An item's failure is recorded on that item and never stops the batch.
//
// Delivery is at least once. If a message goes out but its sent status cannot
// be recorded, the row stays in sending and RequeueStale will queue it again;
// the audit entry for the attempt keeps the provider id.
func (d *Dispatcher) DispatchBatch(ctx context.Context) (BatchResult, error) {
	ctx, span := otel.Tracer("ticketpay/notify").Start(ctx, "notify.dispatch_batch")
	defer span.End()
	started := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(started).Seconds()) }()

	items, err := d.store.ClaimQueued(ctx, d.batchSize)
	if err != nil {
		span.RecordError(err)
		return BatchResult{}, err
	}
	result := BatchResult{Claimed: len(items)}
	span.SetAttributes(attribute.Int("notifications.claimed", len(items)))

	for _, item := range items {
		outcome := d.complete(ctx, item, d.process(ctx, item))
		result.count(outcome.Status)
		metrics.Notifications.WithLabelValues(item.Channel, outcome.Status).Inc()
		d.audit(ctx, item, outcome)
	}

	if result.Claimed > 0 {
		d.log.WithFields(logrus.Fields{
			"claimed":   result.Claimed,
			"sent":      result.Sent,
			"failed":    result.Failed,
			"opted_out": result.OptedOut,
			"skipped":   result.Skipped,
		}).Info("dispatch batch finished")
	}
	return result, nil
}

func (d *Dispatcher) process(ctx context.Context, n models.Notification) models.NotificationOutcome {
	log := d.log.WithFields(logrus.Fields{
		"notification_id": n.NotificationID,
		"channel":         n.Channel,
		"kind":            n.Kind,
	})

	snap, err := d.store.GetTicketSnapshot(ctx, n.TicketID)
	if err != nil {
		return failed(fmt.Sprintf("resolve ticket: %v", err))
	}
	if models.IsReminderKind(n.Kind) && (!models.IsPayable(snap.Balance.Status) || snap.Balance.RemainingCents() <= 0) {
		return models.NotificationOutcome{Status: models.NotificationSkippedStale, Error: "ticket is " + snap.Balance.Status}
	}

	sent, err := d.store.HasSent(ctx, n.Key())
	if err != nil {
		return failed(fmt.Sprintf("check sent: %v", err))
	}
	if sent {
		return models.NotificationOutcome{Status: models.NotificationSkippedDuplicate}
	}

	address, enabled := snap.Recipient.Address(n.Channel)
	if address == "" {
		return failed("no " + n.Channel + " address on file")
	}
	if !enabled {
		return models.NotificationOutcome{Status: models.NotificationOptedOut, Error: n.Channel + " disabled by recipient"}
	}
	if n.Channel == models.ChannelSMS {
		address = models.NormalizePhone(address)
		optedOut, err := d.store.IsOptedOut(ctx, address)
		if err != nil {
			return failed(fmt.Sprintf("check opt-out: %v", err))
		}
		if optedOut {
			return models.NotificationOutcome{Status: models.NotificationOptedOut}
		}
	}

	if !d.exempt[n.Kind] {
		recent, err := d.store.SentSince(ctx, n.RecipientRef, n.Channel, n.TicketID, d.now().Add(-d.rateWindow))
		if err != nil {
			return failed(fmt.Sprintf("check rate limit: %v", err))
		}
		if recent {
			return models.NotificationOutcome{Status: models.NotificationSkippedRateLimited}
		}
	}

	msg, ok := Render(n, snap, address, d.siteURL)
	if !ok {
		return failed("no template for " + n.Kind + "/" + n.Channel)
	}
	delivery, err := d.sender.Send(ctx, msg)
	if err != nil {
		log.WithError(err).Warn("send failed")
		return failed(err.Error())
	}
	sentAt := d.now()
	return models.NotificationOutcome{Status: models.NotificationSent, ProviderID: delivery.ID, SentAt: &sentAt}
}

// complete records outcome on the claimed row, retrying transient store
// errors with a short backoff.
func (d *Dispatcher) complete(ctx context.Context, item models.Notification, outcome models.NotificationOutcome) models.NotificationOutcome {
	var err error
	for attempt := 1; ; attempt++ {
		err = d.store.CompleteNotification(ctx, item.NotificationID, outcome)
		if errors.Is(err, store.ErrDuplicateEvent) {
			outcome = models.NotificationOutcome{
				Status:     models.NotificationSkippedDuplicate,
				Error:      "already sent by a concurrent dispatcher",
				ProviderID: outcome.ProviderID,
			}
			err = d.store.CompleteNotification(ctx, item.NotificationID, outcome)
		}
		if err == nil || !errors.Is(err, store.ErrTransient) || attempt == completeAttempts {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(d.retryDelay * time.Duration(attempt)):
			continue
		}
		break
	}
	if err != nil {
		entry := d.log.WithError(err).WithField("notification_id", item.NotificationID)
		if outcome.Status == models.NotificationSent {
			entry.WithField("provider_id", outcome.ProviderID).Error("notification delivered but not recorded; a requeue will send it again")
		} else {
			entry.Error("complete notification failed")
		}
	}
	return outcome
}

// RequeueStale returns in-flight claims older than the claim timeout to the queue.
func (d *Dispatcher) RequeueStale(ctx context.Context) (int, error) {
	count, err := d.store.RequeueStale(ctx, d.now().Add(-d.claimTimeout))
	if err != nil {
		return 0, err
	}
	if count > 0 {
		d.log.WithField("count", count).Warn("requeued stale notifications")
	}
	return count, nil
}

func (d *Dispatcher) audit(ctx context.Context, n models.Notification, outcome models.NotificationOutcome) {
	message := fmt.Sprintf("%s %s %s", n.Kind, n.Channel, outcome.Status)
	metadata := map[string]any{
		"notification_id": n.NotificationID,
		"channel":         n.Channel,
		"kind":            n.Kind,
		"status":          outcome.Status,
	}
	if outcome.Error != "" {
		metadata["error"] = outcome.Error
	}
	if outcome.ProviderID != "" {
		metadata["provider_id"] = outcome.ProviderID
	}
	err := d.store.AppendAudit(ctx, models.AuditEntry{
		AuditID:      uuid.NewString(),
		EventType:    models.AuditNotification,
		RecipientRef: n.RecipientRef,
		TicketRef:    n.TicketID,
		Message:      message,
		Metadata:     metadata,
	})
	if err != nil {
		d.log.WithError(err).WithField("notification_id", n.NotificationID).Warn("audit append failed")
	}
}

func failed(reason string) models.NotificationOutcome {
	return models.NotificationOutcome{Status: models.NotificationFailed, Error: reason}
}
