package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"ticketpay/internal/models"
	"ticketpay/internal/store"
)

// recipientAccepts matches users that have an address on the channel and
// have not disabled it. It expects aliases u (users) and c (channel).
const recipientAccepts = `
	((c.channel = 'email' AND COALESCE(u.email, '') <> '' AND u.email_enabled)
	  OR (c.channel = 'sms' AND COALESCE(u.phone, '') <> '' AND u.sms_enabled))`

// noLiveKey excludes keys already queued, in flight or delivered.
const noLiveKey = `
	NOT EXISTS (
		SELECT 1 FROM notifications n
		WHERE n.recipient_ref = u.user_id::text
			AND n.ticket_id = t.ticket_id
			AND n.channel = c.channel
			AND n.kind = $2::text
			AND n.status IN ('queued', 'sending', 'sent')
	)`

func enqueueForTicket(ctx context.Context, q querier, ticketID, kind string, channels []string) (int, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO notifications (recipient_ref, ticket_id, channel, kind, status)
		SELECT u.user_id::text, t.ticket_id, c.channel, $2::text, 'queued'
		FROM tickets t
		JOIN users u ON u.user_id = t.user_id
		CROSS JOIN unnest($3::text[]) AS c(channel)
		WHERE t.ticket_id = $1
			AND `+recipientAccepts+`
			AND `+noLiveKey, ticketID, kind, channels)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) EnqueueForTicket(ctx context.Context, ticketNo, kind string) (int, error) {
	var ticketID string
	err := s.pool.QueryRow(ctx, `SELECT ticket_id FROM tickets WHERE ticket_no = $1`, ticketNo).Scan(&ticketID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrTicketNotFound
	}
	if err != nil {
		return 0, store.Transient("lookup ticket", err)
	}
	count, err := enqueueForTicket(ctx, s.pool, ticketID, kind, []string{models.ChannelEmail, models.ChannelSMS})
	if err != nil {
		return 0, store.Transient("enqueue notifications", err)
	}
	return count, nil
}

// EnqueueReminders queues kind for every payable ticket due on dueOn's date.
func (s *Store) EnqueueReminders(ctx context.Context, kind string, dueOn time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (recipient_ref, ticket_id, channel, kind, status)
		SELECT u.user_id::text, t.ticket_id, c.channel, $2::text, 'queued'
		FROM tickets t
		JOIN users u ON u.user_id = t.user_id
		CROSS JOIN (VALUES ('email'), ('sms')) AS c(channel)
		WHERE t.status IN ('open', 'pending_payment')
			AND t.due_at = $1::date
			AND `+recipientAccepts+`
			AND `+noLiveKey, dueOn.Format(time.DateOnly), kind)
	if err != nil {
		return 0, store.Transient("enqueue reminders", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ClaimQueued(ctx context.Context, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE notifications
		SET status = 'sending', claimed_at = NOW()
		WHERE notification_id IN (
			SELECT notification_id
			FROM notifications
			WHERE status = 'queued'
			ORDER BY created_at ASC, notification_id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING notification_id, recipient_ref, ticket_id, channel, kind, status, created_at, claimed_at
	`, limit)
	if err != nil {
		return nil, store.Transient("claim notifications", err)
	}
	defer rows.Close()

	var claimed []models.Notification
	for rows.Next() {
		var n models.Notification
		var claimedAt sql.NullTime
		if err := rows.Scan(&n.NotificationID, &n.RecipientRef, &n.TicketID, &n.Channel, &n.Kind, &n.Status, &n.CreatedAt, &claimedAt); err != nil {
			return nil, store.Transient("scan notification", err)
		}
		n.ClaimedAt = nullTimePtr(claimedAt)
		claimed = append(claimed, n)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Transient("claim notifications", err)
	}
	// RETURNING carries no order guarantee.
	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
		}
		return claimed[i].NotificationID < claimed[j].NotificationID
	})
	return claimed, nil
}

func (s *Store) HasSent(ctx context.Context, key models.NotificationKey) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notifications
			WHERE recipient_ref = $1 AND channel = $2 AND ticket_id = $3 AND kind = $4 AND status = 'sent'
		)
	`, key.RecipientRef, key.Channel, key.TicketID, key.Kind).Scan(&exists)
	if err != nil {
		return false, store.Transient("check sent", err)
	}
	return exists, nil
}

// SentSince is scoped per channel: email and SMS each get their own window.
func (s *Store) SentSince(ctx context.Context, recipientRef, channel, ticketID string, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notifications
			WHERE recipient_ref = $1 AND channel = $2 AND ticket_id = $3
				AND status = 'sent' AND sent_at >= $4
		)
	`, recipientRef, channel, ticketID, since).Scan(&exists)
	if err != nil {
		return false, store.Transient("check recent sends", err)
	}
	return exists, nil
}

func (s *Store) CompleteNotification(ctx context.Context, notificationID string, outcome models.NotificationOutcome) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET status = $2, error = $3, provider_id = $4, sent_at = $5
		WHERE notification_id = $1 AND status = 'sending'
	`, notificationID, outcome.Status, nullIfEmpty(outcome.Error), nullIfEmpty(outcome.ProviderID), outcome.SentAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("notification %s already sent: %w", notificationID, store.ErrDuplicateEvent)
	}
	if err != nil {
		return store.Transient("complete notification", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s not in flight: %w", notificationID, store.ErrInvalidState)
	}
	return nil
}

func (s *Store) RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'queued', claimed_at = NULL
		WHERE status = 'sending' AND claimed_at < $1
	`, claimedBefore)
	if err != nil {
		return 0, store.Transient("requeue stale notifications", err)
	}
	return int(tag.RowsAffected()), nil
}
