package models

import "time"

type Notification struct {
	NotificationID string     `json:"notification_id"`
	RecipientRef   string     `json:"recipient_ref"`
	TicketID       string     `json:"ticket_id"`
	Channel        string     `json:"channel"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	ProviderID     string     `json:"provider_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
}

// NotificationKey identifies the logical message; at most one may be sent per key.
type NotificationKey struct {
	RecipientRef string
	Channel      string
	TicketID     string
	Kind         string
}

func (n Notification) Key() NotificationKey {
	return NotificationKey{
		RecipientRef: n.RecipientRef,
		Channel:      n.Channel,
		TicketID:     n.TicketID,
		Kind:         n.Kind,
	}
}

// NotificationOutcome is the terminal state written back for a claimed row.
type NotificationOutcome struct {
	Status     string
	Error      string
	ProviderID string
	SentAt     *time.Time
}

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

const (
	KindNew         = "new"
	KindReminder72h = "reminder_72h"
	KindDue         = "due"
	KindPaid        = "paid"
)

const (
	NotificationQueued             = "queued"
	NotificationSending            = "sending"
	NotificationSent               = "sent"
	NotificationFailed             = "failed"
	NotificationOptedOut           = "opted_out"
	NotificationSkippedRateLimited = "skipped_rate_limited"
	NotificationSkippedDuplicate   = "skipped_duplicate"
	NotificationSkippedStale       = "skipped_stale"
)

// IsReminderKind reports whether kind only makes sense while the ticket is payable.
func IsReminderKind(kind string) bool {
	return kind == KindNew || kind == KindReminder72h || kind == KindDue
}
