package store

import (
	"context"
	"time"

	"ticketpay/internal/models"
)

// LedgerTx is one ticket held under its row lock. Every read and write goes
// through the same transaction; nothing is visible to others until the
// closure passed to WithTicketLock returns nil.
type LedgerTx interface {
	Ticket() models.Ticket
	PaidCents(ctx context.Context) (int64, error)
	PaymentExists(ctx context.Context, processor, externalID string) (bool, error)
	InsertPayment(ctx context.Context, payment models.Payment) (models.Payment, error)
	SetStatus(ctx context.Context, status string) error
	// EnqueueNotifications queues kind on each channel the ticket's recipient
	// accepts, skipping keys already queued, sending or sent.
	EnqueueNotifications(ctx context.Context, kind string, channels []string) (int, error)
}

type Ledger interface {
	// WithTicketLock runs fn inside a transaction holding the ticket's row
	// lock. ErrTicketNotFound is returned when ticketNo does not exist.
	WithTicketLock(ctx context.Context, ticketNo string, fn func(ctx context.Context, tx LedgerTx) error) error
}

type TicketReader interface {
	GetTicketSnapshot(ctx context.Context, ticketID string) (models.TicketSnapshot, error)
	GetTicketSnapshotByNo(ctx context.Context, ticketNo string) (models.TicketSnapshot, error)
}

type CheckoutStore interface {
	TicketReader
	AuditLog
	// MarkPendingPayment moves an open ticket to pending_payment. It reports
	// false when the ticket was not open.
	MarkPendingPayment(ctx context.Context, ticketID string) (bool, error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry models.AuditEntry) error
}

type NotificationStore interface {
	// ClaimQueued atomically moves up to limit queued rows to sending and
	// returns them oldest first.
	ClaimQueued(ctx context.Context, limit int) ([]models.Notification, error)
	HasSent(ctx context.Context, key models.NotificationKey) (bool, error)
	// SentSince reports a sent notification for the recipient and ticket on
	// the same channel since the given time. Channels are counted apart so an
	// email receipt never holds back the SMS that carries the STOP and HELP
	// keywords, and the reverse.
	SentSince(ctx context.Context, recipientRef, channel, ticketID string, since time.Time) (bool, error)
	CompleteNotification(ctx context.Context, notificationID string, outcome models.NotificationOutcome) error
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error)
	EnqueueReminders(ctx context.Context, kind string, dueOn time.Time) (int, error)
	EnqueueForTicket(ctx context.Context, ticketNo, kind string) (int, error)
}

type OptOutStore interface {
	IsOptedOut(ctx context.Context, phone string) (bool, error)
	// SetOptOut records the state for phone and reports whether it changed.
	SetOptOut(ctx context.Context, phone string, optedOut bool) (bool, error)
}
