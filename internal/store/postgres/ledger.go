package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ticketpay/internal/models"
	"ticketpay/internal/store"
)

func (s *Store) WithTicketLock(ctx context.Context, ticketNo string, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT ticket_id, ticket_no, COALESCE(user_id::text, ''), COALESCE(plate, ''),
				balance_cents, status, due_at, created_at, updated_at
			FROM tickets
			WHERE ticket_no = $1
			FOR UPDATE
		`, ticketNo)
		ticket, err := scanTicket(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTicketNotFound
		}
		if err != nil {
			return store.Transient("lock ticket", err)
		}
		return fn(ctx, &ledgerTx{tx: tx, ticket: ticket})
	})
}

type ledgerTx struct {
	tx     pgx.Tx
	ticket models.Ticket
}

func (l *ledgerTx) Ticket() models.Ticket { return l.ticket }

func (l *ledgerTx) PaidCents(ctx context.Context) (int64, error) {
	paid, err := paidCents(ctx, l.tx, l.ticket.TicketID)
	if err != nil {
		return 0, store.Transient("sum payments", err)
	}
	return paid, nil
}

func (l *ledgerTx) PaymentExists(ctx context.Context, processor, externalID string) (bool, error) {
	var exists bool
	err := l.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payments WHERE processor = $1 AND external_id = $2)
	`, processor, externalID).Scan(&exists)
	if err != nil {
		return false, store.Transient("check payment", err)
	}
	return exists, nil
}

func (l *ledgerTx) InsertPayment(ctx context.Context, payment models.Payment) (models.Payment, error) {
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}
	payment.TicketID = l.ticket.TicketID
	err := l.tx.QueryRow(ctx, `
		INSERT INTO payments (payment_id, ticket_id, processor, amount_cents, status, external_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, payment.PaymentID, payment.TicketID, payment.Processor, payment.AmountCents, payment.Status, payment.ExternalID).Scan(&payment.CreatedAt)
	if isUniqueViolation(err) {
		return models.Payment{}, fmt.Errorf("payment %s/%s: %w", payment.Processor, payment.ExternalID, store.ErrDuplicateEvent)
	}
	if err != nil {
		return models.Payment{}, store.Transient("insert payment", err)
	}
	return payment, nil
}

func (l *ledgerTx) SetStatus(ctx context.Context, status string) error {
	_, err := l.tx.Exec(ctx, `
		UPDATE tickets SET status = $2, updated_at = NOW() WHERE ticket_id = $1
	`, l.ticket.TicketID, status)
	if err != nil {
		return store.Transient("update ticket status", err)
	}
	l.ticket.Status = status
	return nil
}

func (l *ledgerTx) EnqueueNotifications(ctx context.Context, kind string, channels []string) (int, error) {
	count, err := enqueueForTicket(ctx, l.tx, l.ticket.TicketID, kind, channels)
	if err != nil {
		return 0, store.Transient("enqueue notifications", err)
	}
	return count, nil
}

func (s *Store) GetTicketSnapshot(ctx context.Context, ticketID string) (models.TicketSnapshot, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return models.TicketSnapshot{}, store.ErrTicketNotFound
	}
	return s.snapshot(ctx, "t.ticket_id = $1", ticketID)
}

func (s *Store) GetTicketSnapshotByNo(ctx context.Context, ticketNo string) (models.TicketSnapshot, error) {
	return s.snapshot(ctx, "t.ticket_no = $1", ticketNo)
}

func (s *Store) snapshot(ctx context.Context, where string, arg string) (models.TicketSnapshot, error) {
	var (
		snap     models.TicketSnapshot
		ticket   models.Ticket
		dueAt    sql.NullTime
		email    string
		phone    string
		userID   string
		emailOK  sql.NullBool
		smsOK    sql.NullBool
		paidSums int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT t.ticket_id, t.ticket_no, COALESCE(t.user_id::text, ''), COALESCE(t.plate, ''),
			t.balance_cents, t.status, t.due_at, t.created_at, t.updated_at,
			COALESCE((
				SELECT SUM(p.amount_cents) FROM payments p
				WHERE p.ticket_id = t.ticket_id AND p.status = 'succeeded'
			), 0)::bigint,
			COALESCE(u.user_id::text, ''), COALESCE(u.email, ''), COALESCE(u.phone, ''),
			u.email_enabled, u.sms_enabled
		FROM tickets t
		LEFT JOIN users u ON u.user_id = t.user_id
		WHERE `+where, arg).Scan(
		&ticket.TicketID, &ticket.TicketNo, &ticket.UserID, &ticket.Plate,
		&ticket.BalanceCents, &ticket.Status, &dueAt, &ticket.CreatedAt, &ticket.UpdatedAt,
		&paidSums,
		&userID, &email, &phone, &emailOK, &smsOK,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TicketSnapshot{}, store.ErrTicketNotFound
	}
	if err != nil {
		return models.TicketSnapshot{}, store.Transient("load ticket", err)
	}
	ticket.DueAt = nullTimePtr(dueAt)
	snap.Balance = models.TicketBalance{Ticket: ticket, PaidCents: paidSums}
	snap.Recipient = models.Recipient{
		UserID:       userID,
		Email:        email,
		Phone:        phone,
		EmailEnabled: emailOK.Valid && emailOK.Bool,
		SMSEnabled:   smsOK.Valid && smsOK.Bool,
	}
	return snap, nil
}

func (s *Store) MarkPendingPayment(ctx context.Context, ticketID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tickets SET status = 'pending_payment', updated_at = NOW()
		WHERE ticket_id = $1 AND status = 'open'
	`, ticketID)
	if err != nil {
		return false, store.Transient("mark pending payment", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var dueAt sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.TicketNo, &ticket.UserID, &ticket.Plate,
		&ticket.BalanceCents, &ticket.Status, &dueAt, &ticket.CreatedAt, &ticket.UpdatedAt); err != nil {
		return models.Ticket{}, err
	}
	ticket.DueAt = nullTimePtr(dueAt)
	return ticket, nil
}

func paidCents(ctx context.Context, q querier, ticketID string) (int64, error) {
	var paid int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)::bigint
		FROM payments
		WHERE ticket_id = $1 AND status = 'succeeded'
	`, ticketID).Scan(&paid)
	return paid, err
}
