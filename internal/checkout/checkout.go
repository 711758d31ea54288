// Package checkout opens processor payment sessions for outstanding tickets.
package checkout

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"ticketpay/internal/metrics"
	"ticketpay/internal/models"
	"ticketpay/internal/processor"
	"ticketpay/internal/store"
)

type SessionCreator interface {
	CreateSession(ctx context.Context, req processor.SessionRequest) (processor.Session, error)
}

type Request struct {
	TicketNo      string
	CustomerEmail string
}

type Result struct {
	TicketNo       string `json:"ticket_no"`
	SessionID      string `json:"session_id"`
	URL            string `json:"url"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
}

type Orchestrator struct {
	store    store.CheckoutStore
	sessions SessionCreator
	log      logrus.FieldLogger
}

func NewOrchestrator(st store.CheckoutStore, sessions SessionCreator, logger logrus.FieldLogger) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{store: st, sessions: sessions, log: logger.WithField("component", "checkout")}
}

// IdempotencyKey derives the processor key from the ticket and what is still
// owed, so a retry reuses the session and a partial payment gets a new one.
func IdempotencyKey(ticketID string, remainingCents int64) string {
	return fmt.Sprintf("checkout-%s-%d", ticketID, remainingCents)
}

func (o *Orchestrator) Start(ctx context.Context, req Request) (Result, error) {
	ctx, span := otel.Tracer("ticketpay/checkout").Start(ctx, "checkout.start")
	defer span.End()

	ticketNo := strings.TrimSpace(req.TicketNo)
	if ticketNo == "" {
		return Result{}, store.Validation("ticket_no is required")
	}
	span.SetAttributes(attribute.String("ticket_no", ticketNo))

	snap, err := o.store.GetTicketSnapshotByNo(ctx, ticketNo)
	if err != nil {
		return Result{}, err
	}
	balance := snap.Balance
	remaining := balance.RemainingCents()
	if remaining <= 0 || !store.ValidTransition("checkout", balance.Status) {
		metrics.CheckoutSessions.WithLabelValues("settled").Inc()
		return Result{}, fmt.Errorf("ticket %s is %s with %d cents remaining: %w", ticketNo, balance.Status, remaining, store.ErrAlreadySettled)
	}

	email := strings.TrimSpace(req.CustomerEmail)
	if email == "" {
		email = snap.Recipient.Email
	}
	key := IdempotencyKey(balance.TicketID, remaining)
	session, err := o.sessions.CreateSession(ctx, processor.SessionRequest{
		AmountCents:    remaining,
		IdempotencyKey: key,
		TicketNo:       balance.TicketNo,
		Description:    "Ticket " + balance.TicketNo,
		CustomerEmail:  email,
	})
	if err != nil {
		metrics.CheckoutSessions.WithLabelValues("error").Inc()
		span.RecordError(err)
		return Result{}, err
	}

	status := balance.Status
	moved, err := o.store.MarkPendingPayment(ctx, balance.TicketID)
	if err != nil {
		// The session exists; the advisory status can lag without harm.
		o.log.WithError(err).WithField("ticket_no", ticketNo).Warn("mark pending payment failed")
	} else if moved {
		status = models.StatusPendingPayment
	}

	if err := o.store.AppendAudit(ctx, models.AuditEntry{
		EventType:    models.AuditCheckoutCreated,
		RecipientRef: snap.Recipient.UserID,
		TicketRef:    balance.TicketNo,
		Message:      "checkout session created",
		Metadata: map[string]any{
			"session_id":      session.ID,
			"amount_cents":    remaining,
			"idempotency_key": key,
		},
	}); err != nil {
		o.log.WithError(err).WithField("ticket_no", ticketNo).Warn("audit append failed")
	}

	metrics.CheckoutSessions.WithLabelValues("created").Inc()
	o.log.WithFields(logrus.Fields{
		"ticket_no":    ticketNo,
		"session_id":   session.ID,
		"amount_cents": remaining,
	}).Info("checkout session created")

	return Result{
		TicketNo:       balance.TicketNo,
		SessionID:      session.ID,
		URL:            session.URL,
		AmountCents:    remaining,
		IdempotencyKey: key,
		Status:         status,
	}, nil
}
