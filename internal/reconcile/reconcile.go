// Package reconcile turns processor payment confirmations into ledger entries.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"ticketpay/internal/ledger"
	"ticketpay/internal/metrics"
	"ticketpay/internal/models"
	"ticketpay/internal/store"
)

const (
	OutcomeApplied       = ledger.OutcomeApplied
	OutcomeDuplicate     = ledger.OutcomeDuplicate
	OutcomeIgnored       = "ignored"
	OutcomeUnknownTicket = "unknown_ticket"
)

type Verifier interface {
	Verify(payload []byte, header string) error
}

type Applier interface {
	Apply(ctx context.Context, input ledger.ApplyInput) (ledger.ApplyResult, error)
}

type Result struct {
	Outcome        string `json:"outcome"`
	EventID        string `json:"event_id,omitempty"`
	TicketNo       string `json:"ticket_no,omitempty"`
	ChargedCents   int64  `json:"charged_cents"`
	RemainingCents int64  `json:"remaining_cents"`
	Status         string `json:"status,omitempty"`
}

type Handler struct {
	ledger   Applier
	audit    store.AuditLog
	verifier Verifier
	log      logrus.FieldLogger
}

type Options struct {
	Logger logrus.FieldLogger
}

func NewHandler(applier Applier, audit store.AuditLog, verifier Verifier, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		ledger:   applier,
		audit:    audit,
		verifier: verifier,
		log:      logger.WithField("component", "reconcile"),
	}
}

// Handle authenticates and applies one confirmation. Nothing is parsed before
// the signature checks out. Acknowledged outcomes return a nil error; a
// transient store failure is returned so the processor redelivers.
func (h *Handler) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	ctx, span := otel.Tracer("ticketpay/reconcile").Start(ctx, "reconcile.handle")
	defer span.End()

	if err := h.verifier.Verify(payload, signature); err != nil {
		metrics.ReconcileEvents.WithLabelValues("invalid_signature").Inc()
		h.log.Warn("payment confirmation rejected: bad signature")
		return Result{}, store.ErrInvalidSignature
	}

	event, err := ParseEvent(payload)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("event.id", event.ID), attribute.String("event.type", event.Type))
	log := h.log.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.Type})

	if !event.Actionable() {
		metrics.ReconcileEvents.WithLabelValues(OutcomeIgnored).Inc()
		log.Debug("payment confirmation ignored")
		return Result{Outcome: OutcomeIgnored, EventID: event.ID}, nil
	}
	confirmation, ok := event.Confirmation()
	if !ok {
		metrics.ReconcileEvents.WithLabelValues(OutcomeIgnored).Inc()
		h.appendAudit(ctx, models.AuditEntry{
			EventType: models.AuditPaymentIgnored,
			Message:   "confirmation without ticket reference",
			Metadata:  map[string]any{"event_id": event.ID, "object_id": event.Data.Object.ID},
		})
		return Result{Outcome: OutcomeIgnored, EventID: event.ID}, nil
	}
	span.SetAttributes(attribute.String("ticket_no", confirmation.TicketNo))
	log = log.WithField("ticket_no", confirmation.TicketNo)

	applied, err := h.ledger.Apply(ctx, ledger.ApplyInput{
		TicketNo:    confirmation.TicketNo,
		Processor:   models.ProcessorStripe,
		ExternalID:  confirmation.ExternalID,
		AmountCents: confirmation.AmountCents,
	})
	if errors.Is(err, store.ErrTicketNotFound) {
		metrics.ReconcileEvents.WithLabelValues(OutcomeUnknownTicket).Inc()
		log.Warn("payment confirmation for unknown ticket")
		h.appendAudit(ctx, models.AuditEntry{
			EventType: models.AuditPaymentUnknownTicket,
			TicketRef: confirmation.TicketNo,
			Message:   "confirmation for unknown ticket",
			Metadata: map[string]any{
				"event_id":     event.ID,
				"external_id":  confirmation.ExternalID,
				"amount_cents": confirmation.AmountCents,
			},
		})
		return Result{Outcome: OutcomeUnknownTicket, EventID: event.ID, TicketNo: confirmation.TicketNo}, nil
	}
	if err != nil {
		metrics.ReconcileEvents.WithLabelValues("error").Inc()
		span.RecordError(err)
		log.WithError(err).Error("payment confirmation failed")
		return Result{}, fmt.Errorf("apply confirmation %s: %w", event.ID, err)
	}

	metrics.ReconcileEvents.WithLabelValues(applied.Outcome).Inc()
	if applied.Outcome == ledger.OutcomeApplied {
		metrics.ReconciledCents.Add(float64(applied.ChargedCents))
	}
	log.WithFields(logrus.Fields{
		"outcome":         applied.Outcome,
		"charged_cents":   applied.ChargedCents,
		"remaining_cents": applied.RemainingCents,
		"status":          applied.Status,
	}).Info("payment confirmation processed")

	return Result{
		Outcome:        applied.Outcome,
		EventID:        event.ID,
		TicketNo:       confirmation.TicketNo,
		ChargedCents:   applied.ChargedCents,
		RemainingCents: applied.RemainingCents,
		Status:         applied.Status,
	}, nil
}

func (h *Handler) appendAudit(ctx context.Context, entry models.AuditEntry) {
	if h.audit == nil {
		return
	}
	if err := h.audit.AppendAudit(ctx, entry); err != nil {
		h.log.WithError(err).WithField("event_type", entry.EventType).Warn("audit append failed")
	}
}
