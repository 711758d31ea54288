// Package ledger applies money movements to a ticket under its row lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"ticketpay/internal/models"
	"ticketpay/internal/store"
)

const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
)

type ApplyInput struct {
	TicketNo    string
	Processor   string
	ExternalID  string
	AmountCents int64
	// RejectSettled fails with ErrAlreadySettled instead of recording a
	// zero charge against a ticket with nothing left to pay.
	RejectSettled bool
}

type ApplyResult struct {
	Outcome             string         `json:"outcome"`
	TicketNo            string         `json:"ticket_no"`
	Status              string         `json:"status"`
	RequestedCents      int64          `json:"requested_cents"`
	ChargedCents        int64          `json:"charged_cents"`
	PaidCents           int64          `json:"paid_cents"`
	RemainingCents      int64          `json:"remaining_cents"`
	Settled             bool           `json:"settled"`
	NotificationsQueued int            `json:"notifications_queued"`
	Payment             models.Payment `json:"payment"`
}

type RefundInput struct {
	TicketNo  string
	RequestID string
	// AmountCents of zero refunds everything paid.
	AmountCents int64
	Reason      string
}

type RefundResult struct {
	Outcome       string `json:"outcome"`
	TicketNo      string `json:"ticket_no"`
	Status        string `json:"status"`
	RefundedCents int64  `json:"refunded_cents"`
	PaidCents     int64  `json:"paid_cents"`
}

type VoidInput struct {
	TicketNo  string
	RequestID string
	Reason    string
}

type Options struct {
	Logger logrus.FieldLogger
	// ReceiptChannels are the channels a paid receipt is queued on.
	ReceiptChannels []string
}

type Service struct {
	ledger          store.Ledger
	audit           store.AuditLog
	log             logrus.FieldLogger
	receiptChannels []string
}

func NewService(ledger store.Ledger, audit store.AuditLog, options Options) *Service {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	channels := options.ReceiptChannels
	if len(channels) == 0 {
		channels = []string{models.ChannelEmail}
	}
	return &Service{
		ledger:          ledger,
		audit:           audit,
		log:             logger.WithField("component", "ledger"),
		receiptChannels: channels,
	}
}

// Clamp returns the part of amount that still fits under remaining.
func Clamp(amount, remaining int64) int64 {
	if remaining < 0 {
		remaining = 0
	}
	if amount < 0 {
		return 0
	}
	if amount < remaining {
		return amount
	}
	return remaining
}

// Apply records a succeeded payment against a ticket. Replaying the same
// (processor, external id) is a no-op that reports OutcomeDuplicate.
func (s *Service) Apply(ctx context.Context, input ApplyInput) (ApplyResult, error) {
	input.TicketNo = strings.TrimSpace(input.TicketNo)
	input.ExternalID = strings.TrimSpace(input.ExternalID)
	switch {
	case input.TicketNo == "":
		return ApplyResult{}, store.Validation("ticket_no is required")
	case input.Processor == "":
		return ApplyResult{}, store.Validation("processor is required")
	case input.ExternalID == "":
		return ApplyResult{}, store.Validation("external_id is required")
	case input.AmountCents < 0:
		return ApplyResult{}, store.Validation("amount_cents must not be negative")
	}

	result := ApplyResult{TicketNo: input.TicketNo, RequestedCents: input.AmountCents}
	err := s.ledger.WithTicketLock(ctx, input.TicketNo, func(ctx context.Context, tx store.LedgerTx) error {
		ticket := tx.Ticket()
		result.Status = ticket.Status

		exists, err := tx.PaymentExists(ctx, input.Processor, input.ExternalID)
		if err != nil {
			return err
		}
		paid, err := tx.PaidCents(ctx)
		if err != nil {
			return err
		}
		if exists {
			result.Outcome = OutcomeDuplicate
			result.PaidCents = paid
			result.RemainingCents = ticket.BalanceCents - paid
			return nil
		}

		remaining := ticket.BalanceCents - paid
		if input.RejectSettled && (remaining <= 0 || !models.IsPayable(ticket.Status)) {
			return store.ErrAlreadySettled
		}
		charge := Clamp(input.AmountCents, remaining)
		payment, err := tx.InsertPayment(ctx, models.Payment{
			Processor:   input.Processor,
			AmountCents: charge,
			Status:      models.PaymentSucceeded,
			ExternalID:  input.ExternalID,
		})
		if err != nil {
			return err
		}

		result.Outcome = OutcomeApplied
		result.Payment = payment
		result.ChargedCents = charge
		result.PaidCents = paid + charge
		result.RemainingCents = remaining - charge

		if result.RemainingCents <= 0 && store.ValidTransition("settle", ticket.Status) {
			if err := tx.SetStatus(ctx, models.StatusPaid); err != nil {
				return err
			}
			queued, err := tx.EnqueueNotifications(ctx, models.KindPaid, s.receiptChannels)
			if err != nil {
				return err
			}
			result.Status = models.StatusPaid
			result.Settled = true
			result.NotificationsQueued = queued
		}
		return nil
	})
	if errors.Is(err, store.ErrDuplicateEvent) {
		// The external id landed in another transaction first.
		result = ApplyResult{Outcome: OutcomeDuplicate, TicketNo: input.TicketNo, RequestedCents: input.AmountCents}
		err = nil
	}
	if err != nil {
		return ApplyResult{}, err
	}

	eventType := models.AuditPaymentReconciled
	if input.Processor == models.ProcessorManual {
		eventType = models.AuditPaymentManual
	}
	if result.Outcome == OutcomeDuplicate {
		eventType = models.AuditPaymentDuplicate
	}
	s.appendAudit(ctx, models.AuditEntry{
		EventType: eventType,
		TicketRef: input.TicketNo,
		Message:   fmt.Sprintf("%s payment %s: %s", input.Processor, input.ExternalID, result.Outcome),
		Metadata: map[string]any{
			"processor":       input.Processor,
			"external_id":     input.ExternalID,
			"requested_cents": result.RequestedCents,
			"charged_cents":   result.ChargedCents,
			"remaining_cents": result.RemainingCents,
			"status":          result.Status,
			"clamped":         result.Outcome == OutcomeApplied && result.ChargedCents < result.RequestedCents,
		},
	})
	return result, nil
}

// Refund appends a negative ledger entry and marks the ticket refunded. A void
// or already refunded ticket keeps its status; only the money moves.
func (s *Service) Refund(ctx context.Context, input RefundInput) (RefundResult, error) {
	input.TicketNo = strings.TrimSpace(input.TicketNo)
	switch {
	case input.TicketNo == "":
		return RefundResult{}, store.Validation("ticket_no is required")
	case input.RequestID == "":
		return RefundResult{}, store.Validation("request_id is required")
	case input.AmountCents < 0:
		return RefundResult{}, store.Validation("amount_cents must not be negative")
	}

	result := RefundResult{TicketNo: input.TicketNo}
	err := s.ledger.WithTicketLock(ctx, input.TicketNo, func(ctx context.Context, tx store.LedgerTx) error {
		ticket := tx.Ticket()
		exists, err := tx.PaymentExists(ctx, models.ProcessorRefund, input.RequestID)
		if err != nil {
			return err
		}
		paid, err := tx.PaidCents(ctx)
		if err != nil {
			return err
		}
		if exists {
			result.Outcome = OutcomeDuplicate
			result.Status = ticket.Status
			result.PaidCents = paid
			return nil
		}
		if !store.ValidTransition("refund", ticket.Status) {
			return fmt.Errorf("refund from %s: %w", ticket.Status, store.ErrInvalidState)
		}
		if paid <= 0 {
			return fmt.Errorf("nothing paid to refund: %w", store.ErrInvalidState)
		}
		amount := input.AmountCents
		if amount == 0 {
			amount = paid
		}
		if amount > paid {
			return store.Validation("refund of %d exceeds paid %d", amount, paid)
		}
		if _, err := tx.InsertPayment(ctx, models.Payment{
			Processor:   models.ProcessorRefund,
			AmountCents: -amount,
			Status:      models.PaymentSucceeded,
			ExternalID:  input.RequestID,
		}); err != nil {
			return err
		}
		status := ticket.Status
		if status != models.StatusVoid && status != models.StatusRefunded {
			status = models.StatusRefunded
			if err := tx.SetStatus(ctx, status); err != nil {
				return err
			}
		}
		result.Outcome = OutcomeApplied
		result.Status = status
		result.RefundedCents = amount
		result.PaidCents = paid - amount
		return nil
	})
	if errors.Is(err, store.ErrDuplicateEvent) {
		return RefundResult{Outcome: OutcomeDuplicate, TicketNo: input.TicketNo}, nil
	}
	if err != nil {
		return RefundResult{}, err
	}
	if result.Outcome == OutcomeApplied {
		s.appendAudit(ctx, models.AuditEntry{
			EventType: models.AuditTicketRefunded,
			TicketRef: input.TicketNo,
			Message:   fmt.Sprintf("refunded %d cents", result.RefundedCents),
			Metadata: map[string]any{
				"request_id":     input.RequestID,
				"refunded_cents": result.RefundedCents,
				"reason":         input.Reason,
			},
		})
	}
	return result, nil
}

// Void cancels an unpaid ticket. Voiding a void ticket returns it unchanged.
func (s *Service) Void(ctx context.Context, input VoidInput) (models.Ticket, error) {
	input.TicketNo = strings.TrimSpace(input.TicketNo)
	if input.TicketNo == "" {
		return models.Ticket{}, store.Validation("ticket_no is required")
	}

	var (
		ticket  models.Ticket
		changed bool
	)
	err := s.ledger.WithTicketLock(ctx, input.TicketNo, func(ctx context.Context, tx store.LedgerTx) error {
		ticket = tx.Ticket()
		if ticket.Status == models.StatusVoid {
			return nil
		}
		if !store.ValidTransition("void", ticket.Status) {
			return fmt.Errorf("void from %s: %w", ticket.Status, store.ErrInvalidState)
		}
		paid, err := tx.PaidCents(ctx)
		if err != nil {
			return err
		}
		if paid > 0 {
			return fmt.Errorf("ticket has %d cents paid, refund first: %w", paid, store.ErrInvalidState)
		}
		if err := tx.SetStatus(ctx, models.StatusVoid); err != nil {
			return err
		}
		ticket.Status = models.StatusVoid
		changed = true
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	if changed {
		s.appendAudit(ctx, models.AuditEntry{
			EventType: models.AuditTicketVoided,
			TicketRef: input.TicketNo,
			Message:   "ticket voided",
			Metadata:  map[string]any{"request_id": input.RequestID, "reason": input.Reason},
		})
	}
	return ticket, nil
}

// appendAudit runs after commit; a failure is logged and never undoes the mutation.
func (s *Service) appendAudit(ctx context.Context, entry models.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.AppendAudit(ctx, entry); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"event_type": entry.EventType,
			"ticket_no":  entry.TicketRef,
		}).Warn("audit append failed")
	}
}
