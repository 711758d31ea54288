package postgres

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"ticketpay/internal/models"
	"ticketpay/internal/store"
)

func (s *Store) AppendAudit(ctx context.Context, entry models.AuditEntry) error {
	if entry.AuditID == "" {
		entry.AuditID = uuid.NewString()
	}
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (audit_id, event_type, recipient_ref, ticket_ref, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.AuditID, entry.EventType, nullIfEmpty(entry.RecipientRef), nullIfEmpty(entry.TicketRef), entry.Message, payload)
	if err != nil {
		return store.Transient("append audit", err)
	}
	return nil
}
