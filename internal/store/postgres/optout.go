package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"ticketpay/internal/models"
	"ticketpay/internal/store"
)

// IsOptedOut and SetOptOut key rows by the E.164 form of phone.
func (s *Store) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	phone = models.NormalizePhone(phone)
	var optedOut bool
	err := s.pool.QueryRow(ctx, `SELECT opted_out FROM sms_opt_out WHERE phone = $1`, phone).Scan(&optedOut)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, store.Transient("check opt-out", err)
	}
	return optedOut, nil
}

// SetOptOut upserts the phone's state. A phone with no row is subscribed, so
// inserting a subscribed row is not a change.
func (s *Store) SetOptOut(ctx context.Context, phone string, optedOut bool) (bool, error) {
	phone = models.NormalizePhone(phone)
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sms_opt_out (phone, opted_out, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (phone) DO UPDATE
			SET opted_out = EXCLUDED.opted_out, updated_at = NOW()
			WHERE sms_opt_out.opted_out IS DISTINCT FROM EXCLUDED.opted_out
		RETURNING (xmax = 0)
	`, phone, optedOut).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, store.Transient("set opt-out", err)
	}
	if inserted && !optedOut {
		return false, nil
	}
	return true, nil
}
