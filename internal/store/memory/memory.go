// Package memory is an in-process implementation of the store contracts.
// It backs unit tests and local runs without Postgres; the per-ticket mutex
// stands in for the row lock.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ticketpay/internal/models"
	"ticketpay/internal/store"
)

type Store struct {
	mu            sync.Mutex
	locks         map[string]*sync.Mutex
	users         map[string]models.Recipient
	tickets       map[string]models.Ticket
	byNo          map[string]string
	payments      []models.Payment
	notifications []models.Notification
	optOuts       map[string]models.OptOut
	audit         []models.AuditEntry
	now           func() time.Time
}

func New() *Store {
	return &Store{
		locks:   make(map[string]*sync.Mutex),
		users:   make(map[string]models.Recipient),
		tickets: make(map[string]models.Ticket),
		byNo:    make(map[string]string),
		optOuts: make(map[string]models.OptOut),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) AddUser(recipient models.Recipient) models.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if recipient.UserID == "" {
		recipient.UserID = uuid.NewString()
	}
	s.users[recipient.UserID] = recipient
	return recipient
}

func (s *Store) AddTicket(ticket models.Ticket) models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket.TicketID == "" {
		ticket.TicketID = uuid.NewString()
	}
	if ticket.Status == "" {
		ticket.Status = models.StatusOpen
	}
	now := s.now()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	s.tickets[ticket.TicketID] = ticket
	s.byNo[ticket.TicketNo] = ticket.TicketID
	s.locks[ticket.TicketID] = &sync.Mutex{}
	return ticket
}

func (s *Store) AddPayment(payment models.Payment) models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}
	payment.CreatedAt = s.now()
	s.payments = append(s.payments, payment)
	return payment
}

// AddNotification inserts a row as-is; an empty status means queued.
func (s *Store) AddNotification(n models.Notification) models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.NotificationID == "" {
		n.NotificationID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = models.NotificationQueued
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	s.notifications = append(s.notifications, n)
	return n
}

func (s *Store) Ticket(ticketNo string) (models.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byNo[ticketNo]
	if !ok {
		return models.Ticket{}, false
	}
	return s.tickets[id], true
}

func (s *Store) Payments(ticketID string) []models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Payment
	for _, p := range s.payments {
		if p.TicketID == ticketID {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Notification(nil), s.notifications...)
}

func (s *Store) AuditEntries() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry(nil), s.audit...)
}

func (s *Store) WithTicketLock(ctx context.Context, ticketNo string, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	s.mu.Lock()
	id, ok := s.byNo[ticketNo]
	lock := s.locks[id]
	s.mu.Unlock()
	if !ok {
		return store.ErrTicketNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	tx := &ledgerTx{store: s, ticket: s.tickets[id]}
	s.mu.Unlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *ledgerTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range tx.payments {
		if s.paymentExistsLocked(p.Processor, p.ExternalID) {
			return store.ErrDuplicateEvent
		}
	}
	s.payments = append(s.payments, tx.payments...)
	s.notifications = append(s.notifications, tx.notifications...)
	if tx.statusChanged {
		ticket := s.tickets[tx.ticket.TicketID]
		ticket.Status = tx.ticket.Status
		ticket.UpdatedAt = s.now()
		s.tickets[ticket.TicketID] = ticket
	}
	return nil
}

func (s *Store) paymentExistsLocked(processor, externalID string) bool {
	for _, p := range s.payments {
		if p.Processor == processor && p.ExternalID == externalID {
			return true
		}
	}
	return false
}

func (s *Store) paidLocked(ticketID string) int64 {
	var total int64
	for _, p := range s.payments {
		if p.TicketID == ticketID && p.Status == models.PaymentSucceeded {
			total += p.AmountCents
		}
	}
	return total
}

func (s *Store) liveKeyLocked(key models.NotificationKey, extra []models.Notification) bool {
	for _, list := range [][]models.Notification{s.notifications, extra} {
		for _, n := range list {
			if n.Key() != key {
				continue
			}
			switch n.Status {
			case models.NotificationQueued, models.NotificationSending, models.NotificationSent:
				return true
			}
		}
	}
	return false
}

// enqueueLocked builds queued rows for ticket on the accepted channels.
// The caller stores them.
func (s *Store) enqueueLocked(ticket models.Ticket, kind string, channels []string, pending []models.Notification) []models.Notification {
	recipient, ok := s.users[ticket.UserID]
	if !ok {
		return nil
	}
	var out []models.Notification
	for _, channel := range channels {
		address, enabled := recipient.Address(channel)
		if address == "" || !enabled {
			continue
		}
		key := models.NotificationKey{RecipientRef: recipient.UserID, Channel: channel, TicketID: ticket.TicketID, Kind: kind}
		if s.liveKeyLocked(key, append(pending, out...)) {
			continue
		}
		out = append(out, models.Notification{
			NotificationID: uuid.NewString(),
			RecipientRef:   recipient.UserID,
			TicketID:       ticket.TicketID,
			Channel:        channel,
			Kind:           kind,
			Status:         models.NotificationQueued,
			CreatedAt:      s.now(),
		})
	}
	return out
}

type ledgerTx struct {
	store         *Store
	ticket        models.Ticket
	statusChanged bool
	payments      []models.Payment
	notifications []models.Notification
}

func (tx *ledgerTx) Ticket() models.Ticket { return tx.ticket }

func (tx *ledgerTx) PaidCents(ctx context.Context) (int64, error) {
	tx.store.mu.Lock()
	total := tx.store.paidLocked(tx.ticket.TicketID)
	tx.store.mu.Unlock()
	for _, p := range tx.payments {
		if p.Status == models.PaymentSucceeded {
			total += p.AmountCents
		}
	}
	return total, nil
}

func (tx *ledgerTx) PaymentExists(ctx context.Context, processor, externalID string) (bool, error) {
	for _, p := range tx.payments {
		if p.Processor == processor && p.ExternalID == externalID {
			return true, nil
		}
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	return tx.store.paymentExistsLocked(processor, externalID), nil
}

func (tx *ledgerTx) InsertPayment(ctx context.Context, payment models.Payment) (models.Payment, error) {
	exists, _ := tx.PaymentExists(ctx, payment.Processor, payment.ExternalID)
	if exists {
		return models.Payment{}, store.ErrDuplicateEvent
	}
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}
	payment.TicketID = tx.ticket.TicketID
	tx.store.mu.Lock()
	payment.CreatedAt = tx.store.now()
	tx.store.mu.Unlock()
	tx.payments = append(tx.payments, payment)
	return payment, nil
}

func (tx *ledgerTx) SetStatus(ctx context.Context, status string) error {
	tx.ticket.Status = status
	tx.statusChanged = true
	return nil
}

func (tx *ledgerTx) EnqueueNotifications(ctx context.Context, kind string, channels []string) (int, error) {
	tx.store.mu.Lock()
	added := tx.store.enqueueLocked(tx.ticket, kind, channels, tx.notifications)
	tx.store.mu.Unlock()
	tx.notifications = append(tx.notifications, added...)
	return len(added), nil
}

func (s *Store) GetTicketSnapshot(ctx context.Context, ticketID string) (models.TicketSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.TicketSnapshot{}, store.ErrTicketNotFound
	}
	return models.TicketSnapshot{
		Balance:   models.TicketBalance{Ticket: ticket, PaidCents: s.paidLocked(ticketID)},
		Recipient: s.users[ticket.UserID],
	}, nil
}

func (s *Store) GetTicketSnapshotByNo(ctx context.Context, ticketNo string) (models.TicketSnapshot, error) {
	s.mu.Lock()
	id, ok := s.byNo[ticketNo]
	s.mu.Unlock()
	if !ok {
		return models.TicketSnapshot{}, store.ErrTicketNotFound
	}
	return s.GetTicketSnapshot(ctx, id)
}

func (s *Store) MarkPendingPayment(ctx context.Context, ticketID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return false, store.ErrTicketNotFound
	}
	if ticket.Status != models.StatusOpen {
		return false, nil
	}
	ticket.Status = models.StatusPendingPayment
	ticket.UpdatedAt = s.now()
	s.tickets[ticketID] = ticket
	return true, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.AuditID == "" {
		entry.AuditID = uuid.NewString()
	}
	entry.CreatedAt = s.now()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) ClaimQueued(ctx context.Context, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := make([]int, 0)
	for i, n := range s.notifications {
		if n.Status == models.NotificationQueued {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		na, nb := s.notifications[idx[a]], s.notifications[idx[b]]
		if !na.CreatedAt.Equal(nb.CreatedAt) {
			return na.CreatedAt.Before(nb.CreatedAt)
		}
		return na.NotificationID < nb.NotificationID
	})
	if limit > 0 && len(idx) > limit {
		idx = idx[:limit]
	}
	now := s.now()
	claimed := make([]models.Notification, 0, len(idx))
	for _, i := range idx {
		s.notifications[i].Status = models.NotificationSending
		claimedAt := now
		s.notifications[i].ClaimedAt = &claimedAt
		claimed = append(claimed, s.notifications[i])
	}
	return claimed, nil
}

func (s *Store) HasSent(ctx context.Context, key models.NotificationKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.Key() == key && n.Status == models.NotificationSent {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SentSince(ctx context.Context, recipientRef, channel, ticketID string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.RecipientRef != recipientRef || n.Channel != channel || n.TicketID != ticketID {
			continue
		}
		if n.Status == models.NotificationSent && n.SentAt != nil && !n.SentAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CompleteNotification(ctx context.Context, notificationID string, outcome models.NotificationOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications {
		if n.NotificationID != notificationID {
			continue
		}
		if n.Status != models.NotificationSending {
			return store.ErrInvalidState
		}
		if outcome.Status == models.NotificationSent {
			for _, other := range s.notifications {
				if other.NotificationID != n.NotificationID && other.Key() == n.Key() && other.Status == models.NotificationSent {
					return store.ErrDuplicateEvent
				}
			}
		}
		n.Status = outcome.Status
		n.Error = outcome.Error
		n.ProviderID = outcome.ProviderID
		n.SentAt = outcome.SentAt
		s.notifications[i] = n
		return nil
	}
	return store.ErrInvalidState
}

func (s *Store) RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for i, n := range s.notifications {
		if n.Status == models.NotificationSending && n.ClaimedAt != nil && n.ClaimedAt.Before(claimedBefore) {
			s.notifications[i].Status = models.NotificationQueued
			s.notifications[i].ClaimedAt = nil
			count++
		}
	}
	return count, nil
}

func (s *Store) EnqueueReminders(ctx context.Context, kind string, dueOn time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := dueOn.Format(time.DateOnly)
	ids := make([]string, 0, len(s.tickets))
	for id := range s.tickets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	count := 0
	for _, id := range ids {
		ticket := s.tickets[id]
		if !models.IsPayable(ticket.Status) || ticket.DueAt == nil {
			continue
		}
		if ticket.DueAt.UTC().Format(time.DateOnly) != day {
			continue
		}
		added := s.enqueueLocked(ticket, kind, []string{models.ChannelEmail, models.ChannelSMS}, nil)
		s.notifications = append(s.notifications, added...)
		count += len(added)
	}
	return count, nil
}

func (s *Store) EnqueueForTicket(ctx context.Context, ticketNo, kind string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byNo[ticketNo]
	if !ok {
		return 0, store.ErrTicketNotFound
	}
	added := s.enqueueLocked(s.tickets[id], kind, []string{models.ChannelEmail, models.ChannelSMS}, nil)
	s.notifications = append(s.notifications, added...)
	return len(added), nil
}

func (s *Store) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	phone = models.NormalizePhone(phone)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.optOuts[phone].OptedOut, nil
}

func (s *Store) SetOptOut(ctx context.Context, phone string, optedOut bool) (bool, error) {
	phone = models.NormalizePhone(phone)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.optOuts[phone]
	if ok && current.OptedOut == optedOut {
		return false, nil
	}
	s.optOuts[phone] = models.OptOut{Phone: phone, OptedOut: optedOut, UpdatedAt: s.now()}
	if !ok && !optedOut {
		return false, nil
	}
	return true, nil
}
