package httpapi

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ticketpay/internal/checkout"
	"ticketpay/internal/inbound"
	"ticketpay/internal/ledger"
	"ticketpay/internal/metrics"
	"ticketpay/internal/models"
	"ticketpay/internal/notify"
	"ticketpay/internal/reconcile"
	"ticketpay/internal/store"
)

const maxBodyBytes = 1 << 20

type Tickets interface {
	GetTicketSnapshotByNo(ctx context.Context, ticketNo string) (models.TicketSnapshot, error)
}

type Checkout interface {
	Start(ctx context.Context, req checkout.Request) (checkout.Result, error)
}

type Reconciler interface {
	Handle(ctx context.Context, payload []byte, signature string) (reconcile.Result, error)
}

type Inbound interface {
	Handle(ctx context.Context, req inbound.Request) (inbound.Reply, error)
}

type Ledger interface {
	Apply(ctx context.Context, input ledger.ApplyInput) (ledger.ApplyResult, error)
	Refund(ctx context.Context, input ledger.RefundInput) (ledger.RefundResult, error)
	Void(ctx context.Context, input ledger.VoidInput) (models.Ticket, error)
}

type Dispatcher interface {
	DispatchBatch(ctx context.Context) (notify.BatchResult, error)
	RequeueStale(ctx context.Context) (int, error)
}

type Scheduler interface {
	ScheduleReminders(ctx context.Context, now time.Time) (notify.ReminderResult, error)
	EnqueueNew(ctx context.Context, ticketNo string) (int, error)
}

type Deps struct {
	Tickets    Tickets
	Checkout   Checkout
	Reconciler Reconciler
	Inbound    Inbound
	Ledger     Ledger
	Dispatcher Dispatcher
	Scheduler  Scheduler
}

type Options struct {
	// AdminKeyHash is the bcrypt hash of the admin API key. Empty disables
	// every admin route.
	AdminKeyHash string
	// PublicBaseURL is the externally visible origin used to rebuild the URL
	// inbound SMS webhooks were signed against.
	PublicBaseURL string
	Limiter       *RateLimiter
	Logger        logrus.FieldLogger
	Now           func() time.Time
}

type Handler struct {
	deps          Deps
	adminKeyHash  string
	publicBaseURL string
	limiter       *RateLimiter
	log           logrus.FieldLogger
	now           func() time.Time
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ticketView struct {
	TicketNo       string     `json:"ticket_no"`
	Plate          string     `json:"plate,omitempty"`
	Status         string     `json:"status"`
	BalanceCents   int64      `json:"balance_cents"`
	PaidCents      int64      `json:"paid_cents"`
	RemainingCents int64      `json:"remaining_cents"`
	DueAt          *time.Time `json:"due_at,omitempty"`
}

type checkoutRequest struct {
	Email string `json:"email"`
}

type adminPaymentRequest struct {
	RequestID   string `json:"request_id"`
	AmountCents int64  `json:"amount_cents"`
}

type adminRefundRequest struct {
	RequestID   string `json:"request_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

type adminVoidRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

func NewHandler(deps Deps, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	limiter := options.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(RateLimitConfig{})
	}
	return &Handler{
		deps:          deps,
		adminKeyHash:  options.AdminKeyHash,
		publicBaseURL: strings.TrimRight(options.PublicBaseURL, "/"),
		limiter:       limiter,
		log:           logger.WithField("component", "httpapi"),
		now:           now,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(h.log))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/webhooks", func(r chi.Router) {
		r.Post("/stripe", h.handleStripeWebhook)
		r.Post("/sms", h.handleSMSWebhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.limiter.Middleware)

		r.Route("/api/tickets/{ticketNo}", func(r chi.Router) {
			r.Use(h.limiter.TicketMiddleware)
			r.Get("/", h.handleGetTicket)
			r.Post("/checkout", h.handleCheckout)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(AdminAuth(h.adminKeyHash))
			r.Post("/tickets/{ticketNo}/payments", h.handleManualPayment)
			r.Post("/tickets/{ticketNo}/refund", h.handleRefund)
			r.Post("/tickets/{ticketNo}/void", h.handleVoid)
			r.Post("/tickets/{ticketNo}/notify", h.handleNotifyNew)
			r.Post("/notifications/dispatch", h.handleDispatch)
			r.Post("/notifications/reminders", h.handleReminders)
			r.Post("/notifications/requeue-stale", h.handleRequeueStale)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Tickets.GetTicketSnapshotByNo(r.Context(), ticketParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	balance := snap.Balance
	remaining := balance.RemainingCents()
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(w, http.StatusOK, ticketView{
		TicketNo:       balance.TicketNo,
		Plate:          balance.Plate,
		Status:         balance.Status,
		BalanceCents:   balance.BalanceCents,
		PaidCents:      balance.PaidCents,
		RemainingCents: remaining,
		DueAt:          balance.DueAt,
	})
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	result, err := h.deps.Checkout.Start(r.Context(), checkout.Request{
		TicketNo:      ticketParam(r),
		CustomerEmail: strings.TrimSpace(req.Email),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusRequestEntityTooLarge, "validation_error", "payload too large")
		return
	}
	result, err := h.deps.Reconciler.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "result": result})
}

func (h *Handler) handleSMSWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "validation_error", "invalid form payload")
		return
	}
	reply, err := h.deps.Inbound.Handle(r.Context(), inbound.Request{
		URL:       h.fullURL(r),
		Params:    r.PostForm,
		Signature: r.Header.Get("X-Twilio-Signature"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeTwiML(w, reply.Message)
}

func (h *Handler) handleManualPayment(w http.ResponseWriter, r *http.Request) {
	var req adminPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if !isValidUUID(req.RequestID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "validation_error", "request_id must be a UUID")
		return
	}
	result, err := h.deps.Ledger.Apply(r.Context(), ledger.ApplyInput{
		TicketNo:      ticketParam(r),
		Processor:     models.ProcessorManual,
		ExternalID:    req.RequestID,
		AmountCents:   req.AmountCents,
		RejectSettled: true,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req adminRefundRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if !isValidUUID(req.RequestID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "validation_error", "request_id must be a UUID")
		return
	}
	result, err := h.deps.Ledger.Refund(r.Context(), ledger.RefundInput{
		TicketNo:    ticketParam(r),
		RequestID:   req.RequestID,
		AmountCents: req.AmountCents,
		Reason:      strings.TrimSpace(req.Reason),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req adminVoidRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if !isValidUUID(req.RequestID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "validation_error", "request_id must be a UUID")
		return
	}
	ticket, err := h.deps.Ledger.Void(r.Context(), ledger.VoidInput{
		TicketNo:  ticketParam(r),
		RequestID: req.RequestID,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ticket_no": ticket.TicketNo, "status": ticket.Status})
}

func (h *Handler) handleNotifyNew(w http.ResponseWriter, r *http.Request) {
	count, err := h.deps.Scheduler.EnqueueNew(r.Context(), ticketParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"queued": count})
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	result, err := h.deps.Dispatcher.DispatchBatch(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReminders(w http.ResponseWriter, r *http.Request) {
	result, err := h.deps.Scheduler.ScheduleReminders(r.Context(), h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRequeueStale(w http.ResponseWriter, r *http.Request) {
	count, err := h.deps.Dispatcher.RequeueStale(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": count})
}

// fullURL rebuilds the URL the provider signed. Behind a proxy the request
// host differs from the public one, so PublicBaseURL wins when set.
func (h *Handler) fullURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": requestIDFromRequest(r),
		}).Error("request failed")
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func ticketParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "ticketNo"))
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, store.Kind(err), err.Error()
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, store.Kind(err), "ticket not found"
	case errors.Is(err, store.ErrAlreadySettled):
		return http.StatusConflict, store.Kind(err), "ticket already settled"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, store.Kind(err), "ticket state does not allow this action"
	case errors.Is(err, store.ErrInvalidSignature), errors.Is(err, store.ErrUnauthorized):
		return http.StatusUnauthorized, store.Kind(err), "unauthorized"
	case errors.Is(err, store.ErrTransient):
		return http.StatusServiceUnavailable, store.Kind(err), "temporarily unavailable, retry later"
	case errors.Is(err, store.ErrDuplicateEvent):
		return http.StatusConflict, store.Kind(err), "duplicate request"
	case errors.Is(err, store.ErrUpstream):
		return http.StatusBadGateway, store.Kind(err), "payment provider unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeTwiML(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(twimlResponse{Message: message})
}
