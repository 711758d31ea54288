package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ticketpay/internal/app"
	"ticketpay/internal/checkout"
	"ticketpay/internal/config"
	"ticketpay/internal/httpapi"
	"ticketpay/internal/inbound"
	"ticketpay/internal/messaging"
	"ticketpay/internal/metrics"
	"ticketpay/internal/processor"
	"ticketpay/internal/reconcile"
	"ticketpay/internal/telemetry"
)

func main() {
	config.LoadEnv()
	cfg := config.Load()
	logger := cfg.Logger()
	if err := cfg.ValidateAPI(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	metrics.Register()

	shutdownTelemetry := telemetry.Setup("ticketpay-api", telemetry.Options{
		Endpoint: cfg.OTELEndpoint,
		Insecure: cfg.OTELInsecure,
		Logger:   logger,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	a, err := app.Open(context.Background(), cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	stripe := processor.NewStripeClient(processor.StripeOptions{
		SecretKey:  cfg.StripeSecretKey,
		APIBase:    cfg.StripeAPIBase,
		SuccessURL: cfg.SiteURL + "/ticket.html?t={ticket_no}&paid=1",
		CancelURL:  cfg.SiteURL + "/ticket.html?t={ticket_no}",
		Logger:     logger,
	})
	verifier := processor.StripeVerifier{Secret: cfg.StripeWebhookSecret, Tolerance: cfg.StripeWebhookTolerance}

	handler := httpapi.NewHandler(httpapi.Deps{
		Tickets:    a.Store,
		Checkout:   checkout.NewOrchestrator(a.Store, stripe, logger),
		Reconciler: reconcile.NewHandler(a.Ledger, a.Store, verifier, reconcile.Options{Logger: logger}),
		Inbound: inbound.NewMachine(a.Store, a.Store, messaging.TwilioVerifier{AuthToken: cfg.TwilioAuthToken}, inbound.Options{
			SupportEmail: cfg.SupportEmail,
			SiteURL:      cfg.SiteURL,
			Logger:       logger,
		}),
		Ledger:     a.Ledger,
		Dispatcher: a.Dispatcher,
		Scheduler:  a.Scheduler,
	}, httpapi.Options{
		AdminKeyHash:  cfg.AdminAPIKeyHash,
		PublicBaseURL: cfg.PublicBaseURL,
		Limiter: httpapi.NewRateLimiter(httpapi.RateLimitConfig{
			IPPerMinute:     cfg.RateLimitPerMinute,
			IPBurst:         cfg.RateLimitBurst,
			TicketPerMinute: cfg.TicketRateLimitPerMinute,
			TicketBurst:     cfg.TicketRateLimitBurst,
		}),
		Logger: logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler.Routes(), "ticketpay-api"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("ticketpay-api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
}
