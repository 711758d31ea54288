package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ticketpay/internal/app"
	"ticketpay/internal/config"
	"ticketpay/internal/metrics"
	"ticketpay/internal/notify"
	"ticketpay/internal/telemetry"
)

func main() {
	config.LoadEnv()
	cfg := config.Load()
	logger := cfg.Logger()
	if err := cfg.ValidateWorker(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	metrics.Register()

	shutdownTelemetry := telemetry.Setup("notification-worker", telemetry.Options{
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interval := cfg.NotifPollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	w := notify.NewWorker(a.Dispatcher, a.Scheduler, logger)
	go notify.Start(ctx, interval, w)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		logger.WithFields(map[string]any{"addr": server.Addr, "interval": interval.String()}).Info("notification-worker started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
}
