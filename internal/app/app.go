// Package app wires configuration, the Postgres store and the services the
// binaries share.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"ticketpay/internal/config"
	"ticketpay/internal/ledger"
	"ticketpay/internal/messaging"
	"ticketpay/internal/models"
	"ticketpay/internal/notify"
	"ticketpay/internal/store/postgres"
)

type App struct {
	Config     config.Config
	Log        *logrus.Logger
	Pool       *pgxpool.Pool
	Store      *postgres.Store
	Ledger     *ledger.Service
	Dispatcher *notify.Dispatcher
	Scheduler  *notify.Scheduler
}

// Open connects the pool and builds the shared services. The caller owns
// Close.
func Open(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*App, error) {
	location, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	st := postgres.NewStore(pool)
	a := &App{
		Config: cfg,
		Log:    logger,
		Pool:   pool,
		Store:  st,
		Ledger: ledger.NewService(st, st, ledger.Options{Logger: logger}),
	}
	a.Dispatcher = notify.NewDispatcher(st, a.sender(), notify.Config{
		BatchSize:    cfg.NotifBatchSize,
		RateWindow:   cfg.NotifRateWindow,
		ClaimTimeout: cfg.NotifClaimTimeout,
		SiteURL:      cfg.SiteURL,
		Logger:       logger,
	})
	a.Scheduler = notify.NewScheduler(st, location, logger)
	return a, nil
}

func (a *App) sender() *messaging.Router {
	cfg := messaging.Config{
		TwilioAccountSID: a.Config.TwilioAccountSID,
		TwilioAuthToken:  a.Config.TwilioAuthToken,
		TwilioFrom:       a.Config.TwilioFromNumber,
		TwilioAPIBase:    a.Config.TwilioAPIBase,
		SendGridAPIKey:   a.Config.SendGridAPIKey,
		SendGridAPIBase:  a.Config.SendGridAPIBase,
		FromEmail:        a.Config.FromEmail,
		Logger:           a.Log,
	}
	return messaging.NewRouter(map[string]messaging.Provider{
		models.ChannelSMS:   messaging.NewProvider(a.Config.SMSProvider, models.ChannelSMS, cfg),
		models.ChannelEmail: messaging.NewProvider(a.Config.EmailProvider, models.ChannelEmail, cfg),
	})
}

func (a *App) Close() {
	a.Pool.Close()
}
