package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"ticketpay/internal/app"
	"ticketpay/internal/config"
	"ticketpay/migrations"
)

var Version = "dev"

func main() {
	config.LoadEnv()

	rootCmd := &cobra.Command{
		Use:           "ticketpay-ctl",
		Short:         "Operator commands for ticketpay",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(remindCmd())
	rootCmd.AddCommand(requeueCmd())
	rootCmd.AddCommand(notifyNewCmd())
	rootCmd.AddCommand(hashKeyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the embedded schema migrations",
	}

	withRunner := func(fn func(r *migrations.Runner) error) error {
		cfg := config.Load()
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DB_DSN is required")
		}
		runner, err := migrations.NewRunner(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer runner.Close()
		return fn(runner)
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(func(r *migrations.Runner) error {
				if err := r.Up(); err != nil {
					return err
				}
				return printVersion(cmd, r)
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(func(r *migrations.Runner) error {
				if err := r.Down(steps); err != nil {
					return err
				}
				return printVersion(cmd, r)
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back (0 rolls back everything)")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(func(r *migrations.Runner) error {
				return printVersion(cmd, r)
			})
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func printVersion(cmd *cobra.Command, r *migrations.Runner) error {
	version, dirty, err := r.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
	return nil
}

func dispatchCmd() *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Claim and deliver one batch of queued notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				for {
					result, err := a.Dispatcher.DispatchBatch(ctx)
					if err != nil {
						return err
					}
					if err := printJSON(cmd, result); err != nil {
						return err
					}
					if !drain || result.Claimed < a.Config.NotifBatchSize {
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "keep dispatching until the queue is empty")
	return cmd
}

func remindCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Queue 72 hour and due-today reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				now := time.Now()
				if date != "" {
					location, err := a.Config.Location()
					if err != nil {
						return err
					}
					parsed, err := time.ParseInLocation(time.DateOnly, date, location)
					if err != nil {
						return fmt.Errorf("--date: %w", err)
					}
					now = parsed.Add(12 * time.Hour)
				}
				result, err := a.Scheduler.ScheduleReminders(ctx, now)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "run as if today were this date (YYYY-MM-DD)")
	return cmd
}

func requeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue-stale",
		Short: "Return notifications stuck in sending to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				count, err := a.Dispatcher.RequeueStale(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"requeued": count})
			})
		},
	}
}

func notifyNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify-new [ticket_no]",
		Short: "Queue the new-ticket notification for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				count, err := a.Scheduler.EnqueueNew(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"queued": count})
			})
		},
	}
}

func hashKeyCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-admin-key [key]",
		Short: "Print the bcrypt hash to use as ADMIN_API_KEY_HASH",
		Long:  "Hashes the key given as argument, or the first line of stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read key: %w", err)
				}
				key = line
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return fmt.Errorf("key must not be empty")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	logger := cfg.Logger()
	logger.SetOutput(cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
