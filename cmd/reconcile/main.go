// Command reconcile runs one sweep of the reservation database: it chases
// PENDING payments whose callback never arrived and expires unpaid
// reservations. It reads the same environment as the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shivanand-hulikatti/ticket-reservations/internal/app"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/config"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/observability"
	"github.com/Shivanand-hulikatti/ticket-reservations/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	cancelAfter  time.Duration
	pendingAfter time.Duration
	limit        int
	dryRun       bool
	logLevel     string
}

func parseFlags(args []string, cfg *config.Config) (*options, error) {
	opts := &options{}
	flagSet := pflag.NewFlagSet("reconcile", pflag.ContinueOnError)
	flagSet.DurationVar(&opts.cancelAfter, "cancel-after", cfg.ReservationTTL, "cancel RESERVED orders older than this")
	flagSet.DurationVar(&opts.pendingAfter, "pending-after", cfg.PendingReconcileAge, "query the gateway for PENDING payments older than this")
	flagSet.IntVar(&opts.limit, "limit", cfg.SweepLimit, "maximum records of each kind to handle")
	flagSet.BoolVar(&opts.dryRun, "dry-run", false, "report what would be done without changing anything")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "log level")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if opts.cancelAfter <= 0 || opts.pendingAfter <= 0 {
		return nil, errors.New("--cancel-after and --pending-after must be positive")
	}
	if err := config.CheckPendingAfter(opts.pendingAfter, cfg.Mpesa.Timeout); err != nil {
		return nil, fmt.Errorf("--pending-after: %w", err)
	}
	if opts.limit <= 0 {
		return nil, errors.New("--limit must be positive")
	}
	return opts, nil
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	opts, err := parseFlags(args, cfg)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg.ReservationTTL = opts.cancelAfter
	cfg.PendingReconcileAge = opts.pendingAfter
	cfg.SweepLimit = opts.limit

	logger, err := observability.NewLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Sweeper.RunOnce(ctx, opts.dryRun)
	printReport(report, opts.dryRun)
	return err
}

func printReport(r service.SweepReport, dryRun bool) {
	verb := "done"
	if dryRun {
		verb = "would do (dry run)"
	}
	fmt.Printf("reconcile %s:\n", verb)
	fmt.Printf("  abandoned payments failed:  %d\n", r.Abandoned)
	fmt.Printf("  payments reconciled:        %d\n", r.Reconciled)
	fmt.Printf("  payments still pending:     %d\n", r.StillOpen)
	fmt.Printf("  orders cancelled:           %d\n", r.Cancelled)
	fmt.Printf("  notifications relayed:      %d\n", r.Notified)
	if r.Errors > 0 {
		fmt.Printf("  errors:                     %d\n", r.Errors)
	}
}
