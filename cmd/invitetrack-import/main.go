// invitetrack-import runs one bulk reconciliation pass against the tracked
// server. By default it inserts the delta directly; with -csv it writes the
// delta to stdout as invitee,inviter,server,local-datetime lines for an
// out-of-band bulk load.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentworkforce/invitetrack/internal/invitetrack"
)

func main() {
	csvMode := flag.Bool("csv", false, "emit the delta as CSV on stdout instead of inserting")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := invitetrack.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}

	tokenProvider, err := invitetrack.NewFileTokenProvider(cfg.TokenFile, logger)
	if err != nil {
		logger.Fatalf("failed to load platform token: %v", err)
	}
	defer tokenProvider.Close()

	dsn, err := invitetrack.StoreDSNFromConfig(cfg)
	if err != nil {
		logger.Fatalf("failed to resolve store DSN: %v", err)
	}
	store, err := invitetrack.BuildStoreFromDSN(dsn, invitetrack.StoreOptions{
		LegacyInviter: invitetrack.MemberID(cfg.LegacyInviter),
	})
	if err != nil {
		logger.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	source, err := invitetrack.NewHTTPMemberSource(invitetrack.HTTPMemberSourceOptions{
		BaseURL:       cfg.APIBaseURL,
		Server:        invitetrack.ServerID(cfg.TrackedServer),
		TokenProvider: tokenProvider.Token,
		UserAgent:     cfg.UserAgent,
		PageLimit:     cfg.PageLimit,
	})
	if err != nil {
		logger.Fatalf("failed to initialize member source: %v", err)
	}

	reconciler, err := invitetrack.NewReconciler(store, source, invitetrack.ReconcilerOptions{
		Server:         invitetrack.ServerID(cfg.TrackedServer),
		UTCOffsetHours: cfg.UTCOffsetHours,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatalf("failed to initialize reconciler: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *csvMode {
		stats, err := reconciler.Export(ctx, os.Stdout)
		if err != nil {
			logger.Fatalf("export failed: %v", err)
		}
		logger.Printf("export done: scanned=%d skipped=%d emitted=%d", stats.Scanned, stats.Skipped, stats.Emitted)
		return
	}

	stats, err := reconciler.Run(ctx)
	if err != nil {
		logger.Fatalf("reconciliation failed: %v", err)
	}
	logger.Printf("reconciliation done: scanned=%d skipped=%d inserted=%d duplicates=%d failed=%d",
		stats.Scanned, stats.Skipped, stats.Inserted, stats.Duplicates, stats.Failed)
}
