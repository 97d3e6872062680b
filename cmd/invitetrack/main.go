package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/invitetrack/internal/gateway"
	"github.com/agentworkforce/invitetrack/internal/invitetrack"
)

func main() {
	logger := log.Default()

	cfg, err := invitetrack.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	tokenProvider, err := invitetrack.NewFileTokenProvider(cfg.TokenFile, logger)
	if err != nil {
		log.Fatalf("failed to load platform token: %v", err)
	}
	defer tokenProvider.Close()

	dsn, err := invitetrack.StoreDSNFromConfig(cfg)
	if err != nil {
		log.Fatalf("failed to resolve store DSN: %v", err)
	}
	store, err := invitetrack.BuildStoreFromDSN(dsn, invitetrack.StoreOptions{
		LegacyInviter: invitetrack.MemberID(cfg.LegacyInviter),
	})
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
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
		log.Fatalf("failed to initialize member source: %v", err)
	}

	notifier, err := invitetrack.NewHTTPNotifier(invitetrack.HTTPNotifierOptions{
		BaseURL:       cfg.APIBaseURL,
		AlertChannel:  invitetrack.ChannelID(cfg.AlertChannel),
		TokenProvider: tokenProvider.Token,
		UserAgent:     cfg.UserAgent,
	})
	if err != nil {
		log.Fatalf("failed to initialize notifier: %v", err)
	}

	tracker, err := invitetrack.NewTracker(store, source, notifier, invitetrack.TrackerOptions{
		TrackedServer:  invitetrack.ServerID(cfg.TrackedServer),
		LookupDelay:    cfg.LookupDelay,
		UTCOffsetHours: cfg.UTCOffsetHours,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize tracker: %v", err)
	}

	queries, err := invitetrack.NewQueryService(store, invitetrack.ServerID(cfg.TrackedServer))
	if err != nil {
		log.Fatalf("failed to initialize query service: %v", err)
	}
	commands, err := invitetrack.NewCommandHandler(queries, notifier, invitetrack.ServerID(cfg.TrackedServer), logger)
	if err != nil {
		log.Fatalf("failed to initialize command handler: %v", err)
	}

	client, err := gateway.NewClient(gateway.Options{
		URL:           cfg.GatewayURL,
		TokenProvider: tokenProvider.Token,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize gateway client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("gateway stopped: %v", err)
		}
	}()

	if cfg.ReconcileInterval > 0 {
		reconciler, err := invitetrack.NewReconciler(store, source, invitetrack.ReconcilerOptions{
			Server:         invitetrack.ServerID(cfg.TrackedServer),
			UTCOffsetHours: cfg.UTCOffsetHours,
			Logger:         logger,
		})
		if err != nil {
			log.Fatalf("failed to initialize reconciler: %v", err)
		}
		go runReconcileLoop(ctx, reconciler, cfg, logger)
	}

	log.Printf("invitetrack running, tracking server %d", cfg.TrackedServer)
	dispatch(ctx, client, tracker, commands)
	log.Printf("invitetrack shutting down")
}

// dispatch consumes gateway events until the channel closes. Join events
// run concurrently because each one waits out its own lookup delay;
// commands are answered inline.
func dispatch(ctx context.Context, client *gateway.Client, tracker *invitetrack.Tracker, commands *invitetrack.CommandHandler) {
	for event := range client.Events() {
		switch event.Type {
		case gateway.EventMemberJoin:
			join := invitetrack.JoinEvent{
				Member:     invitetrack.MemberID(event.Join.Member),
				MemberName: event.Join.Username,
				Server:     invitetrack.ServerID(event.Join.Server),
			}
			go tracker.HandleJoin(ctx, join)
		case gateway.EventMessage:
			commands.HandleMessage(ctx, invitetrack.Message{
				Server:  invitetrack.ServerID(event.Message.Server),
				Channel: invitetrack.ChannelID(event.Message.Channel),
				Author:  invitetrack.MemberID(event.Message.Author),
				Content: event.Message.Content,
			})
		}
	}
}

func runReconcileLoop(ctx context.Context, reconciler *invitetrack.Reconciler, cfg invitetrack.Config, logger *log.Logger) {
	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := reconciler.Run(ctx)
			if err != nil {
				logger.Printf("scheduled reconciliation failed: %v", err)
				continue
			}
			logger.Printf("scheduled reconciliation: %+v", stats)
		}
	}
}
