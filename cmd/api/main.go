package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"dealflow/config"
	"dealflow/db"
	"dealflow/deal"
	"dealflow/dispute"
	"dealflow/event"
	"dealflow/identity"
	"dealflow/milestone"
	"dealflow/outbox"
	"dealflow/payment"
	"dealflow/project"
	"dealflow/scheduler"
	"dealflow/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("bootstrap config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	httpClient := &http.Client{Timeout: 15 * time.Second}
	provider := payment.NewClient(httpClient, cfg.ProviderBaseURL, cfg.ProviderSecret)
	checker := validation.NewHTTPChecker(httpClient, cfg.ValidationURL)

	events := event.NewAppender()
	outboxWriter := outbox.NewWriter()
	outboxStore := outbox.NewStore(pool)
	jobStore := scheduler.NewStore(pool)

	identityService := identity.NewService(identity.NewRepository(pool), cfg.JWTSecret)
	projectService := project.NewService(project.NewRepository(pool))
	dealService := deal.NewService(pool, deal.NewRepository(pool), provider, events, outboxWriter).
		WithEventReader(event.NewReader(pool))
	milestoneService := milestone.NewService(pool, milestone.NewRepository(pool), provider, checker, events, outboxWriter, jobStore, milestone.Config{
		Window:       cfg.AutoReleaseWindow,
		MaxRevisions: cfg.MaxRevisions,
	})
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), provider, events, outboxWriter, jobStore, cfg.AutoReleaseWindow)

	runner := scheduler.NewRunner(jobStore, milestone.NewAutoReleaser(milestoneService), cfg.ReleaseWorkers, cfg.PollInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(ctx)
	})
	for i := 0; i < cfg.OutboxWorkers; i++ {
		g.Go(func() error {
			outbox.RunWorker(ctx, outboxStore, outbox.LogPublisher{}, cfg.PollInterval)
			return nil
		})
	}

	log.Printf("dealflow up (env=%s window=%s workers=%d): identity=%t projects=%t deals=%t disputes=%t",
		cfg.Env, cfg.AutoReleaseWindow, cfg.ReleaseWorkers,
		identityService != nil, projectService != nil, dealService != nil, disputeService != nil)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("worker exited: %v", err)
	}
	log.Printf("dealflow shut down")
}
