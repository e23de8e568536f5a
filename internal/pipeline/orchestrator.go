package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Orchestrator manages the pipeline goroutines: log consumption, the mempool
// feed, balance consumption, and the status sweep. Nil components are skipped,
// which is how the operating modes select their subset.
type Orchestrator struct {
	logConsumer     *LogConsumer
	auctionConsumer *AuctionConsumer
	pendingFeed     *PendingTxFeed
	balanceConsumer *BalanceConsumer
	sweep           *Sweep
	logger          *slog.Logger
}

// NewOrchestrator creates an Orchestrator over the given components; any of
// them may be nil.
func NewOrchestrator(
	logConsumer *LogConsumer,
	auctionConsumer *AuctionConsumer,
	pendingFeed *PendingTxFeed,
	balanceConsumer *BalanceConsumer,
	sweep *Sweep,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		logConsumer:     logConsumer,
		auctionConsumer: auctionConsumer,
		pendingFeed:     pendingFeed,
		balanceConsumer: balanceConsumer,
		sweep:           sweep,
		logger:          logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts all configured components as concurrent goroutines using an
// errgroup. Each goroutine respects ctx cancellation. If any goroutine returns
// a non-context error, the errgroup cancels the shared context and Run returns
// that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting")

	g, ctx := errgroup.WithContext(ctx)

	launch := func(name string, run func(context.Context) error) {
		g.Go(func() error {
			err := run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			if err == nil {
				// A component exiting with ctx still live means its input
				// stream closed underneath it. That tears the group down
				// with a real error, not a wrapped nil.
				return fmt.Errorf("%s: stopped unexpectedly", name)
			}
			return fmt.Errorf("%s: %w", name, err)
		})
	}

	if o.logConsumer != nil {
		launch("log consumer", o.logConsumer.Run)
	}
	if o.auctionConsumer != nil {
		launch("auction consumer", o.auctionConsumer.Run)
	}
	if o.pendingFeed != nil {
		launch("pending tx feed", o.pendingFeed.Run)
	}
	if o.balanceConsumer != nil {
		launch("balance consumer", o.balanceConsumer.Run)
	}
	if o.sweep != nil {
		launch("status sweep", o.sweep.Run)
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
