package app

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ethmarket/orderwatch/internal/pipeline"
	"github.com/ethmarket/orderwatch/internal/task"
)

// IndexerMode runs the event ingestion pipeline: log consumers, the mempool
// feed, and the balance consumer. No sweep, no tasks.
func (a *App) IndexerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting indexer mode")
	return a.buildOrchestrator(deps, true, false).Run(ctx)
}

// SweeperMode runs only the wall-clock status sweep.
func (a *App) SweeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweeper mode")
	return a.buildOrchestrator(deps, false, true).Run(ctx)
}

// TasksMode runs the configured reconciliation tasks to completion and exits.
func (a *App) TasksMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting tasks mode")

	specs, err := parseTaskSpecs(a.cfg.Tasks.Run)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		a.logger.InfoContext(ctx, "no tasks configured, exiting")
		return nil
	}
	return a.buildTaskRunner(deps).RunAll(ctx, specs)
}

// FullMode runs the whole system: ingestion, sweep, and any configured
// reconciliation tasks.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	specs, err := parseTaskSpecs(a.cfg.Tasks.Run)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.buildOrchestrator(deps, true, true).Run(ctx)
	})
	if len(specs) > 0 {
		g.Go(func() error {
			err := a.buildTaskRunner(deps).RunAll(ctx, specs)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func (a *App) buildOrchestrator(deps *Dependencies, ingest, sweep bool) *pipeline.Orchestrator {
	var (
		logConsumer     *pipeline.LogConsumer
		auctionConsumer *pipeline.AuctionConsumer
		pendingFeed     *pipeline.PendingTxFeed
		balanceConsumer *pipeline.BalanceConsumer
		statusSweep     *pipeline.Sweep
	)

	if ingest {
		logConsumer = pipeline.NewLogConsumer(deps.SignalBus, deps.Normalizer, deps.History, deps.OrderUpdates, a.logger)
		auctionConsumer = pipeline.NewAuctionConsumer(deps.SignalBus, deps.AuctionHistory, deps.AuctionUpdates, a.logger)
		balanceConsumer = pipeline.NewBalanceConsumer(deps.SignalBus, deps.BalanceSvc, a.logger)
		if a.cfg.Indexer.PendingWsURL != "" {
			pendingFeed = pipeline.NewPendingTxFeed(a.cfg.Indexer.PendingWsURL, deps.Normalizer, deps.History, deps.OrderUpdates, a.logger)
		}
	}
	if sweep {
		statusSweep = pipeline.NewSweep(
			deps.Orders, deps.States, deps.OrderUpdates,
			deps.Auctions, deps.AuctionHistory, deps.AuctionUpdates,
			pipeline.SweepConfig{
				Interval:         a.cfg.Sweep.Interval.Duration,
				AdvanceEndOffset: a.cfg.Indexer.AdvanceEndOffset.Duration,
				BatchSize:        a.cfg.Sweep.BatchSize,
			},
			a.logger,
		)
	}

	return pipeline.NewOrchestrator(logConsumer, auctionConsumer, pendingFeed, balanceConsumer, statusSweep, a.logger)
}

func (a *App) buildTaskRunner(deps *Dependencies) *task.Runner {
	chunk := a.cfg.Tasks.ChunkSize
	par := a.cfg.Tasks.Parallelism

	r := task.NewRunner(deps.Tasks, deps.LockManager, a.logger)
	r.Register(&task.StatusRecompute{
		Orders: deps.Orders, Updates: deps.OrderUpdates,
		ChunkSize: chunk, Parallelism: par,
	})
	r.Register(&task.Rederive{
		Orders: deps.Orders, Updates: deps.OrderUpdates,
		ChunkSize: chunk, Parallelism: par,
	})
	r.Register(&task.PayoutValidation{
		Orders: deps.Orders, States: deps.States, Updates: deps.OrderUpdates,
		ChunkSize: chunk, Parallelism: par,
	})
	r.Register(&task.BidExpire{
		Orders: deps.Orders, States: deps.States, Updates: deps.OrderUpdates,
		Window: a.cfg.Tasks.BidExpireWindow.Duration,
		ChunkSize: chunk, Parallelism: par,
	})
	if deps.Archiver != nil {
		r.Register(&task.PlatformPrune{
			Orders: deps.Orders, History: deps.History, Archiver: deps.Archiver,
			Logger: a.logger, ChunkSize: chunk,
		})
	}
	return r
}

// parseTaskSpecs parses "TYPE" or "TYPE:param" entries.
func parseTaskSpecs(entries []string) ([]task.Spec, error) {
	specs := make([]task.Spec, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		taskType, param, _ := strings.Cut(e, ":")
		if taskType == "" {
			return nil, fmt.Errorf("app: invalid task spec %q", e)
		}
		specs = append(specs, task.Spec{Type: taskType, Param: param})
	}
	return specs, nil
}
