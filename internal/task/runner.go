package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ethmarket/orderwatch/internal/domain"
)

const (
	leaderLockTTL = 5 * time.Minute
)

// Handler executes one reconciliation task type. Run streams from the cursor
// and calls checkpoint after each fully processed chunk; the cursor it emits
// must be monotonic, because a crashed run resumes strictly from the last one
// persisted. Handlers must stop promptly when ctx ends.
type Handler interface {
	Type() string

	// Prerequisite names a (taskType, param) that must be COMPLETED before
	// this task may run. Empty taskType means no prerequisite.
	Prerequisite(param string) (string, string)

	Run(ctx context.Context, param, from string, checkpoint func(cursor string) error) error
}

// Spec requests one task execution.
type Spec struct {
	Type  string
	Param string
}

// Runner drives reconciliation tasks: leader locking, prerequisite gating,
// checkpoint persistence, and terminal status bookkeeping. Tasks are resumable
// by construction; because reduction is idempotent, re-processing hashes at
// and around the checkpoint is safe.
type Runner struct {
	tasks    domain.TaskStore
	locks    domain.LockManager
	handlers map[string]Handler
	logger   *slog.Logger
}

func NewRunner(tasks domain.TaskStore, locks domain.LockManager, logger *slog.Logger) *Runner {
	return &Runner{
		tasks:    tasks,
		locks:    locks,
		handlers: make(map[string]Handler),
		logger:   logger.With(slog.String("component", "task_runner")),
	}
}

// Register adds a handler; the last registration for a type wins.
func (r *Runner) Register(h Handler) {
	r.handlers[h.Type()] = h
}

// RunAll executes the given specs concurrently. Individual task failures are
// recorded on the task row, not returned; RunAll only fails on a broken
// runner dependency or cancellation.
func (r *Runner) RunAll(ctx context.Context, specs []Spec) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			if err := r.RunTask(ctx, spec.Type, spec.Param); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("task %s(%s): %w", spec.Type, spec.Param, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunTask executes a single task to completion, deferral, or error. A task
// whose prerequisite is not COMPLETED defers without touching its state; a
// task already COMPLETED no-ops; a task held by another runner instance is
// skipped.
func (r *Runner) RunTask(ctx context.Context, taskType, param string) error {
	handler, ok := r.handlers[taskType]
	if !ok {
		return fmt.Errorf("task: no handler for type %q", taskType)
	}

	log := r.logger.With(slog.String("task_type", taskType), slog.String("param", param))

	if preType, preParam := handler.Prerequisite(param); preType != "" {
		ready, err := r.prerequisiteReady(ctx, preType, preParam)
		if err != nil {
			return err
		}
		if !ready {
			log.InfoContext(ctx, "task deferred, prerequisite not completed",
				slog.String("prerequisite", preType))
			return fmt.Errorf("task: prerequisite %s(%s): %w", preType, preParam, domain.ErrDependencyNotReady)
		}
	}

	release, err := r.locks.Acquire(ctx, fmt.Sprintf("task:%s:%s", taskType, param), leaderLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			log.InfoContext(ctx, "task skipped, another runner holds the lock")
			return nil
		}
		return fmt.Errorf("task: acquire leader lock: %w", err)
	}
	defer release()

	state, err := r.tasks.Get(ctx, taskType, param)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("task: load state: %w", err)
	}
	if state.Status == domain.TaskStatusCompleted {
		log.DebugContext(ctx, "task already completed")
		return nil
	}

	started := time.Now().UTC()
	state.Type = taskType
	state.Param = param
	state.Status = domain.TaskStatusRunning
	state.LastError = ""
	state.RunID = uuid.NewString()
	state.StartedAt = &started
	if err := r.saveState(ctx, &state); err != nil {
		return err
	}

	log.InfoContext(ctx, "task starting",
		slog.String("run_id", state.RunID),
		slog.String("cursor", state.Cursor))

	checkpoint := func(cursor string) error {
		state.Cursor = cursor
		if err := r.saveState(ctx, &state); err != nil {
			return err
		}
		log.DebugContext(ctx, "task checkpoint", slog.String("cursor", cursor))
		return nil
	}

	runErr := handler.Run(ctx, param, state.Cursor, checkpoint)
	switch {
	case runErr == nil:
		state.Status = domain.TaskStatusCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) || ctx.Err() != nil:
		// Cooperative shutdown: stay RUNNING at the last checkpoint so the
		// next runner resumes from it.
		log.InfoContext(ctx, "task interrupted", slog.String("cursor", state.Cursor))
		return runErr
	default:
		state.Status = domain.TaskStatusError
		state.LastError = runErr.Error()
	}

	// Terminal save goes through a fresh context: the run context may
	// already be cancelled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.saveState(saveCtx, &state); err != nil {
		return err
	}

	if runErr != nil {
		log.ErrorContext(ctx, "task failed", slog.String("error", runErr.Error()))
		return runErr
	}
	log.InfoContext(ctx, "task completed", slog.String("cursor", state.Cursor))
	return nil
}

func (r *Runner) prerequisiteReady(ctx context.Context, taskType, param string) (bool, error) {
	pre, err := r.tasks.Get(ctx, taskType, param)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("task: load prerequisite: %w", err)
	}
	return pre.Status == domain.TaskStatusCompleted, nil
}

func (r *Runner) saveState(ctx context.Context, state *domain.Task) error {
	state.UpdatedAt = time.Now().UTC()
	if err := r.tasks.Save(ctx, *state); err != nil {
		return fmt.Errorf("task: save state: %w", err)
	}
	return nil
}
