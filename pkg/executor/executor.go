// Package executor runs a discovered sync plan against a destination
// repository, one confirmed group at a time.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/planner"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/transfer"
)

type State string

const (
	StateIdle      State = "idle"
	StatePrompting State = "prompting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAbandoned State = "abandoned"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

var (
	// ErrAbandoned is returned when a group confirmation is declined.
	ErrAbandoned = errors.New("abandoned")
	// ErrCancelled is returned when cancellation is observed.
	ErrCancelled = errors.New("cancelled")
)

// Prompter asks for bulk confirmation of a group before it runs.
type Prompter interface {
	Confirm(ctx context.Context, group planner.Group) (bool, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, group planner.Group) (bool, error)

func (f PrompterFunc) Confirm(ctx context.Context, group planner.Group) (bool, error) {
	return f(ctx, group)
}

// AutoConfirm confirms every group.
var AutoConfirm = PrompterFunc(func(context.Context, planner.Group) (bool, error) { return true, nil })

// StepError records the step an operation failed on.
type StepError struct {
	Operation string
	Step      planner.Step
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Step, e.Operation, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type Options struct {
	Prompter Prompter
	Logger   logger.SyncLogger
	Progress ProgressSink
	// Subset restricts execution; unselected operations are skipped.
	Subset planner.Subset
	Log    *slog.Logger
}

// GroupResult summarizes the execution of one group.
type GroupResult struct {
	Kind      planner.GroupKind
	Total     int
	Completed int
	Skipped   int
}

// Stats counts what was done to the destination.
type Stats struct {
	Stored      int
	Moved       int
	Deleted     int
	BytesCopied int64
	Duration    time.Duration
}

type Result struct {
	State  State
	Groups []GroupResult
	Stats  Stats
}

type Executor struct {
	base repository.Repository
	dst  repository.Repository
	opts Options

	mu    sync.Mutex
	state State
}

// New creates an executor copying from base into dst.
func New(base, dst repository.Repository, opts Options) *Executor {
	if opts.Prompter == nil {
		opts.Prompter = AutoConfirm
	}
	if opts.Logger == nil {
		opts.Logger = logger.NullLogger{}
	}
	if opts.Subset == nil {
		opts.Subset = planner.All
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{base: base, dst: dst, opts: opts, state: StateIdle}
}

// State returns the current state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.opts.Log.Debug("state changed", "state", s)
}

// Execute runs the groups of plan sequentially. Operation failures abort the
// remaining plan; whatever completed before stays in the destination.
func (e *Executor) Execute(ctx context.Context, plan planner.DiscoveredSync) (Result, error) {
	if s := e.State(); s != StateIdle {
		return Result{State: s}, fmt.Errorf("executor already used: %s", s)
	}

	start := time.Now()
	result := Result{}

	finish := func(state State, err error) (Result, error) {
		result.State = state
		result.Stats.Duration = time.Since(start)
		e.setState(state)
		if err != nil {
			e.opts.Log.Warn("sync finished", "state", state, "err", err)
		} else {
			e.opts.Log.Info("sync finished", "state", state,
				"stored", result.Stats.Stored, "moved", result.Stats.Moved, "deleted", result.Stats.Deleted)
		}
		return result, err
	}

	for _, group := range plan.Groups {
		selected := make([]planner.Operation, 0, len(group.Operations))
		for _, op := range group.Operations {
			if e.opts.Subset(op) {
				selected = append(selected, op)
			}
		}
		gr := GroupResult{Kind: group.Kind, Total: len(selected), Skipped: len(group.Operations) - len(selected)}
		if len(selected) == 0 {
			result.Groups = append(result.Groups, gr)
			continue
		}

		if ctx.Err() != nil {
			return finish(StateCancelled, ErrCancelled)
		}

		// The prompt describes what will run, not the whole group.
		view := group
		view.Operations = selected

		e.setState(StatePrompting)
		confirmed, err := e.opts.Prompter.Confirm(ctx, view)
		if err != nil {
			if ctx.Err() != nil {
				return finish(StateCancelled, ErrCancelled)
			}
			return finish(StateFailed, fmt.Errorf("confirm %s: %w", group.Kind, err))
		}
		if !confirmed {
			return finish(StateAbandoned, ErrAbandoned)
		}

		e.setState(StateRunning)
		log := e.opts.Log.With("group", group.Kind)
		log.Info("running group", "operations", len(selected), "bytes", view.BytesToCopy())

		tracker := newTracker(group, selected, e.opts.Progress)
		for _, op := range selected {
			if ctx.Err() != nil {
				result.Groups = append(result.Groups, gr)
				return finish(StateCancelled, ErrCancelled)
			}

			if err := e.apply(ctx, op, tracker, &result.Stats); err != nil {
				result.Groups = append(result.Groups, gr)
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return finish(StateCancelled, fmt.Errorf("%w: %v", ErrCancelled, err))
				}
				return finish(StateFailed, err)
			}
			gr.Completed++
			tracker.completed(op)
		}
		log.Info("group completed", "summary", group.Summary(gr.Completed))
		result.Groups = append(result.Groups, gr)
	}

	return finish(StateCompleted, nil)
}

func (e *Executor) apply(ctx context.Context, op planner.Operation, tracker *tracker, stats *Stats) error {
	for _, step := range op.Steps() {
		if ctx.Err() != nil {
			return &StepError{Operation: op.Key(), Step: step, Err: ctx.Err()}
		}

		var err error
		switch step.Action {
		case planner.ActionCopy:
			err = transfer.CopyFileTo(ctx, e.base, step.From, e.dst, step.To, tracker.copying)
			if err == nil {
				tracker.copied(step.Size)
				stats.Stored++
				stats.BytesCopied += step.Size
				e.opts.Logger.OnFileStored(step.To)
			}
		case planner.ActionMove:
			err = e.dst.Move(ctx, step.From, step.To)
			if err == nil {
				stats.Moved++
				e.opts.Logger.OnFileMoved(step.From, step.To)
			}
		case planner.ActionDelete:
			err = e.dst.Delete(ctx, step.From)
			if err == nil {
				stats.Deleted++
				e.opts.Logger.OnFileDeleted(step.From)
			}
		default:
			err = fmt.Errorf("unknown action %q", step.Action)
		}
		if err != nil {
			return &StepError{Operation: op.Key(), Step: step, Err: err}
		}
	}
	return nil
}
