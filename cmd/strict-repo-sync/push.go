package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/strict-repo-sync/internal/journal"
	"github.com/yuya-takeyama/strict-repo-sync/internal/logging"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/compare"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/executor"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/planner"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

var (
	resolveMoves            bool
	additiveDuplicating     bool
	allowDuplicateIncrease  bool
	allowDuplicateReduction bool
	assumeYes               bool
	dryRun                  bool
	only                    []string
	planJSONFile            string
	resultJSONFile          string
)

// jobs guards pairs within this process; the journal lock guards them
// across processes.
var jobs = executor.NewRegistry()

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <base> <destination>",
		Short: "Copy new files and apply relocations from base to destination",
		Args:  cobra.ExactArgs(2),
		RunE:  runPush,
	}

	cmd.Flags().BoolVar(&resolveMoves, "resolve-moves", false, "Apply relocations in the destination")
	cmd.Flags().BoolVar(&additiveDuplicating, "additive-duplicating", false, "Copy relocated files to their new paths without moving or deleting")
	cmd.Flags().BoolVar(&allowDuplicateIncrease, "allow-duplicate-increase", false, "With --resolve-moves, allow relocations that add copies")
	cmd.Flags().BoolVar(&allowDuplicateReduction, "allow-duplicate-reduction", false, "With --resolve-moves, allow relocations that delete copies")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Confirm every group except ambiguous relocations")
	cmd.Flags().BoolVar(&dryRun, "dryrun", false, "Shows operations without executing")
	cmd.Flags().StringSliceVar(&only, "only", nil, "Only push operations creating paths matching these patterns (multiple allowed)")
	cmd.Flags().StringVar(&planJSONFile, "plan-json-file", "", "Path to output plan as JSON file")
	cmd.Flags().StringVar(&resultJSONFile, "result-json-file", "", "Path to output result as JSON file")
	return cmd
}

func syncMode() (planner.RelocationSyncMode, error) {
	switch {
	case resolveMoves && additiveDuplicating:
		return planner.RelocationSyncMode{}, fmt.Errorf("--resolve-moves and --additive-duplicating are mutually exclusive")
	case (allowDuplicateIncrease || allowDuplicateReduction) && !resolveMoves:
		return planner.RelocationSyncMode{}, fmt.Errorf("--allow-duplicate-increase and --allow-duplicate-reduction require --resolve-moves")
	case resolveMoves:
		return planner.Move(allowDuplicateIncrease, allowDuplicateReduction), nil
	case additiveDuplicating:
		return planner.AdditiveDuplicating(), nil
	default:
		return planner.Disabled(), nil
	}
}

func runPush(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.Sub(env.log, "push")

	mode, err := syncMode()
	if err != nil {
		return err
	}
	var matching planner.Subset
	if len(only) > 0 {
		if matching, err = planner.MatchingTargets(only); err != nil {
			return err
		}
	}

	base, err := openRepository(ctx, args[0])
	if err != nil {
		return fmt.Errorf("open base: %w", err)
	}
	dst, err := openRepository(ctx, args[1])
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	baseName, dstName := repository.Describe(base), repository.Describe(dst)
	key := executor.KeyOf(base, dst)

	j, closeJournal := openJournal()
	defer closeJournal()
	if j != nil && !dryRun {
		lock, err := j.Lock(ctx, key.String())
		switch {
		case errors.Is(err, journal.ErrLocked):
			return fmt.Errorf("%w: %v", executor.ErrAlreadyRunning, err)
		case err != nil:
			log.Warn("pair lock unavailable", "err", err)
		default:
			defer func() {
				if err := lock.Release(ctx); err != nil {
					log.Warn("failed to release pair lock", "err", err)
				}
			}()
		}
	}

	diff, err := compare.Compare(ctx, base, dst)
	if err != nil {
		return fmt.Errorf("failed to compare: %w", err)
	}
	if !quiet {
		diff.Print(env.stdout, "base", "destination")
	}
	for _, p := range diff.NewContentToOverwrite {
		log.Warn("destination holds different content, it will not be overwritten", "path", p)
	}

	plan := planner.Plan(diff, mode)

	// --only is resolved once against this plan.
	var subset planner.Subset = planner.All
	if matching != nil {
		subset = planner.SubsetOf(plan.Select(matching)...)
	}

	if planJSONFile != "" {
		if err := writeJSONFile(planJSONFile, newPlanResult(baseName, dstName, plan, subset)); err != nil {
			return fmt.Errorf("failed to write plan JSON: %w", err)
		}
	}

	if err := planner.Refusal(plan); err != nil {
		for _, r := range plan.UnresolvedRelocations() {
			log.Warn("unresolved relocation", "from", r.ExtraOtherLocations, "to", r.ExtraBaseLocations)
		}
		return err
	}

	if len(plan.Select(subset)) == 0 {
		fmt.Fprintln(env.stdout, "nothing to push")
		if resultJSONFile != "" && !dryRun {
			if err := writeJSONFile(resultJSONFile, newSyncResult(executor.Result{State: executor.StateCompleted}, nil, nil)); err != nil {
				return fmt.Errorf("failed to write result JSON: %w", err)
			}
		}
		return nil
	}

	info := journal.SessionInfo{Base: baseName, Destination: dstName, Mode: mode.String(), DryRun: dryRun}
	session := beginSession(ctx, j, info)

	if dryRun {
		for _, g := range plan.Groups {
			for _, op := range g.Operations {
				if !subset(op) {
					continue
				}
				for _, step := range op.Steps() {
					fmt.Fprintf(env.stdout, "(dryrun) %s\n", step)
				}
			}
		}
		if session != nil {
			if err := session.Finish(ctx, string(executor.StateCompleted), nil); err != nil {
				log.Warn("failed to record session", "err", err)
			}
		}
		return nil
	}

	recorder := &logger.Recorder{}
	loggers := logger.Multi{recorder}
	if !quiet {
		loggers = append(loggers, logger.NewTranscriptLogger(env.stdout))
	}
	if session != nil {
		loggers = append(loggers, session)
	}

	opts := executor.Options{
		Prompter: newConfirmPrompter(env.stdin, env.stderr, assumeYes),
		Logger:   loggers,
		Subset:   subset,
		Log:      logging.Sub(env.log, "executor"),
	}
	if !quiet {
		opts.Progress = progressPrinter(env.stderr)
	}

	job, err := jobs.Launch(ctx, key, func(ctx context.Context) (executor.Result, error) {
		return executor.New(base, dst, opts).Execute(ctx, plan)
	})
	if err != nil {
		if session != nil {
			if ferr := session.Finish(ctx, string(executor.StateFailed), err); ferr != nil {
				log.Warn("failed to record session", "err", ferr)
			}
		}
		return err
	}
	res, runErr := job.Wait()

	if session != nil {
		if err := session.Finish(context.WithoutCancel(ctx), string(res.State), runErr); err != nil {
			log.Warn("failed to record session", "err", err)
		}
		if err := session.Err(); err != nil {
			log.Warn("journal incomplete", "err", err)
		}
	}

	if resultJSONFile != "" {
		if err := writeJSONFile(resultJSONFile, newSyncResult(res, recorder.Events(), runErr)); err != nil {
			return fmt.Errorf("failed to write result JSON: %w", err)
		}
	}

	summary := logging.Summary{
		Stored:   res.Stats.Stored,
		Moved:    res.Stats.Moved,
		Deleted:  res.Stats.Deleted,
		Bytes:    res.Stats.BytesCopied,
		Duration: res.Stats.Duration,
	}
	if res.State == executor.StateFailed {
		summary.Errors = 1
	}
	logging.PrintSummary(env.stdout, summary, quiet)

	return runErr
}

// openJournal opens the journal. The journal is best effort; a push never
// fails because its history cannot be written.
func openJournal() (*journal.Journal, func()) {
	j, err := journal.Open(env.cfg.Journal.Path, journal.WithLogger(env.log))
	if err != nil {
		logging.Sub(env.log, "journal").Warn("journal unavailable", "path", env.cfg.Journal.Path, "err", err)
		return nil, func() {}
	}
	return j, func() { j.Close() }
}

func beginSession(ctx context.Context, j *journal.Journal, info journal.SessionInfo) *journal.Session {
	if j == nil {
		return nil
	}
	session, err := j.Begin(ctx, info)
	if err != nil {
		logging.Sub(env.log, "journal").Warn("journal unavailable", "err", err)
		return nil
	}
	return session
}

// confirmPrompter asks on the terminal before each group. With assumeYes
// only groups holding ambiguous relocations are asked.
type confirmPrompter struct {
	in        *bufio.Reader
	out       io.Writer
	assumeYes bool
}

func newConfirmPrompter(in io.Reader, out io.Writer, assumeYes bool) *confirmPrompter {
	return &confirmPrompter{in: bufio.NewReader(in), out: out, assumeYes: assumeYes}
}

func (p *confirmPrompter) Confirm(ctx context.Context, group planner.Group) (bool, error) {
	ambiguous := ambiguousRelocations(group)
	if p.assumeYes && len(ambiguous) == 0 {
		return true, nil
	}

	for _, r := range ambiguous {
		fmt.Fprintf(p.out, "ambiguous relocation: {%s} -> {%s}\n",
			strings.Join(r.ExtraOtherLocations, ", "), strings.Join(r.ExtraBaseLocations, ", "))
	}
	fmt.Fprintf(p.out, "%s (%d operations, %s to copy) [y/N]: ",
		group.PromptText(), len(group.Operations), humanize.IBytes(uint64(group.BytesToCopy())))

	type answer struct {
		line string
		err  error
	}
	answers := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		answers <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-answers:
		if a.err != nil && !errors.Is(a.err, io.EOF) {
			return false, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

func ambiguousRelocations(group planner.Group) []compare.Relocation {
	return planner.DiscoveredSync{Groups: []planner.Group{group}}.AmbiguousRelocations()
}

// progressPrinter prints a line whenever a group completes an operation.
func progressPrinter(w io.Writer) executor.ProgressSink {
	var mu sync.Mutex
	last := map[planner.GroupKind]int{}
	return func(p executor.GroupProgress) {
		mu.Lock()
		defer mu.Unlock()
		if done, seen := last[p.Kind]; seen && done == p.Completed {
			return
		}
		last[p.Kind] = p.Completed

		line := fmt.Sprintf("[%s] %s", p.Kind, p.Summary)
		if p.Velocity > 0 {
			line += fmt.Sprintf(", %s/s", humanize.IBytes(uint64(p.Velocity)))
		}
		if p.EstimatedRemaining > 0 {
			line += fmt.Sprintf(", ETA %s", p.EstimatedRemaining.Round(time.Second))
		}
		fmt.Fprintln(w, line)
	}
}
