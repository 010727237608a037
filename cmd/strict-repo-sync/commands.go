package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/strict-repo-sync/internal/journal"
	"github.com/yuya-takeyama/strict-repo-sync/internal/logging"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/compare"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/indexupdate"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository/fsrepo"
)

var (
	initEncrypted bool
	compareWatch  bool
	addExcludes   []string
	noMovesCheck  bool
	noNameCheck   bool
	historyLimit  int
	historyEvents int64
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <repository>",
		Short: "Create an empty repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := initRepository(cmd.Context(), args[0], initEncrypted)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.stdout, "initialized %s\n", repository.Describe(repo))
			return nil
		},
	}
	cmd.Flags().BoolVar(&initEncrypted, "encrypted", false, "Encrypt file contents and metadata with a password")
	return cmd
}

func newCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare <base> <other>",
		Short: "Show how two repositories differ",
		Args:  cobra.ExactArgs(2),
		RunE:  runCompare,
	}
	cmd.Flags().BoolVar(&compareWatch, "watch", false, "Compare again whenever a filesystem repository changes")
	return cmd
}

func runCompare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	base, err := openRepository(ctx, args[0])
	if err != nil {
		return fmt.Errorf("open base: %w", err)
	}
	other, err := openRepository(ctx, args[1])
	if err != nil {
		return fmt.Errorf("open other: %w", err)
	}

	show := func() error {
		result, err := compare.Compare(ctx, base, other)
		if err != nil {
			return fmt.Errorf("failed to compare: %w", err)
		}
		result.Print(env.stdout, "base", "other")
		if result.InSync() {
			fmt.Fprintln(env.stdout, "repositories are in sync")
		}
		return nil
	}
	if err := show(); err != nil || !compareWatch {
		return err
	}

	changed := make(chan struct{}, 1)
	notify := func([]string) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	watched := 0
	for _, repo := range []repository.Repository{base, other} {
		if fs, ok := repo.(*fsrepo.Repository); ok {
			watched++
			g.Go(func() error { return fs.Watch(ctx, notify) })
		}
	}
	if watched == 0 {
		return fmt.Errorf("--watch needs at least one filesystem repository")
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
				fmt.Fprintf(env.stdout, "\n--- %s ---\n", time.Now().Format(time.TimeOnly))
				if err := show(); err != nil {
					return err
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <repository>",
		Short: "Index files placed into a filesystem repository by hand",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdd,
	}
	cmd.Flags().StringSliceVar(&addExcludes, "exclude", nil, "Exclude patterns (multiple allowed)")
	cmd.Flags().BoolVar(&noMovesCheck, "disable-moves-check", false, "Index renamed files as new instead of moving their index entry")
	cmd.Flags().BoolVar(&noNameCheck, "disable-filename-check", false, "Allow paths containing "+strings.Join(indexupdate.IllegalCharacters, " "))
	return cmd
}

func runAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.Sub(env.log, "add")

	repo, err := openRepository(ctx, args[0])
	if err != nil {
		return err
	}
	idx, ok := repo.(indexupdate.Indexer)
	if !ok {
		return fmt.Errorf("%s is not a plain filesystem repository", repository.Describe(repo))
	}

	excludes := append(append([]string{}, env.cfg.Index.Excludes...), addExcludes...)
	report, err := indexupdate.Run(ctx, idx, indexupdate.Options{
		Concurrency:          env.cfg.Index.Concurrency,
		Excludes:             excludes,
		DisableMovesCheck:    noMovesCheck,
		DisableFilenameCheck: noNameCheck,
		OnProgress: func(p indexupdate.Progress) {
			if p.Err != nil {
				log.Warn("failed to index", "path", p.Path, "err", p.Err)
				return
			}
			log.Debug("indexed", "path", p.Path, "done", p.Done, "total", p.Total)
		},
	})

	for _, p := range report.Missing {
		log.Warn("indexed file is missing", "path", p)
	}
	for _, f := range report.Failed {
		if errors.Is(f.Err, indexupdate.ErrIllegalFilename) {
			log.Warn("failed to index", "path", f.Path, "err", f.Err)
		}
	}
	if !quiet {
		for _, m := range report.Moved {
			fmt.Fprintf(env.stdout, "moved: %s\n", m)
		}
		for _, f := range report.Added {
			fmt.Fprintf(env.stdout, "added: %s\n", f.Path)
		}
		fmt.Fprintf(env.stdout, "\nAdded: %d files (%s), moved: %d\n", len(report.Added), humanize.IBytes(uint64(report.Bytes)), len(report.Moved))
	}
	if err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d files could not be indexed", len(report.Failed))
	}
	return nil
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent push sessions",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of sessions to show")
	cmd.Flags().Int64Var(&historyEvents, "session", 0, "Show the file events of this session")
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	j, err := journal.Open(env.cfg.Journal.Path, journal.WithLogger(env.log))
	if err != nil {
		return err
	}
	defer j.Close()

	if historyEvents > 0 {
		events, err := j.Events(ctx, historyEvents)
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Fprintln(env.stdout, e)
		}
		return nil
	}

	records, err := j.Sessions(ctx, historyLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tSTATE\tFILES\tBASE\tDESTINATION\tMODE")
	for _, r := range records {
		state := r.State
		if r.DryRun {
			state += " (dryrun)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, humanize.Time(r.StartedAt), state, r.Events, r.Base, r.Destination, r.Mode)
		if r.Error != "" {
			fmt.Fprintf(w, "\t\terror: %s\t\t\t\t\n", r.Error)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(env.stdout, "no sessions recorded")
	}
	return nil
}
