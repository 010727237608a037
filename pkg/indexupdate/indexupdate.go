// Package indexupdate brings files that were placed into a repository tree
// by hand under the index.
package indexupdate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

const defaultConcurrency = 4

// IllegalCharacters may not appear in indexed paths; several filesystems
// reject them.
var IllegalCharacters = []string{":", "?", "<", ">", "*", "|"}

var ErrIllegalFilename = errors.New("illegal filename")

// Indexer is a repository whose tree can hold files the index does not know.
type Indexer interface {
	UnindexedFiles(ctx context.Context, excludes []string) ([]string, error)
	// MissingFiles returns indexed files whose content is gone, with their
	// recorded checksum.
	MissingFiles(ctx context.Context) ([]repository.IndexedFile, error)
	Hash(ctx context.Context, path string) (repository.IndexedFile, error)
	Record(ctx context.Context, f repository.IndexedFile) error
	Reindex(ctx context.Context, from string, to repository.IndexedFile) error
}

type Options struct {
	Concurrency int
	Excludes    []string
	// DisableMovesCheck indexes every unindexed file as new, even when it
	// holds the content of a missing one.
	DisableMovesCheck    bool
	DisableFilenameCheck bool
	// OnProgress is called after each hashed file, from worker goroutines.
	OnProgress func(Progress)
}

type Progress struct {
	Path  string
	Done  int
	Total int
	Err   error
}

// Failure is a file that could not be indexed.
type Failure struct {
	Path string
	Err  error
}

// Move is a missing indexed file found again under another path.
type Move struct {
	From string
	To   string
}

func (m Move) String() string {
	return m.From + " -> " + m.To
}

type Report struct {
	Added  []repository.IndexedFile
	Moved  []Move
	Failed []Failure
	// Missing holds indexed paths whose content is gone and was not found
	// elsewhere.
	Missing []string
	Bytes   int64
}

type result struct {
	path string
	file repository.IndexedFile
	err  error
}

// IllegalCharacter returns the first illegal character in p, if any.
func IllegalCharacter(p string) (string, bool) {
	for _, c := range IllegalCharacters {
		if strings.Contains(p, c) {
			return c, true
		}
	}
	return "", false
}

// Run indexes every unindexed file. A file holding the content of a missing
// indexed file takes over its index entry instead of being added. Failures
// of single files are collected in the report and never stop the others;
// only listing errors and cancellation are returned as errors, together with
// what was done so far.
func Run(ctx context.Context, idx Indexer, opts Options) (Report, error) {
	var report Report

	missing, err := idx.MissingFiles(ctx)
	if err != nil {
		return report, err
	}

	listed, err := idx.UnindexedFiles(ctx, opts.Excludes)
	if err != nil {
		return report, err
	}

	paths := make([]string, 0, len(listed))
	for _, p := range listed {
		if c, bad := IllegalCharacter(p); bad && !opts.DisableFilenameCheck {
			report.Failed = append(report.Failed, Failure{Path: p, Err: fmt.Errorf("%w: contains %q", ErrIllegalFilename, c)})
			continue
		}
		paths = append(paths, p)
	}

	hashed := hashAll(ctx, idx, paths, opts, &report)

	// Each missing checksum is claimed by the first path that holds it.
	missingBySum := make(map[string]string, len(missing))
	if !opts.DisableMovesCheck {
		for _, f := range missing {
			if _, seen := missingBySum[f.ChecksumSHA256]; !seen {
				missingBySum[f.ChecksumSHA256] = f.Path
			}
		}
	}
	moved := make(map[string]bool)

	for _, f := range hashed {
		if err := ctx.Err(); err != nil {
			break
		}
		if from, ok := missingBySum[f.ChecksumSHA256]; ok {
			delete(missingBySum, f.ChecksumSHA256)
			if err := idx.Reindex(ctx, from, f); err != nil {
				report.Failed = append(report.Failed, Failure{Path: f.Path, Err: err})
				continue
			}
			moved[from] = true
			report.Moved = append(report.Moved, Move{From: from, To: f.Path})
			continue
		}
		if err := idx.Record(ctx, f); err != nil {
			report.Failed = append(report.Failed, Failure{Path: f.Path, Err: err})
			continue
		}
		report.Added = append(report.Added, f)
		report.Bytes += f.Size
	}

	for _, f := range missing {
		if !moved[f.Path] {
			report.Missing = append(report.Missing, f.Path)
		}
	}
	sort.Strings(report.Missing)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Path < report.Failed[j].Path })

	return report, ctx.Err()
}

// hashAll hashes paths on a worker pool and returns the successes sorted by
// path. Failures go into report.
func hashAll(ctx context.Context, idx Indexer, paths []string, opts Options, report *Report) []repository.IndexedFile {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	jobs := make(chan string, len(paths))
	results := make(chan result, len(paths))
	var done atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				if ctx.Err() != nil {
					return
				}
				f, err := idx.Hash(ctx, p)
				results <- result{path: p, file: f, err: err}
				if opts.OnProgress != nil {
					opts.OnProgress(Progress{Path: p, Done: int(done.Add(1)), Total: len(paths), Err: err})
				}
			}
		}()
	}

	for _, p := range paths {
		jobs <- p
	}
	close(jobs)

	wg.Wait()
	close(results)

	var hashed []repository.IndexedFile
	for r := range results {
		if r.err != nil {
			report.Failed = append(report.Failed, Failure{Path: r.path, Err: r.err})
			continue
		}
		hashed = append(hashed, r.file)
	}
	sort.Slice(hashed, func(i, j int) bool { return hashed[i].Path < hashed[j].Path })
	return hashed
}
