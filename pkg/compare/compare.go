// Package compare diffs two content-addressed repository indexes.
package compare

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

// ExtraGroup is content present on only one side, possibly under several names.
type ExtraGroup struct {
	Checksum  string
	Size      int64
	Filenames []string
}

// Relocation is content present on both sides under differing path sets.
// BaseFilenames and OtherFilenames are the complete sorted path sets; the
// Extra* fields hold the paths unique to each side, in the same order.
type Relocation struct {
	Checksum            string
	Size                int64
	BaseFilenames       []string
	OtherFilenames      []string
	ExtraBaseLocations  []string
	ExtraOtherLocations []string
}

// NewRelocation derives the extra locations from the two path sets.
func NewRelocation(checksum string, size int64, baseFilenames, otherFilenames []string) Relocation {
	base := sortedCopy(baseFilenames)
	other := sortedCopy(otherFilenames)
	return Relocation{
		Checksum:            checksum,
		Size:                size,
		BaseFilenames:       base,
		OtherFilenames:      other,
		ExtraBaseLocations:  subtract(base, other),
		ExtraOtherLocations: subtract(other, base),
	}
}

// IsIncreasingDuplicates reports whether applying the relocation leaves more
// copies of the content in the destination than it holds now.
func (r Relocation) IsIncreasingDuplicates() bool {
	return len(r.ExtraBaseLocations) > len(r.ExtraOtherLocations)
}

// IsDecreasingDuplicates reports whether applying the relocation requires
// deleting some of the destination's existing copies.
func (r Relocation) IsDecreasingDuplicates() bool {
	return len(r.ExtraOtherLocations) > len(r.ExtraBaseLocations)
}

// IsPureRename reports a single path renamed on one side.
func (r Relocation) IsPureRename() bool {
	return len(r.ExtraBaseLocations) == 1 && len(r.ExtraOtherLocations) == 1
}

// IsAmbiguous reports relocations where pairing extra locations for moves is
// an arbitrary choice: both sides have extras and at least one has several.
func (r Relocation) IsAmbiguous() bool {
	return len(r.ExtraBaseLocations) > 0 && len(r.ExtraOtherLocations) > 0 &&
		(len(r.ExtraBaseLocations) > 1 || len(r.ExtraOtherLocations) > 1)
}

// Result is the diff of two indexes. Collections are sorted so that comparing
// the same indexes twice yields equal results.
type Result struct {
	AllBaseFiles  []string
	AllOtherFiles []string
	Relocations   []Relocation
	// NewContentAfterMove lists paths whose content in other is relocated away
	// and replaced by different content from base.
	NewContentAfterMove []string
	// NewContentToOverwrite lists paths present on both sides with content
	// that exists nowhere in base.
	NewContentToOverwrite []string
	UnmatchedBaseExtras   []ExtraGroup
	UnmatchedOtherExtras  []ExtraGroup
}

// HasRelocations reports whether any relocation was detected.
func (r Result) HasRelocations() bool {
	return len(r.Relocations) > 0
}

// InSync reports whether the destination holds exactly the base content layout.
func (r Result) InSync() bool {
	return len(r.Relocations) == 0 && len(r.UnmatchedBaseExtras) == 0 && len(r.UnmatchedOtherExtras) == 0
}

// Compare fetches both indexes concurrently and diffs them.
func Compare(ctx context.Context, base, other repository.Repository) (Result, error) {
	var baseIndex, otherIndex repository.Index

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		idx, err := base.Index(gctx)
		if err != nil {
			return fmt.Errorf("index base: %w", err)
		}
		baseIndex = idx
		return nil
	})
	g.Go(func() error {
		idx, err := other.Index(gctx)
		if err != nil {
			return fmt.Errorf("index other: %w", err)
		}
		otherIndex = idx
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	return Calculate(baseIndex, otherIndex), nil
}

// Calculate diffs two index snapshots in a single pass grouped by checksum.
func Calculate(baseIndex, otherIndex repository.Index) Result {
	baseByChecksum := baseIndex.ByChecksum()
	otherByChecksum := otherIndex.ByChecksum()

	result := Result{
		AllBaseFiles:  paths(baseIndex.Files()),
		AllOtherFiles: paths(otherIndex.Files()),
	}

	for sum, baseFiles := range baseByChecksum {
		otherFiles, inOther := otherByChecksum[sum]
		if !inOther {
			result.UnmatchedBaseExtras = append(result.UnmatchedBaseExtras, ExtraGroup{
				Checksum:  sum,
				Size:      baseFiles[0].Size,
				Filenames: paths(baseFiles),
			})
			continue
		}

		relocation := NewRelocation(sum, baseFiles[0].Size, paths(baseFiles), paths(otherFiles))
		if len(relocation.ExtraBaseLocations) == 0 && len(relocation.ExtraOtherLocations) == 0 {
			continue
		}
		result.Relocations = append(result.Relocations, relocation)
	}

	for sum, otherFiles := range otherByChecksum {
		if _, inBase := baseByChecksum[sum]; inBase {
			continue
		}
		result.UnmatchedOtherExtras = append(result.UnmatchedOtherExtras, ExtraGroup{
			Checksum:  sum,
			Size:      otherFiles[0].Size,
			Filenames: paths(otherFiles),
		})
	}

	sort.Slice(result.Relocations, func(i, j int) bool {
		return result.Relocations[i].BaseFilenames[0] < result.Relocations[j].BaseFilenames[0]
	})
	sortGroups(result.UnmatchedBaseExtras)
	sortGroups(result.UnmatchedOtherExtras)

	for _, r := range result.Relocations {
		for _, name := range r.OtherFilenames {
			if f, ok := baseIndex.Lookup(name); ok && f.ChecksumSHA256 != r.Checksum {
				result.NewContentAfterMove = append(result.NewContentAfterMove, name)
			}
		}
	}
	for _, g := range result.UnmatchedOtherExtras {
		for _, name := range g.Filenames {
			if f, ok := baseIndex.Lookup(name); ok && f.ChecksumSHA256 != g.Checksum {
				result.NewContentToOverwrite = append(result.NewContentToOverwrite, name)
			}
		}
	}

	return result
}

func paths(files []repository.IndexedFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	sort.Strings(out)
	return out
}

func sortGroups(groups []ExtraGroup) {
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Filenames[0] < groups[j].Filenames[0]
	})
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func subtract(from, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, s := range remove {
		drop[s] = struct{}{}
	}
	out := []string{}
	for _, s := range from {
		if _, ok := drop[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
