package compare

import (
	"fmt"
	"io"
	"strings"
)

// Print writes a human readable report of the comparison.
func (r Result) Print(w io.Writer, baseName, otherName string) {
	if len(r.UnmatchedBaseExtras) > 0 {
		fmt.Fprintf(w, "\nExtra files in %s repository:\n", baseName)
		for _, g := range r.UnmatchedBaseExtras {
			fmt.Fprintf(w, "\t%s\n", filenamesPrint(g.Filenames))
		}
	}

	if len(r.UnmatchedOtherExtras) > 0 {
		fmt.Fprintf(w, "\nExtra files in %s repository:\n", otherName)
		for _, g := range r.UnmatchedOtherExtras {
			fmt.Fprintf(w, "\t%s\n", filenamesPrint(g.Filenames))
		}
	}

	if len(r.Relocations) > 0 {
		fmt.Fprintf(w, "\nFiles to be moved in %s to match %s:\n", otherName, baseName)
		for _, rel := range r.Relocations {
			fmt.Fprintf(w, "\t%s -> %s\n", filenamesPrint(rel.ExtraOtherLocations), filenamesPrint(rel.ExtraBaseLocations))
		}
	}

	if len(r.NewContentToOverwrite) > 0 {
		fmt.Fprintf(w, "\nFiles with different content in %s:\n", otherName)
		for _, name := range r.NewContentToOverwrite {
			fmt.Fprintf(w, "\t%s\n", name)
		}
	}

	r.PrintStats(w, baseName, otherName)
}

// PrintStats writes the summary counters of the comparison.
func (r Result) PrintStats(w io.Writer, baseName, otherName string) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Extra files in %s repository: %d\n", baseName, countFiles(r.UnmatchedBaseExtras))
	fmt.Fprintf(w, "Extra files in %s repository: %d\n", otherName, countFiles(r.UnmatchedOtherExtras))
	fmt.Fprintf(w, "Total files present in both repositories: %d\n", len(r.AllBaseFiles)-countFiles(r.UnmatchedBaseExtras))
	fmt.Fprintln(w)
}

func countFiles(groups []ExtraGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.Filenames)
	}
	return n
}

func filenamesPrint(filenames []string) string {
	switch len(filenames) {
	case 0:
		return "{}"
	case 1:
		return filenames[0]
	default:
		return "{" + strings.Join(filenames, ", ") + "}"
	}
}
