package planner

import (
	"strings"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/compare"
)

// RelocationApplyOperation renames content in the destination to match base,
// copying or deleting surplus locations when the counts differ.
type RelocationApplyOperation struct {
	Relocation compare.Relocation
}

func (o RelocationApplyOperation) Key() string      { return "relocation:" + o.Relocation.Checksum }
func (o RelocationApplyOperation) Checksum() string { return o.Relocation.Checksum }

func (o RelocationApplyOperation) BytesToCopy() int64 {
	return o.Relocation.Size * int64(len(o.copies()))
}

func (o RelocationApplyOperation) copies() []string {
	r := o.Relocation
	if !r.IsIncreasingDuplicates() {
		return nil
	}
	return r.ExtraBaseLocations[len(r.ExtraOtherLocations):]
}

func (o RelocationApplyOperation) deletions() []string {
	r := o.Relocation
	if !r.IsDecreasingDuplicates() {
		return nil
	}
	return r.ExtraOtherLocations[len(r.ExtraBaseLocations):]
}

// Steps copies surplus base locations, deletes surplus destination locations
// and then pairs the remaining extras as moves.
func (o RelocationApplyOperation) Steps() []Step {
	r := o.Relocation
	var steps []Step

	for _, to := range o.copies() {
		steps = append(steps, Step{Action: ActionCopy, From: to, To: to, Size: r.Size, Reason: "duplicate increase"})
	}
	for _, from := range o.deletions() {
		steps = append(steps, Step{Action: ActionDelete, From: from, Reason: "duplicate reduction"})
	}

	pairs := min(len(r.ExtraBaseLocations), len(r.ExtraOtherLocations))
	for i := 0; i < pairs; i++ {
		steps = append(steps, Step{Action: ActionMove, From: r.ExtraOtherLocations[i], To: r.ExtraBaseLocations[i], Reason: "relocation"})
	}
	return steps
}

func (o RelocationApplyOperation) Targets() []string {
	return o.Relocation.ExtraBaseLocations
}

// RelocationCycleOperation applies relocations that each fill a path another
// one vacates. Moves whose source is still to be filled are parked under
// Staging first, so no step ever lands on an occupied path.
type RelocationCycleOperation struct {
	Relocations []compare.Relocation
	// Staging maps a move source to its temporary path.
	Staging map[string]string
}

func (o RelocationCycleOperation) Key() string {
	sums := make([]string, len(o.Relocations))
	for i, r := range o.Relocations {
		sums[i] = r.Checksum
	}
	return "relocation-cycle:" + strings.Join(sums, ",")
}

// Checksum returns the checksum of the first member.
func (o RelocationCycleOperation) Checksum() string { return o.Relocations[0].Checksum }

func (o RelocationCycleOperation) BytesToCopy() int64 {
	var total int64
	for _, r := range o.Relocations {
		total += RelocationApplyOperation{Relocation: r}.BytesToCopy()
	}
	return total
}

// Steps deletes surplus copies, parks staged sources, copies and then moves
// everything into place.
func (o RelocationCycleOperation) Steps() []Step {
	var deletes, parks, copies, moves []Step
	for _, r := range o.Relocations {
		for _, s := range (RelocationApplyOperation{Relocation: r}).Steps() {
			switch s.Action {
			case ActionDelete:
				deletes = append(deletes, s)
			case ActionCopy:
				copies = append(copies, s)
			case ActionMove:
				if tmp, ok := o.Staging[s.From]; ok {
					parks = append(parks, Step{Action: ActionMove, From: s.From, To: tmp, Reason: "staging"})
					s.From = tmp
				}
				moves = append(moves, s)
			}
		}
	}

	steps := make([]Step, 0, len(deletes)+len(parks)+len(copies)+len(moves))
	steps = append(steps, deletes...)
	steps = append(steps, parks...)
	steps = append(steps, copies...)
	return append(steps, moves...)
}

func (o RelocationCycleOperation) Targets() []string {
	var out []string
	for _, r := range o.Relocations {
		out = append(out, r.ExtraBaseLocations...)
	}
	return out
}

// AdditiveReplicationOperation copies content into every location base has
// and the destination lacks, without touching existing locations.
type AdditiveReplicationOperation struct {
	Relocation compare.Relocation
}

func (o AdditiveReplicationOperation) Key() string      { return "additive:" + o.Relocation.Checksum }
func (o AdditiveReplicationOperation) Checksum() string { return o.Relocation.Checksum }

func (o AdditiveReplicationOperation) BytesToCopy() int64 {
	return o.Relocation.Size * int64(len(o.Relocation.ExtraBaseLocations))
}

func (o AdditiveReplicationOperation) Steps() []Step {
	steps := make([]Step, 0, len(o.Relocation.ExtraBaseLocations))
	for _, to := range o.Relocation.ExtraBaseLocations {
		steps = append(steps, Step{Action: ActionCopy, From: to, To: to, Size: o.Relocation.Size, Reason: "additive duplicate"})
	}
	return steps
}

func (o AdditiveReplicationOperation) Targets() []string {
	return o.Relocation.ExtraBaseLocations
}

// CopyNewFileOperation copies content the destination has never seen, under
// every name base holds it.
type CopyNewFileOperation struct {
	Group compare.ExtraGroup
}

func (o CopyNewFileOperation) Key() string      { return "new:" + o.Group.Checksum }
func (o CopyNewFileOperation) Checksum() string { return o.Group.Checksum }

func (o CopyNewFileOperation) BytesToCopy() int64 {
	return o.Group.Size * int64(len(o.Group.Filenames))
}

func (o CopyNewFileOperation) Steps() []Step {
	steps := make([]Step, 0, len(o.Group.Filenames))
	for _, name := range o.Group.Filenames {
		steps = append(steps, Step{Action: ActionCopy, From: name, To: name, Size: o.Group.Size, Reason: "new file"})
	}
	return steps
}

func (o CopyNewFileOperation) Targets() []string {
	return o.Group.Filenames
}
