package planner

import (
	"fmt"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/compare"
)

type ModeKind string

const (
	ModeDisabled            ModeKind = "disabled"
	ModeAdditiveDuplicating ModeKind = "additive-duplicating"
	ModeMove                ModeKind = "move"
)

// RelocationSyncMode is the policy applied to detected relocations.
type RelocationSyncMode struct {
	Kind                    ModeKind
	AllowDuplicateIncrease  bool
	AllowDuplicateReduction bool
}

// Disabled reports relocations but never schedules them.
func Disabled() RelocationSyncMode {
	return RelocationSyncMode{Kind: ModeDisabled}
}

// AdditiveDuplicating only ever adds locations.
func AdditiveDuplicating() RelocationSyncMode {
	return RelocationSyncMode{Kind: ModeAdditiveDuplicating}
}

// Move applies renames, optionally changing the number of copies.
func Move(allowDuplicateIncrease, allowDuplicateReduction bool) RelocationSyncMode {
	return RelocationSyncMode{
		Kind:                    ModeMove,
		AllowDuplicateIncrease:  allowDuplicateIncrease,
		AllowDuplicateReduction: allowDuplicateReduction,
	}
}

func (m RelocationSyncMode) String() string {
	if m.Kind == ModeMove {
		return fmt.Sprintf("move(allowDuplicateIncrease=%t, allowDuplicateReduction=%t)", m.AllowDuplicateIncrease, m.AllowDuplicateReduction)
	}
	return string(m.Kind)
}

// CanApply reports whether a relocation passes the duplicate increase and
// reduction gates of a Move mode.
func (m RelocationSyncMode) CanApply(r compare.Relocation) bool {
	switch {
	case r.IsIncreasingDuplicates():
		return m.AllowDuplicateIncrease
	case r.IsDecreasingDuplicates():
		return m.AllowDuplicateReduction
	default:
		return true
	}
}

type Action string

const (
	ActionCopy   Action = "copy"
	ActionMove   Action = "move"
	ActionDelete Action = "delete"
)

// Step is a single repository call performed by the executor. Copy steps read
// From in the base repository and write To in the destination; move and
// delete steps act on the destination only.
type Step struct {
	Action Action `json:"action"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s Step) String() string {
	switch s.Action {
	case ActionCopy:
		return fmt.Sprintf("copy: %s", s.To)
	case ActionMove:
		return fmt.Sprintf("move: %s -> %s", s.From, s.To)
	default:
		return fmt.Sprintf("delete: %s", s.From)
	}
}

// Operation is an immutable description of what to do for one checksum.
type Operation interface {
	// Key identifies the operation within a plan.
	Key() string
	Checksum() string
	BytesToCopy() int64
	Steps() []Step
	// Targets lists the destination paths the operation creates.
	Targets() []string
}

type GroupKind string

const (
	GroupRelocations GroupKind = "relocations"
	GroupAdditive    GroupKind = "additive-duplicating"
	GroupNewFiles    GroupKind = "new-files"
)

// Group is a set of operations confirmed and executed together.
type Group struct {
	Kind       GroupKind
	Operations []Operation
	// ToIgnore holds relocations the mode refused to schedule.
	ToIgnore []compare.Relocation
}

// PromptText is the bulk confirmation question for the group.
func (g Group) PromptText() string {
	switch g.Kind {
	case GroupRelocations:
		return "push moves?"
	case GroupAdditive:
		return "push in additive duplicating mode?"
	default:
		return "push new files?"
	}
}

// Summary describes how far execution of the group got.
func (g Group) Summary(completed int) string {
	switch g.Kind {
	case GroupRelocations:
		return fmt.Sprintf("moved %d of %d", completed, len(g.Operations))
	case GroupAdditive:
		return fmt.Sprintf("replicated %d of %d", completed, len(g.Operations))
	default:
		return fmt.Sprintf("copied %d of %d", completed, len(g.Operations))
	}
}

// BytesToCopy sums the bytes the group's operations transfer.
func (g Group) BytesToCopy() int64 {
	var total int64
	for _, op := range g.Operations {
		total += op.BytesToCopy()
	}
	return total
}

// DiscoveredSync is the ordered plan: relocations first, then new files.
type DiscoveredSync struct {
	Mode   RelocationSyncMode
	Groups []Group
}

// IsNoOp reports whether nothing would be executed.
func (d DiscoveredSync) IsNoOp() bool {
	for _, g := range d.Groups {
		if len(g.Operations) > 0 {
			return false
		}
	}
	return true
}

// UnresolvedRelocations returns relocations left out by the mode.
func (d DiscoveredSync) UnresolvedRelocations() []compare.Relocation {
	var out []compare.Relocation
	for _, g := range d.Groups {
		out = append(out, g.ToIgnore...)
	}
	return out
}

// AmbiguousRelocations returns scheduled relocations whose move pairing is an
// arbitrary choice and which should be confirmed explicitly.
func (d DiscoveredSync) AmbiguousRelocations() []compare.Relocation {
	var out []compare.Relocation
	for _, g := range d.Groups {
		for _, op := range g.Operations {
			switch op := op.(type) {
			case RelocationApplyOperation:
				if op.Relocation.IsAmbiguous() {
					out = append(out, op.Relocation)
				}
			case RelocationCycleOperation:
				for _, r := range op.Relocations {
					if r.IsAmbiguous() {
						out = append(out, r)
					}
				}
			}
		}
	}
	return out
}

// Select returns the operations of every group chosen by subset, in plan
// order.
func (d DiscoveredSync) Select(subset Subset) []Operation {
	var out []Operation
	for _, g := range d.Groups {
		for _, op := range g.Operations {
			if subset(op) {
				out = append(out, op)
			}
		}
	}
	return out
}

// Steps flattens every group's operations into steps.
func (d DiscoveredSync) Steps() []Step {
	var out []Step
	for _, g := range d.Groups {
		for _, op := range g.Operations {
			out = append(out, op.Steps()...)
		}
	}
	return out
}
