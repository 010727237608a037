package planner

import (
	"fmt"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/compare"
)

// Plan turns a comparison into an ordered, confirmable plan. It is pure.
func Plan(result compare.Result, mode RelocationSyncMode) DiscoveredSync {
	sync := DiscoveredSync{Mode: mode}

	if result.HasRelocations() {
		sync.Groups = append(sync.Groups, planRelocations(result, mode))
	}

	if len(result.UnmatchedBaseExtras) > 0 {
		ops := make([]Operation, 0, len(result.UnmatchedBaseExtras))
		for _, g := range result.UnmatchedBaseExtras {
			ops = append(ops, CopyNewFileOperation{Group: g})
		}
		sync.Groups = append(sync.Groups, Group{Kind: GroupNewFiles, Operations: ops})
	}

	return sync
}

func planRelocations(result compare.Result, mode RelocationSyncMode) Group {
	relocations := result.Relocations
	switch mode.Kind {
	case ModeAdditiveDuplicating:
		ops := make([]Operation, 0, len(relocations))
		for _, r := range relocations {
			ops = append(ops, AdditiveReplicationOperation{Relocation: r})
		}
		return Group{Kind: GroupAdditive, Operations: ops}

	case ModeMove:
		group := Group{Kind: GroupRelocations}
		var apply []RelocationApplyOperation
		for _, r := range relocations {
			if mode.CanApply(r) {
				apply = append(apply, RelocationApplyOperation{Relocation: r})
			} else {
				group.ToIgnore = append(group.ToIgnore, r)
			}
		}
		group.Operations = orderRelocations(apply, occupiedPaths(result))
		return group

	default:
		ignored := make([]compare.Relocation, len(relocations))
		copy(ignored, relocations)
		return Group{Kind: GroupRelocations, ToIgnore: ignored}
	}
}

func occupiedPaths(result compare.Result) map[string]struct{} {
	taken := make(map[string]struct{}, len(result.AllBaseFiles)+len(result.AllOtherFiles))
	for _, p := range result.AllBaseFiles {
		taken[p] = struct{}{}
	}
	for _, p := range result.AllOtherFiles {
		taken[p] = struct{}{}
	}
	return taken
}

// orderRelocations runs every relocation after those vacating the paths it
// fills, keeping the input order where nothing depends on it. Relocations
// waiting on each other are merged into one RelocationCycleOperation whose
// blocking sources are staged under paths outside taken.
func orderRelocations(ops []RelocationApplyOperation, taken map[string]struct{}) []Operation {
	if len(ops) == 0 {
		return nil
	}

	vacatedBy := make(map[string]int)
	for i, op := range ops {
		for _, p := range op.Relocation.ExtraOtherLocations {
			vacatedBy[p] = i
		}
	}
	// after[i] lists the relocations that must wait for i.
	after := make([][]int, len(ops))
	for j, op := range ops {
		for _, p := range op.Targets() {
			if i, ok := vacatedBy[p]; ok && i != j {
				after[i] = append(after[i], j)
			}
		}
	}

	comps := stronglyConnected(after)
	compOf := make([]int, len(ops))
	for c, members := range comps {
		for _, i := range members {
			compOf[i] = c
		}
	}

	waiting := make([]int, len(comps))
	next := make([][]int, len(comps))
	for i, js := range after {
		for _, j := range js {
			if ci, cj := compOf[i], compOf[j]; ci != cj {
				next[ci] = append(next[ci], cj)
				waiting[cj]++
			}
		}
	}

	// Components are released by their lowest member index.
	rank := func(c int) int { return comps[c][0] }
	var ready []int
	push := func(c int) {
		pos, _ := slices.BinarySearchFunc(ready, rank(c), func(e, target int) int { return rank(e) - target })
		ready = slices.Insert(ready, pos, c)
	}
	for c := range comps {
		if waiting[c] == 0 {
			push(c)
		}
	}

	out := make([]Operation, 0, len(comps))
	for len(ready) > 0 {
		c := ready[0]
		ready = ready[1:]
		out = append(out, componentOperation(ops, comps[c], taken))
		for _, d := range next[c] {
			waiting[d]--
			if waiting[d] == 0 {
				push(d)
			}
		}
	}
	return out
}

func componentOperation(ops []RelocationApplyOperation, members []int, taken map[string]struct{}) Operation {
	if len(members) == 1 {
		return ops[members[0]]
	}

	cycle := RelocationCycleOperation{Staging: make(map[string]string)}
	filled := make(map[string]struct{})
	for _, i := range members {
		cycle.Relocations = append(cycle.Relocations, ops[i].Relocation)
		for _, p := range ops[i].Targets() {
			filled[p] = struct{}{}
		}
	}
	for _, r := range cycle.Relocations {
		for _, s := range (RelocationApplyOperation{Relocation: r}).Steps() {
			if s.Action != ActionMove {
				continue
			}
			if _, blocking := filled[s.From]; blocking {
				cycle.Staging[s.From] = stagingPath(s.From, taken)
			}
		}
	}
	return cycle
}

// stagingPath returns a free sibling of p and reserves it in taken.
func stagingPath(p string, taken map[string]struct{}) string {
	candidate := p + ".relocating"
	for n := 2; ; n++ {
		if _, used := taken[candidate]; !used {
			break
		}
		candidate = fmt.Sprintf("%s.relocating-%d", p, n)
	}
	taken[candidate] = struct{}{}
	return candidate
}

// stronglyConnected returns the strongly connected components of the graph,
// each sorted ascending.
func stronglyConnected(edges [][]int) [][]int {
	n := len(edges)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var stack []int
	var comps [][]int
	counter := 0

	var visit func(v int)
	visit = func(v int) {
		index[v], low[v] = counter, counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range edges[v] {
			switch {
			case index[w] < 0:
				visit(w)
				low[v] = min(low[v], low[w])
			case onStack[w]:
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] == index[v] {
			var comp []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			slices.Sort(comp)
			comps = append(comps, comp)
		}
	}
	for v := range n {
		if index[v] < 0 {
			visit(v)
		}
	}
	return comps
}

// Refusal explains why a plan should not run without a different mode, or
// returns nil when it may run.
func Refusal(sync DiscoveredSync) error {
	unresolved := sync.UnresolvedRelocations()
	if len(unresolved) == 0 {
		return nil
	}

	if sync.Mode.Kind != ModeMove {
		return fmt.Errorf("%d relocations detected, execute with --resolve-moves or --additive-duplicating", len(unresolved))
	}

	var increase, reduction int
	for _, r := range unresolved {
		if r.IsIncreasingDuplicates() {
			increase++
		} else if r.IsDecreasingDuplicates() {
			reduction++
		}
	}
	switch {
	case increase > 0 && reduction > 0:
		return fmt.Errorf("duplicate increase not allowed for %d relocations and duplicate reduction not allowed for %d relocations, use --allow-duplicate-increase and --allow-duplicate-reduction", increase, reduction)
	case increase > 0:
		return fmt.Errorf("duplicate increase not allowed for %d relocations, use --allow-duplicate-increase", increase)
	default:
		return fmt.Errorf("duplicate reduction not allowed for %d relocations, use --allow-duplicate-reduction", reduction)
	}
}

// Subset selects which operations of a plan are executed.
type Subset func(Operation) bool

// All selects every operation.
func All(Operation) bool { return true }

// SubsetOf selects operations by identity.
func SubsetOf(ops ...Operation) Subset {
	keys := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		keys[op.Key()] = struct{}{}
	}
	return func(op Operation) bool {
		_, ok := keys[op.Key()]
		return ok
	}
}

// MatchingTargets selects operations creating at least one path matched by
// a doublestar pattern.
func MatchingTargets(patterns []string) (Subset, error) {
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pattern: %s", pattern)
		}
	}
	return func(op Operation) bool {
		for _, target := range op.Targets() {
			matched, _ := MatchesAny(target, patterns)
			if matched {
				return true
			}
		}
		return false
	}, nil
}

// MatchesAny reports whether path matches any of the patterns.
func MatchesAny(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		matched, err := doublestar.Match(pattern, path)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}
