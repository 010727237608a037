package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/compare"
)

func rel(base, other []string) compare.Relocation {
	return compare.NewRelocation("sum-"+base[0], 10, base, other)
}

var (
	rename    = rel([]string{"a"}, []string{"old/a"})
	duplicate = rel([]string{"b", "duplication/b"}, []string{"b"})
	reduction = rel([]string{"c"}, []string{"c", "copy/c"})
	newFiles  = []compare.ExtraGroup{
		{Checksum: "n1", Size: 5, Filenames: []string{"n1"}},
		{Checksum: "n2", Size: 7, Filenames: []string{"n2", "n2-copy"}},
	}
)

func resultWith(relocations ...compare.Relocation) compare.Result {
	return compare.Result{Relocations: relocations, UnmatchedBaseExtras: newFiles}
}

func TestPlanDisabled(t *testing.T) {
	sync := Plan(resultWith(rename, duplicate), Disabled())

	require.Len(t, sync.Groups, 2)
	assert.Equal(t, GroupRelocations, sync.Groups[0].Kind)
	assert.Empty(t, sync.Groups[0].Operations)
	assert.Equal(t, []compare.Relocation{rename, duplicate}, sync.Groups[0].ToIgnore)
	assert.Equal(t, GroupNewFiles, sync.Groups[1].Kind)
	assert.Len(t, sync.Groups[1].Operations, 2)

	assert.Len(t, sync.UnresolvedRelocations(), 2)
	err := Refusal(sync)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--resolve-moves or --additive-duplicating")
}

func TestPlanAdditiveDuplicating(t *testing.T) {
	sync := Plan(resultWith(rename, duplicate, reduction), AdditiveDuplicating())

	require.Len(t, sync.Groups, 2)
	group := sync.Groups[0]
	assert.Equal(t, GroupAdditive, group.Kind)
	assert.Empty(t, group.ToIgnore)
	require.Len(t, group.Operations, 3)
	assert.NoError(t, Refusal(sync))

	assert.Equal(t, []Step{
		{Action: ActionCopy, From: "a", To: "a", Size: 10, Reason: "additive duplicate"},
	}, group.Operations[0].Steps())
	assert.Equal(t, []Step{
		{Action: ActionCopy, From: "duplication/b", To: "duplication/b", Size: 10, Reason: "additive duplicate"},
	}, group.Operations[1].Steps())
	assert.Empty(t, group.Operations[2].Steps())

	for _, step := range sync.Steps() {
		assert.Equal(t, ActionCopy, step.Action)
	}
}

func TestPlanMove(t *testing.T) {
	tests := []struct {
		name        string
		mode        RelocationSyncMode
		wantApplied []compare.Relocation
		wantIgnored []compare.Relocation
		wantRefusal string
	}{
		{
			name:        "renames only",
			mode:        Move(false, false),
			wantApplied: []compare.Relocation{rename},
			wantIgnored: []compare.Relocation{duplicate, reduction},
			wantRefusal: "duplicate increase not allowed for 1 relocations and duplicate reduction not allowed for 1 relocations",
		},
		{
			name:        "allow increase",
			mode:        Move(true, false),
			wantApplied: []compare.Relocation{rename, duplicate},
			wantIgnored: []compare.Relocation{reduction},
			wantRefusal: "use --allow-duplicate-reduction",
		},
		{
			name:        "allow reduction",
			mode:        Move(false, true),
			wantApplied: []compare.Relocation{rename, reduction},
			wantIgnored: []compare.Relocation{duplicate},
			wantRefusal: "use --allow-duplicate-increase",
		},
		{
			name:        "allow both",
			mode:        Move(true, true),
			wantApplied: []compare.Relocation{rename, duplicate, reduction},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sync := Plan(resultWith(rename, duplicate, reduction), tt.mode)
			group := sync.Groups[0]

			var applied []compare.Relocation
			for _, op := range group.Operations {
				applied = append(applied, op.(RelocationApplyOperation).Relocation)
			}
			assert.Equal(t, tt.wantApplied, applied)
			assert.Equal(t, tt.wantIgnored, group.ToIgnore)

			err := Refusal(sync)
			if tt.wantRefusal == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantRefusal)
			}
		})
	}
}

func TestPlanGroupOrder(t *testing.T) {
	sync := Plan(resultWith(rename), Move(false, false))
	require.Len(t, sync.Groups, 2)
	assert.Equal(t, GroupRelocations, sync.Groups[0].Kind)
	assert.Equal(t, GroupNewFiles, sync.Groups[1].Kind)

	onlyNew := Plan(compare.Result{UnmatchedBaseExtras: newFiles}, Disabled())
	require.Len(t, onlyNew.Groups, 1)
	assert.Equal(t, GroupNewFiles, onlyNew.Groups[0].Kind)
	assert.NoError(t, Refusal(onlyNew))

	empty := Plan(compare.Result{}, Move(true, true))
	assert.Empty(t, empty.Groups)
	assert.True(t, empty.IsNoOp())
}

func TestPlanOrdersChainedRelocations(t *testing.T) {
	// base {a:Y, b:X}, destination {a:X, c:Y}: a must move to b before c
	// can move to a.
	y := rel([]string{"a"}, []string{"c"})
	x := rel([]string{"b"}, []string{"a"})
	sync := Plan(compare.Result{Relocations: []compare.Relocation{y, x}}, Move(false, false))

	require.Len(t, sync.Groups, 1)
	assert.Equal(t, []Operation{
		RelocationApplyOperation{Relocation: x},
		RelocationApplyOperation{Relocation: y},
	}, sync.Groups[0].Operations)
	assert.Equal(t, []Step{
		{Action: ActionMove, From: "a", To: "b", Reason: "relocation"},
		{Action: ActionMove, From: "c", To: "a", Reason: "relocation"},
	}, sync.Steps())
}

func TestPlanKeepsIndependentRelocationOrder(t *testing.T) {
	first := rel([]string{"a"}, []string{"old/a"})
	second := rel([]string{"b"}, []string{"old/b"})
	sync := Plan(compare.Result{Relocations: []compare.Relocation{first, second}}, Move(false, false))

	assert.Equal(t, []Operation{
		RelocationApplyOperation{Relocation: first},
		RelocationApplyOperation{Relocation: second},
	}, sync.Groups[0].Operations)
}

func TestPlanStagesRelocationCycles(t *testing.T) {
	x := rel([]string{"a"}, []string{"b"})
	y := rel([]string{"b"}, []string{"a"})
	unrelated := rel([]string{"z"}, []string{"old/z"})
	result := compare.Result{
		Relocations:   []compare.Relocation{x, y, unrelated},
		AllOtherFiles: []string{"a", "b", "a.relocating", "old/z"},
	}
	sync := Plan(result, Move(false, false))

	ops := sync.Groups[0].Operations
	require.Len(t, ops, 2)
	cycle, ok := ops[0].(RelocationCycleOperation)
	require.True(t, ok, "got %T", ops[0])
	assert.Equal(t, []compare.Relocation{x, y}, cycle.Relocations)
	assert.Equal(t, []string{"a", "b"}, cycle.Targets())
	assert.Equal(t, "relocation-cycle:sum-a,sum-b", cycle.Key())
	assert.Equal(t, []Step{
		{Action: ActionMove, From: "b", To: "b.relocating", Reason: "staging"},
		{Action: ActionMove, From: "a", To: "a.relocating-2", Reason: "staging"},
		{Action: ActionMove, From: "b.relocating", To: "a", Reason: "relocation"},
		{Action: ActionMove, From: "a.relocating-2", To: "b", Reason: "relocation"},
	}, cycle.Steps())
	assert.Equal(t, RelocationApplyOperation{Relocation: unrelated}, ops[1])
}

func TestRelocationCycleWithCopiesAndDeletes(t *testing.T) {
	// X moves b to a and adds a copy at c; Y moves a to b and drops its
	// surplus copy at d.
	x := rel([]string{"a", "c"}, []string{"b"})
	y := rel([]string{"b"}, []string{"a", "d"})
	sync := Plan(compare.Result{Relocations: []compare.Relocation{x, y}}, Move(true, true))

	ops := sync.Groups[0].Operations
	require.Len(t, ops, 1)
	assert.Equal(t, []Step{
		{Action: ActionDelete, From: "d", Reason: "duplicate reduction"},
		{Action: ActionMove, From: "b", To: "b.relocating", Reason: "staging"},
		{Action: ActionMove, From: "a", To: "a.relocating", Reason: "staging"},
		{Action: ActionCopy, From: "c", To: "c", Size: 10, Reason: "duplicate increase"},
		{Action: ActionMove, From: "b.relocating", To: "a", Reason: "relocation"},
		{Action: ActionMove, From: "a.relocating", To: "b", Reason: "relocation"},
	}, ops[0].Steps())
	assert.Equal(t, int64(10), ops[0].BytesToCopy())
}

func TestRelocationApplySteps(t *testing.T) {
	tests := []struct {
		name       string
		relocation compare.Relocation
		want       []Step
		wantBytes  int64
	}{
		{
			name:       "pure rename",
			relocation: rename,
			want:       []Step{{Action: ActionMove, From: "old/a", To: "a", Reason: "relocation"}},
		},
		{
			name:       "duplicate increase",
			relocation: duplicate,
			want:       []Step{{Action: ActionCopy, From: "duplication/b", To: "duplication/b", Size: 10, Reason: "duplicate increase"}},
			wantBytes:  10,
		},
		{
			name:       "duplicate reduction",
			relocation: reduction,
			want:       []Step{{Action: ActionDelete, From: "copy/c", Reason: "duplicate reduction"}},
		},
		{
			name:       "move and duplicate",
			relocation: rel([]string{"m/01", "m/02"}, []string{"m"}),
			want: []Step{
				{Action: ActionCopy, From: "m/02", To: "m/02", Size: 10, Reason: "duplicate increase"},
				{Action: ActionMove, From: "m", To: "m/01", Reason: "relocation"},
			},
			wantBytes: 10,
		},
		{
			name:       "move and reduce",
			relocation: rel([]string{"x"}, []string{"a", "b", "c"}),
			want: []Step{
				{Action: ActionDelete, From: "b", Reason: "duplicate reduction"},
				{Action: ActionDelete, From: "c", Reason: "duplicate reduction"},
				{Action: ActionMove, From: "a", To: "x", Reason: "relocation"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := RelocationApplyOperation{Relocation: tt.relocation}
			assert.Equal(t, tt.want, op.Steps())
			assert.Equal(t, tt.wantBytes, op.BytesToCopy())
		})
	}
}

func TestAmbiguousRelocations(t *testing.T) {
	ambiguous := rel([]string{"x", "y", "z"}, []string{"w"})
	sync := Plan(compare.Result{Relocations: []compare.Relocation{rename, ambiguous}}, Move(true, true))

	assert.Equal(t, []compare.Relocation{ambiguous}, sync.AmbiguousRelocations())

	inCycle := rel([]string{"p", "q"}, []string{"r", "s"})
	other := rel([]string{"r"}, []string{"p"})
	sync = Plan(compare.Result{Relocations: []compare.Relocation{inCycle, other}}, Move(true, true))
	require.IsType(t, RelocationCycleOperation{}, sync.Groups[0].Operations[0])
	assert.Equal(t, []compare.Relocation{inCycle}, sync.AmbiguousRelocations())
}

func TestPromptText(t *testing.T) {
	assert.Equal(t, "push moves?", Group{Kind: GroupRelocations}.PromptText())
	assert.Equal(t, "push in additive duplicating mode?", Group{Kind: GroupAdditive}.PromptText())
	assert.Equal(t, "push new files?", Group{Kind: GroupNewFiles}.PromptText())
}

func TestCopyNewFileOperation(t *testing.T) {
	op := CopyNewFileOperation{Group: newFiles[1]}
	assert.Equal(t, int64(14), op.BytesToCopy())
	assert.Equal(t, []string{"n2", "n2-copy"}, op.Targets())
	assert.Equal(t, []Step{
		{Action: ActionCopy, From: "n2", To: "n2", Size: 7, Reason: "new file"},
		{Action: ActionCopy, From: "n2-copy", To: "n2-copy", Size: 7, Reason: "new file"},
	}, op.Steps())
}

func TestSubsets(t *testing.T) {
	first := CopyNewFileOperation{Group: newFiles[0]}
	second := CopyNewFileOperation{Group: newFiles[1]}

	only := SubsetOf(first)
	assert.True(t, only(first))
	assert.False(t, only(second))

	sync := Plan(compare.Result{UnmatchedBaseExtras: newFiles}, Disabled())
	assert.Equal(t, []Operation{second}, sync.Select(SubsetOf(second)))
	assert.Len(t, sync.Select(All), 2)

	matching, err := MatchingTargets([]string{"*-copy"})
	require.NoError(t, err)
	assert.False(t, matching(first))
	assert.True(t, matching(second))

	_, err = MatchingTargets([]string{"[unclosed"})
	assert.Error(t, err)
}

func TestMatchesAny(t *testing.T) {
	tests := []struct {
		path     string
		patterns []string
		want     bool
	}{
		{"photos/2024/a.jpg", []string{"photos/**"}, true},
		{"photos/2024/a.jpg", []string{"*.jpg"}, false},
		{"photos/2024/a.jpg", []string{"**/*.jpg"}, true},
		{"docs/a.txt", nil, false},
	}

	for _, tt := range tests {
		got, err := MatchesAny(tt.path, tt.patterns)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %v", tt.path, tt.patterns)
	}
}
