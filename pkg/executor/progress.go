package executor

import (
	"sync"
	"time"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/planner"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/transfer"
)

// historySize bounds how many finished copies feed the velocity estimate.
const historySize = 16

// GroupProgress is a snapshot of a running group.
type GroupProgress struct {
	Kind      planner.GroupKind
	Summary   string
	Total     int
	Completed int
	// Velocity is in bytes per second, zero while unknown.
	Velocity float64
	// EstimatedRemaining is zero while unknown.
	EstimatedRemaining time.Duration
	Current            *transfer.Progress
}

// Fraction returns completed operations over total operations.
func (p GroupProgress) Fraction() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Completed) / float64(p.Total)
}

// ProgressSink receives group progress snapshots.
type ProgressSink func(GroupProgress)

type tracker struct {
	mu sync.Mutex

	group     planner.Group
	ops       []planner.Operation
	done      map[string]bool
	sink      ProgressSink
	history   []transfer.Progress
	current   *transfer.Progress
	opCopied  int64 // bytes of finished copy steps within the running operation
	completes int
}

func newTracker(group planner.Group, ops []planner.Operation, sink ProgressSink) *tracker {
	t := &tracker{group: group, ops: ops, done: make(map[string]bool), sink: sink}
	t.emit()
	return t
}

// copying receives in-flight progress of a copy step.
func (t *tracker) copying(p transfer.Progress) {
	t.mu.Lock()
	t.current = &p
	t.mu.Unlock()
	t.emit()
}

// copied records a finished copy step.
func (t *tracker) copied(size int64) {
	t.mu.Lock()
	if t.current != nil {
		t.history = append(t.history, *t.current)
		if len(t.history) > historySize {
			t.history = t.history[len(t.history)-historySize:]
		}
		t.current = nil
	}
	t.opCopied += size
	t.mu.Unlock()
}

func (t *tracker) completed(op planner.Operation) {
	t.mu.Lock()
	t.done[op.Key()] = true
	t.completes++
	t.opCopied = 0
	t.current = nil
	t.mu.Unlock()
	t.emit()
}

func (t *tracker) emit() {
	if t.sink == nil {
		return
	}
	t.sink(t.snapshot())
}

func (t *tracker) snapshot() GroupProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := GroupProgress{
		Kind:      t.group.Kind,
		Summary:   t.group.Summary(t.completes),
		Total:     len(t.ops),
		Completed: t.completes,
		Velocity:  weightedVelocity(t.history, t.current),
	}
	if t.current != nil {
		c := *t.current
		p.Current = &c
	}

	if p.Velocity > 0 {
		var remaining int64
		for _, op := range t.ops {
			if !t.done[op.Key()] {
				remaining += op.BytesToCopy()
			}
		}
		remaining -= t.opCopied
		if t.current != nil {
			remaining -= t.current.Copied
		}
		if remaining < 0 {
			remaining = 0
		}
		p.EstimatedRemaining = time.Duration(float64(remaining) / p.Velocity * float64(time.Second))
	}
	return p
}

// weightedVelocity averages per-copy velocities, the i-th oldest weighted i+1
// so the most recent copies dominate.
func weightedVelocity(history []transfer.Progress, current *transfer.Progress) float64 {
	all := history
	if current != nil {
		all = append(append([]transfer.Progress(nil), history...), *current)
	}

	var weightSum, valueSum float64
	for i, p := range all {
		v := p.Velocity()
		if v <= 0 {
			continue
		}
		w := float64(i + 1)
		weightSum += w
		valueSum += w * v
	}
	if weightSum == 0 {
		return 0
	}
	return valueSum / weightSum
}
