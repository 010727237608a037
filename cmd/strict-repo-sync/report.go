package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/executor"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/planner"
)

// PlanResult represents the planned operations before execution
type PlanResult struct {
	Base        string      `json:"base"`
	Destination string      `json:"destination"`
	Mode        string      `json:"mode"`
	Groups      []PlanGroup `json:"groups"`
	// Refusal is set when the plan cannot run in the selected mode.
	Refusal string      `json:"refusal,omitempty"`
	Summary PlanSummary `json:"summary"`
}

type PlanGroup struct {
	Kind    string            `json:"kind"`
	Prompt  string            `json:"prompt"`
	Steps   []planner.Step    `json:"steps"`
	Ignored []IgnoredRelocate `json:"ignored,omitempty"`
}

type IgnoredRelocate struct {
	Checksum string   `json:"checksum"`
	From     []string `json:"from"`
	To       []string `json:"to"`
}

type PlanSummary struct {
	Copy    int   `json:"copy"`
	Move    int   `json:"move"`
	Delete  int   `json:"delete"`
	Ignored int   `json:"ignored"`
	Bytes   int64 `json:"bytes"`
}

// SyncResult represents the actual execution results
type SyncResult struct {
	State   string        `json:"state"`
	Files   []ResultFile  `json:"files"`
	Errors  []ErrorFile   `json:"errors"`
	Summary ResultSummary `json:"summary"`
}

type ResultFile struct {
	Action string `json:"action"` // "stored", "moved", "deleted"
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
}

type ErrorFile struct {
	Action string `json:"action"` // "copy", "move", "delete"
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
	Error  string `json:"error"`
}

type ResultSummary struct {
	Stored  int   `json:"stored"`
	Moved   int   `json:"moved"`
	Deleted int   `json:"deleted"`
	Failed  int   `json:"failed"`
	Bytes   int64 `json:"bytes"`
}

func newPlanResult(base, dst string, sync planner.DiscoveredSync, subset planner.Subset) PlanResult {
	plan := PlanResult{
		Base:        base,
		Destination: dst,
		Mode:        sync.Mode.String(),
		Groups:      []PlanGroup{},
	}
	if err := planner.Refusal(sync); err != nil {
		plan.Refusal = err.Error()
	}

	for _, g := range sync.Groups {
		group := PlanGroup{Kind: string(g.Kind), Prompt: g.PromptText(), Steps: []planner.Step{}}
		for _, op := range g.Operations {
			if !subset(op) {
				continue
			}
			for _, step := range op.Steps() {
				switch step.Action {
				case planner.ActionCopy:
					plan.Summary.Copy++
					plan.Summary.Bytes += step.Size
				case planner.ActionMove:
					plan.Summary.Move++
				case planner.ActionDelete:
					plan.Summary.Delete++
				}
				group.Steps = append(group.Steps, step)
			}
		}
		for _, r := range g.ToIgnore {
			group.Ignored = append(group.Ignored, IgnoredRelocate{
				Checksum: r.Checksum,
				From:     r.ExtraOtherLocations,
				To:       r.ExtraBaseLocations,
			})
			plan.Summary.Ignored++
		}
		plan.Groups = append(plan.Groups, group)
	}
	return plan
}

func newSyncResult(res executor.Result, events []logger.Event, err error) SyncResult {
	result := SyncResult{
		State:  string(res.State),
		Files:  []ResultFile{},
		Errors: []ErrorFile{},
		Summary: ResultSummary{
			Stored:  res.Stats.Stored,
			Moved:   res.Stats.Moved,
			Deleted: res.Stats.Deleted,
			Bytes:   res.Stats.BytesCopied,
		},
	}

	for _, e := range events {
		result.Files = append(result.Files, ResultFile{Action: string(e.Kind), Source: e.From, Target: e.Path})
	}

	var stepErr *executor.StepError
	if errors.As(err, &stepErr) {
		result.Errors = append(result.Errors, ErrorFile{
			Action: string(stepErr.Step.Action),
			Source: stepErr.Step.From,
			Target: stepErr.Step.To,
			Error:  stepErr.Err.Error(),
		})
		result.Summary.Failed++
	} else if err != nil && res.State == executor.StateFailed {
		result.Errors = append(result.Errors, ErrorFile{Error: err.Error()})
		result.Summary.Failed++
	}
	return result
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}
