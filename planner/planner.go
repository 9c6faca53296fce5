// Package planner turns per-entry inspection results into an ArchivePlan.
// It does no I/O of its own; given the same inputs in the same order the
// plan is identical.
package planner

import (
	"sort"

	"arcfilter/filter"
	"arcfilter/types"
)

// EntryInput is one archive entry after inspection.
type EntryInput struct {
	EntryPath   string
	NonImage    bool // magic bytes and extension say this is not an image
	Unsupported bool // recognized image format without a registered decoder
	Desc        *types.ImageDescriptor
	InspectErr  error // set for unreadable image bytes
}

// Options tunes the plan-level safety valve.
type Options struct {
	// MinSurveyedImages is the image count below which a high drop ratio
	// looks suspicious rather than plausible.
	MinSurveyedImages int
	// SuspiciousDropRatio is the drop fraction that, combined with a tiny
	// survey, demotes the plan to dry-run.
	SuspiciousDropRatio float64
}

// DefaultOptions matches the documented defaults.
func DefaultOptions() Options {
	return Options{MinSurveyedImages: 3, SuspiciousDropRatio: 0.5}
}

// BuildPlan feeds every entry through the filter session and assembles the
// plan. Entries are processed in lexicographic path order so duplicate
// tie-breaks are reproducible.
func BuildPlan(identity types.ArchiveIdentity, inputs []EntryInput, session *filter.Session, opts Options) *types.ArchivePlan {
	sorted := make([]EntryInput, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EntryPath < sorted[j].EntryPath })

	plan := &types.ArchivePlan{
		Identity: identity,
		Entries:  make([]types.PlanEntry, 0, len(sorted)),
		Summary:  make(map[types.Reason]int),
	}

	// Decisions are collected as pointers first: a later entry can flip an
	// earlier keep (near-duplicate size tie-break), so values are copied into
	// the plan only after the whole archive has been fed through.
	decisions := make([]*types.DropDecision, 0, len(sorted))
	surveyed := 0
	for _, in := range sorted {
		var decision *types.DropDecision
		switch {
		case in.NonImage:
			decision = &types.DropDecision{
				URI:    types.MakeURI(identity.Path, in.EntryPath),
				Kept:   true,
				Reason: types.ReasonNonImage,
			}
		case in.Unsupported:
			// No decoder for this format: keep untouched, never filter.
			decision = &types.DropDecision{
				URI:    types.MakeURI(identity.Path, in.EntryPath),
				Kept:   true,
				Reason: types.ReasonKept,
			}
		default:
			surveyed++
			decision = session.Decide(in.EntryPath, in.Desc, in.InspectErr)
		}
		decisions = append(decisions, decision)
	}

	dropped := 0
	for i, in := range sorted {
		d := *decisions[i]
		plan.Entries = append(plan.Entries, types.PlanEntry{EntryPath: in.EntryPath, Decision: d})
		plan.Summary[d.Reason]++
		if !d.Kept {
			dropped++
		}
	}
	plan.RepackRequired = dropped > 0

	if surveyed > 0 && surveyed < opts.MinSurveyedImages {
		ratio := float64(dropped) / float64(surveyed)
		if ratio > opts.SuspiciousDropRatio {
			plan.DryRunOnly = true
		}
	}

	return plan
}
