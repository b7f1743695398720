// Package replication computes the ordered list of send/receive actions
// needed to bring a destination dataset tree in sync with a source tree
// (spec.md §4.F). It is pure: given the snapshot lists and dest state, it
// decides what to do without ever touching a host itself — callers gather
// the inputs (via internal/zfs) and execute the resulting Actions (via
// internal/pipeline).
package replication

import (
	"errors"
	"fmt"
	"path"
	"sort"
)

// Kind distinguishes the three action shapes the planner can emit.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
	KindResume      Kind = "resume"
)

// Action is one instruction to hand to the pipeline builder.
type Action struct {
	Kind Kind

	SourcePath string
	DestPath   string

	// From is the incremental base snapshot name; empty for a full send.
	From string
	// To is the target (newest) snapshot name.
	To string
	// Intermediate selects -I (preserve every intermediate snapshot on
	// dest) over -i (collapse to a single delta). Default true, per
	// spec.md §4.F step 4 ("default is one-shot from base to latest
	// using -I").
	Intermediate bool

	// ResumeToken is set only for KindResume.
	ResumeToken string
}

// Snapshots describes one dataset's replication inputs: its path on both
// ends and its locally known snapshot names, oldest first.
type Snapshots struct {
	SourcePath string
	DestPath   string
	Names      []string // ascending by creation time
}

// DestState describes what the planner currently knows about the
// destination side of one dataset.
type DestState struct {
	Exists      bool
	Snapshots   []string // any order
	ResumeToken string
}

// Options configures one dataset's plan.
type Options struct {
	DestAutoCreate bool
	// Resume, when true and DestState.ResumeToken is non-empty, prepends
	// a KindResume action before the normal incremental chain.
	Resume bool
	// Chained, when true, emits one KindIncremental action per hop (-i)
	// instead of a single base-to-latest action (-I).
	Chained bool
}

// DestMissingError is returned when the destination dataset does not
// exist and Options.DestAutoCreate is false, for any dataset of the tree.
type DestMissingError struct{ DestPath string }

func (e *DestMissingError) Error() string {
	return fmt.Sprintf("replication: destination %q does not exist", e.DestPath)
}

// NoCommonBaseError is returned when source and a non-empty destination
// share no snapshot.
type NoCommonBaseError struct{ SourcePath, DestPath string }

func (e *NoCommonBaseError) Error() string {
	return fmt.Sprintf("replication: %q and %q have no common snapshot", e.SourcePath, e.DestPath)
}

var (
	ErrDestMissing  = errors.New("replication: destination missing")
	ErrNoCommonBase = errors.New("replication: no common base")
)

func (e *DestMissingError) Is(target error) bool  { return target == ErrDestMissing }
func (e *NoCommonBaseError) Is(target error) bool { return target == ErrNoCommonBase }

// PlanDataset computes the ordered actions for one (source, dest) dataset
// pair, per spec.md §4.F steps 2-5.
func PlanDataset(snaps Snapshots, dest DestState, opts Options) ([]Action, error) {
	if len(snaps.Names) == 0 {
		return nil, nil
	}
	oldest := snaps.Names[0]
	newest := snaps.Names[len(snaps.Names)-1]

	var actions []Action

	if !dest.Exists {
		if !opts.DestAutoCreate {
			return nil, &DestMissingError{DestPath: snaps.DestPath}
		}
		return fullSendChain(snaps, oldest, newest, opts), nil
	}

	if opts.Resume && dest.ResumeToken != "" {
		actions = append(actions, Action{
			Kind:        KindResume,
			SourcePath:  snaps.SourcePath,
			DestPath:    snaps.DestPath,
			ResumeToken: dest.ResumeToken,
		})
	}

	base, ok := commonBase(snaps.Names, dest.Snapshots)
	if !ok {
		return nil, &NoCommonBaseError{SourcePath: snaps.SourcePath, DestPath: snaps.DestPath}
	}

	if base == "" {
		// Dest exists but is empty: treat like a fresh full send.
		return append(actions, fullSendChain(snaps, oldest, newest, opts)...), nil
	}

	if base == newest {
		return actions, nil // already in sync
	}

	actions = append(actions, incrementalChain(snaps, base, newest, opts)...)
	return actions, nil
}

// commonBase returns the newest snapshot present on both sides and true,
// ("", true) if dest has no snapshots at all, or ("", false) if dest is
// non-empty but shares nothing with source.
func commonBase(sourceNames, destNames []string) (string, bool) {
	if len(destNames) == 0 {
		return "", true
	}
	present := make(map[string]bool, len(destNames))
	for _, n := range destNames {
		present[n] = true
	}
	for i := len(sourceNames) - 1; i >= 0; i-- {
		if present[sourceNames[i]] {
			return sourceNames[i], true
		}
	}
	return "", false
}

func fullSendChain(snaps Snapshots, oldest, newest string, opts Options) []Action {
	full := Action{Kind: KindFull, SourcePath: snaps.SourcePath, DestPath: snaps.DestPath, To: oldest}
	if oldest == newest {
		return []Action{full}
	}
	return append([]Action{full}, incrementalChain(snaps, oldest, newest, opts)...)
}

func incrementalChain(snaps Snapshots, base, newest string, opts Options) []Action {
	if !opts.Chained {
		return []Action{{
			Kind: KindIncremental, SourcePath: snaps.SourcePath, DestPath: snaps.DestPath,
			From: base, To: newest, Intermediate: true,
		}}
	}

	baseIdx := indexOf(snaps.Names, base)
	var actions []Action
	for i := baseIdx; i < len(snaps.Names)-1; i++ {
		actions = append(actions, Action{
			Kind: KindIncremental, SourcePath: snaps.SourcePath, DestPath: snaps.DestPath,
			From: snaps.Names[i], To: snaps.Names[i+1],
		})
	}
	return actions
}

func indexOf(names []string, target string) int {
	for i, n := range names {
		if n == target {
			return i
		}
	}
	return -1
}

// Tree is one dataset's replication inputs within a larger subtree, keyed
// by its full source path (e.g. "rpool/home/docs").
type Tree struct {
	Snapshots Snapshots
	Dest      DestState
}

// DatasetPlan pairs one dataset's path with its computed actions or error.
type DatasetPlan struct {
	SourcePath string
	Actions    []Action
	Err        error
}

// PlanTree walks a source subtree parent-first, skips datasets matching
// any exclude glob (fnmatch against the full source path, per spec.md §4.F
// step 1), and plans every remaining dataset independently — an error on
// one dataset does not stop the others (spec.md §4.F "Exclusion").
func PlanTree(datasets map[string]Tree, excludeGlobs []string, opts Options) []DatasetPlan {
	paths := make([]string, 0, len(datasets))
	for p := range datasets {
		paths = append(paths, p)
	}
	sort.Strings(paths) // parent paths sort before their children lexically

	plans := make([]DatasetPlan, 0, len(paths))
	for _, p := range paths {
		if matchesAny(excludeGlobs, p) {
			continue
		}
		ds := datasets[p]
		actions, err := PlanDataset(ds.Snapshots, ds.Dest, opts)
		plans = append(plans, DatasetPlan{SourcePath: p, Actions: actions, Err: err})
	}
	return plans
}

func matchesAny(globs []string, path_ string) bool {
	for _, g := range globs {
		if ok, _ := path.Match(g, path_); ok {
			return true
		}
	}
	return false
}
