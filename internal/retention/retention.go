// Package retention computes, for one dataset's snapshots, which
// granularities need a new snapshot right now and which existing snapshots
// may be destroyed, as a pure function of (snapshots, policy, clock)
// (spec.md §4.E, §8 "Retention purity").
package retention

import (
	"sort"
	"time"

	"github.com/pyznap/pyznap/internal/snapname"
)

// Snapshot is the retention engine's view of one dataset snapshot.
type Snapshot struct {
	// Name is the snapshot suffix (after '@'), as stored in ZFS.
	Name string
	// Protected means the snapshot is referenced by an in-progress receive
	// or has holds; it must never be destroyed (spec.md §4.E step 4).
	Protected bool

	foreign     bool
	createdAt   time.Time
	granularity snapname.Granularity
}

// Counts holds the retention count configured per granularity; zero or
// absent means "off" for that bucket.
type Counts map[snapname.Granularity]int

// Result is the outcome of one retention evaluation.
type Result struct {
	// Take lists the granularities that need a fresh snapshot right now,
	// in creation order (frequent before yearly).
	Take []snapname.Granularity
	// Destroy lists existing snapshots (by Name) that may be removed.
	Destroy []string
	// Warnings surfaces protected snapshots that would otherwise have
	// been destroy candidates.
	Warnings []string
}

// Evaluate computes the Result for dataset's snaps under counts, as of now.
// prefix is the configured snapshot name prefix (default snapname.DefaultPrefix).
func Evaluate(prefix string, snaps []Snapshot, counts Counts, now time.Time) Result {
	classified := make([]Snapshot, len(snaps))
	for i, s := range snaps {
		ts, g, err := snapname.Parse(prefix, s.Name)
		if err != nil {
			s.foreign = true
			classified[i] = s
			continue
		}
		s.createdAt = ts
		s.granularity = g
		classified[i] = s
	}

	kept := computeKept(classified, counts)
	take := computeTake(classified, counts, now)

	var destroy, warnings []string
	for _, s := range classified {
		if s.foreign || kept[s.Name] {
			continue
		}
		if s.Protected {
			warnings = append(warnings, "snapshot "+s.Name+" is protected (holds or in-progress receive), skipping destroy")
			continue
		}
		destroy = append(destroy, s.Name)
	}

	return Result{Take: take, Destroy: destroy, Warnings: warnings}
}

// windowKey returns a comparable key identifying the civil-calendar window
// ts falls into for granularity g.
func windowKey(g snapname.Granularity, ts time.Time) [4]int {
	ts = ts.Local()
	switch g {
	case snapname.Frequent:
		y, m, d := ts.Date()
		return [4]int{int(m)*31 + d, y, ts.Hour(), ts.Minute()}
	case snapname.Hourly:
		y, m, d := ts.Date()
		return [4]int{y, int(m), d, ts.Hour()}
	case snapname.Daily:
		y, m, d := ts.Date()
		return [4]int{y, int(m), d, 0}
	case snapname.Weekly:
		y, w := ts.ISOWeek()
		return [4]int{y, w, 0, 0}
	case snapname.Monthly:
		y, m, _ := ts.Date()
		return [4]int{y, int(m), 0, 0}
	case snapname.Yearly:
		return [4]int{ts.Year(), 0, 0, 0}
	default:
		return [4]int{}
	}
}

// computeKept returns the set of snapshot names kept by at least one
// granularity bucket, per spec.md §4.E steps 2-3.
func computeKept(snaps []Snapshot, counts Counts) map[string]bool {
	pyznap := make([]Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if !s.foreign {
			pyznap = append(pyznap, s)
		}
	}
	// Newest first, ties broken by name for determinism (spec.md §8
	// "Planner determinism"-style guarantee applies here too).
	sort.Slice(pyznap, func(i, j int) bool {
		if pyznap[i].createdAt.Equal(pyznap[j].createdAt) {
			return pyznap[i].Name > pyznap[j].Name
		}
		return pyznap[i].createdAt.After(pyznap[j].createdAt)
	})

	kept := make(map[string]bool)
	for _, g := range snapname.Granularities {
		n := counts[g]
		if n <= 0 {
			continue
		}
		seen := make(map[[4]int]bool)
		found := 0
		for _, s := range pyznap {
			key := windowKey(g, s.createdAt)
			if seen[key] {
				continue
			}
			seen[key] = true
			kept[s.Name] = true
			found++
			if found >= n {
				break
			}
		}
	}
	return kept
}

// computeTake decides which granularities need a fresh snapshot at now, per
// spec.md §4.E "Taking new snapshots".
func computeTake(snaps []Snapshot, counts Counts, now time.Time) []snapname.Granularity {
	var newest *Snapshot
	for i := range snaps {
		s := &snaps[i]
		if s.foreign {
			continue
		}
		if newest == nil || s.createdAt.After(newest.createdAt) {
			newest = s
		}
	}

	var take []snapname.Granularity
	for _, g := range snapname.Granularities {
		if counts[g] <= 0 {
			continue
		}
		if newest == nil || !snapname.SameWindow(g, newest.createdAt, now) {
			take = append(take, g)
		}
	}
	return take
}
