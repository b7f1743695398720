// Package snapname implements pyznap's snapshot naming scheme and the
// civil-calendar time windows the retention engine buckets snapshots into
// (spec.md §4.D).
package snapname

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is one of the retention buckets, ordered finest to coarsest.
type Granularity string

const (
	Frequent Granularity = "frequent"
	Hourly   Granularity = "hourly"
	Daily    Granularity = "daily"
	Weekly   Granularity = "weekly"
	Monthly  Granularity = "monthly"
	Yearly   Granularity = "yearly"
)

// Granularities lists every bucket from finest to coarsest - the order new
// snapshots are created in when several fire at once (spec.md §4.E).
var Granularities = []Granularity{Frequent, Hourly, Daily, Weekly, Monthly, Yearly}

// layout is the civil-calendar timestamp embedded in a snapshot name.
const layout = "2006-01-02_15:04:05"

// DefaultPrefix is used when a policy does not configure its own.
const DefaultPrefix = "pyznap"

// Name renders the snapshot suffix (everything after "dataset@") for ts and g
// under prefix: "<prefix>_YYYY-MM-DD_HH:MM:SS_<granularity>".
func Name(prefix string, ts time.Time, g Granularity) string {
	return fmt.Sprintf("%s_%s_%s", prefix, ts.Format(layout), g)
}

// Parse strictly decodes a snapshot suffix produced by Name. Any deviation -
// wrong prefix, wrong layout, unknown granularity - is reported as an error;
// callers treat such snapshots as foreign (spec.md §3, §4.D).
func Parse(prefix, suffix string) (time.Time, Granularity, error) {
	rest := strings.TrimPrefix(suffix, prefix+"_")
	if rest == suffix {
		return time.Time{}, "", fmt.Errorf("snapname: %q does not have prefix %q", suffix, prefix)
	}

	idx := strings.LastIndex(rest, "_")
	if idx < 0 {
		return time.Time{}, "", fmt.Errorf("snapname: %q has no granularity suffix", suffix)
	}
	tsPart, gPart := rest[:idx], rest[idx+1:]

	g := Granularity(gPart)
	if !validGranularity(g) {
		return time.Time{}, "", fmt.Errorf("snapname: %q is not a known granularity", gPart)
	}

	ts, err := time.ParseInLocation(layout, tsPart, time.Local)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("snapname: %q is not a valid timestamp: %w", tsPart, err)
	}
	// Reject any string that round-trips to something other than itself,
	// e.g. time.Parse silently accepting out-of-range values it normalizes.
	if ts.Format(layout) != tsPart {
		return time.Time{}, "", fmt.Errorf("snapname: %q is not a canonical timestamp", tsPart)
	}

	return ts, g, nil
}

func validGranularity(g Granularity) bool {
	for _, v := range Granularities {
		if v == g {
			return true
		}
	}
	return false
}

// SameWindow reports whether a and b fall in the same civil-calendar window
// for granularity g, per spec.md §4.D.
func SameWindow(g Granularity, a, b time.Time) bool {
	a, b = a.Local(), b.Local()
	switch g {
	case Frequent:
		ya, ma, da := a.Date()
		yb, mb, db := b.Date()
		return ya == yb && ma == mb && da == db && a.Hour() == b.Hour() && a.Minute() == b.Minute()
	case Hourly:
		ya, ma, da := a.Date()
		yb, mb, db := b.Date()
		return ya == yb && ma == mb && da == db && a.Hour() == b.Hour()
	case Daily:
		ya, ma, da := a.Date()
		yb, mb, db := b.Date()
		return ya == yb && ma == mb && da == db
	case Weekly:
		ywa, wa := a.ISOWeek()
		ywb, wb := b.ISOWeek()
		return ywa == ywb && wa == wb
	case Monthly:
		ya, ma, _ := a.Date()
		yb, mb, _ := b.Date()
		return ya == yb && ma == mb
	case Yearly:
		return a.Year() == b.Year()
	default:
		return false
	}
}
