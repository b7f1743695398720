// Package config loads pyznap's INI-like configuration file (spec.md §6)
// and resolves it, section by section, into the dataset tree
// internal/policy.Dispatcher drives.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	ini "gopkg.in/ini.v1"

	"github.com/pyznap/pyznap/internal/policy"
	"github.com/pyznap/pyznap/internal/retention"
	"github.com/pyznap/pyznap/internal/snapname"
	"github.com/pyznap/pyznap/internal/sshutil"
	"github.com/pyznap/pyznap/internal/zfs"
)

// Section is one configured `[location]` stanza: its own Location and the
// Policy resolved from its own keys overlaid onto its nearest configured
// ancestor section's resolved Policy.
type Section struct {
	Path     string
	Location sshutil.Location
	Policy   policy.Policy
}

// Tree is every configured section after inheritance resolution.
type Tree struct {
	Sections []Section
}

// Load parses filePath and resolves config inheritance (spec.md §6 "Config
// inheritance": "a more specific section ... overrides a less specific one
// ... key-by-key").
func Load(filePath string) (*Tree, error) {
	f, err := ini.Load(filePath)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", filePath, err)
	}

	var raw []rawSection
	for _, s := range f.Sections() {
		if s.Name() == ini.DefaultSection {
			continue
		}
		sec, err := parseSection(s)
		if err != nil {
			return nil, fmt.Errorf("config: section %q: %w", s.Name(), err)
		}
		raw = append(raw, sec)
	}

	return &Tree{Sections: resolveInheritance(raw)}, nil
}

// Targets converts the resolved tree into policy.Target values, one per
// configured section, each bound to a local or SSH executor reaching its
// own Location (spec.md §6 location syntax).
func (t *Tree) Targets() []policy.Target {
	out := make([]policy.Target, len(t.Sections))
	for i, s := range t.Sections {
		loc := s.Location
		if loc.Remote && s.Policy.Key != "" {
			loc.Key = s.Policy.Key
		}
		out[i] = policy.Target{
			Path:   s.Path,
			Root:   rootFor(s, t.Sections),
			Policy: s.Policy,
			Exec:   executorFor(loc),
		}
	}
	return out
}

// Resolver builds a policy.ExecutorResolver from the same location syntax
// Load uses for source sections, for resolving each Destination.Location
// independently of the source tree.
func Resolver() policy.ExecutorResolver {
	return func(location, key string) (zfs.Executor, *sshutil.Location, error) {
		loc, err := sshutil.ParseLocation(location)
		if err != nil {
			return nil, nil, err
		}
		if !loc.Remote {
			return zfs.NewLocalExecutor(), nil, nil
		}
		loc.Key = key
		return sshutil.NewExecutor(loc), &loc, nil
	}
}

func executorFor(loc sshutil.Location) zfs.Executor {
	if !loc.Remote {
		return zfs.NewLocalExecutor()
	}
	return sshutil.NewExecutor(loc)
}

// rootFor returns the shortest configured ancestor path of s, or s.Path
// itself when s has no configured ancestor (spec.md §5 "dispatcher
// processes parents before children").
func rootFor(s Section, all []Section) string {
	best := s.Path
	for _, other := range all {
		if isAncestor(other.Path, s.Path) && len(other.Path) < len(best) {
			best = other.Path
		}
	}
	return best
}

func isAncestor(ancestor, path string) bool {
	if ancestor == "" || ancestor == path {
		return false
	}
	return strings.HasPrefix(path, ancestor+"/")
}

// rawSection is a section's own keys, with "was this key present" tracked
// separately from its zero value - plain bools can't carry that, and an
// absent `snap`/`clean` key must inherit rather than be treated as an
// explicit false (spec.md §6 "key-by-key" inheritance).
type rawSection struct {
	Path     string
	Location sshutil.Location

	hasSnap  bool
	snap     bool
	hasClean bool
	clean    bool

	prefix string
	counts retention.Counts
	key    string
	dests  []policy.Destination
}

func parseSection(s *ini.Section) (rawSection, error) {
	loc, err := sshutil.ParseLocation(s.Name())
	if err != nil {
		return rawSection{}, err
	}

	sec := rawSection{Path: loc.Path, Location: loc, counts: retention.Counts{}}

	for _, g := range snapname.Granularities {
		key := string(g)
		if !s.HasKey(key) {
			continue
		}
		n, err := s.Key(key).Int()
		if err != nil {
			return rawSection{}, fmt.Errorf("%s: %w", key, err)
		}
		sec.counts[g] = n
	}

	if s.HasKey("snap") {
		sec.hasSnap = true
		sec.snap = s.Key("snap").MustBool(false)
	}
	if s.HasKey("clean") {
		sec.hasClean = true
		sec.clean = s.Key("clean").MustBool(false)
	}
	sec.prefix = s.Key("prefix").String()
	sec.key = s.Key("key").String()

	dests := splitList(s.Key("dest").String())
	destKeys := splitList(s.Key("dest_key").String())
	compress := splitList(s.Key("compress").String())
	rawSendFlags := splitList(s.Key("raw_send").String())
	resumeFlags := splitList(s.Key("resume").String())
	destAutoCreateFlags := splitList(s.Key("dest_auto_create").String())
	retries := splitList(s.Key("retries").String())
	retryInterval := splitList(s.Key("retry_interval").String())
	bytesPerSecond := splitList(s.Key("bytes_per_second").String())
	excludeGroups := splitGroups(s.Key("exclude").String())

	for name, n := range map[string]int{
		"dest_key": len(destKeys), "compress": len(compress), "raw_send": len(rawSendFlags),
		"resume": len(resumeFlags), "dest_auto_create": len(destAutoCreateFlags),
		"retries": len(retries), "retry_interval": len(retryInterval), "exclude": len(excludeGroups),
		"bytes_per_second": len(bytesPerSecond),
	} {
		if n != 0 && n != len(dests) {
			return rawSection{}, fmt.Errorf("%s: has %d entries, want 0 or %d (len(dest))", name, n, len(dests))
		}
	}

	for i, d := range dests {
		dst := policy.Destination{Location: d}
		if i < len(destKeys) {
			dst.Key = destKeys[i]
		}
		if i < len(compress) {
			dst.Compress = policy.Compression(compress[i])
		}
		if i < len(excludeGroups) {
			dst.Exclude = excludeGroups[i]
		}
		if i < len(rawSendFlags) {
			dst.RawSend = parseBool(rawSendFlags[i])
		}
		if i < len(resumeFlags) {
			dst.Resume = parseBool(resumeFlags[i])
		}
		if i < len(destAutoCreateFlags) {
			dst.DestAutoCreate = parseBool(destAutoCreateFlags[i])
		}
		if i < len(retries) {
			dst.Retries = parseInt(retries[i])
		}
		if i < len(retryInterval) {
			dst.RetryInterval = parseInt(retryInterval[i])
		}
		if i < len(bytesPerSecond) {
			dst.BytesPerSecond = parseInt64(bytesPerSecond[i])
		}
		sec.dests = append(sec.dests, dst)
	}

	return sec, nil
}

// resolveInheritance walks sections shallowest-first, overlaying each
// section's own keys onto its nearest configured ancestor's already-
// resolved Policy.
func resolveInheritance(raw []rawSection) []Section {
	sorted := append([]rawSection(nil), raw...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i].Path) < len(sorted[j].Path) })

	out := make([]Section, len(sorted))
	for i, s := range sorted {
		best := -1
		for j := 0; j < i; j++ {
			if isAncestor(out[j].Path, s.Path) && (best == -1 || len(out[j].Path) > len(out[best].Path)) {
				best = j
			}
		}

		var pol policy.Policy
		if best >= 0 {
			pol = out[best].Policy
		}
		pol = overlay(pol, s)
		pol.ApplyDefaults()

		out[i] = Section{Path: s.Path, Location: s.Location, Policy: pol}
	}
	return out
}

func overlay(base policy.Policy, s rawSection) policy.Policy {
	out := base
	if s.hasSnap {
		out.Snap = s.snap
	}
	if s.hasClean {
		out.Clean = s.clean
	}
	if s.prefix != "" {
		out.Prefix = s.prefix
	}
	if len(s.counts) > 0 {
		if out.Counts == nil {
			out.Counts = retention.Counts{}
		}
		for g, n := range s.counts {
			out.Counts[g] = n
		}
	}
	if s.key != "" {
		out.Key = s.key
	}
	if len(s.dests) > 0 {
		out.Dests = s.dests
	}
	return out
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func splitGroups(raw string) [][]string {
	groups := splitList(raw)
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = strings.Fields(g)
	}
	return out
}

// parseBool recognizes the same boolean vocabulary gopkg.in/ini.v1's own
// Key.MustBool does ("yes"/"no" alongside "true"/"false"/"1"/"0"), so a
// per-dest list entry parses the same way a lone `snap = yes` key would.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	default:
		return false
	}
}

func parseInt(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
