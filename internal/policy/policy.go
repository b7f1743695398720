// Package policy holds the per-dataset configuration model (spec.md §3)
// and the dispatcher that walks a resolved dataset tree, applying
// retention and replication under the snap/clean/send modes (spec.md §4.H).
package policy

import (
	"strings"

	"github.com/pyznap/pyznap/internal/retention"
	"github.com/pyznap/pyznap/internal/snapname"
)

// Compression names the external tool used for a destination's transfer,
// per spec.md §3.
type Compression string

const (
	CompressNone  Compression = "none"
	CompressLzop  Compression = "lzop"
	CompressLz4   Compression = "lz4"
	CompressGzip  Compression = "gzip"
	CompressPigz  Compression = "pigz"
	CompressBzip2 Compression = "bzip2"
	CompressXz    Compression = "xz"
)

// compressorArgv maps a Compression choice onto its compress/decompress
// command lines.
var compressorArgv = map[Compression][2][]string{
	CompressLzop:  {{"lzop"}, {"lzop", "-d"}},
	CompressLz4:   {{"lz4"}, {"lz4", "-d"}},
	CompressGzip:  {{"gzip"}, {"gzip", "-d"}},
	CompressPigz:  {{"pigz"}, {"pigz", "-d"}},
	CompressBzip2: {{"bzip2"}, {"bzip2", "-d"}},
	CompressXz:    {{"xz"}, {"xz", "-d"}},
}

// CompressorArgv returns the compress/decompress argv pair for c, or two
// nils for CompressNone / an unknown value.
func CompressorArgv(c Compression) (compress, decompress []string) {
	pair, ok := compressorArgv[c]
	if !ok {
		return nil, nil
	}
	return pair[0], pair[1]
}

// Destination is one replication target for a dataset, per spec.md §3's
// per-dest list fields.
type Destination struct {
	Location       string // e.g. "tank/backup" or "ssh:22:user@host:tank/backup"
	Key            string
	Compress       Compression
	Exclude        []string
	RawSend        bool
	Resume         bool
	DestAutoCreate bool
	Retries        int
	RetryInterval  int // seconds
	// BytesPerSecond caps transfer rate when neither end has mbuffer and
	// no compressor is configured, via pipeline.RunRateLimited (mirrors
	// the teacher's SendOptions/ReceiveOptions.BytesPerSecond, zfs.go).
	// 0 disables the cap.
	BytesPerSecond int64
}

// Policy is the resolved (post-inheritance) configuration for one dataset
// section, per spec.md §3's Policy table.
type Policy struct {
	Snap   bool
	Clean  bool
	Prefix string // default snapname.DefaultPrefix
	Counts retention.Counts
	Key    string // SSH key for this section's source, when it is a remote pull
	Dests  []Destination
}

// ApplyDefaults fills in the zero-value defaults, in the teacher's
// Config.ApplyDefaults idiom (job/config.go).
func (p *Policy) ApplyDefaults() {
	if p.Prefix == "" {
		p.Prefix = snapname.DefaultPrefix
	}
	if p.Counts == nil {
		p.Counts = retention.Counts{}
	}
	for i := range p.Dests {
		if p.Dests[i].Compress == "" {
			p.Dests[i].Compress = CompressLzop
		}
		if p.Dests[i].Retries == 0 {
			p.Dests[i].Retries = 3
		}
		if p.Dests[i].RetryInterval == 0 {
			p.Dests[i].RetryInterval = 30
		}
	}
}

// Merge overlays the non-zero Prefix, Counts, Key and Dests of override onto
// a copy of p; Snap and Clean are always taken from override, since a
// plain bool cannot mark itself unset. cmd/pyznap uses it to build an ad
// hoc send's Policy; internal/config resolves section inheritance with its
// own overlay, which does keep unset snap/clean keys.
func (p Policy) Merge(override Policy) Policy {
	out := p
	if override.Prefix != "" {
		out.Prefix = override.Prefix
	}
	if len(override.Counts) > 0 {
		out.Counts = override.Counts
	}
	if override.Key != "" {
		out.Key = override.Key
	}
	if len(override.Dests) > 0 {
		out.Dests = override.Dests
	}
	out.Snap = override.Snap
	out.Clean = override.Clean
	return out
}

// SplitSnapshotName separates "dataset@suffix" into its two halves.
func SplitSnapshotName(full string) (dataset, suffix string) {
	idx := strings.LastIndex(full, "@")
	if idx < 0 {
		return full, ""
	}
	return full[:idx], full[idx+1:]
}
