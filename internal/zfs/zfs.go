package zfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// defaultListProperties is the property set requested for every dataset
// listing; extra per-call properties (e.g. a retention property) are
// appended as needed.
var defaultListProperties = []string{
	PropertyName,
	PropertyType,
	PropertyOrigin,
	PropertyUsed,
	PropertyAvailable,
	PropertyReferenced,
	PropertyReceiveResumeToken,
	PropertyUserrefs,
}

// Adapter performs typed ZFS operations against one Executor (local or
// SSH-prefixed). It is the spec's §4.C ZFS adapter.
type Adapter struct {
	Exec Executor
}

// NewAdapter builds an Adapter bound to the given Executor.
func NewAdapter(exec Executor) *Adapter {
	return &Adapter{Exec: exec}
}

// ListDatasets lists every dataset under root (inclusive), depth-first as
// ZFS itself emits it, and includes receive_resume_token when present.
func (a *Adapter) ListDatasets(ctx context.Context, root string, dsType DatasetType) ([]Dataset, error) {
	argv := []string{"zfs", "list", "-H", "-p", "-t", string(dsType), "-o", strings.Join(defaultListProperties, ",")}
	if root != "" {
		argv = append(argv, "-r", root)
	}
	rows, err := a.Exec.Run(ctx, argv)
	if err != nil {
		return nil, err
	}
	return readDatasets(rows, defaultListProperties)
}

// ListSnapshots lists dataset's snapshots, chronologically ordered oldest
// first (the order `zfs list -t snapshot` already emits them in).
func (a *Adapter) ListSnapshots(ctx context.Context, dataset string) ([]Dataset, error) {
	argv := []string{
		"zfs", "list", "-H", "-p", "-t", "snapshot",
		"-o", strings.Join(defaultListProperties, ","),
		"-d", "1", "-s", "creation", dataset,
	}
	rows, err := a.Exec.Run(ctx, argv)
	if err != nil {
		if errors.Is(err, ErrDatasetNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return readDatasets(rows, defaultListProperties)
}

// CreateSnapshot atomically creates dataset@name.
func (a *Adapter) CreateSnapshot(ctx context.Context, dataset, name string) error {
	_, err := a.Exec.Run(ctx, []string{"zfs", "snapshot", fmt.Sprintf("%s@%s", dataset, name)})
	return err
}

// Destroy destroys a single snapshot. ErrBusy is returned verbatim if the
// snapshot has holds or clones, per spec.md §4.C.
func (a *Adapter) Destroy(ctx context.Context, snapshot string) error {
	_, err := a.Exec.Run(ctx, []string{"zfs", "destroy", snapshot})
	return err
}

// CreateDataset creates dataset, and any missing parent containers (-p),
// as an empty filesystem. `zfs receive` only auto-creates a missing leaf
// whose direct parent already exists; a genuinely missing lineage (spec.md
// §4.F step 3 "create the dataset lineage") needs this called first.
func (a *Adapter) CreateDataset(ctx context.Context, dataset string) error {
	_, err := a.Exec.Run(ctx, []string{"zfs", "create", "-p", dataset})
	return err
}

// ReceiveInProgress probes whether dataset has a resumable receive pending.
// Decided in DESIGN.md as a property probe rather than an OS-level lock
// check, mirroring the teacher's resume-token handling.
func (a *Adapter) ReceiveInProgress(ctx context.Context, dataset string) (bool, error) {
	token, err := a.ResumeToken(ctx, dataset)
	return token != "", err
}

// ResumeToken returns dataset's receive_resume_token, or "" if none is set.
func (a *Adapter) ResumeToken(ctx context.Context, dataset string) (string, error) {
	rows, err := a.Exec.Run(ctx, []string{
		"zfs", "get", "-H", "-p", "-o", "value", PropertyReceiveResumeToken, dataset,
	})
	if err != nil {
		if errors.Is(err, ErrDatasetNotFound) {
			return "", nil
		}
		return "", err
	}
	if len(rows) == 0 || len(rows[0]) == 0 || rows[0][0] == PropertyUnset {
		return "", nil
	}
	return rows[0][0], nil
}

// ToolAvailable reports whether tool is on PATH for the adapter's host,
// cached per host per invocation by the Executor.
func (a *Adapter) ToolAvailable(ctx context.Context, tool string) bool {
	return a.Exec.Available(ctx, tool)
}

// SendOptions configures a send_stream invocation.
type SendOptions struct {
	// From is the incremental base snapshot name; empty means a full send.
	From string
	// To is the snapshot being sent.
	To string
	// Intermediate requests -I (carry every intermediate snapshot between
	// From and To) rather than -i (only the endpoints).
	Intermediate bool
	// Raw passes -w (raw, encrypted send; disables compression upstream).
	Raw bool
	// ResumeToken, when set, sends -t <token> instead of a dataset@snapshot.
	ResumeToken string
}

// SendArgv builds the `zfs send` argv for opts, without executing it - the
// pipeline builder uses this as the first stage's Argv.
func SendArgv(opts SendOptions) []string {
	argv := []string{"zfs", "send"}
	if opts.Raw {
		argv = append(argv, "-w")
	}
	if opts.ResumeToken != "" {
		return append(argv, "-t", opts.ResumeToken)
	}
	switch {
	case opts.From == "":
		argv = append(argv, opts.To)
	case opts.Intermediate:
		argv = append(argv, "-I", opts.From, opts.To)
	default:
		argv = append(argv, "-i", opts.From, opts.To)
	}
	return argv
}

// SendSizeEstimateArgv builds the `zfs send -nvP` dry-run argv used for the
// pipeline builder's best-effort size probe.
func SendSizeEstimateArgv(opts SendOptions) []string {
	argv := SendArgv(opts)
	// Insert -nvP right after "send" (and -w if present).
	insertAt := 2
	if opts.Raw {
		insertAt = 3
	}
	out := make([]string, 0, len(argv)+1)
	out = append(out, argv[:insertAt]...)
	out = append(out, "-nvP")
	out = append(out, argv[insertAt:]...)
	return out
}

// ParseSendSizeEstimate extracts the total byte count from a `zfs send
// -nvP` dry run's tab-delimited rows, whose final row is "size\t<bytes>".
func ParseSendSizeEstimate(rows [][]string) (int64, error) {
	for _, row := range rows {
		if len(row) == 2 && row[0] == "size" {
			return strconv.ParseInt(row[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("zfs: no size row in send -nvP output")
}

// ReceiveOptions configures a receive_stream invocation.
type ReceiveOptions struct {
	Dataset string
	// Resume requests -s (save partial state as a resumable token on
	// failure/interruption).
	Resume bool
	// ForceRollback requests -F (roll back the destination to match the
	// incoming stream on mismatch).
	ForceRollback bool
}

// ReceiveArgv builds the `zfs receive` argv for opts.
func ReceiveArgv(opts ReceiveOptions) []string {
	argv := []string{"zfs", "receive"}
	if opts.Resume {
		argv = append(argv, "-s")
	}
	if opts.ForceRollback {
		argv = append(argv, "-F")
	}
	return append(argv, opts.Dataset)
}

// SendStream executes a send directly (no pipeline), writing the stream to
// w. Used by callers (e.g. tests, or a trivial local-to-local send) that
// don't need the full pipeline builder.
func (a *Adapter) SendStream(ctx context.Context, opts SendOptions, w io.Writer) error {
	return a.Exec.Exec(ctx, SendArgv(opts), nil, w)
}

// ReceiveStream executes a receive directly, reading the stream from r.
func (a *Adapter) ReceiveStream(ctx context.Context, opts ReceiveOptions, r io.Reader) error {
	return a.Exec.Exec(ctx, ReceiveArgv(opts), r, nil)
}
