package policy

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	eventemitter "github.com/vansante/go-event-emitter"

	"github.com/pyznap/pyznap/internal/logging"
	"github.com/pyznap/pyznap/internal/pipeline"
	"github.com/pyznap/pyznap/internal/replication"
	"github.com/pyznap/pyznap/internal/retention"
	"github.com/pyznap/pyznap/internal/snapname"
	"github.com/pyznap/pyznap/internal/sshutil"
	"github.com/pyznap/pyznap/internal/zfs"
)

// Target is one resolved dataset within a configured tree: its path on its
// own host, its resolved Policy, and the Executor that reaches that host.
type Target struct {
	Path   string
	Root   string // the top-level section path this target descends from
	Policy Policy
	Exec   zfs.Executor
}

// ExecutorResolver builds an Executor (and, if remote, its Location) for a
// destination location string and SSH key, per spec.md §6's location
// syntax. Config loading supplies this; Dispatcher only calls it.
type ExecutorResolver func(location, key string) (exec zfs.Executor, loc *sshutil.Location, err error)

// Dispatcher walks a resolved dataset tree applying retention and
// replication, per spec.md §4.H.
type Dispatcher struct {
	*eventemitter.Emitter

	Targets  []Target
	Resolve  ExecutorResolver
	Now      func() time.Time
	Logger   logging.Logger
	Terminal bool // stdout is a tty; forwarded to pipeline.Options for pv's display mode

	mu     sync.Mutex
	active map[string]*ActiveAction
}

// ActiveAction describes one in-flight replication, for internal/statusapi's
// GET /status - a point-in-time view, not an event log.
type ActiveAction struct {
	Dataset     string
	Destination string
	Action      string
	StartedAt   time.Time
}

// NewDispatcher builds a Dispatcher, attaching a fresh synchronous emitter
// (teacher's job.NewRunner idiom, job/runner.go).
func NewDispatcher(targets []Target, resolve ExecutorResolver, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	return &Dispatcher{
		Emitter: eventemitter.NewEmitter(false),
		Targets: targets,
		Resolve: resolve,
		Now:     time.Now,
		Logger:  logger,
		active:  map[string]*ActiveAction{},
	}
}

// ActiveActions returns a snapshot of the replications currently in flight,
// keyed by "source -> destination".
func (d *Dispatcher) ActiveActions() map[string]ActiveAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]ActiveAction, len(d.active))
	for k, v := range d.active {
		out[k] = *v
	}
	return out
}

func (d *Dispatcher) setActive(key string, a *ActiveAction) {
	d.mu.Lock()
	d.active[key] = a
	d.mu.Unlock()
}

func (d *Dispatcher) clearActive(key string) {
	d.mu.Lock()
	delete(d.active, key)
	d.mu.Unlock()
}

// orderedTargets returns Targets sorted parent-before-child, per spec.md
// §5's "the dispatcher processes parents before children so
// dest_auto_create propagates."
func (d *Dispatcher) orderedTargets() []Target {
	out := append([]Target(nil), d.Targets...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// RunSnapTake creates any snapshots retention decides are due, for every
// target with Policy.Snap set. Returns per-dataset errors; a failure on
// one dataset never stops the others (spec.md §4.E "Failure semantics").
func (d *Dispatcher) RunSnapTake(ctx context.Context) map[string]error {
	errs := make(map[string]error)
	now := d.now()

	for _, t := range d.orderedTargets() {
		if !t.Policy.Snap {
			continue
		}
		if err := d.takeOne(ctx, t, now); err != nil {
			errs[t.Path] = err
			d.Emit(DatasetFailedEvent, t.Path, err)
		}
	}
	return errs
}

func (d *Dispatcher) takeOne(ctx context.Context, t Target, now time.Time) error {
	adapter := zfs.NewAdapter(t.Exec)
	snaps, err := listRetentionSnapshots(ctx, adapter, t.Path)
	if err != nil {
		return fmt.Errorf("listing snapshots for %s: %w", t.Path, err)
	}

	result := retention.Evaluate(t.Policy.Prefix, snaps, t.Policy.Counts, now)

	var firstErr error
	for _, g := range result.Take {
		name := snapname.Name(t.Policy.Prefix, now, g)
		if err := adapter.CreateSnapshot(ctx, t.Path, name); err != nil {
			d.Logger.WithField("dataset", t.Path).WithField("granularity", string(g)).WithError(err).
				Error("create snapshot failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		d.Emit(SnapshotTakenEvent, t.Path, name)
	}
	return firstErr
}

// RunSnapClean destroys retention's destroy-set for every target with
// Policy.Clean set.
func (d *Dispatcher) RunSnapClean(ctx context.Context) map[string]error {
	errs := make(map[string]error)
	now := d.now()

	for _, t := range d.orderedTargets() {
		if !t.Policy.Clean {
			continue
		}
		if err := d.cleanOne(ctx, t, now); err != nil {
			errs[t.Path] = err
			d.Emit(DatasetFailedEvent, t.Path, err)
		}
	}
	return errs
}

func (d *Dispatcher) cleanOne(ctx context.Context, t Target, now time.Time) error {
	adapter := zfs.NewAdapter(t.Exec)
	snaps, err := listRetentionSnapshots(ctx, adapter, t.Path)
	if err != nil {
		return fmt.Errorf("listing snapshots for %s: %w", t.Path, err)
	}

	result := retention.Evaluate(t.Policy.Prefix, snaps, t.Policy.Counts, now)
	for _, w := range result.Warnings {
		d.Logger.WithField("dataset", t.Path).Warn(w)
	}

	var firstErr error
	for _, name := range result.Destroy {
		full := fmt.Sprintf("%s@%s", t.Path, name)
		if err := adapter.Destroy(ctx, full); err != nil {
			d.Logger.WithField("snapshot", full).WithError(err).Error("destroy snapshot failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		d.Emit(SnapshotDestroyedEvent, full)
	}
	return firstErr
}

// RunSnapFull runs RunSnapTake then RunSnapClean, merging their per-dataset
// error maps (spec.md §4.H mode "snap-full").
func (d *Dispatcher) RunSnapFull(ctx context.Context) map[string]error {
	errs := d.RunSnapTake(ctx)
	for path, err := range d.RunSnapClean(ctx) {
		if _, already := errs[path]; !already {
			errs[path] = err
		}
	}
	return errs
}

// listRetentionSnapshots lists dataset's snapshots and converts them into
// retention.Snapshot values, marking the newest as Protected when a
// receive is in progress (the dataset-level resume-token probe is the
// closest available signal to "this specific snapshot is referenced by an
// in-progress receive" - see DESIGN.md).
func listRetentionSnapshots(ctx context.Context, adapter *zfs.Adapter, path string) ([]retention.Snapshot, error) {
	raw, err := adapter.ListSnapshots(ctx, path)
	if err != nil {
		return nil, err
	}
	receiving, err := adapter.ReceiveInProgress(ctx, path)
	if err != nil {
		return nil, err
	}

	out := make([]retention.Snapshot, len(raw))
	for i, ds := range raw {
		_, suffix := SplitSnapshotName(ds.Name)
		out[i] = retention.Snapshot{
			Name:      suffix,
			Protected: ds.HasHolds() || (receiving && i == len(raw)-1),
		}
	}
	return out, nil
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// RunSend replicates every target's configured destinations, per spec.md
// §4.F/§4.G/§4.H mode "send".
func (d *Dispatcher) RunSend(ctx context.Context) map[string]error {
	errs := make(map[string]error)

	for _, t := range d.orderedTargets() {
		for _, dest := range t.Policy.Dests {
			key := t.Path + " -> " + dest.Location
			if err := d.sendOne(ctx, t, dest); err != nil {
				errs[key] = err
				d.Emit(DatasetFailedEvent, key, err)
			}
		}
	}
	return errs
}

// sendOne replicates one target's dataset subtree to one configured
// destination. It enumerates the live subtree rooted at t.Path (rather than
// trusting t.Path alone to be the whole story), plans every discovered
// dataset independently through replication.PlanTree, and creates each
// newly-missing destination's lineage before driving its actions - per
// spec.md §4.F step 1 ("enumerate S's dataset subtree") and step 3 ("create
// the dataset lineage").
func (d *Dispatcher) sendOne(ctx context.Context, t Target, dest Destination) error {
	srcAdapter := zfs.NewAdapter(t.Exec)
	srcDatasets, err := srcAdapter.ListDatasets(ctx, t.Path, zfs.DatasetContainer)
	if err != nil {
		return fmt.Errorf("listing source dataset subtree for %s: %w", t.Path, err)
	}

	paths := make([]string, len(srcDatasets))
	for i, ds := range srcDatasets {
		paths[i] = ds.Name
	}
	if subtreeExcluded(paths, dest.Exclude) {
		return nil
	}

	destExec, destLoc, err := d.Resolve(dest.Location, dest.Key)
	if err != nil {
		return fmt.Errorf("resolving destination %s: %w", dest.Location, err)
	}
	destAdapter := zfs.NewAdapter(destExec)

	tree, err := buildReplicationTree(ctx, srcAdapter, destAdapter, t.Root, paths, dest.Location)
	if err != nil {
		return err
	}
	if len(tree) == 0 {
		return nil
	}

	key := t.Path + " -> " + dest.Location
	d.setActive(key, &ActiveAction{Dataset: t.Path, Destination: dest.Location, StartedAt: d.now()})
	defer d.clearActive(key)

	d.Emit(ReplicationStartEvent, t.Path, dest.Location)

	var srcLoc *sshutil.Location
	if sshExec, ok := t.Exec.(*sshutil.Executor); ok {
		srcLoc = &sshExec.Loc
	}

	compress, decompress := CompressorArgv(dest.Compress)
	if dest.RawSend {
		compress, decompress = nil, nil
	}
	// A compressor only helps if both ends can run it; missing either side
	// falls back to no compression rather than failing the send (spec.md
	// §3 "default lzop if available else none", generalized to any
	// configured choice).
	if len(compress) > 0 && (!t.Exec.Available(ctx, compress[0]) || !destExec.Available(ctx, decompress[0])) {
		compress, decompress = nil, nil
	}

	plans := replication.PlanTree(tree, dest.Exclude, replication.Options{DestAutoCreate: dest.DestAutoCreate, Resume: dest.Resume})

	var firstErr error
	for _, plan := range plans {
		if plan.Err != nil {
			d.Logger.WithField("dataset", plan.SourcePath).WithField("destination", dest.Location).WithError(plan.Err).
				Error("planning replication failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("planning %s: %w", plan.SourcePath, plan.Err)
			}
			continue
		}
		if len(plan.Actions) == 0 {
			continue
		}

		ds := tree[plan.SourcePath]
		if err := ensureDestLineage(ctx, destAdapter, ds.Snapshots.DestPath, ds.Dest.Exists, dest.DestAutoCreate); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("creating destination lineage %s: %w", ds.Snapshots.DestPath, err)
			}
			continue
		}

		if err := d.runActions(ctx, t, dest, key, plan.SourcePath, ds.Snapshots.DestPath, plan.Actions,
			srcLoc, destLoc, destExec, destAdapter, compress, decompress); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	d.Emit(ReplicationDoneEvent, t.Path, dest.Location)
	return firstErr
}

// subtreeExcluded reports whether every discovered dataset path is excluded,
// letting sendOne skip resolving the destination entirely for an ad hoc
// send whose single target is itself excluded.
func subtreeExcluded(paths, excludeGlobs []string) bool {
	if len(paths) == 0 {
		return true
	}
	for _, p := range paths {
		if !matchesAnyExclude(excludeGlobs, p) {
			return false
		}
	}
	return true
}

// buildReplicationTree gathers each discovered source dataset's snapshot
// names and its corresponding destination's current state, keyed by source
// path, for replication.PlanTree to walk.
func buildReplicationTree(ctx context.Context, srcAdapter, destAdapter *zfs.Adapter, root string, paths []string, destLocation string) (map[string]replication.Tree, error) {
	tree := make(map[string]replication.Tree, len(paths))
	for _, p := range paths {
		srcSnaps, err := srcAdapter.ListSnapshots(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("listing source snapshots for %s: %w", p, err)
		}
		names := snapshotSuffixes(srcSnaps)
		if len(names) == 0 {
			continue
		}

		destPath := deriveDestPath(root, p, destLocation)
		destSnaps, exists, err := listDestSnapshots(ctx, destAdapter, destPath)
		if err != nil {
			return nil, fmt.Errorf("listing destination snapshots for %s: %w", destPath, err)
		}
		token, err := destAdapter.ResumeToken(ctx, destPath)
		if err != nil {
			token = ""
		}

		tree[p] = replication.Tree{
			Snapshots: replication.Snapshots{SourcePath: p, DestPath: destPath, Names: names},
			Dest:      replication.DestState{Exists: exists, Snapshots: destSnaps, ResumeToken: token},
		}
	}
	return tree, nil
}

// ensureDestLineage creates destPath's full parent lineage before a fresh
// full send is driven into it. `zfs receive` only auto-creates a missing
// leaf whose direct parent already exists, so a destination that is
// missing outright (e.g. "tank/backup/home/docs" when "tank/backup/home"
// doesn't exist either) would otherwise fail at the pipeline stage rather
// than at this explicit, attributable step (spec.md §4.F step 3).
func ensureDestLineage(ctx context.Context, destAdapter *zfs.Adapter, destPath string, exists, autoCreate bool) error {
	if exists || !autoCreate {
		return nil
	}
	return destAdapter.CreateDataset(ctx, destPath)
}

// runActions drives one dataset's planned actions through the pipeline (or,
// when rate-limited, directly through the Adapters), retrying Transient
// failures per action.
func (d *Dispatcher) runActions(ctx context.Context, t Target, dest Destination, key, sourcePath, destPath string, actions []replication.Action,
	srcLoc, destLoc *sshutil.Location, destExec zfs.Executor, destAdapter *zfs.Adapter, compress, decompress []string) error {
	retries := dest.Retries
	interval := time.Duration(dest.RetryInterval) * time.Second

	mbufferSrc := t.Exec.Available(ctx, "mbuffer")
	mbufferDst := destExec.Available(ctx, "mbuffer")
	// RunRateLimited bypasses the process pipeline entirely, so it only
	// applies when there is no pipeline stage already capable of buffering
	// or compressing the stream (spec.md §4.G "Progress"/transfer caps).
	rateLimited := dest.BytesPerSecond > 0 && !mbufferSrc && !mbufferDst && len(compress) == 0

	for _, action := range actions {
		d.setActive(key, &ActiveAction{Dataset: sourcePath, Destination: dest.Location, Action: string(action.Kind), StartedAt: d.now()})
		d.Emit(ReplicationActionEvent, sourcePath, dest.Location, string(action.Kind))

		var err error
		if rateLimited {
			err = runRateLimited(ctx, t.Exec, destAdapter, action, dest, destPath, retries, interval)
		} else {
			err = d.runPiped(ctx, t, dest, action, destPath, srcLoc, destLoc, destExec, destAdapter, compress, decompress, retries, interval)
		}
		if err != nil {
			return fmt.Errorf("sending %s to %s: %w", sourcePath, dest.Location, err)
		}
	}
	return nil
}

// runPiped drives one action through the full proc pipeline (sender, pv,
// compressor, mbuffer, receiver), with a live size estimate for pv's -s
// progress bar (spec.md §4.G "Progress").
func (d *Dispatcher) runPiped(ctx context.Context, t Target, dest Destination, action replication.Action, destPath string,
	srcLoc, destLoc *sshutil.Location, destExec zfs.Executor, destAdapter *zfs.Adapter, compress, decompress []string, retries int, interval time.Duration) error {
	buildOnce := func() (pipeline.Options, error) {
		send, recv := actionOptions(action, dest)
		if action.Kind == replication.KindResume {
			// Refresh the resume token on every retry attempt, per
			// spec.md §4.G "Resumable transfers use the latest
			// receive_resume_token across retries."
			if token, err := destAdapter.ResumeToken(ctx, destPath); err == nil && token != "" {
				send.ResumeToken = token
			}
		}

		opts := pipeline.Options{
			Source:              pipeline.Endpoint{Loc: srcLoc},
			Dest:                pipeline.Endpoint{Loc: destLoc},
			Send:                send,
			Receive:             recv,
			CompressorCmd:       compress,
			DecompressorCmd:     decompress,
			MbufferCmd:          []string{"mbuffer", "-q"},
			MbufferAvailableSrc: t.Exec.Available(ctx, "mbuffer"),
			MbufferAvailableDst: destExec.Available(ctx, "mbuffer"),
			PvCmd:               []string{"pv"},
			PvAvailable:         t.Exec.Available(ctx, "pv"),
			Terminal:            d.Terminal,
		}
		// Best-effort: a failed estimate leaves SizeEstimate at 0, which
		// pipeline.Build treats as "no -s flag", per spec.md §4.G.
		if size, err := pipeline.EstimateSize(ctx, t.Exec, send); err == nil {
			opts.SizeEstimate = size
		}
		return opts, nil
	}

	return pipeline.Run(ctx, buildOnce, retries, interval)
}

// runRateLimited drives one action directly through the Adapters, joined by
// an in-process rate-limited pipe, retrying Transient failures the same way
// pipeline.Run does for the piped path.
func runRateLimited(ctx context.Context, srcExec zfs.Executor, destAdapter *zfs.Adapter, action replication.Action, dest Destination, destPath string, retries int, interval time.Duration) error {
	srcAdapter := zfs.NewAdapter(srcExec)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		send, recv := actionOptions(action, dest)
		if action.Kind == replication.KindResume {
			if token, err := destAdapter.ResumeToken(ctx, destPath); err == nil && token != "" {
				send.ResumeToken = token
			}
		}

		lastErr = pipeline.RunRateLimited(ctx, srcAdapter, destAdapter, send, recv, dest.BytesPerSecond)
		if lastErr == nil {
			return nil
		}
		if pipeline.Classify(lastErr) != pipeline.Transient || attempt == retries {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return lastErr
}

func actionOptions(action replication.Action, dest Destination) (zfs.SendOptions, zfs.ReceiveOptions) {
	send := zfs.SendOptions{Raw: dest.RawSend}
	switch action.Kind {
	case replication.KindFull:
		send.To = action.To
	case replication.KindIncremental:
		send.From, send.To, send.Intermediate = action.From, action.To, action.Intermediate
	case replication.KindResume:
		send.ResumeToken = action.ResumeToken
	}
	recv := zfs.ReceiveOptions{Dataset: action.DestPath, Resume: dest.Resume}
	return send, recv
}

// snapshotSuffixes extracts the "@suffix" half of each dataset's full name.
func snapshotSuffixes(raw []zfs.Dataset) []string {
	names := make([]string, 0, len(raw))
	for _, ds := range raw {
		_, suffix := SplitSnapshotName(ds.Name)
		names = append(names, suffix)
	}
	return names
}

func listDestSnapshots(ctx context.Context, adapter *zfs.Adapter, path string) (names []string, exists bool, err error) {
	raw, err := adapter.ListSnapshots(ctx, path)
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		// ListSnapshots returns (nil, nil) only for ErrDatasetNotFound; an
		// existing dataset with no snapshots lists as an empty, non-nil
		// slice and is reported as existing. A missing destination is
		// planned as a full send only with dest_auto_create, otherwise
		// as a DestMissingError (spec.md §4.F step 3).
		return nil, false, nil
	}
	names = make([]string, len(raw))
	for i, ds := range raw {
		_, suffix := SplitSnapshotName(ds.Name)
		names[i] = suffix
	}
	return names, true, nil
}

// deriveDestPath strips root from path and prefixes the destination's own
// path, per spec.md §4.F step 2.
func deriveDestPath(root, path, destLocation string) string {
	destRootPath := destLocation
	if idx := strings.LastIndex(destLocation, ":"); idx >= 0 && strings.HasPrefix(destLocation, "ssh:") {
		destRootPath = destLocation[idx+1:]
	}
	rel := strings.TrimPrefix(path, root)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return destRootPath
	}
	return destRootPath + "/" + rel
}

func matchesAnyExclude(globs []string, datasetPath string) bool {
	for _, g := range globs {
		if ok, _ := path.Match(g, datasetPath); ok {
			return true
		}
	}
	return false
}
