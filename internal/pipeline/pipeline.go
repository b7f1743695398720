// Package pipeline assembles the OS-process chain that carries one
// replication action's byte stream from sender to receiver (spec.md §4.G):
//
//	sender_zfs -> [pv] -> [compressor] -> [mbuffer] -> [decompressor] -> [mbuffer] -> receiver_zfs
//
// The spec's "ssh_out"/"ssh_in" boxes are not separate stages here: a
// remote sender or receiver's argv is itself wrapped in an ssh invocation
// (internal/sshutil.Command), the same "a command is a command, local or
// remote" principle internal/zfs's Executor already applies. Compression
// and buffering run on the local relay host, bracketing whichever side (or
// both) cross the network - exactly the "stream still traverses the local
// host" case spec.md §4.G calls out for a remote-to-remote replication.
package pipeline

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/juju/ratelimit"

	"github.com/pyznap/pyznap/internal/proc"
	"github.com/pyznap/pyznap/internal/sshutil"
	"github.com/pyznap/pyznap/internal/zfs"
)

// Endpoint names which host a stage runs on: nil Loc means the local host.
type Endpoint struct {
	Loc *sshutil.Location
}

// Options configures one pipeline build.
type Options struct {
	Source Endpoint
	Dest   Endpoint

	Send    zfs.SendOptions
	Receive zfs.ReceiveOptions

	CompressorCmd   []string // e.g. {"zstd", "-T0"}; nil disables compression
	DecompressorCmd []string // e.g. {"zstd", "-d"}

	MbufferCmd          []string // e.g. {"mbuffer", "-q", "-s", "128k"}
	MbufferAvailableSrc bool
	MbufferAvailableDst bool

	PvCmd       []string // e.g. {"pv"}
	PvAvailable bool
	Terminal    bool // stdout is a tty (mattn/go-isatty); selects pv's live vs periodic mode

	// SizeEstimate, when > 0, is passed to pv as -s for a progress bar.
	SizeEstimate int64
}

// periodicInterval matches spec.md §4.G's "≈1/min" when stdout isn't a
// terminal.
const periodicInterval = "60"

// Build assembles the ordered stages for one pipeline run. It performs no
// I/O itself; the caller drives the result with proc.NewPipeline.
func Build(opts Options) []proc.Stage {
	var stages []proc.Stage

	senderArgv := zfs.SendArgv(opts.Send)
	if opts.Source.Loc != nil {
		senderArgv = sshutil.Command(*opts.Source.Loc, senderArgv...)
	}
	stages = append(stages, proc.Stage{Name: "sender_zfs", Argv: senderArgv})

	if opts.PvAvailable && len(opts.PvCmd) > 0 {
		pvArgv := append([]string{}, opts.PvCmd...)
		if opts.Terminal {
			pvArgv = append(pvArgv, "-w", "100")
		} else {
			pvArgv = append(pvArgv, "-i", periodicInterval)
		}
		if opts.SizeEstimate > 0 {
			pvArgv = append(pvArgv, "-s", strconv.FormatInt(opts.SizeEstimate, 10))
		}
		stages = append(stages, proc.Stage{Name: "pv", Argv: pvArgv})
	}

	if len(opts.CompressorCmd) > 0 {
		stages = append(stages, proc.Stage{Name: "compressor", Argv: opts.CompressorCmd})
	}

	if opts.MbufferAvailableSrc && len(opts.MbufferCmd) > 0 {
		stages = append(stages, proc.Stage{Name: "mbuffer_out", Argv: opts.MbufferCmd})
	}

	if len(opts.DecompressorCmd) > 0 {
		stages = append(stages, proc.Stage{Name: "decompressor", Argv: opts.DecompressorCmd})
	}

	if opts.MbufferAvailableDst && len(opts.MbufferCmd) > 0 {
		stages = append(stages, proc.Stage{Name: "mbuffer_in", Argv: opts.MbufferCmd})
	}

	receiverArgv := zfs.ReceiveArgv(opts.Receive)
	if opts.Dest.Loc != nil {
		receiverArgv = sshutil.Command(*opts.Dest.Loc, receiverArgv...)
	}
	stages = append(stages, proc.Stage{Name: "receiver_zfs", Argv: receiverArgv})

	return stages
}

// EstimateSize runs a dry-run "zfs send -nvP" to size the transfer for
// pv's progress bar, per spec.md §4.G. Failure is non-fatal: callers should
// treat a non-nil error as "no estimate available" and proceed anyway.
func EstimateSize(ctx context.Context, exec zfs.Executor, opts zfs.SendOptions) (int64, error) {
	argv := zfs.SendSizeEstimateArgv(opts)
	rows, err := exec.Run(ctx, argv)
	if err != nil {
		return 0, err
	}
	return zfs.ParseSendSizeEstimate(rows)
}

// RunRateLimited drives a send/receive directly through the Adapters,
// joined by an in-process pipe, for the case where neither mbuffer nor any
// compressor is available and a transfer rate cap is still configured.
// bytesPerSecond <= 0 disables limiting (a plain unbounded copy). This
// mirrors the teacher's io.go rateLimitWriter, applied to a subprocess
// stdio bridge instead of a single in-process writer.
func RunRateLimited(ctx context.Context, src, dst *zfs.Adapter, send zfs.SendOptions, recv zfs.ReceiveOptions, bytesPerSecond int64) error {
	pr, pw := io.Pipe()

	var w io.Writer = pw
	if bytesPerSecond > 0 {
		w = ratelimit.Writer(pw, ratelimit.NewBucketWithRate(float64(bytesPerSecond), bytesPerSecond))
	}

	errCh := make(chan error, 2)
	go func() {
		err := src.SendStream(ctx, send, w)
		pw.CloseWithError(err)
		errCh <- err
	}()
	go func() {
		errCh <- dst.ReceiveStream(ctx, recv, pr)
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Class categorizes a pipeline failure for the retry policy.
type Class int

const (
	Terminal Class = iota
	Transient
)

// Classify maps a pipeline error onto a retry Class, per spec.md §4.G
// "Retries": network/transport failures are Transient, ZFS-level failures
// (no common base, dataset missing, checksum mismatch) are Terminal.
func Classify(err error) Class {
	// A piped run fails with a *proc.PipelineError carrying the first
	// failing stage's stderr; an ssh connection failure reported there is
	// matched on the same markers internal/sshutil uses for ErrUnreachable.
	var pe *proc.PipelineError
	if errors.As(err, &pe) {
		lower := strings.ToLower(pe.Stderr)
		for _, m := range []string{"connection refused", "connection timed out", "no route to host", "could not resolve hostname", "operation timed out"} {
			if strings.Contains(lower, m) {
				return Transient
			}
		}
	}
	switch {
	case errors.Is(err, sshutil.ErrUnreachable):
		return Transient
	case errors.Is(err, zfs.ErrNoCommonBase),
		errors.Is(err, zfs.ErrStreamMismatch),
		errors.Is(err, zfs.ErrDatasetNotFound),
		errors.Is(err, sshutil.ErrAuthFailed):
		return Terminal
	default:
		return Terminal
	}
}

// Run drives one pipeline end to end, retrying up to retries times with
// interval between attempts for Transient failures only. build is called
// again before each attempt so a fresh resume token can be folded into
// opts.Send by the caller.
func Run(ctx context.Context, build func() (Options, error), retries int, interval time.Duration) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		opts, err := build()
		if err != nil {
			return err
		}

		p := proc.NewPipeline(ctx, Build(opts))

		_, lastErr = p.Run()
		if lastErr == nil {
			return nil
		}
		if Classify(lastErr) != Transient || attempt == retries {
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
