package zfs

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const (
	datasetNotFoundMessage   = "dataset does not exist"
	datasetBusyMessage       = "pool or dataset is busy"
	datasetExistsMessage1    = "destination '"
	datasetExistsMessage2    = "' exists"
	dependentCloneMessage    = "snapshot has dependent clones"
	resumableMessage         = "resuming stream can be generated on the sending system"
	outOfSpaceMessage        = "out of space"
	checksumMismatchMessage  = "invalid stream (checksum mismatch)"
	receiveInProgressMessage = "destination has a resumable receive state"
)

var (
	// ErrDatasetNotFound is returned when a dataset/snapshot does not exist.
	ErrDatasetNotFound = errors.New("zfs: dataset not found")

	// ErrDatasetExists is returned when a receive target already exists.
	ErrDatasetExists = errors.New("zfs: dataset already exists")

	// ErrBusy is returned when a snapshot has holds or clones and cannot be
	// destroyed (spec.md §4.C: destroy must fail with Busy in that case).
	ErrBusy = errors.New("zfs: pool or dataset busy")

	// ErrNoCommonBase classifies a replication whose source and non-empty
	// destination share no snapshot to use as an incremental base. The
	// replication planner reports that case with its own
	// replication.ErrNoCommonBase; nothing in this package returns this one.
	ErrNoCommonBase = errors.New("zfs: no common base snapshot")

	// ErrStreamMismatch is returned when a receive detects a checksum
	// mismatch in the incoming stream.
	ErrStreamMismatch = errors.New("zfs: stream checksum mismatch")

	// ErrOutOfSpace is returned when a receive fails because the
	// destination pool is full.
	ErrOutOfSpace = errors.New("zfs: destination out of space")

	// ErrReceiveInProgress is returned when a destination dataset already
	// has a partial receive in progress.
	ErrReceiveInProgress = errors.New("zfs: receive already in progress")

	// ErrToolMissing is returned when a required (non-optional) binary is
	// absent from PATH on the relevant host.
	ErrToolMissing = errors.New("zfs: required tool missing")
)

// CommandError wraps a nonzero zfs/zpool exit with its invocation and stderr,
// matching the teacher's error.go CommandError shape.
type CommandError struct {
	Err    error
	Debug  string
	Stderr string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %q => %s", e.Err, e.Debug, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ResumableStreamError is returned when a send/receive is interrupted and
// ZFS reports a resume token for continuation.
type ResumableStreamError struct {
	CommandError
	ReceiveResumeToken string
}

func (e *ResumableStreamError) ResumeToken() string { return e.ReceiveResumeToken }

func createError(cmd *exec.Cmd, stderr string, err error) error {
	debug := strings.Join(append([]string{cmd.Path}, cmd.Args[1:]...), " ")

	switch {
	case strings.Contains(stderr, datasetNotFoundMessage):
		return fmt.Errorf("%s: %w", stderr, ErrDatasetNotFound)
	case strings.Contains(stderr, datasetBusyMessage):
		return fmt.Errorf("%s: %w", stderr, ErrBusy)
	case strings.Contains(stderr, dependentCloneMessage):
		return fmt.Errorf("%s: %w", stderr, ErrBusy)
	case strings.Contains(stderr, datasetExistsMessage1) && strings.Contains(stderr, datasetExistsMessage2):
		return fmt.Errorf("%s: %w", stderr, ErrDatasetExists)
	case strings.Contains(stderr, outOfSpaceMessage):
		return fmt.Errorf("%s: %w", stderr, ErrOutOfSpace)
	case strings.Contains(stderr, checksumMismatchMessage):
		return fmt.Errorf("%s: %w", stderr, ErrStreamMismatch)
	case strings.Contains(stderr, receiveInProgressMessage):
		return fmt.Errorf("%s: %w", stderr, ErrReceiveInProgress)
	case strings.Contains(stderr, resumableMessage):
		return &ResumableStreamError{
			CommandError:       CommandError{Err: err, Debug: debug, Stderr: stderr},
			ReceiveResumeToken: extractResumeToken(stderr),
		}
	}

	return &CommandError{Err: err, Debug: debug, Stderr: stderr}
}

func extractResumeToken(stderr string) string {
	const marker = "zfs send -t"
	idx := strings.LastIndex(stderr, marker)
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(stderr[idx+len(marker):])
}
