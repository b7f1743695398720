package sshutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConnectTimeout bounds how long the ssh client waits to establish a
// connection before giving up (spec.md §4.B: `-o ConnectTimeout=<T>`).
const ConnectTimeout = 10 * time.Second

var (
	// ErrUnreachable classifies a connection-level failure (refused,
	// timed out, host unknown).
	ErrUnreachable = errors.New("sshutil: host unreachable")
	// ErrAuthFailed classifies an authentication rejection by the remote.
	ErrAuthFailed = errors.New("sshutil: authentication failed")
	// ErrRemoteError classifies a nonzero exit of the remote command itself
	// (the ssh session succeeded, the remote command did not).
	ErrRemoteError = errors.New("sshutil: remote command failed")
)

// Prefix builds the ssh invocation prefix for loc, equivalent to
// `ssh -o BatchMode=yes -o ConnectTimeout=<T> [-i key] -p port user@host --`.
func Prefix(loc Location) []string {
	argv := []string{
		"ssh",
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=" + strconv.Itoa(int(ConnectTimeout/time.Second)),
	}
	if loc.Key != "" {
		argv = append(argv, "-i", loc.Key)
	}
	argv = append(argv, "-p", strconv.Itoa(loc.Port), fmt.Sprintf("%s@%s", loc.User, loc.Host), "--")
	return argv
}

// Command returns argv prefixed with the ssh invocation for loc, quoting
// each argument so spaces and single quotes in dataset names survive the
// remote shell (ZFS dataset names may legally contain spaces).
func Command(loc Location, argv ...string) []string {
	prefix := Prefix(loc)
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return append(prefix, strings.Join(quoted, " "))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Probe runs a trivial remote command to classify reachability, per
// spec.md §4.B.
func Probe(ctx context.Context, loc Location) error {
	argv := Command(loc, "true")
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	return classify(stderr.String(), err)
}

func classify(stderr string, err error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "authentication"):
		return fmt.Errorf("%s: %w", strings.TrimSpace(stderr), ErrAuthFailed)
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection timed out"),
		strings.Contains(lower, "no route to host"),
		strings.Contains(lower, "could not resolve hostname"),
		strings.Contains(lower, "operation timed out"):
		return fmt.Errorf("%s: %w", strings.TrimSpace(stderr), ErrUnreachable)
	default:
		return fmt.Errorf("%s: %w", strings.TrimSpace(stderr), ErrRemoteError)
	}
}

// Executor runs zfs/zpool (and supporting tool) commands over SSH against a
// single remote Location. It implements the same Executor shape
// internal/zfs.Executor expects, so the ZFS adapter drives remote hosts
// exactly like local ones (spec.md §9, "Uniform local/remote commands").
type Executor struct {
	Loc Location

	availMu sync.Mutex
	avail   map[string]bool
}

// NewExecutor builds an Executor for the given remote location.
func NewExecutor(loc Location) *Executor {
	return &Executor{Loc: loc, avail: make(map[string]bool)}
}

func (e *Executor) Host() string {
	return fmt.Sprintf("%s@%s", e.Loc.User, e.Loc.Host)
}

func (e *Executor) Run(ctx context.Context, argv []string) ([][]string, error) {
	full := Command(e.Loc, argv...)
	cmd := exec.CommandContext(ctx, full[0], full[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, classify(stderr.String(), err)
	}

	out := stdout.String()
	if out == "" {
		return nil, nil
	}
	lines := strings.Split(out, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	rows := make([][]string, len(lines))
	for i, ln := range lines {
		rows[i] = strings.Split(ln, "\t")
	}
	return rows, nil
}

func (e *Executor) Exec(ctx context.Context, argv []string, stdin io.Reader, stdout io.Writer) error {
	full := Command(e.Loc, argv...)
	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return classify(stderr.String(), err)
	}
	return nil
}

func (e *Executor) Available(ctx context.Context, tool string) bool {
	e.availMu.Lock()
	if v, ok := e.avail[tool]; ok {
		e.availMu.Unlock()
		return v
	}
	e.availMu.Unlock()

	full := Command(e.Loc, "command", "-v", tool)
	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	ok := cmd.Run() == nil

	e.availMu.Lock()
	e.avail[tool] = ok
	e.availMu.Unlock()
	return ok
}
