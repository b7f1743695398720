package zfs

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Executor runs zfs/zpool (and supporting tool) commands against one host,
// local or remote. The replication planner and pipeline builder depend only
// on this interface so the same code drives local and SSH-prefixed commands
// uniformly (spec.md §9, "Uniform local/remote commands").
type Executor interface {
	// Host identifies this executor for logging ("local", "user@host").
	Host() string
	// Run executes argv and returns its stdout parsed into tab-delimited
	// fields per line, mirroring `zfs -H -p` style output.
	Run(ctx context.Context, argv []string) ([][]string, error)
	// Exec runs argv wired to the given stdin/stdout, for streaming sends
	// and receives. stderr is captured and surfaced via the returned error.
	Exec(ctx context.Context, argv []string, stdin io.Reader, stdout io.Writer) error
	// Available reports whether a supporting tool (mbuffer, pv, lzop, ...)
	// exists on PATH for this host. Results are cached per host.
	Available(ctx context.Context, tool string) bool
}

// LocalExecutor runs commands on the current host. It is the direct
// generalization of the teacher's utils.go `command` type.
type LocalExecutor struct {
	availMu sync.Mutex
	avail   map[string]bool
}

// NewLocalExecutor constructs an Executor for the local host.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{avail: make(map[string]bool)}
}

func (l *LocalExecutor) Host() string { return "local" }

func (l *LocalExecutor) Run(ctx context.Context, argv []string) ([][]string, error) {
	if len(argv) == 0 {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, createError(cmd, stderr.String(), err)
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

func (l *LocalExecutor) Exec(ctx context.Context, argv []string, stdin io.Reader, stdout io.Writer) error {
	if len(argv) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return createError(cmd, stderr.String(), err)
	}
	return nil
}

func (l *LocalExecutor) Available(ctx context.Context, tool string) bool {
	l.availMu.Lock()
	if v, ok := l.avail[tool]; ok {
		l.availMu.Unlock()
		return v
	}
	l.availMu.Unlock()

	_, err := exec.LookPath(tool)
	ok := err == nil

	l.availMu.Lock()
	l.avail[tool] = ok
	l.availMu.Unlock()
	return ok
}
