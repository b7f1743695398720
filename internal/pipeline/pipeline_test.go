package pipeline

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pyznap/pyznap/internal/sshutil"
	"github.com/pyznap/pyznap/internal/zfs"
)

// fakeExecutor simulates "zfs send" by echoing a fixed payload and
// simulates "zfs receive" by capturing whatever it's given, so
// RunRateLimited can be exercised without a real zfs binary.
type fakeExecutor struct {
	sendPayload []byte
	received    bytes.Buffer
}

func (f *fakeExecutor) Host() string { return "local" }

func (f *fakeExecutor) Run(context.Context, []string) ([][]string, error) { return nil, nil }

func (f *fakeExecutor) Exec(ctx context.Context, argv []string, stdin io.Reader, stdout io.Writer) error {
	if argv[1] == "send" {
		_, err := stdout.Write(f.sendPayload)
		return err
	}
	_, err := io.Copy(&f.received, stdin)
	return err
}

func (f *fakeExecutor) Available(context.Context, string) bool { return true }

func TestBuildLocalToLocalMinimal(t *testing.T) {
	opts := Options{
		Send:    zfs.SendOptions{To: "tank/data@snap1"},
		Receive: zfs.ReceiveOptions{Dataset: "backup/data"},
	}
	stages := Build(opts)
	require.Len(t, stages, 2)
	require.Equal(t, "sender_zfs", stages[0].Name)
	require.Equal(t, []string{"zfs", "send", "tank/data@snap1"}, stages[0].Argv)
	require.Equal(t, "receiver_zfs", stages[1].Name)
	require.Equal(t, []string{"zfs", "receive", "backup/data"}, stages[1].Argv)
}

func TestBuildWithAllOptionalStages(t *testing.T) {
	opts := Options{
		Send:                zfs.SendOptions{From: "snap1", To: "snap2", Intermediate: true},
		Receive:             zfs.ReceiveOptions{Dataset: "backup/data", Resume: true},
		CompressorCmd:       []string{"zstd", "-T0"},
		DecompressorCmd:     []string{"zstd", "-d"},
		MbufferCmd:          []string{"mbuffer", "-q"},
		MbufferAvailableSrc: true,
		MbufferAvailableDst: true,
		PvCmd:               []string{"pv"},
		PvAvailable:         true,
		Terminal:            true,
		SizeEstimate:        1024,
	}
	stages := Build(opts)
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	require.Equal(t, []string{
		"sender_zfs", "pv", "compressor", "mbuffer_out", "decompressor", "mbuffer_in", "receiver_zfs",
	}, names)

	var pvStage, senderStage []string
	for _, s := range stages {
		if s.Name == "pv" {
			pvStage = s.Argv
		}
		if s.Name == "sender_zfs" {
			senderStage = s.Argv
		}
	}
	require.Contains(t, pvStage, "-w")
	require.Contains(t, pvStage, "1024")
	require.Equal(t, []string{"zfs", "send", "-I", "snap1", "snap2"}, senderStage)
}

func TestBuildRemoteSenderWrapsSSH(t *testing.T) {
	loc := sshutil.Location{Remote: true, User: "backup", Host: "example.com", Port: 22, Path: "tank/data"}
	opts := Options{
		Source:  Endpoint{Loc: &loc},
		Send:    zfs.SendOptions{To: "snap1"},
		Receive: zfs.ReceiveOptions{Dataset: "backup/data"},
	}
	stages := Build(opts)
	require.Equal(t, "sender_zfs", stages[0].Name)
	require.Equal(t, "ssh", stages[0].Argv[0])
	require.Equal(t, "'zfs' 'send' 'snap1'", stages[0].Argv[len(stages[0].Argv)-1])
}

func TestRunRateLimitedCopiesStream(t *testing.T) {
	exec := &fakeExecutor{sendPayload: []byte("a simulated zfs send stream")}
	srcAdapter := zfs.NewAdapter(exec)
	dstAdapter := zfs.NewAdapter(exec)

	err := RunRateLimited(context.Background(), srcAdapter, dstAdapter,
		zfs.SendOptions{To: "snap1"}, zfs.ReceiveOptions{Dataset: "backup/data"}, 0)
	require.NoError(t, err)
	require.Equal(t, "a simulated zfs send stream", exec.received.String())
}

func TestClassifyTransientVsTerminal(t *testing.T) {
	require.Equal(t, Transient, Classify(sshutil.ErrUnreachable))
	require.Equal(t, Terminal, Classify(zfs.ErrNoCommonBase))
	require.Equal(t, Terminal, Classify(zfs.ErrDatasetNotFound))
}
