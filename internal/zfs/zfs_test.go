package zfs

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeExecutor is a scripted Executor, used in place of the teacher's
// sudo-backed TestZPool integration helper since no real ZFS pool is
// available (or appropriate) to exercise here.
type fakeExecutor struct {
	runs []func(argv []string) ([][]string, error)
	exec []func(argv []string, stdin io.Reader, stdout io.Writer) error

	runCalls  [][]string
	execCalls [][]string
}

func (f *fakeExecutor) Host() string { return "fake" }

func (f *fakeExecutor) Run(_ context.Context, argv []string) ([][]string, error) {
	f.runCalls = append(f.runCalls, argv)
	if len(f.runs) == 0 {
		return nil, nil
	}
	fn := f.runs[0]
	f.runs = f.runs[1:]
	return fn(argv)
}

func (f *fakeExecutor) Exec(_ context.Context, argv []string, stdin io.Reader, stdout io.Writer) error {
	f.execCalls = append(f.execCalls, argv)
	if len(f.exec) == 0 {
		return nil
	}
	fn := f.exec[0]
	f.exec = f.exec[1:]
	return fn(argv, stdin, stdout)
}

func (f *fakeExecutor) Available(_ context.Context, tool string) bool {
	return tool == "mbuffer" || tool == "lzop"
}

func TestAdapterListDatasets(t *testing.T) {
	fe := &fakeExecutor{
		runs: []func(argv []string) ([][]string, error){
			func(argv []string) ([][]string, error) {
				return [][]string{
					{"tank", "filesystem", "-", "0", "0", "0", "-", "0"},
					{"tank/a", "filesystem", "-", "0", "0", "0", "-", "0"},
				}, nil
			},
		},
	}
	a := NewAdapter(fe)
	ds, err := a.ListDatasets(context.Background(), "tank", DatasetFilesystem)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	require.Equal(t, "tank", ds[0].Name)
	require.Equal(t, "tank/a", ds[1].Name)
}

func TestAdapterReceiveInProgress(t *testing.T) {
	cases := []struct {
		name string
		rows [][]string
		want bool
	}{
		{name: "no token", rows: [][]string{{"-"}}, want: false},
		{name: "token present", rows: [][]string{{"1-abc-def"}}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fe := &fakeExecutor{
				runs: []func(argv []string) ([][]string, error){
					func(argv []string) ([][]string, error) { return tc.rows, nil },
				},
			}
			a := NewAdapter(fe)
			got, err := a.ReceiveInProgress(context.Background(), "tank/a")
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestAdapterReceiveInProgressDatasetGone(t *testing.T) {
	fe := &fakeExecutor{
		runs: []func(argv []string) ([][]string, error){
			func(argv []string) ([][]string, error) { return nil, ErrDatasetNotFound },
		},
	}
	a := NewAdapter(fe)
	got, err := a.ReceiveInProgress(context.Background(), "tank/gone")
	require.NoError(t, err)
	require.False(t, got)
}

func TestSendArgv(t *testing.T) {
	require.Equal(t, []string{"zfs", "send", "tank/a@s1"}, SendArgv(SendOptions{To: "tank/a@s1"}))
	require.Equal(t, []string{"zfs", "send", "-i", "tank/a@s1", "tank/a@s2"},
		SendArgv(SendOptions{From: "tank/a@s1", To: "tank/a@s2"}))
	require.Equal(t, []string{"zfs", "send", "-I", "tank/a@s1", "tank/a@s3"},
		SendArgv(SendOptions{From: "tank/a@s1", To: "tank/a@s3", Intermediate: true}))
	require.Equal(t, []string{"zfs", "send", "-w", "-i", "tank/a@s1", "tank/a@s2"},
		SendArgv(SendOptions{From: "tank/a@s1", To: "tank/a@s2", Raw: true}))
	require.Equal(t, []string{"zfs", "send", "-t", "TOKEN"},
		SendArgv(SendOptions{ResumeToken: "TOKEN"}))
}

func TestSendSizeEstimateArgv(t *testing.T) {
	got := SendSizeEstimateArgv(SendOptions{To: "tank/a@s1"})
	require.Equal(t, []string{"zfs", "send", "-nvP", "tank/a@s1"}, got)
}

func TestReceiveArgv(t *testing.T) {
	got := ReceiveArgv(ReceiveOptions{Dataset: "tank/a", Resume: true, ForceRollback: true})
	require.Equal(t, []string{"zfs", "receive", "-s", "-F", "tank/a"}, got)
}

func TestCreateErrorClassification(t *testing.T) {
	_, err := (&LocalExecutor{}).Run(context.Background(), []string{"sh", "-c", "echo 'dataset does not exist' 1>&2; exit 1"})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDatasetNotFound))
}
