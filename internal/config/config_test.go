package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pyznap/pyznap/internal/snapname"
	"github.com/pyznap/pyznap/internal/sshutil"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pyznap.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSingleSection(t *testing.T) {
	path := writeConfig(t, `
[tank/data]
frequent = 4
hourly = 24
snap = yes
clean = yes
dest = tank/backup, ssh:22:user@host:tank/remote
dest_key = , /home/user/.ssh/id_ed25519
compress = lz4, none
exclude = tmp *.tmp,
raw_send = no, yes
resume = yes, yes
dest_auto_create = yes, no
retries = 5, 2
retry_interval = 60, 15
bytes_per_second = 0, 1048576
`)

	tree, err := Load(path)
	require.NoError(t, err)
	require.Len(t, tree.Sections, 1)

	s := tree.Sections[0]
	require.Equal(t, "tank/data", s.Path)
	require.False(t, s.Location.Remote)
	require.True(t, s.Policy.Snap)
	require.True(t, s.Policy.Clean)
	require.Equal(t, 4, s.Policy.Counts[snapname.Frequent])
	require.Equal(t, 24, s.Policy.Counts[snapname.Hourly])
	require.Len(t, s.Policy.Dests, 2)

	local := s.Policy.Dests[0]
	require.Equal(t, "tank/backup", local.Location)
	require.Empty(t, local.Key)
	require.Equal(t, "lz4", string(local.Compress))
	require.Equal(t, []string{"tmp", "*.tmp"}, local.Exclude)
	require.False(t, local.RawSend)
	require.True(t, local.Resume)
	require.True(t, local.DestAutoCreate)
	require.Equal(t, 5, local.Retries)
	require.Equal(t, 60, local.RetryInterval)
	require.Zero(t, local.BytesPerSecond)

	remote := s.Policy.Dests[1]
	require.Equal(t, "ssh:22:user@host:tank/remote", remote.Location)
	require.Equal(t, "/home/user/.ssh/id_ed25519", remote.Key)
	require.Equal(t, "none", string(remote.Compress))
	require.True(t, remote.RawSend)
	require.False(t, remote.DestAutoCreate)
	require.EqualValues(t, 1048576, remote.BytesPerSecond)
}

func TestLoadInheritanceOverridesKeyByKey(t *testing.T) {
	path := writeConfig(t, `
[tank]
frequent = 4
snap = yes
clean = yes

[tank/archive]
frequent = 1
`)

	tree, err := Load(path)
	require.NoError(t, err)
	require.Len(t, tree.Sections, 2)

	var archive Section
	for _, s := range tree.Sections {
		if s.Path == "tank/archive" {
			archive = s
		}
	}
	require.Equal(t, 1, archive.Policy.Counts[snapname.Frequent])
	require.True(t, archive.Policy.Snap, "unset snap/clean keys must inherit, not reset to false")
	require.True(t, archive.Policy.Clean)
}

func TestLoadMismatchedPerDestListLengthFails(t *testing.T) {
	path := writeConfig(t, `
[tank/data]
dest = a, b
compress = lz4
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMalformedLocation(t *testing.T) {
	path := writeConfig(t, `
[ssh:not-a-location]
snap = yes
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestTreeTargetsAssignsExecutorsAndRoot(t *testing.T) {
	path := writeConfig(t, `
[tank]
snap = yes

[tank/child]
clean = yes
`)
	tree, err := Load(path)
	require.NoError(t, err)

	targets := tree.Targets()
	require.Len(t, targets, 2)

	byPath := map[string]string{}
	for _, tg := range targets {
		byPath[tg.Path] = tg.Root
	}
	require.Equal(t, "tank", byPath["tank"])
	require.Equal(t, "tank", byPath["tank/child"])
}

func TestResolverBuildsLocalAndRemoteExecutors(t *testing.T) {
	resolve := Resolver()

	exec, loc, err := resolve("tank/backup", "")
	require.NoError(t, err)
	require.Nil(t, loc)
	require.Equal(t, "local", exec.Host())

	exec, loc, err = resolve("ssh:22:user@host:tank/backup", "/key")
	require.NoError(t, err)
	require.NotNil(t, loc)
	require.Equal(t, "user@host", exec.Host())
	require.IsType(t, &sshutil.Executor{}, exec)
}
