package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pyznap/pyznap/internal/config"
)

func TestExitForErrsNilOnEmpty(t *testing.T) {
	require.NoError(t, exitForErrs(nil))
	require.NoError(t, exitForErrs(map[string]error{}))
}

func TestExitForErrsReturnsErrorOnFailures(t *testing.T) {
	err := exitForErrs(map[string]error{"tank/data": errors.New("boom")})
	require.Error(t, err)
}

func TestResolveSendKeysFallsBackToSharedKey(t *testing.T) {
	src, dst := resolveSendKeys("/shared", "", "")
	require.Equal(t, "/shared", src)
	require.Equal(t, "/shared", dst)

	src, dst = resolveSendKeys("/shared", "/src-only", "")
	require.Equal(t, "/src-only", src)
	require.Equal(t, "/shared", dst)

	src, dst = resolveSendKeys("", "/src", "/dst")
	require.Equal(t, "/src", src)
	require.Equal(t, "/dst", dst)
}

func TestSampleConfigParses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pyznap.conf")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	tree, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, tree.Sections, 1)
	require.Equal(t, "tank/data", tree.Sections[0].Path)
	require.True(t, tree.Sections[0].Policy.Snap)
	require.True(t, tree.Sections[0].Policy.Clean)
	require.Len(t, tree.Sections[0].Policy.Dests, 1)
}
