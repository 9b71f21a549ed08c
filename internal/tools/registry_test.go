//go:build !windows

package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Dispatch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello\n"), 0o644))
	reader, err := NewWorkspaceReader(root)
	require.NoError(t, err)
	r := NewRegistry(newTestExecutor(t), reader)

	s := shellSetup("read notes.txt")
	s.Cwd = root
	assert.Equal(t, KindRead, r.Match(s))
	kind, res := r.Dispatch(context.Background(), s)
	assert.Equal(t, KindRead, kind)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)

	s = shellSetup("echo via shell")
	kind, res = r.Dispatch(context.Background(), s)
	assert.Equal(t, KindShell, kind)
	assert.Equal(t, "via shell\n", res.Stdout)

	// "read" with extra arguments is not the in-process reader.
	assert.Equal(t, KindShell, r.Match(shellSetup("read a b")))
}

func TestRegistry_ReadAndShellShareWorkspace(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello\n"), 0o644))
	reader, err := NewWorkspaceReader(root)
	require.NoError(t, err)
	e := newTestExecutor(t)
	e.Workspace = reader.Root
	r := NewRegistry(e, reader)

	for _, run := range []string{"read notes.txt", "cat notes.txt"} {
		s := shellSetup(run)
		require.Equal(t, ".", s.Cwd)
		_, res := r.Dispatch(context.Background(), s)
		require.NoError(t, res.Err, run)
		require.NotNil(t, res.ExitCode, run)
		assert.Equal(t, 0, *res.ExitCode, run)
		assert.Equal(t, "hello\n", res.Stdout, run)
	}
}

func TestWorkspaceReader_ConfinedToRoot(t *testing.T) {
	root := t.TempDir()
	reader, err := NewWorkspaceReader(root)
	require.NoError(t, err)

	s := shellSetup("read ../../etc/passwd")
	s.Cwd = root
	res := reader.execute(context.Background(), s)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 1, *res.ExitCode)
	assert.Contains(t, res.Stderr, "unsafe path")

	s = shellSetup("read missing.txt")
	s.Cwd = "."
	res = reader.execute(context.Background(), s)
	assert.Equal(t, 1, *res.ExitCode)
	assert.Contains(t, res.Stderr, "failed to read file")
}
