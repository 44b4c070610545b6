package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathFor_DeterministicAndCreated(t *testing.T) {
	root := t.TempDir()
	a := NewAllocator(root)

	first, err := a.PathFor("proj-1", "agent-1")
	require.NoError(t, err)
	second, err := a.PathFor("proj-1", "agent-1")
	require.NoError(t, err)
	require.Equal(t, first, second)

	info, err := os.Stat(first)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	other, err := a.PathFor("proj-1", "agent-2")
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestPathFor_FlattensTraversal(t *testing.T) {
	root := t.TempDir()
	a := NewAllocator(root)

	path, err := a.PathFor("../escape", "agent/one")
	require.NoError(t, err)

	rel, err := filepath.Rel(root, path)
	require.NoError(t, err)
	require.False(t, strings.HasPrefix(rel, ".."), "workspace escaped root: %q", path)
}

func TestPathFor_RejectsEmptyIDs(t *testing.T) {
	a := NewAllocator(t.TempDir())
	_, err := a.PathFor("", "agent-1")
	require.Error(t, err)
	_, err = a.PathFor("proj-1", "")
	require.Error(t, err)
}

func TestRemove(t *testing.T) {
	a := NewAllocator(t.TempDir())
	path, err := a.PathFor("proj-1", "agent-1")
	require.NoError(t, err)

	require.NoError(t, a.Remove("proj-1", "agent-1"))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// Removing again is a no-op.
	require.NoError(t, a.Remove("proj-1", "agent-1"))
}
