package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGuardCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outputs", "nested")

	guard, err := NewGuard(dir)
	require.NoError(t, err)

	info, err := os.Stat(guard.Root())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewGuardRejectsEmptyDir(t *testing.T) {
	_, err := NewGuard("")
	assert.Error(t, err)
}

func TestJoinStaysInsideRoot(t *testing.T) {
	guard, err := NewGuard(t.TempDir())
	require.NoError(t, err)

	path, err := guard.Join("run-1.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(guard.Root(), "run-1.csv"), path)
}

func TestJoinRejectsEscapes(t *testing.T) {
	guard, err := NewGuard(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		name string
		arg  string
	}{
		{"empty", ""},
		{"absolute", "/etc/passwd"},
		{"traversal", "../outside.txt"},
		{"nested traversal", "a/../../outside.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := guard.Join(tt.arg)
			assert.Error(t, err)
		})
	}
}

func TestJoinAllowsSubdirectories(t *testing.T) {
	guard, err := NewGuard(t.TempDir())
	require.NoError(t, err)

	path, err := guard.Join(filepath.Join("run-1", "items.json"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(guard.Root(), "run-1", "items.json"), path)
}

func TestValidatePath(t *testing.T) {
	root := t.TempDir()
	guard, err := NewGuard(root)
	require.NoError(t, err)

	assert.NoError(t, guard.ValidatePath(filepath.Join(root, "out.json")))
	assert.NoError(t, guard.ValidatePath(filepath.Join(root, "deep", "not-yet-created.json")))
	assert.Error(t, guard.ValidatePath(filepath.Join(root, "..", "escape.json")))
	assert.Error(t, guard.ValidatePath("/tmp/unrelated.json"))
	assert.Error(t, guard.ValidatePath(""))
}

func TestValidatePathFollowsSymlinkedAncestors(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	guard, err := NewGuard(root)
	require.NoError(t, err)

	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(outside, link))

	// A path through the symlink resolves outside the root.
	assert.Error(t, guard.ValidatePath(filepath.Join(link, "out.json")))
}
