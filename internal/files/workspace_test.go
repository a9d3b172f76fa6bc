package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkspaceCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ws")
	ws, err := NewWorkspace(root)
	require.NoError(t, err)

	for _, dir := range []string{ConfigsDir, DecisionsDir, EvolutionDir, LessonsDir} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(root, StateFile), ws.MustPath(StateFile))

	_, err = NewWorkspace("  ")
	require.Error(t, err)
}

func TestWorkspaceRejectsEscapes(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)

	for _, bad := range []string{"..", "../outside", "/etc/passwd", "configs/../../x"} {
		_, err := ws.Path(bad)
		assert.Error(t, err, bad)
	}
	p, err := ws.Path("configs/./base.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Root, "configs", "base.yaml"), p)
}

func TestWriteFileReplacesAtomically(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)

	path, err := ws.WriteFile(StateFile, []byte(`{"v":1}`))
	require.NoError(t, err)
	_, err = ws.WriteFile(StateFile, []byte(`{"v":2}`))
	require.NoError(t, err)

	data, err := ws.ReadFile(StateFile)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".write-", "temp file left behind")
	}
}

func TestReadLimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big")
	require.NoError(t, os.WriteFile(path, make([]byte, 16), 0644))

	_, err := ReadLimited(path, 8)
	require.Error(t, err)

	data, err := ReadLimited(path, 16)
	require.NoError(t, err)
	assert.Len(t, data, 16)
}
