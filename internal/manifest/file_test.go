package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	layer := t.TempDir()
	writeFile(t, filepath.Join(layer, "gitconfig"), "cfg")

	manifest := `apiVersion: strata/v1
layers:
  - target: .config/nvim
    source: ` + layer + `
  - target: .gitconfig
    source: ` + filepath.Join(layer, "gitconfig") + `
  - target: vendor
    source: ./rel-layer
`
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))

	mappings, err := LoadFile(path, nil)
	require.NoError(t, err)
	require.Len(t, mappings, 3)

	require.Equal(t, ".config/nvim", mappings[0].Target)
	require.True(t, mappings[0].IsDir)

	// Existing regular-file source probes as a file mapping.
	require.False(t, mappings[1].IsDir)

	// Relative sources resolve against the manifest file's directory.
	require.Equal(t, filepath.Join(dir, "rel-layer"), mappings[2].Source)
	require.True(t, mappings[2].IsDir, "absent source defaults to a directory mapping")
}

func TestLoadFileExplicitFileFlag(t *testing.T) {
	dir := t.TempDir()
	manifest := `apiVersion: strata/v1
layers:
  - target: .vimrc
    source: /layers/vimrc
    file: true
`
	path := filepath.Join(dir, "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))

	mappings, err := LoadFile(path, nil)
	require.NoError(t, err)
	require.False(t, mappings[0].IsDir)
}

func TestLoadFileRejectsBadVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apiVersion: nope/v9\nlayers: []\n"), 0o644))

	_, err := LoadFile(path, nil)
	require.True(t, errdefs.IsInvalidArgument(err))
}

func TestLoadFileRejectsEmptySource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apiVersion: strata/v1\nlayers:\n  - target: x\n"), 0o644))

	_, err := LoadFile(path, nil)
	require.True(t, errdefs.IsInvalidArgument(err))
}
