package manifest

import (
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"
)

func TestNewNormalizesTargets(t *testing.T) {
	root := t.TempDir()
	layer := t.TempDir()

	m, err := New(root, []Mapping{
		{Target: "./.config/nvim/", Source: layer, IsDir: true},
		{Target: ".", Source: layer, IsDir: true},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.Version())
	require.Equal(t, ".config/nvim", m.Mappings()[0].Target)
	require.Equal(t, "", m.Mappings()[1].Target)
}

func TestNewRejectsKindMismatch(t *testing.T) {
	root := t.TempDir()
	layer := t.TempDir()

	_, err := New(root, []Mapping{
		{Target: "conf", Source: layer, IsDir: true},
		{Target: "conf", Source: filepath.Join(layer, "f"), IsDir: false},
	})
	require.True(t, errdefs.IsInvalidArgument(err))
}

func TestNewAllowsNestedTargets(t *testing.T) {
	root := t.TempDir()
	layer := t.TempDir()

	_, err := New(root, []Mapping{
		{Target: ".config", Source: layer, IsDir: true},
		{Target: ".config/nvim", Source: layer, IsDir: true},
	})
	require.NoError(t, err, "overlapping targets resolve by prefix and priority, not rejection")
}

func TestNewRejectsRelativePaths(t *testing.T) {
	_, err := New("relative/root", nil)
	require.True(t, errdefs.IsInvalidArgument(err))

	root := t.TempDir()
	_, err = New(root, []Mapping{{Target: "x", Source: "relative/layer", IsDir: true}})
	require.True(t, errdefs.IsInvalidArgument(err))
}

func TestNextIncrementsVersion(t *testing.T) {
	root := t.TempDir()
	layer := t.TempDir()

	m1, err := New(root, nil)
	require.NoError(t, err)

	m2, err := m1.Next([]Mapping{{Target: "x", Source: layer, IsDir: true}})
	require.NoError(t, err)
	require.Equal(t, uint64(2), m2.Version())
	require.Equal(t, uint64(1), m1.Version(), "predecessor is untouched")
	require.Empty(t, m1.Mappings())
	require.Len(t, m2.Mappings(), 1)
}

func TestCheckLayers(t *testing.T) {
	layer := t.TempDir()
	gone := filepath.Join(t.TempDir(), "missing")

	warnings := CheckLayers([]Mapping{
		{Target: "a", Source: layer, IsDir: true},
		{Target: "b", Source: gone, IsDir: true},
	}, OSProber{})
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], gone)
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"":             "",
		"/":            "",
		".":            "",
		"./a":          "a",
		"/a/b/":        "a/b",
		"a/./b/../c":   "a/c",
		"../escape":    "escape",
		".config/nvim": ".config/nvim",
		"//double//x":  "double/x",
	}
	for in_, want := range cases {
		require.Equal(t, want, Normalize(in_), "Normalize(%q)", in_)
	}
}
