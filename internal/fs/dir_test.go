package fs

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"bazil.org/fuse"

	"strata/internal/manifest"
)

// setupTestFS builds a UnionFS over a temp root without attaching a FUSE
// session; node methods are invoked directly.
func setupTestFS(t *testing.T, mappings ...manifest.Mapping) (*UnionFS, string, *atomic.Pointer[manifest.Manifest]) {
	t.Helper()

	root := t.TempDir()
	m, err := manifest.New(root, mappings)
	if err != nil {
		t.Fatalf("Failed to build manifest: %v", err)
	}

	var cur atomic.Pointer[manifest.Manifest]
	cur.Store(m)

	u := NewUnionFS(root, cur.Load)
	if err := u.initIO(); err != nil {
		t.Fatalf("Failed to init IO: %v", err)
	}
	t.Cleanup(func() {
		if err := u.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})

	return u, root, &cur
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create parent dirs: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func lookupDir(t *testing.T, d *Dir, name string) *Dir {
	t.Helper()
	node, err := d.Lookup(context.Background(), name)
	if err != nil {
		t.Fatalf("Lookup(%q) failed: %v", name, err)
	}
	sub, ok := node.(*Dir)
	if !ok {
		t.Fatalf("Lookup(%q) returned %T, want *Dir", name, node)
	}
	return sub
}

func lookupFile(t *testing.T, d *Dir, name string) *File {
	t.Helper()
	node, err := d.Lookup(context.Background(), name)
	if err != nil {
		t.Fatalf("Lookup(%q) failed: %v", name, err)
	}
	f, ok := node.(*File)
	if !ok {
		t.Fatalf("Lookup(%q) returned %T, want *File", name, node)
	}
	return f
}

func TestLookupResolvesOwnership(t *testing.T) {
	layer := t.TempDir()
	mustWrite(t, filepath.Join(layer, "init.lua"), "layer")

	u, root, _ := setupTestFS(t, manifest.Mapping{Target: "/nvim", Source: layer, IsDir: true})
	mustWrite(t, filepath.Join(root, "real.txt"), "real")
	mustWrite(t, filepath.Join(root, "nvim", "init.lua"), "shadowed")

	dir := &Dir{fs: u, path: ""}

	lookupFile(t, dir, "real.txt")
	nvim := lookupDir(t, dir, "nvim")
	f := lookupFile(t, nvim, "init.lua")

	// The layer's copy must shadow the real one.
	var a fuse.Attr
	if err := f.Attr(context.Background(), &a); err != nil {
		t.Fatalf("Attr failed: %v", err)
	}
	if a.Size != uint64(len("layer")) {
		t.Errorf("Attr size = %d, want %d (layer copy must win)", a.Size, len("layer"))
	}

	if _, err := dir.Lookup(context.Background(), "missing"); err == nil {
		t.Error("Lookup of missing name should fail")
	}
}

func TestLookupSyntheticIntermediate(t *testing.T) {
	layer := t.TempDir()
	mustWrite(t, filepath.Join(layer, "conf"), "x")

	u, _, _ := setupTestFS(t, manifest.Mapping{Target: "/.config/app", Source: layer, IsDir: true})

	dir := &Dir{fs: u, path: ""}
	conf := lookupDir(t, dir, ".config")

	var a fuse.Attr
	if err := conf.Attr(context.Background(), &a); err != nil {
		t.Fatalf("Attr on synthetic dir failed: %v", err)
	}
	if !a.Mode.IsDir() {
		t.Errorf("Synthetic node mode = %v, want directory", a.Mode)
	}

	lookupDir(t, conf, "app")
}

func TestLookupTypeFollowsListing(t *testing.T) {
	layer := t.TempDir()
	mustWrite(t, filepath.Join(layer, "thing", "inner.txt"), "i")

	u, root, _ := setupTestFS(t, manifest.Mapping{Target: "/", Source: layer, IsDir: true})
	mustWrite(t, filepath.Join(root, "thing"), "file in real")

	dir := &Dir{fs: u, path: ""}

	// The listing reports the layer's directory; lookup must return a
	// directory node for the same name, not the shadowed real file.
	entries, err := dir.ReadDirAll(context.Background())
	if err != nil {
		t.Fatalf("ReadDirAll failed: %v", err)
	}
	for _, e := range entries {
		if e.Name == "thing" && e.Type != fuse.DT_Dir {
			t.Errorf("ReadDirAll type for %q = %v, want %v", e.Name, e.Type, fuse.DT_Dir)
		}
	}

	thing := lookupDir(t, dir, "thing")
	lookupFile(t, thing, "inner.txt")
}

func TestReadDirAllMergesSources(t *testing.T) {
	layer := t.TempDir()
	mustWrite(t, filepath.Join(layer, "from-layer.txt"), "a")
	mustWrite(t, filepath.Join(layer, "shared.txt"), "layer")

	u, root, _ := setupTestFS(t, manifest.Mapping{Target: "/", Source: layer, IsDir: true})
	mustWrite(t, filepath.Join(root, "from-real.txt"), "b")
	mustWrite(t, filepath.Join(root, "shared.txt"), "real")

	dir := &Dir{fs: u, path: ""}
	entries, err := dir.ReadDirAll(context.Background())
	if err != nil {
		t.Fatalf("ReadDirAll failed: %v", err)
	}

	names := make(map[string]int)
	for _, e := range entries {
		names[e.Name]++
	}
	for _, want := range []string{".", "..", "from-layer.txt", "from-real.txt", "shared.txt"} {
		if names[want] != 1 {
			t.Errorf("Entry %q appears %d times, want 1", want, names[want])
		}
	}
	if len(entries) != 5 {
		t.Errorf("ReadDirAll returned %d entries, want 5", len(entries))
	}
}

func TestCreateAnchorsInRealDirectory(t *testing.T) {
	layer := t.TempDir()
	mustWrite(t, filepath.Join(layer, "existing.txt"), "x")

	u, root, _ := setupTestFS(t, manifest.Mapping{Target: "/", Source: layer, IsDir: true})

	dir := &Dir{fs: u, path: ""}
	node, handle, err := dir.Create(context.Background(), &fuse.CreateRequest{
		Name:  "new.txt",
		Flags: fuse.OpenFlags(os.O_RDWR | os.O_CREATE),
		Mode:  0o644,
	}, &fuse.CreateResponse{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, ok := node.(*File); !ok {
		t.Fatalf("Create returned %T, want *File", node)
	}
	if err := handle.(*FileHandle).Release(context.Background(), nil); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// The real tree has the root directory, so the file must land there,
	// not in the layer.
	if _, err := os.Stat(filepath.Join(root, "new.txt")); err != nil {
		t.Errorf("New file not in real tree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(layer, "new.txt")); !os.IsNotExist(err) {
		t.Errorf("New file leaked into layer, stat err = %v", err)
	}
}

func TestCreateInPureLayerDirectory(t *testing.T) {
	layer := t.TempDir()
	mustWrite(t, filepath.Join(layer, "keep"), "x")

	u, root, _ := setupTestFS(t, manifest.Mapping{Target: "/only-layer", Source: layer, IsDir: true})

	dir := &Dir{fs: u, path: "only-layer"}
	_, handle, err := dir.Create(context.Background(), &fuse.CreateRequest{
		Name:  "new.txt",
		Flags: fuse.OpenFlags(os.O_WRONLY | os.O_CREATE),
		Mode:  0o644,
	}, &fuse.CreateResponse{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := handle.(*FileHandle).Release(context.Background(), nil); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(layer, "new.txt")); err != nil {
		t.Errorf("New file not in layer: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "only-layer")); !os.IsNotExist(err) {
		t.Errorf("Write should not have materialized a real directory, stat err = %v", err)
	}
}

func TestMkdirAndRemove(t *testing.T) {
	u, root, _ := setupTestFS(t)

	dir := &Dir{fs: u, path: ""}
	node, err := dir.Mkdir(context.Background(), &fuse.MkdirRequest{Name: "sub", Mode: os.ModeDir | 0o755})
	if err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	sub := node.(*Dir)

	mustWrite(t, filepath.Join(root, "sub", "child.txt"), "x")

	// Non-empty union directory must refuse removal.
	if err := dir.Remove(context.Background(), &fuse.RemoveRequest{Name: "sub", Dir: true}); err == nil {
		t.Fatal("Remove of non-empty directory should fail")
	}

	if err := sub.Remove(context.Background(), &fuse.RemoveRequest{Name: "child.txt"}); err != nil {
		t.Fatalf("Remove file failed: %v", err)
	}
	if err := dir.Remove(context.Background(), &fuse.RemoveRequest{Name: "sub", Dir: true}); err != nil {
		t.Fatalf("Remove empty directory failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "sub")); !os.IsNotExist(err) {
		t.Errorf("Directory still present after remove, stat err = %v", err)
	}
}

func TestRemoveLayerFileActsOnLayer(t *testing.T) {
	layer := t.TempDir()
	mustWrite(t, filepath.Join(layer, "doomed.txt"), "x")

	u, _, _ := setupTestFS(t, manifest.Mapping{Target: "/", Source: layer, IsDir: true})

	dir := &Dir{fs: u, path: ""}
	if err := dir.Remove(context.Background(), &fuse.RemoveRequest{Name: "doomed.txt"}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(layer, "doomed.txt")); !os.IsNotExist(err) {
		t.Errorf("Layer file still present, stat err = %v", err)
	}
}

func TestRenameFile(t *testing.T) {
	u, root, _ := setupTestFS(t)
	mustWrite(t, filepath.Join(root, "old.txt"), "content")

	dir := &Dir{fs: u, path: ""}
	if err := dir.Rename(context.Background(), &fuse.RenameRequest{OldName: "old.txt", NewName: "new.txt"}, dir); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "new.txt"))
	if err != nil {
		t.Fatalf("Renamed file unreadable: %v", err)
	}
	if string(data) != "content" {
		t.Errorf("Renamed content = %q, want %q", data, "content")
	}
	if _, err := os.Stat(filepath.Join(root, "old.txt")); !os.IsNotExist(err) {
		t.Errorf("Old name still present, stat err = %v", err)
	}
}

func TestRenameMergedDirectoryRefused(t *testing.T) {
	layer := t.TempDir()
	mustWrite(t, filepath.Join(layer, "merged", "a"), "x")

	u, root, _ := setupTestFS(t, manifest.Mapping{Target: "/", Source: layer, IsDir: true})
	mustWrite(t, filepath.Join(root, "merged", "b"), "y")

	dir := &Dir{fs: u, path: ""}
	err := dir.Rename(context.Background(), &fuse.RenameRequest{OldName: "merged", NewName: "moved"}, dir)
	if err == nil {
		t.Fatal("Rename of merged directory should fail")
	}
}

func TestManifestSwapTakesEffectNextOperation(t *testing.T) {
	layerA := t.TempDir()
	layerB := t.TempDir()
	mustWrite(t, filepath.Join(layerA, "who"), "alpha")
	mustWrite(t, filepath.Join(layerB, "who"), "beta")

	u, _, cur := setupTestFS(t, manifest.Mapping{Target: "/", Source: layerA, IsDir: true})

	dir := &Dir{fs: u, path: ""}
	f := lookupFile(t, dir, "who")

	var a fuse.Attr
	if err := f.Attr(context.Background(), &a); err != nil {
		t.Fatalf("Attr failed: %v", err)
	}
	if a.Size != uint64(len("alpha")) {
		t.Fatalf("Attr size = %d, want %d", a.Size, len("alpha"))
	}

	next, err := cur.Load().Next([]manifest.Mapping{{Target: "/", Source: layerB, IsDir: true}})
	if err != nil {
		t.Fatalf("Next manifest failed: %v", err)
	}
	cur.Store(next)
	// Without a live kernel session the cache drop is a no-op.
	u.InvalidateEntries([]string{"who"})

	// Same node, no remount: the swapped manifest governs the next call.
	if err := f.Attr(context.Background(), &a); err != nil {
		t.Fatalf("Attr after swap failed: %v", err)
	}
	if a.Size != uint64(len("beta")) {
		t.Errorf("Attr size after swap = %d, want %d", a.Size, len("beta"))
	}
}
