package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"bazil.org/fuse"

	"strata/internal/manifest"
)

func openHandle(t *testing.T, f *File, flags int) *FileHandle {
	t.Helper()
	h, err := f.Open(context.Background(), &fuse.OpenRequest{Flags: fuse.OpenFlags(flags)}, &fuse.OpenResponse{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return h.(*FileHandle)
}

func TestFileAttrPassesBackendThrough(t *testing.T) {
	u, root, _ := setupTestFS(t)
	mustWrite(t, filepath.Join(root, "data.bin"), "0123456789")
	if err := os.Chmod(filepath.Join(root, "data.bin"), 0o600); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}

	f := &File{fs: u, path: "data.bin"}
	var a fuse.Attr
	if err := f.Attr(context.Background(), &a); err != nil {
		t.Fatalf("Attr failed: %v", err)
	}
	if a.Size != 10 {
		t.Errorf("Size = %d, want 10", a.Size)
	}
	if a.Mode.Perm() != 0o600 {
		t.Errorf("Mode = %v, want 0600", a.Mode.Perm())
	}
	if a.Inode != pathInode("data.bin") {
		t.Errorf("Inode = %d, want %d", a.Inode, pathInode("data.bin"))
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	u, root, _ := setupTestFS(t)
	mustWrite(t, filepath.Join(root, "notes.txt"), "")

	f := &File{fs: u, path: "notes.txt"}

	wh := openHandle(t, f, os.O_RDWR)
	var wresp fuse.WriteResponse
	if err := wh.Write(context.Background(), &fuse.WriteRequest{Data: []byte("hello union"), Offset: 0}, &wresp); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if wresp.Size != len("hello union") {
		t.Errorf("Write size = %d, want %d", wresp.Size, len("hello union"))
	}
	if err := wh.Release(context.Background(), nil); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	rh := openHandle(t, f, os.O_RDONLY)
	var rresp fuse.ReadResponse
	if err := rh.Read(context.Background(), &fuse.ReadRequest{Size: 64, Offset: 0}, &rresp); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(rresp.Data) != "hello union" {
		t.Errorf("Read = %q, want %q", rresp.Data, "hello union")
	}
	if err := rh.Release(context.Background(), nil); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestWriteThroughKeepsLayerOwnership(t *testing.T) {
	layer := t.TempDir()
	mustWrite(t, filepath.Join(layer, "cfg"), "before")

	u, root, _ := setupTestFS(t, manifest.Mapping{Target: "/", Source: layer, IsDir: true})

	f := &File{fs: u, path: "cfg"}
	h := openHandle(t, f, os.O_WRONLY|os.O_TRUNC)
	if err := h.Write(context.Background(), &fuse.WriteRequest{Data: []byte("after"), Offset: 0}, &fuse.WriteResponse{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := h.Release(context.Background(), nil); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(layer, "cfg"))
	if err != nil {
		t.Fatalf("Layer file unreadable: %v", err)
	}
	if string(data) != "after" {
		t.Errorf("Layer content = %q, want %q", data, "after")
	}
	// Writing through must not copy the file into the real tree.
	if _, err := os.Stat(filepath.Join(root, "cfg")); !os.IsNotExist(err) {
		t.Errorf("Write-through leaked into real tree, stat err = %v", err)
	}
}

func TestSetattrTruncate(t *testing.T) {
	u, root, _ := setupTestFS(t)
	mustWrite(t, filepath.Join(root, "log.txt"), "0123456789")

	f := &File{fs: u, path: "log.txt"}
	var resp fuse.SetattrResponse
	err := f.Setattr(context.Background(), &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: 4}, &resp)
	if err != nil {
		t.Fatalf("Setattr failed: %v", err)
	}
	if resp.Attr.Size != 4 {
		t.Errorf("Attr size after truncate = %d, want 4", resp.Attr.Size)
	}

	data, err := os.ReadFile(filepath.Join(root, "log.txt"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "0123" {
		t.Errorf("Content after truncate = %q, want %q", data, "0123")
	}
}

func TestAttrMissingBackend(t *testing.T) {
	u, _, _ := setupTestFS(t)

	f := &File{fs: u, path: "vanished"}
	var a fuse.Attr
	if err := f.Attr(context.Background(), &a); err == nil {
		t.Error("Attr on missing file should fail")
	}
}
