package fs

import (
	"os"
	"syscall"
	"time"

	"bazil.org/fuse"
)

func safeInt64ToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// fillAttr copies backend stat results into a FUSE attribute reply.
// Ownership and timestamps pass straight through from the backend, so a
// layer-owned file reports its layer's metadata.
func fillAttr(a *fuse.Attr, info os.FileInfo, ino uint64) {
	a.Inode = ino
	a.Mode = info.Mode()
	a.Size = safeInt64ToUint64(info.Size())
	a.Mtime = info.ModTime()
	a.Atime = info.ModTime()
	a.Ctime = info.ModTime()
	a.BlockSize = 4096
	a.Blocks = safeInt64ToUint64((info.Size() + 511) / 512)
	a.Nlink = 1
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		a.Uid = st.Uid
		a.Gid = st.Gid
		a.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
		a.Ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
		a.Nlink = safeIntToUint32(int(st.Nlink))
	}
}

// fillSyntheticDirAttr fabricates attributes for a directory that exists
// only because a mapping is targeted below it.
func fillSyntheticDirAttr(a *fuse.Attr, ino uint64) {
	now := time.Now()
	a.Inode = ino
	a.Mode = os.ModeDir | 0o755
	a.Uid = safeIntToUint32(os.Getuid())
	a.Gid = safeIntToUint32(os.Getgid())
	a.Mtime = now
	a.Atime = now
	a.Ctime = now
	a.Nlink = 1
}
