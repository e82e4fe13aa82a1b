// Package fuse binds the filesystem operations layer to the kernel through
// go-fuse. The binding is thin: it translates paths, attributes and errnos,
// and delegates everything else.
package fuse

import (
	"context"
	"syscall"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfuse/objectfuse/internal/fs"
	"github.com/objectfuse/objectfuse/pkg/errors"
)

// FileSystem adapts fs.FileSystem to the go-fuse node API.
type FileSystem struct {
	fsys *fs.FileSystem
}

// NewFileSystem creates the binding.
func NewFileSystem(fsys *fs.FileSystem) *FileSystem {
	return &FileSystem{fsys: fsys}
}

// Root returns the root directory node.
func (f *FileSystem) Root() gofs.InodeEmbedder {
	return &dirNode{fsys: f.fsys, path: ""}
}

func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return errors.KindOf(err).Errno()
}

func fillAttr(stat fs.Stat, out *gofuse.Attr) {
	out.Mode = stat.Mode
	out.Size = uint64(stat.Size)
	out.Blocks = uint64(stat.Blocks)
	out.Blksize = uint32(stat.BlkSize)
	out.Nlink = stat.Nlink
	out.Owner.Uid = stat.UID
	out.Owner.Gid = stat.GID
	out.Mtime = uint64(stat.Mtime)
	out.Atime = uint64(stat.Mtime)
	out.Ctime = uint64(stat.Mtime)
}

func stableMode(stat fs.Stat) uint32 {
	return stat.Mode & uint32(syscall.S_IFMT)
}

// dirNode is a directory in the tree.
type dirNode struct {
	gofs.Inode
	fsys *fs.FileSystem
	path string
}

func (n *dirNode) childPath(name string) string {
	if n.path == "" {
		return name
	}
	return n.path + "/" + name
}

func (n *dirNode) newChild(ctx context.Context, path string, stat fs.Stat) *gofs.Inode {
	if stat.Mode&uint32(syscall.S_IFMT) == syscall.S_IFDIR {
		return n.NewInode(ctx, &dirNode{fsys: n.fsys, path: path}, gofs.StableAttr{Mode: syscall.S_IFDIR})
	}
	return n.NewInode(ctx, &fileNode{fsys: n.fsys, path: path}, gofs.StableAttr{Mode: stableMode(stat)})
}

func (n *dirNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	path := n.childPath(name)

	stat, err := n.fsys.GetStats(path, fs.HintNone)
	if err != nil {
		return nil, toErrno(err)
	}

	fillAttr(stat, &out.Attr)

	return n.newChild(ctx, path, stat), 0
}

func (n *dirNode) Getattr(ctx context.Context, fh gofs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	if n.path == "" {
		out.Mode = syscall.S_IFDIR | 0755
		return 0
	}

	stat, err := n.fsys.GetStats(n.path, fs.HintIsDir)
	if err != nil {
		return toErrno(err)
	}

	fillAttr(stat, &out.Attr)
	return 0
}

func (n *dirNode) Setattr(ctx context.Context, fh gofs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	return setattr(n.fsys, n.path, in, out)
}

func (n *dirNode) Readdir(ctx context.Context) (gofs.DirStream, syscall.Errno) {
	var entries []gofuse.DirEntry

	err := n.fsys.ReadDirectory(n.path, func(e fs.DirEntry) {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{Name: e.Name, Mode: mode})
	})
	if err != nil {
		return nil, toErrno(err)
	}

	return gofs.NewListDirStream(entries), 0
}

func (n *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	path := n.childPath(name)

	if err := n.fsys.CreateDirectory(path, mode); err != nil {
		return nil, toErrno(err)
	}

	stat, err := n.fsys.GetStats(path, fs.HintIsDir)
	if err != nil {
		return nil, toErrno(err)
	}

	fillAttr(stat, &out.Attr)

	return n.NewInode(ctx, &dirNode{fsys: n.fsys, path: path}, gofs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

func (n *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*gofs.Inode, gofs.FileHandle, uint32, syscall.Errno) {
	path := n.childPath(name)

	if err := n.fsys.CreateFile(path, mode); err != nil {
		return nil, nil, 0, toErrno(err)
	}

	stat, err := n.fsys.GetStats(path, fs.HintIsFile)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}

	fillAttr(stat, &out.Attr)

	handle, err := n.fsys.Open(path)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}

	node := n.NewInode(ctx, &fileNode{fsys: n.fsys, path: path}, gofs.StableAttr{Mode: syscall.S_IFREG})

	return node, &fileHandle{fsys: n.fsys, handle: handle}, 0, 0
}

func (n *dirNode) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *gofuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	path := n.childPath(name)

	if err := n.fsys.Mknod(path, mode); err != nil {
		return nil, toErrno(err)
	}

	stat, err := n.fsys.GetStats(path, fs.HintIsFile)
	if err != nil {
		return nil, toErrno(err)
	}

	fillAttr(stat, &out.Attr)

	return n.newChild(ctx, path, stat), 0
}

func (n *dirNode) Symlink(ctx context.Context, target, name string, out *gofuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	path := n.childPath(name)

	if err := n.fsys.CreateSymlink(path, target); err != nil {
		return nil, toErrno(err)
	}

	stat, err := n.fsys.GetStats(path, fs.HintIsFile)
	if err != nil {
		return nil, toErrno(err)
	}

	fillAttr(stat, &out.Attr)

	return n.newChild(ctx, path, stat), 0
}

func (n *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fsys.Remove(n.childPath(name), fs.HintIsFile))
}

func (n *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fsys.Remove(n.childPath(name), fs.HintIsDir))
}

func (n *dirNode) Rename(ctx context.Context, name string, newParent gofs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	target, ok := newParent.(*dirNode)
	if !ok {
		return syscall.EINVAL
	}

	return toErrno(n.fsys.Rename(n.childPath(name), target.childPath(newName)))
}

func (n *dirNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return getxattr(n.fsys, n.path, attr, dest)
}

func (n *dirNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return toErrno(n.fsys.SetXAttr(n.path, attr, data, int(flags)))
}

func (n *dirNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return listxattr(n.fsys, n.path, dest)
}

func (n *dirNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return toErrno(n.fsys.RemoveXAttr(n.path, attr))
}

// fileNode is a file, symlink or fifo in the tree.
type fileNode struct {
	gofs.Inode
	fsys *fs.FileSystem
	path string
}

func (n *fileNode) Getattr(ctx context.Context, fh gofs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	stat, err := n.fsys.GetStats(n.path, fs.HintIsFile)
	if err != nil {
		return toErrno(err)
	}

	fillAttr(stat, &out.Attr)
	return 0
}

func (n *fileNode) Setattr(ctx context.Context, fh gofs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	return setattr(n.fsys, n.path, in, out)
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	handle, err := n.fsys.Open(n.path)
	if err != nil {
		return nil, 0, toErrno(err)
	}

	return &fileHandle{fsys: n.fsys, handle: handle}, 0, 0
}

func (n *fileNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.ReadLink(n.path)
	if err != nil {
		return nil, toErrno(err)
	}

	return []byte(target), 0
}

func (n *fileNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return getxattr(n.fsys, n.path, attr, dest)
}

func (n *fileNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return toErrno(n.fsys.SetXAttr(n.path, attr, data, int(flags)))
}

func (n *fileNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return listxattr(n.fsys, n.path, dest)
}

func (n *fileNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return toErrno(n.fsys.RemoveXAttr(n.path, attr))
}

// fileHandle is one open descriptor.
type fileHandle struct {
	fsys   *fs.FileSystem
	handle uint64
}

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	n, err := h.fsys.Read(h.handle, dest, off)
	if err != nil {
		return nil, toErrno(err)
	}

	return gofuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.fsys.Write(h.handle, data, off)
	if err != nil {
		return 0, toErrno(err)
	}

	return uint32(n), 0
}

func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return toErrno(h.fsys.Flush(h.handle))
}

func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return toErrno(h.fsys.Flush(h.handle))
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	return toErrno(h.fsys.Release(h.handle))
}

// Shared helpers.

func setattr(fsys *fs.FileSystem, path string, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	mode := fs.NoMode
	uid := fs.NoUID
	gid := fs.NoGID
	mtime := fs.NoMtime

	if in.Valid&gofuse.FATTR_MODE != 0 {
		mode = in.Mode
	}
	if in.Valid&gofuse.FATTR_UID != 0 {
		uid = in.Owner.Uid
	}
	if in.Valid&gofuse.FATTR_GID != 0 {
		gid = in.Owner.Gid
	}
	if in.Valid&gofuse.FATTR_MTIME != 0 {
		mtime = int64(in.Mtime)
	}

	if mode != fs.NoMode || uid != fs.NoUID || gid != fs.NoGID || mtime != fs.NoMtime {
		if err := fsys.ChangeMetadata(path, mode, uid, gid, mtime); err != nil {
			return toErrno(err)
		}
	}

	stat, err := fsys.GetStats(path, fs.HintNone)
	if err != nil {
		return toErrno(err)
	}

	fillAttr(stat, &out.Attr)
	return 0
}

func getxattr(fsys *fs.FileSystem, path, attr string, dest []byte) (uint32, syscall.Errno) {
	value, err := fsys.GetXAttr(path, attr)
	if err != nil {
		return 0, toErrno(err)
	}

	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}

	copy(dest, value)
	return uint32(len(value)), 0
}

func listxattr(fsys *fs.FileSystem, path string, dest []byte) (uint32, syscall.Errno) {
	keys, err := fsys.ListXAttr(path)
	if err != nil {
		return 0, toErrno(err)
	}

	size := 0
	for _, k := range keys {
		size += len(k) + 1
	}

	if len(dest) < size {
		return uint32(size), syscall.ERANGE
	}

	pos := 0
	for _, k := range keys {
		copy(dest[pos:], k)
		pos += len(k)
		dest[pos] = 0
		pos++
	}

	return uint32(size), 0
}

// Interface assertions keep the binding honest as go-fuse evolves.
var (
	_ gofs.NodeLookuper    = (*dirNode)(nil)
	_ gofs.NodeReaddirer   = (*dirNode)(nil)
	_ gofs.NodeMkdirer     = (*dirNode)(nil)
	_ gofs.NodeCreater     = (*dirNode)(nil)
	_ gofs.NodeMknoder     = (*dirNode)(nil)
	_ gofs.NodeSymlinker   = (*dirNode)(nil)
	_ gofs.NodeUnlinker    = (*dirNode)(nil)
	_ gofs.NodeRmdirer     = (*dirNode)(nil)
	_ gofs.NodeRenamer     = (*dirNode)(nil)
	_ gofs.NodeGetattrer   = (*fileNode)(nil)
	_ gofs.NodeSetattrer   = (*fileNode)(nil)
	_ gofs.NodeOpener      = (*fileNode)(nil)
	_ gofs.NodeReadlinker  = (*fileNode)(nil)
	_ gofs.NodeGetxattrer  = (*fileNode)(nil)
	_ gofs.NodeSetxattrer  = (*fileNode)(nil)
	_ gofs.NodeListxattrer = (*fileNode)(nil)
	_ gofs.FileReader      = (*fileHandle)(nil)
	_ gofs.FileWriter      = (*fileHandle)(nil)
	_ gofs.FileFlusher     = (*fileHandle)(nil)
	_ gofs.FileReleaser    = (*fileHandle)(nil)
)
