package fs

import (
	stderrors "errors"
	"strings"
	"syscall"

	"github.com/objectfuse/objectfuse/internal/request"
	"github.com/objectfuse/objectfuse/pkg/errors"
)

// Sentinels for ChangeMetadata fields left unchanged.
const (
	NoMode  = ^uint32(0)
	NoUID   = ^uint32(0)
	NoGID   = ^uint32(0)
	NoMtime = int64(-1)
)

// FileSystem is the operations layer: every filesystem call the binding
// delivers lands here, borrows a request on the foreground pool, and returns
// a classified error.
type FileSystem struct {
	ctx       *Context
	cache     *ObjectCache
	transfer  *FileTransfer
	openFiles *OpenFileTable
}

// NewFileSystem wires the cache, transfer engine and open-file table.
func NewFileSystem(ctx *Context) *FileSystem {
	cache := NewObjectCache(ctx)
	transfer := NewFileTransfer(ctx)

	return &FileSystem{
		ctx:       ctx,
		cache:     cache,
		transfer:  transfer,
		openFiles: NewOpenFileTable(ctx, cache, transfer),
	}
}

// Cache exposes the object cache.
func (f *FileSystem) Cache() *ObjectCache { return f.cache }

// call runs fn on the foreground pool with a borrowed request and converts
// the status back into an error.
func (f *FileSystem) call(fn func(r *request.Request) error) error {
	status := f.ctx.FG.Call(func(r *request.Request) int {
		return errors.Errno(fn(r))
	})
	return errors.FromErrno(status)
}

func assertNoTrailingSlash(op, path string) error {
	if strings.HasSuffix(path, "/") {
		return errors.New(errors.KindInvalidArgument, op, path)
	}
	return nil
}

// GetStats stats a path.
func (f *FileSystem) GetStats(path string, hints Hint) (Stat, error) {
	var stat Stat

	if err := assertNoTrailingSlash("fs.getstats", path); err != nil {
		return stat, err
	}

	err := f.call(func(r *request.Request) error {
		obj, err := f.cache.Get(r, path, hints)
		if err != nil {
			return err
		}
		stat = obj.CopyStat()
		return nil
	})

	return stat, err
}

// GetObject returns the cached object for a path.
func (f *FileSystem) GetObject(path string, hints Hint) (*Object, error) {
	if err := assertNoTrailingSlash("fs.getobject", path); err != nil {
		return nil, err
	}

	var obj *Object
	err := f.call(func(r *request.Request) error {
		var gerr error
		obj, gerr = f.cache.Get(r, path, hints)
		return gerr
	})

	return obj, err
}

// exists reports whether a path resolves, swallowing ENOENT.
func (f *FileSystem) exists(r *request.Request, path string) (bool, error) {
	_, err := f.cache.Get(r, path, HintNone)
	if err == nil {
		return true, nil
	}
	if errors.KindOf(err) == errors.KindNotFound {
		return false, nil
	}
	return false, err
}

func (f *FileSystem) createEmpty(r *request.Request, obj *Object) error {
	if err := r.Init(request.MethodPut); err != nil {
		return err
	}

	r.SetURL(obj.URL(), "")
	obj.SetRequestHeaders(r)
	r.SetInputBuffer(nil)

	if err := r.Run(request.DefaultTimeout); err != nil {
		return err
	}

	if r.ResponseCode() != request.StatusOK {
		return errors.FromHTTPStatus("fs.create", obj.Path(), r.ResponseCode())
	}

	return nil
}

func (f *FileSystem) create(path string, typ ObjectType, mode uint32, setup func(*Object) error) error {
	if err := assertNoTrailingSlash("fs.create", path); err != nil {
		return err
	}

	return f.call(func(r *request.Request) error {
		exists, err := f.exists(r, path)
		if err != nil {
			return err
		}
		if exists {
			return errors.New(errors.KindAlreadyExists, "fs.create", path)
		}

		obj := NewObject(f.ctx, path, typ)
		obj.SetMode(mode)

		if setup != nil {
			if err := setup(obj); err != nil {
				return err
			}
		}

		if err := f.createEmpty(r, obj); err != nil {
			return err
		}

		f.cache.Remove(path)
		return nil
	})
}

// CreateFile creates an empty file object. With encryption enabled the file
// is born encrypted, its data key wrapped into the create headers.
func (f *FileSystem) CreateFile(path string, mode uint32) error {
	var setup func(*Object) error

	if f.ctx.VolumeKey != nil {
		setup = func(obj *Object) error {
			return obj.InitEncryption()
		}
	}

	return f.create(path, TypeFile, mode, setup)
}

// CreateDirectory creates a directory placeholder object.
func (f *FileSystem) CreateDirectory(path string, mode uint32) error {
	return f.create(path, TypeDirectory, mode, nil)
}

// Mknod supports fifos only; everything else is EINVAL.
func (f *FileSystem) Mknod(path string, mode uint32) error {
	if mode&uint32(syscall.S_IFMT) != syscall.S_IFIFO {
		return errors.New(errors.KindInvalidArgument, "fs.mknod", path)
	}

	return f.create(path, TypeFifo, mode, nil)
}

// CreateSymlink creates a symlink whose body is the target path.
func (f *FileSystem) CreateSymlink(path, target string) error {
	if err := assertNoTrailingSlash("fs.symlink", path); err != nil {
		return err
	}

	return f.call(func(r *request.Request) error {
		exists, err := f.exists(r, path)
		if err != nil {
			return err
		}
		if exists {
			return errors.New(errors.KindAlreadyExists, "fs.symlink", path)
		}

		obj := NewObject(f.ctx, path, TypeSymlink)

		if err := writeSymlink(obj, r, target); err != nil {
			return err
		}

		f.cache.Remove(path)
		return nil
	})
}

// ReadLink resolves a symlink target.
func (f *FileSystem) ReadLink(path string) (string, error) {
	if err := assertNoTrailingSlash("fs.readlink", path); err != nil {
		return "", err
	}

	var target string
	err := f.call(func(r *request.Request) error {
		obj, err := f.cache.Get(r, path, HintIsFile)
		if err != nil {
			return err
		}

		target, err = readSymlink(obj, r)
		return err
	})

	return target, err
}

// hintFor picks the refetch hint matching an object's variant.
func hintFor(obj *Object) Hint {
	if obj.Type() == TypeDirectory {
		return HintIsDir
	}
	return HintIsFile
}

// commitWithReplay pushes metadata; on a 412 it refetches once, replays the
// local change on the fresh object, and recommits. A second 412 is EIO.
func (f *FileSystem) commitWithReplay(r *request.Request, obj *Object, replay func(*Object) error) error {
	err := obj.Commit(r)
	if err == nil || !stderrors.Is(err, ErrPrecondition) {
		if err == nil {
			f.cache.Remove(obj.Path())
		}
		return err
	}

	f.cache.Remove(obj.Path())

	fresh, err := f.cache.Get(r, obj.Path(), hintFor(obj))
	if err != nil {
		return err
	}

	if replay != nil {
		if err := replay(fresh); err != nil {
			return err
		}
	}

	if err := fresh.Commit(r); err != nil {
		if stderrors.Is(err, ErrPrecondition) {
			return errors.Wrap(errors.KindIOError, "fs.commit", obj.Path(), err)
		}
		return err
	}

	f.cache.Remove(obj.Path())
	return nil
}

// ChangeMetadata applies chmod/chown/utimens-style attribute changes and
// commits them.
func (f *FileSystem) ChangeMetadata(path string, mode, uid, gid uint32, mtime int64) error {
	if err := assertNoTrailingSlash("fs.chmeta", path); err != nil {
		return err
	}

	apply := func(obj *Object) error {
		if mode != NoMode {
			obj.SetMode(mode)
		}
		if uid != NoUID {
			obj.SetUID(uid)
		}
		if gid != NoGID {
			obj.SetGID(gid)
		}
		if mtime != NoMtime {
			obj.SetMtime(mtime)
		}
		return nil
	}

	return f.call(func(r *request.Request) error {
		obj, err := f.cache.Get(r, path, HintNone)
		if err != nil {
			return err
		}

		if err := apply(obj); err != nil {
			return err
		}

		return f.commitWithReplay(r, obj, apply)
	})
}

// Rename moves a single object: a copy guarded by the held etag, then a
// delete of the source. Directories don't rename; EEXIST if the target
// resolves.
func (f *FileSystem) Rename(from, to string) error {
	if err := assertNoTrailingSlash("fs.rename", from); err != nil {
		return err
	}
	if err := assertNoTrailingSlash("fs.rename", to); err != nil {
		return err
	}

	return f.call(func(r *request.Request) error {
		obj, err := f.cache.Get(r, from, HintNone)
		if err != nil {
			return err
		}

		if obj.Type() == TypeDirectory {
			return errors.New(errors.KindInvalidArgument, "fs.rename", from)
		}

		exists, err := f.exists(r, to)
		if err != nil {
			return err
		}
		if exists {
			return errors.New(errors.KindAlreadyExists, "fs.rename", to)
		}

		prefix := f.ctx.Service.HeaderPrefix()
		toURL := BuildURL(f.ctx.Service, to, obj.Type())

		if err := r.Init(request.MethodPut); err != nil {
			return err
		}

		r.SetURL(toURL, "")
		r.SetHeader("Content-Type", obj.ContentType())
		r.SetHeader(prefix+"copy-source", obj.URL())
		r.SetHeader(prefix+"copy-source-if-match", obj.Etag())
		r.SetHeader(prefix+"metadata-directive", "COPY")

		if err := r.Run(request.DefaultTimeout); err != nil {
			return err
		}

		if r.ResponseCode() != request.StatusOK {
			return errors.FromHTTPStatus("fs.rename", from, r.ResponseCode())
		}

		if err := obj.Remove(r); err != nil {
			return err
		}

		f.cache.Remove(from)
		f.cache.Remove(to)

		return nil
	})
}

// Remove deletes an object.
// TODO: refuse to remove a directory that still has children.
func (f *FileSystem) Remove(path string, hints Hint) error {
	if err := assertNoTrailingSlash("fs.remove", path); err != nil {
		return err
	}

	return f.call(func(r *request.Request) error {
		obj, err := f.cache.Get(r, path, hints)
		if err != nil {
			return err
		}

		if err := obj.Remove(r); err != nil {
			return err
		}

		f.cache.Remove(path)
		return nil
	})
}

// ReadDirectory feeds fill with the entries of path.
func (f *FileSystem) ReadDirectory(path string, fill func(DirEntry)) error {
	if err := assertNoTrailingSlash("fs.readdir", path); err != nil {
		return err
	}

	return f.call(func(r *request.Request) error {
		return readDirectory(f.ctx, f.cache, r, path, fill)
	})
}

// Open opens a path for I/O and returns the descriptor handle.
func (f *FileSystem) Open(path string) (uint64, error) {
	if err := assertNoTrailingSlash("fs.open", path); err != nil {
		return 0, err
	}

	return f.openFiles.Open(path)
}

// Read reads from an open handle.
func (f *FileSystem) Read(handle uint64, buf []byte, offset int64) (int, error) {
	return f.openFiles.Read(handle, buf, offset)
}

// Write writes to an open handle.
func (f *FileSystem) Write(handle uint64, buf []byte, offset int64) (int, error) {
	return f.openFiles.Write(handle, buf, offset)
}

// Flush uploads a dirty handle.
func (f *FileSystem) Flush(handle uint64) error {
	return f.openFiles.Flush(handle)
}

// Release closes a handle.
func (f *FileSystem) Release(handle uint64) error {
	return f.openFiles.Release(handle)
}

// SetXAttr sets a user xattr and commits when required.
func (f *FileSystem) SetXAttr(path, key string, value []byte, flags int) error {
	if err := assertNoTrailingSlash("fs.setxattr", path); err != nil {
		return err
	}

	return f.call(func(r *request.Request) error {
		obj, err := f.cache.Get(r, path, HintNone)
		if err != nil {
			return err
		}

		needsCommit, err := obj.SetMetadata(key, value, flags)
		if err != nil {
			return err
		}

		if !needsCommit {
			return nil
		}

		return f.commitWithReplay(r, obj, func(fresh *Object) error {
			_, rerr := fresh.SetMetadata(key, value, 0)
			return rerr
		})
	})
}

// GetXAttr reads a user xattr.
func (f *FileSystem) GetXAttr(path, key string) ([]byte, error) {
	if err := assertNoTrailingSlash("fs.getxattr", path); err != nil {
		return nil, err
	}

	var value []byte
	err := f.call(func(r *request.Request) error {
		obj, err := f.cache.Get(r, path, HintNone)
		if err != nil {
			return err
		}

		value, err = obj.GetMetadata(key)
		return err
	})

	return value, err
}

// ListXAttr lists visible xattr names.
func (f *FileSystem) ListXAttr(path string) ([]string, error) {
	if err := assertNoTrailingSlash("fs.listxattr", path); err != nil {
		return nil, err
	}

	var keys []string
	err := f.call(func(r *request.Request) error {
		obj, err := f.cache.Get(r, path, HintNone)
		if err != nil {
			return err
		}

		keys = obj.MetadataKeys()
		return nil
	})

	return keys, err
}

// RemoveXAttr removes a user xattr and commits.
func (f *FileSystem) RemoveXAttr(path, key string) error {
	if err := assertNoTrailingSlash("fs.removexattr", path); err != nil {
		return err
	}

	return f.call(func(r *request.Request) error {
		obj, err := f.cache.Get(r, path, HintNone)
		if err != nil {
			return err
		}

		needsCommit, err := obj.RemoveMetadata(key)
		if err != nil {
			return err
		}

		if !needsCommit {
			return nil
		}

		return f.commitWithReplay(r, obj, func(fresh *Object) error {
			_, rerr := fresh.RemoveMetadata(key)
			if errors.KindOf(rerr) == errors.KindNoData {
				// already gone on the fresh copy
				return nil
			}
			return rerr
		})
	})
}

// Shutdown flushes dirty open files best-effort.
func (f *FileSystem) Shutdown() {
	f.openFiles.FlushAll()
}
