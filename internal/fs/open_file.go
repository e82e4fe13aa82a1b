package fs

import (
	stderrors "errors"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/objectfuse/objectfuse/internal/crypto"
	"github.com/objectfuse/objectfuse/internal/request"
	"github.com/objectfuse/objectfuse/pkg/errors"
)

// OpenFile is the shared state of one open path: the unlinked scratch file
// holding the authoritative body, the status machine, and the descriptor
// refcount. All descriptors of a path share one OpenFile.
type OpenFile struct {
	path   string
	object *Object

	scratch *os.File

	// guarded by the table mutex
	inUse    int
	dirty    bool
	flushing bool
	refCount int

	// sticky error from a failed flush; re-observed until last close
	asyncErr error

	// open-in-progress latch for racing opens of the same path
	ready   chan struct{}
	initErr error
}

// Object returns the cached object backing this open file.
func (of *OpenFile) Object() *Object { return of.object }

// OpenFileTable maps opaque handles onto open files and drives the
// clean/dirty/in-use/flushing lifecycle.
type OpenFileTable struct {
	ctx      *Context
	cache    *ObjectCache
	transfer *FileTransfer

	mu         sync.Mutex
	byHandle   map[uint64]*OpenFile
	byPath     map[string]*OpenFile
	nextHandle uint64
}

// NewOpenFileTable creates an empty table.
func NewOpenFileTable(ctx *Context, cache *ObjectCache, transfer *FileTransfer) *OpenFileTable {
	return &OpenFileTable{
		ctx:      ctx,
		cache:    cache,
		transfer: transfer,
		byHandle: make(map[uint64]*OpenFile),
		byPath:   make(map[string]*OpenFile),
	}
}

// Open returns a handle on path, downloading the body into a fresh scratch
// file on first open and sharing the existing entry otherwise.
func (t *OpenFileTable) Open(path string) (uint64, error) {
	t.mu.Lock()

	if of, ok := t.byPath[path]; ok {
		t.mu.Unlock()
		<-of.ready

		t.mu.Lock()
		defer t.mu.Unlock()

		if of.initErr != nil {
			return 0, of.initErr
		}
		if of.asyncErr != nil {
			return 0, of.asyncErr
		}

		of.refCount++
		handle := t.nextHandle
		t.nextHandle++
		t.byHandle[handle] = of

		return handle, nil
	}

	of := &OpenFile{
		path:     path,
		refCount: 1,
		ready:    make(chan struct{}),
	}
	t.byPath[path] = of
	handle := t.nextHandle
	t.nextHandle++
	t.byHandle[handle] = of
	t.mu.Unlock()

	err := t.populate(of)

	of.initErr = err
	close(of.ready)

	if err != nil {
		t.mu.Lock()
		delete(t.byPath, path)
		delete(t.byHandle, handle)
		t.mu.Unlock()

		if of.scratch != nil {
			of.scratch.Close()
		}

		return 0, err
	}

	return handle, nil
}

// populate fetches the object and downloads its body into the scratch file.
func (t *OpenFileTable) populate(of *OpenFile) error {
	var obj *Object

	status := t.ctx.FG.Call(func(r *request.Request) int {
		var err error
		obj, err = t.cache.Get(r, of.path, HintIsFile)
		return errors.Errno(err)
	})
	if err := errors.FromErrno(status); err != nil {
		return err
	}

	switch obj.Type() {
	case TypeDirectory:
		return errors.New(errors.KindInvalidArgument, "openfile.open", of.path)
	case TypeFifo:
		// a fifo is a filesystem fake; there is no store body to open
		return errors.New(errors.KindNoDevice, "openfile.open", of.path)
	}

	scratch, err := newScratchFile()
	if err != nil {
		return errors.Wrap(errors.KindIOError, "openfile.open", of.path, err)
	}

	of.object = obj
	of.scratch = scratch

	if obj.CopyStat().Size > 0 || obj.Etag() != "" {
		if err := t.download(of); err != nil {
			return err
		}
	}

	return nil
}

func (t *OpenFileTable) download(of *OpenFile) error {
	obj := of.object

	if obj.Type() != TypeEncryptedFile {
		return t.transfer.Download(obj, of.scratch)
	}

	// encrypted bodies land in a side file and decrypt into the scratch
	ciphertext, err := newScratchFile()
	if err != nil {
		return errors.Wrap(errors.KindIOError, "openfile.open", of.path, err)
	}
	defer ciphertext.Close()

	if err := t.transfer.Download(obj, ciphertext); err != nil {
		return err
	}

	if err := crypto.CryptFile(obj.EncryptionKey(), ciphertext, of.scratch); err != nil {
		return errors.Wrap(errors.KindIOError, "openfile.open", of.path, err)
	}

	return nil
}

// newScratchFile creates an unlinked temp file; the kernel reclaims it when
// the last fd closes.
func newScratchFile() (*os.File, error) {
	f, err := os.CreateTemp("", "objectfuse-scratch-*")
	if err != nil {
		return nil, err
	}

	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, err
	}

	return f, nil
}

func (t *OpenFileTable) lookup(handle uint64) (*OpenFile, error) {
	of, ok := t.byHandle[handle]
	if !ok {
		return nil, errors.New(errors.KindInvalidArgument, "openfile.lookup", "")
	}
	return of, nil
}

// Read copies from the scratch file. EBUSY while a flush is running.
func (t *OpenFileTable) Read(handle uint64, buf []byte, offset int64) (int, error) {
	t.mu.Lock()

	of, err := t.lookup(handle)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}

	if of.flushing {
		t.mu.Unlock()
		return 0, errors.New(errors.KindBusy, "openfile.read", of.path)
	}

	of.inUse++
	t.mu.Unlock()

	n, rerr := of.scratch.ReadAt(buf, offset)

	t.mu.Lock()
	of.inUse--
	t.mu.Unlock()

	if rerr != nil && !stderrors.Is(rerr, io.EOF) {
		return 0, errors.Wrap(errors.KindIOError, "openfile.read", of.path, rerr)
	}

	return n, nil
}

// Write copies into the scratch file and marks the entry dirty. EBUSY while
// a flush is running.
func (t *OpenFileTable) Write(handle uint64, buf []byte, offset int64) (int, error) {
	t.mu.Lock()

	of, err := t.lookup(handle)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}

	if of.flushing {
		t.mu.Unlock()
		return 0, errors.New(errors.KindBusy, "openfile.write", of.path)
	}

	of.inUse++
	t.mu.Unlock()

	n, werr := of.scratch.WriteAt(buf, offset)

	t.mu.Lock()
	of.inUse--
	if werr == nil {
		of.dirty = true
		if end := offset + int64(n); end > of.object.CopyStat().Size {
			of.object.SetSize(end)
		}
	}
	t.mu.Unlock()

	if werr != nil {
		return n, errors.Wrap(errors.KindIOError, "openfile.write", of.path, werr)
	}

	return n, nil
}

// Flush uploads a dirty body. EBUSY while the file is in use or another
// flush is running; clearing dirty is atomic with a successful commit.
func (t *OpenFileTable) Flush(handle uint64) error {
	t.mu.Lock()

	of, err := t.lookup(handle)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	if of.inUse > 0 || of.flushing {
		t.mu.Unlock()
		return errors.New(errors.KindBusy, "openfile.flush", of.path)
	}

	of.flushing = true
	dirty := of.dirty
	t.mu.Unlock()

	var ferr error
	if dirty {
		ferr = t.upload(of)
	}

	t.mu.Lock()
	of.flushing = false
	if ferr == nil {
		of.dirty = false
	} else {
		of.asyncErr = ferr
	}
	t.mu.Unlock()

	if ferr != nil {
		return ferr
	}

	t.cache.Remove(of.path)

	return nil
}

func (t *OpenFileTable) upload(of *OpenFile) error {
	obj := of.object

	if obj.Type() != TypeEncryptedFile {
		return t.transfer.Upload(obj, of.scratch)
	}

	ciphertext, err := newScratchFile()
	if err != nil {
		return errors.Wrap(errors.KindIOError, "openfile.flush", of.path, err)
	}
	defer ciphertext.Close()

	if err := crypto.CryptFile(obj.EncryptionKey(), of.scratch, ciphertext); err != nil {
		return errors.Wrap(errors.KindIOError, "openfile.flush", of.path, err)
	}

	return t.transfer.Upload(obj, ciphertext)
}

// Release drops one descriptor. The last release flushes a dirty body,
// closes the scratch file, and invalidates the cached object so the next
// access re-stats.
func (t *OpenFileTable) Release(handle uint64) error {
	t.mu.Lock()

	of, err := t.lookup(handle)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	delete(t.byHandle, handle)
	of.refCount--

	if of.refCount > 0 {
		t.mu.Unlock()
		return nil
	}

	if of.inUse > 0 {
		// a descriptor is mid-I/O; put the entry back
		of.refCount++
		t.byHandle[handle] = of
		t.mu.Unlock()
		return errors.New(errors.KindBusy, "openfile.release", of.path)
	}

	dirty := of.dirty
	of.flushing = true
	t.mu.Unlock()

	var ferr error
	if dirty {
		ferr = t.upload(of)
	}

	t.mu.Lock()
	of.flushing = false
	if ferr == nil {
		of.dirty = false
	}
	delete(t.byPath, of.path)
	t.mu.Unlock()

	if of.scratch != nil {
		of.scratch.Close()
	}

	t.cache.Remove(of.path)

	if ferr != nil {
		log.Warn().Str("path", of.path).Err(ferr).Msg("flush on release failed")
		return ferr
	}

	return nil
}

// FlushAll flushes every dirty open file, best-effort. Used at teardown.
func (t *OpenFileTable) FlushAll() {
	t.mu.Lock()
	handles := make([]uint64, 0, len(t.byHandle))
	for h := range t.byHandle {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		if err := t.Flush(h); err != nil {
			log.Warn().Err(err).Msg("teardown flush failed")
		}
	}
}
