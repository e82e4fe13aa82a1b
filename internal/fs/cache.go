package fs

import (
	"sync"

	"github.com/objectfuse/objectfuse/internal/request"
	"github.com/objectfuse/objectfuse/pkg/errors"
)

// Hint tells the cache what the caller already knows about a path, saving
// the directory probe round-trip.
type Hint int

const (
	HintNone   Hint = 0
	HintIsDir  Hint = 1
	HintIsFile Hint = 2
)

type fetchState struct {
	done chan struct{}
	obj  *Object
	err  error
}

// ObjectCache maps paths onto cached objects with a TTL. Concurrent fetches
// of the same path coalesce onto one HEAD; waiters receive the winner's
// result.
type ObjectCache struct {
	ctx *Context

	mu       sync.Mutex
	entries  map[string]*Object
	inFlight map[string]*fetchState
}

// NewObjectCache creates an empty cache.
func NewObjectCache(ctx *Context) *ObjectCache {
	return &ObjectCache{
		ctx:      ctx,
		entries:  make(map[string]*Object),
		inFlight: make(map[string]*fetchState),
	}
}

// Get returns the cached object for path, fetching it with the caller's
// borrowed request handle when absent or expired.
func (c *ObjectCache) Get(r *request.Request, path string, hints Hint) (*Object, error) {
	c.mu.Lock()

	if obj, ok := c.entries[path]; ok && obj.Valid() {
		c.mu.Unlock()
		return obj, nil
	}

	if st, ok := c.inFlight[path]; ok {
		c.mu.Unlock()
		<-st.done
		return st.obj, st.err
	}

	st := &fetchState{done: make(chan struct{})}
	c.inFlight[path] = st
	c.mu.Unlock()

	obj, err := c.fetch(r, path, hints)

	c.mu.Lock()
	delete(c.inFlight, path)
	if err == nil {
		c.entries[path] = obj
	} else {
		delete(c.entries, path)
	}
	c.mu.Unlock()

	st.obj = obj
	st.err = err
	close(st.done)

	return obj, err
}

// fetch issues the authoritative HEADs: the directory form first unless the
// caller ruled it out, then the file form.
func (c *ObjectCache) fetch(r *request.Request, path string, hints Hint) (*Object, error) {
	isDir := false
	found := false

	if hints == HintNone || hints&HintIsDir != 0 {
		if err := c.head(r, BuildURL(c.ctx.Service, path, TypeDirectory)); err != nil {
			return nil, err
		}
		if r.ResponseCode() == request.StatusOK {
			isDir = true
			found = true
		}
	}

	if !found && (hints == HintNone || hints&HintIsFile != 0) {
		if err := c.head(r, BuildURL(c.ctx.Service, path, TypeFile)); err != nil {
			return nil, err
		}
		if r.ResponseCode() == request.StatusOK {
			found = true
		}
	}

	if !found {
		return nil, errors.New(errors.KindNotFound, "cache.fetch", path)
	}

	return ObjectFromResponse(c.ctx, path, r, isDir)
}

func (c *ObjectCache) head(r *request.Request, url string) error {
	if err := r.Init(request.MethodHead); err != nil {
		return err
	}
	r.SetURL(url, "")
	return r.Run(request.DefaultTimeout)
}

// Insert stores a fully-initialised object.
func (c *ObjectCache) Insert(obj *Object) {
	c.mu.Lock()
	c.entries[obj.Path()] = obj
	c.mu.Unlock()
}

// Remove invalidates a path eagerly after any local mutation.
func (c *ObjectCache) Remove(path string) {
	c.mu.Lock()
	if obj, ok := c.entries[path]; ok {
		obj.Expire()
		delete(c.entries, path)
	}
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *ObjectCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
