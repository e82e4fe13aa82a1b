package fs

import (
	"encoding/xml"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/objectfuse/objectfuse/internal/config"
	"github.com/objectfuse/objectfuse/internal/crypto"
	"github.com/objectfuse/objectfuse/internal/metrics"
	"github.com/objectfuse/objectfuse/internal/request"
	"github.com/objectfuse/objectfuse/internal/service"
	"github.com/objectfuse/objectfuse/internal/threads"
	"github.com/objectfuse/objectfuse/pkg/encoding"
	"github.com/objectfuse/objectfuse/pkg/errors"
)

// ObjectType tags the flat sum type of store entities.
type ObjectType int

const (
	TypeFile ObjectType = iota
	TypeDirectory
	TypeSymlink
	TypeFifo
	TypeEncryptedFile
)

const blockSize = 512

// Context carries the process-wide immutables every component needs: config,
// provider, pools, metrics, and the volume key when encryption is on.
type Context struct {
	Config    *config.Configuration
	Service   service.Service
	FG        *threads.Pool
	BG        *threads.Pool
	Metrics   *metrics.Collector
	VolumeKey []byte
}

// Stat is the POSIX attribute block of an object.
type Stat struct {
	Mode    uint32
	UID     uint32
	GID     uint32
	Size    int64
	Mtime   int64
	Nlink   uint32
	BlkSize int64
	Blocks  int64
}

// Object is a store entity: file, directory, symlink, fifo, or encrypted
// file. path and url are immutable; the metadata map, content type and stat
// block are guarded by the mutex.
type Object struct {
	ctx  *Context
	path string
	url  string
	typ  ObjectType

	mu          sync.Mutex
	stat        Stat
	contentType string
	etag        string
	mtimeEtag   string
	md5         string
	md5Etag     string
	intact      bool
	metadata    map[string]*xattr
	expiry      time.Time

	encKey *crypto.SymmetricKey
}

func typeMode(typ ObjectType) uint32 {
	switch typ {
	case TypeDirectory:
		return syscall.S_IFDIR
	case TypeSymlink:
		return syscall.S_IFLNK
	case TypeFifo:
		return syscall.S_IFIFO
	default:
		return syscall.S_IFREG
	}
}

// BuildURL maps a bucket-relative path onto the signing resource. Directory
// URLs carry the trailing slash.
func BuildURL(svc service.Service, path string, typ ObjectType) string {
	url := svc.BucketURL() + "/" + encoding.URLEncode(path)
	if typ == TypeDirectory {
		url += "/"
	}
	return url
}

// NewObject creates a local, not-yet-persisted object with default
// attributes. It stays invalid (zero expiry) until a HEAD response populates
// it or it is committed and refetched.
func NewObject(ctx *Context, path string, typ ObjectType) *Object {
	defaults := ctx.Config.Defaults

	o := &Object{
		ctx:         ctx,
		path:        path,
		url:         BuildURL(ctx.Service, path, typ),
		typ:         typ,
		contentType: defaults.ContentType,
		metadata:    make(map[string]*xattr),
		stat: Stat{
			Mode:    typeMode(typ) | (defaults.Mode &^ uint32(syscall.S_IFMT)),
			UID:     defaults.UID,
			GID:     defaults.GID,
			Mtime:   time.Now().Unix(),
			Nlink:   1,
			BlkSize: blockSize,
		},
	}

	switch typ {
	case TypeSymlink:
		o.contentType = symlinkContentType
	case TypeFifo:
		o.contentType = fifoContentType
	}

	return o
}

// ObjectFromResponse builds an object from the headers of a HEAD (or GET)
// response. isDir reports which candidate URL answered.
func ObjectFromResponse(ctx *Context, path string, r *request.Request, isDir bool) (*Object, error) {
	metaPrefix := ctx.Service.HeaderMetaPrefix()

	typ := TypeFile
	contentType := r.GetResponseHeader("Content-Type")

	switch {
	case isDir:
		typ = TypeDirectory
	case contentType == symlinkContentType:
		typ = TypeSymlink
	case contentType == fifoContentType:
		typ = TypeFifo
	case r.GetResponseHeader(metaPrefix+metaEncryptionIV) != "":
		typ = TypeEncryptedFile
	}

	o := NewObject(ctx, path, typ)

	if contentType != "" {
		o.contentType = contentType
	}

	o.etag = r.GetResponseHeader("ETag")
	o.mtimeEtag = r.GetResponseHeader(metaPrefix + metaMtimeEtag)
	o.intact = o.etag != "" && o.mtimeEtag == o.etag

	if v := r.GetResponseHeader("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			o.stat.Size = n
		}
	}

	if v := r.GetResponseHeader(metaPrefix + metaMode); v != "" {
		if n, err := strconv.ParseUint(v, 0, 32); err == nil {
			o.stat.Mode = typeMode(typ) | (uint32(n) &^ uint32(syscall.S_IFMT))
		}
	}

	if v := r.GetResponseHeader(metaPrefix + metaUID); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			o.stat.UID = uint32(n)
		}
	}

	if v := r.GetResponseHeader(metaPrefix + metaGID); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			o.stat.GID = uint32(n)
		}
	}

	if v := r.GetResponseHeader(metaPrefix + metaMtime); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			o.stat.Mtime = n
		}
	}

	// a non-cooperating client may have rewritten the object without
	// updating our mtime header; believe the server in that case
	if !o.intact && !r.LastModified().IsZero() && r.LastModified().Unix() > o.stat.Mtime {
		o.stat.Mtime = r.LastModified().Unix()
	}

	o.md5 = r.GetResponseHeader(metaPrefix + metaMD5)
	o.md5Etag = r.GetResponseHeader(metaPrefix + metaMD5Etag)

	// the stored md5 is only authoritative while its etag matches; a
	// single-part etag is itself the body md5, a multipart etag is not
	if o.md5Etag != o.etag || o.md5 == "" {
		if encoding.IsValidMD5(o.etag) {
			o.md5 = o.etag
		} else {
			o.md5 = ""
		}
		o.md5Etag = o.etag
	}

	for k, v := range r.ResponseHeaders() {
		lk := strings.ToLower(k)

		if !strings.HasPrefix(lk, metaPrefix) {
			continue
		}

		key := lk[len(metaPrefix):]
		if strings.HasPrefix(key, reservedPrefix) {
			continue
		}

		o.metadata[key] = &xattr{value: []byte(v), flags: userXattrFlags}
	}

	if typ == TypeEncryptedFile {
		if err := o.loadEncryptionKey(r, metaPrefix); err != nil {
			return nil, err
		}
	}

	if typ == TypeDirectory {
		o.stat.Size = 0
		o.stat.Blocks = 0
	} else {
		o.stat.Blocks = (o.stat.Size + blockSize - 1) / blockSize
	}

	// a positive expiry is what makes the object valid
	o.expiry = time.Now().Add(ctx.Config.Cache.Expiry)

	return o, nil
}

func (o *Object) loadEncryptionKey(r *request.Request, metaPrefix string) error {
	if o.ctx.VolumeKey == nil {
		return errors.New(errors.KindDenied, "object.encryption", o.path)
	}

	wrapped, err := encoding.Base64Decode(r.GetResponseHeader(metaPrefix + metaEncryptionKey))
	if err != nil {
		return errors.Wrap(errors.KindIOError, "object.encryption", o.path, err)
	}

	key, err := crypto.UnwrapKey(o.ctx.VolumeKey, wrapped)
	if err != nil {
		return errors.Wrap(errors.KindIOError, "object.encryption", o.path, err)
	}

	iv, err := encoding.Base64Decode(r.GetResponseHeader(metaPrefix + metaEncryptionIV))
	if err != nil || len(iv) != crypto.IVLen {
		return errors.Errorf("object.encryption", o.path, "bad encryption iv")
	}
	key.IV = iv

	o.encKey = key

	return nil
}

// InitEncryption equips a fresh local object with a data key wrapped under
// the volume key.
func (o *Object) InitEncryption() error {
	if o.ctx.VolumeKey == nil {
		return errors.New(errors.KindDenied, "object.encryption", o.path)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return errors.Wrap(errors.KindIOError, "object.encryption", o.path, err)
	}

	o.mu.Lock()
	o.encKey = key
	o.typ = TypeEncryptedFile
	o.mu.Unlock()

	return nil
}

// Path returns the bucket-relative path.
func (o *Object) Path() string { return o.path }

// URL returns the signing resource.
func (o *Object) URL() string { return o.url }

// Type returns the variant tag.
func (o *Object) Type() ObjectType { return o.typ }

// Etag returns the last observed etag, quoted, or "" before first persist.
func (o *Object) Etag() string { return o.etag }

// MD5 returns the stored body digest in quoted hex form, or "".
func (o *Object) MD5() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.md5
}

// Intact reports whether the stored mtime-etag matched the etag at fetch
// time; intact objects trust their stored POSIX metadata.
func (o *Object) Intact() bool { return o.intact }

// EncryptionKey returns the unwrapped data key of an encrypted file.
func (o *Object) EncryptionKey() *crypto.SymmetricKey { return o.encKey }

// Valid reports whether the cached entry may still be served.
func (o *Object) Valid() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.expiry.IsZero() && time.Now().Before(o.expiry)
}

// Expire invalidates the cached entry.
func (o *Object) Expire() {
	o.mu.Lock()
	o.expiry = time.Time{}
	o.mu.Unlock()
}

// CopyStat returns a snapshot of the attribute block.
func (o *Object) CopyStat() Stat {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stat
}

// ContentType returns the object's content type.
func (o *Object) ContentType() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.contentType
}

// SetMode replaces the permission bits; the file-type bits always derive
// from the variant. A zero mode falls back to the configured default.
func (o *Object) SetMode(mode uint32) {
	mode &^= uint32(syscall.S_IFMT)

	if mode == 0 {
		mode = o.ctx.Config.Defaults.Mode
	}

	o.mu.Lock()
	o.stat.Mode = (o.stat.Mode & uint32(syscall.S_IFMT)) | mode
	o.mu.Unlock()
}

// SetUID sets the owner.
func (o *Object) SetUID(uid uint32) {
	o.mu.Lock()
	o.stat.UID = uid
	o.mu.Unlock()
}

// SetGID sets the group.
func (o *Object) SetGID(gid uint32) {
	o.mu.Lock()
	o.stat.GID = gid
	o.mu.Unlock()
}

// SetMtime sets the modification time in epoch seconds.
func (o *Object) SetMtime(mtime int64) {
	o.mu.Lock()
	o.stat.Mtime = mtime
	o.mu.Unlock()
}

// SetSize updates the size and derived block count after a local write.
func (o *Object) SetSize(size int64) {
	o.mu.Lock()
	o.stat.Size = size
	o.stat.Blocks = (size + blockSize - 1) / blockSize
	o.mu.Unlock()
}

// SetTransferResult records the outcome of a body upload: the server's etag
// and the body digest, with the digest's etag pinned to the new etag.
func (o *Object) SetTransferResult(etag, md5 string) {
	o.mu.Lock()
	o.etag = etag
	o.md5 = md5
	o.md5Etag = etag
	o.mu.Unlock()
}

func stripNamespace(key string) (string, bool) {
	if !strings.HasPrefix(key, xattrNamespace) {
		return "", false
	}
	return key[len(xattrNamespace):], true
}

func isReserved(key string) bool {
	if strings.HasPrefix(key, reservedPrefix) {
		return true
	}
	switch key {
	case virtualMD5, virtualEtag, virtualContentType:
		return true
	}
	return false
}

// SetMetadata sets a user xattr. flags carries XattrCreate / XattrReplace.
// Reserved names reject with EINVAL; non-writable entries no-op silently,
// since they are listed and an application might reasonably try to set them.
// The returned bool reports whether a metadata commit is required.
func (o *Object) SetMetadata(key string, value []byte, flags int) (bool, error) {
	name, ok := stripNamespace(key)
	if !ok {
		return false, errors.New(errors.KindInvalidArgument, "object.setxattr", o.path)
	}

	if isReserved(name) {
		return false, errors.New(errors.KindInvalidArgument, "object.setxattr", o.path)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	entry, exists := o.metadata[name]

	if flags&XattrCreate != 0 && exists {
		return false, errors.New(errors.KindAlreadyExists, "object.setxattr", o.path)
	}

	if !exists {
		if flags&XattrReplace != 0 {
			return false, errors.New(errors.KindNoData, "object.setxattr", o.path)
		}

		entry = &xattr{flags: userXattrFlags}
		o.metadata[name] = entry
	}

	if !entry.writable() {
		return false, nil
	}

	entry.value = append([]byte(nil), value...)

	return entry.commitRequired(), nil
}

// GetMetadata reads a user xattr. The virtual names surface object fields.
func (o *Object) GetMetadata(key string) ([]byte, error) {
	name, ok := stripNamespace(key)
	if !ok {
		return nil, errors.New(errors.KindNoData, "object.getxattr", o.path)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch name {
	case virtualMD5:
		return []byte(o.md5), nil
	case virtualEtag:
		return []byte(o.etag), nil
	case virtualContentType:
		return []byte(o.contentType), nil
	}

	entry, exists := o.metadata[name]
	if !exists || !entry.visible() {
		return nil, errors.New(errors.KindNoData, "object.getxattr", o.path)
	}

	return append([]byte(nil), entry.value...), nil
}

// MetadataKeys lists visible xattr names, namespaced for the platform.
func (o *Object) MetadataKeys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	keys := make([]string, 0, len(o.metadata)+3)
	for name, entry := range o.metadata {
		if entry.visible() {
			keys = append(keys, xattrNamespace+name)
		}
	}

	keys = append(keys,
		xattrNamespace+virtualMD5,
		xattrNamespace+virtualEtag,
		xattrNamespace+virtualContentType)

	sort.Strings(keys)

	return keys
}

// RemoveMetadata removes a user xattr. Requires a commit on success.
func (o *Object) RemoveMetadata(key string) (bool, error) {
	name, ok := stripNamespace(key)
	if !ok {
		return false, errors.New(errors.KindNoData, "object.removexattr", o.path)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	entry, exists := o.metadata[name]
	if !exists || !entry.removable() {
		return false, errors.New(errors.KindNoData, "object.removexattr", o.path)
	}

	delete(o.metadata, name)

	return entry.commitRequired(), nil
}

// SetRequestHeaders serialises the object's metadata onto an outgoing
// request: user xattrs first, then the daemon's own keys so they win any
// collision.
func (o *Object) SetRequestHeaders(r *request.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()

	metaPrefix := o.ctx.Service.HeaderMetaPrefix()

	for name, entry := range o.metadata {
		if entry.serializable() {
			r.SetHeader(metaPrefix+name, string(entry.value))
		}
	}

	r.SetHeader(metaPrefix+metaMode, fmt.Sprintf("%#o", o.stat.Mode&^uint32(syscall.S_IFMT)))
	r.SetHeader(metaPrefix+metaUID, strconv.FormatUint(uint64(o.stat.UID), 10))
	r.SetHeader(metaPrefix+metaGID, strconv.FormatUint(uint64(o.stat.GID), 10))
	r.SetHeader(metaPrefix+metaMtime, strconv.FormatInt(o.stat.Mtime, 10))
	r.SetHeader(metaPrefix+metaMtimeEtag, o.etag)

	if o.md5 != "" {
		r.SetHeader(metaPrefix+metaMD5, o.md5)
		r.SetHeader(metaPrefix+metaMD5Etag, o.etag)
	}

	if o.encKey != nil {
		wrapped, err := crypto.WrapKey(o.ctx.VolumeKey, o.encKey)
		if err == nil {
			r.SetHeader(metaPrefix+metaEncryptionIV, encoding.Base64Encode(o.encKey.IV))
			r.SetHeader(metaPrefix+metaEncryptionKey, encoding.Base64Encode(wrapped))
		}
	}

	r.SetHeader("Content-Type", o.contentType)
}

type copyObjectResult struct {
	XMLName xml.Name `xml:"CopyObjectResult"`
	ETag    string   `xml:"ETag"`
}

// ErrPrecondition distinguishes a 412 on commit: the held etag went stale.
var ErrPrecondition = stderrors.New("precondition failed: etag changed")

// Commit pushes metadata with a zero-byte copy-to-self, guarded by
// copy-source-if-match on the held etag. The copy itself can mint a new
// etag, so on divergence the commit reruns exactly once with the updated
// etag, keeping the stored mtime-etag in line with the final etag.
func (o *Object) Commit(r *request.Request) error {
	prefix := o.ctx.Service.HeaderPrefix()

	for i := 0; i < 2; i++ {
		if err := r.Init(request.MethodPut); err != nil {
			return err
		}

		r.SetURL(o.url, "")

		// a fresh local create has no etag; skip the guard and accept
		// whatever the store returns
		if o.etag != "" {
			r.SetHeader(prefix+"copy-source", o.url)
			r.SetHeader(prefix+"copy-source-if-match", o.etag)
			r.SetHeader(prefix+"metadata-directive", "REPLACE")
		}

		o.SetRequestHeaders(r)

		if err := r.Run(request.DefaultTimeout); err != nil {
			return err
		}

		if r.ResponseCode() == request.StatusPreconditionFailed {
			return errors.Wrap(errors.KindIOError, "object.commit", o.path, ErrPrecondition)
		}

		if r.ResponseCode() != request.StatusOK {
			log.Warn().Str("url", o.url).Int("code", r.ResponseCode()).Msg("failed to commit object metadata")
			return errors.FromHTTPStatus("object.commit", o.path, r.ResponseCode())
		}

		response := r.OutputString()

		// an empty response means the etag didn't change
		if response == "" {
			return nil
		}

		if o.etag == "" {
			var result copyObjectResult
			if xml.Unmarshal([]byte(response), &result) == nil && result.ETag != "" {
				o.mu.Lock()
				o.etag = result.ETag
				o.mu.Unlock()
			}
			return nil
		}

		var result copyObjectResult
		if err := xml.Unmarshal([]byte(response), &result); err != nil {
			log.Warn().Str("url", o.url).Err(err).Msg("failed to parse commit response")
			return errors.Wrap(errors.KindIOError, "object.commit", o.path, err)
		}

		if result.ETag == "" {
			log.Warn().Str("url", o.url).Msg("no etag in commit response")
			return errors.Errorf("object.commit", o.path, "no etag after commit")
		}

		if result.ETag == o.etag {
			return nil
		}

		log.Debug().Str("url", o.url).Msg("commit resulted in new etag, recommitting")

		o.mu.Lock()
		o.etag = result.ETag
		o.mu.Unlock()
	}

	return nil
}

// Remove deletes the object from the store; the store answers 204.
func (o *Object) Remove(r *request.Request) error {
	if err := r.Init(request.MethodDelete); err != nil {
		return err
	}

	r.SetURL(o.url, "")

	if err := r.Run(request.DefaultTimeout); err != nil {
		return err
	}

	if r.ResponseCode() != request.StatusNoContent {
		return errors.FromHTTPStatus("object.remove", o.path, r.ResponseCode())
	}

	return nil
}
