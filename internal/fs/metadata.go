package fs

// Header key suffixes carried under the provider meta prefix. The daemon
// stays wire-compatible with the s3fuse conventions, so objects written by
// either are mutually readable.
const (
	metaMode          = "s3fuse-mode"
	metaUID           = "s3fuse-uid"
	metaGID           = "s3fuse-gid"
	metaMtime         = "s3fuse-mtime"
	metaMtimeEtag     = "s3fuse-mtime-etag"
	metaMD5           = "s3fuse-md5"
	metaMD5Etag       = "s3fuse-md5-etag"
	metaEncryptionIV  = "s3fuse-encryption-iv"
	metaEncryptionKey = "s3fuse-encryption-key"

	// reservedPrefix guards the daemon's own keys from user xattrs.
	reservedPrefix = "s3fuse-"
)

// Virtual xattr names that surface object fields read-only.
const (
	virtualMD5         = "__md5__"
	virtualEtag        = "__etag__"
	virtualContentType = "__content_type__"
)

// xattrNamespace is the platform xattr prefix, stripped on ingress and
// prepended on egress.
const xattrNamespace = "user."

const (
	symlinkContentType = "text/symlink"
	fifoContentType    = "application/x-s3fuse-fifo"
)

type xattrFlags uint8

const (
	xattrWritable xattrFlags = 1 << iota
	xattrSerializable
	xattrVisible
	xattrRemovable
	xattrCommitRequired
)

const userXattrFlags = xattrWritable | xattrSerializable | xattrVisible | xattrRemovable | xattrCommitRequired

// xattr is one user metadata entry.
type xattr struct {
	value []byte
	flags xattrFlags
}

func (x *xattr) writable() bool       { return x.flags&xattrWritable != 0 }
func (x *xattr) serializable() bool   { return x.flags&xattrSerializable != 0 }
func (x *xattr) visible() bool        { return x.flags&xattrVisible != 0 }
func (x *xattr) removable() bool      { return x.flags&xattrRemovable != 0 }
func (x *xattr) commitRequired() bool { return x.flags&xattrCommitRequired != 0 }

// Xattr set flags, mirroring XATTR_CREATE / XATTR_REPLACE.
const (
	XattrCreate = 1 << iota
	XattrReplace
)
