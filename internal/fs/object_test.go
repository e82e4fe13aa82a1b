package fs

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfuse/objectfuse/pkg/errors"
)

func TestGetStatsFromStoredHeaders(t *testing.T) {
	env := newTestEnv(t, nil)

	env.store.put("hello", []byte("hello world"), "text/plain", map[string]string{
		"x-amz-meta-s3fuse-mode":  "0100644",
		"x-amz-meta-s3fuse-uid":   "1000",
		"x-amz-meta-s3fuse-gid":   "1000",
		"x-amz-meta-s3fuse-mtime": "1700000000",
	})
	// line the stored mtime-etag up with the etag so the object is intact
	obj := env.store.objects["hello"]
	obj.meta["x-amz-meta-s3fuse-mtime-etag"] = obj.etag

	stat, err := env.fsys.GetStats("hello", HintIsFile)
	require.NoError(t, err)

	assert.Equal(t, uint32(syscall.S_IFREG|0644), stat.Mode)
	assert.Equal(t, uint32(1000), stat.UID)
	assert.Equal(t, uint32(1000), stat.GID)
	assert.Equal(t, int64(11), stat.Size)
	assert.Equal(t, int64(1700000000), stat.Mtime)
	assert.Equal(t, int64(1), stat.Blocks)
	assert.Equal(t, uint32(1), stat.Nlink)
	assert.Equal(t, int64(512), stat.BlkSize)
}

func TestGetStatsNotIntactAdoptsLastModified(t *testing.T) {
	env := newTestEnv(t, nil)

	// stale mtime-etag: some other client rewrote the body
	env.store.put("rewritten", []byte("new content"), "text/plain", map[string]string{
		"x-amz-meta-s3fuse-mtime":      "1600000000",
		"x-amz-meta-s3fuse-mtime-etag": `"stale"`,
	})

	obj, err := env.fsys.GetObject("rewritten", HintIsFile)
	require.NoError(t, err)

	assert.False(t, obj.Intact())
	// the fake store's Last-Modified is 1700000100, newer than the header
	assert.Equal(t, int64(1700000100), obj.CopyStat().Mtime)
}

func TestMD5AdoptionFromSinglePartEtag(t *testing.T) {
	env := newTestEnv(t, nil)

	env.store.put("plain", []byte("body"), "text/plain", nil)

	obj, err := env.fsys.GetObject("plain", HintIsFile)
	require.NoError(t, err)

	// no stored md5, but a single-part etag is the body md5
	assert.Equal(t, obj.Etag(), obj.MD5())
}

func TestMD5BlankForMultipartEtag(t *testing.T) {
	env := newTestEnv(t, nil)

	o := env.store.put("multi", []byte("body"), "text/plain", nil)
	o.etag = `"abcdef0123456789abcdef0123456789-3"`

	obj, err := env.fsys.GetObject("multi", HintIsFile)
	require.NoError(t, err)

	assert.Empty(t, obj.MD5())
}

func TestGetStatsTrailingSlash(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.fsys.GetStats("foo/", HintNone)
	assert.Equal(t, errors.KindInvalidArgument, errors.KindOf(err))
}

func TestTypeInference(t *testing.T) {
	env := newTestEnv(t, nil)

	env.store.put("dir/", nil, "binary/octet-stream", nil)
	env.store.put("link", []byte("target"), "text/symlink", nil)
	env.store.put("pipe", nil, "application/x-s3fuse-fifo", nil)
	env.store.put("plain", []byte("x"), "text/plain", nil)

	cases := []struct {
		path string
		hint Hint
		typ  ObjectType
	}{
		{"dir", HintNone, TypeDirectory},
		{"link", HintIsFile, TypeSymlink},
		{"pipe", HintIsFile, TypeFifo},
		{"plain", HintIsFile, TypeFile},
	}

	for _, tc := range cases {
		obj, err := env.fsys.GetObject(tc.path, tc.hint)
		require.NoError(t, err, tc.path)
		assert.Equal(t, tc.typ, obj.Type(), tc.path)
	}
}

func TestSetMetadataFlags(t *testing.T) {
	env := newTestEnv(t, nil)

	env.store.put("f", []byte("x"), "text/plain", nil)

	obj, err := env.fsys.GetObject("f", HintIsFile)
	require.NoError(t, err)

	// plain set
	needsCommit, err := obj.SetMetadata("user.color", []byte("blue"), 0)
	require.NoError(t, err)
	assert.True(t, needsCommit)

	// CREATE on existing key
	_, err = obj.SetMetadata("user.color", []byte("red"), XattrCreate)
	assert.Equal(t, errors.KindAlreadyExists, errors.KindOf(err))

	// REPLACE on absent key
	_, err = obj.SetMetadata("user.absent", []byte("x"), XattrReplace)
	assert.Equal(t, errors.KindNoData, errors.KindOf(err))

	// reserved names
	for _, key := range []string{"user.s3fuse-mode", "user.__etag__", "user.__md5__", "user.__content_type__"} {
		_, err = obj.SetMetadata(key, []byte("x"), 0)
		assert.Equal(t, errors.KindInvalidArgument, errors.KindOf(err), key)
	}

	// missing namespace prefix
	_, err = obj.SetMetadata("color", []byte("x"), 0)
	assert.Equal(t, errors.KindInvalidArgument, errors.KindOf(err))

	value, err := obj.GetMetadata("user.color")
	require.NoError(t, err)
	assert.Equal(t, []byte("blue"), value)
}

func TestVirtualXattrs(t *testing.T) {
	env := newTestEnv(t, nil)

	env.store.put("f", []byte("x"), "text/plain", nil)

	obj, err := env.fsys.GetObject("f", HintIsFile)
	require.NoError(t, err)

	etag, err := obj.GetMetadata("user.__etag__")
	require.NoError(t, err)
	assert.Equal(t, obj.Etag(), string(etag))

	ct, err := obj.GetMetadata("user.__content_type__")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", string(ct))

	keys := obj.MetadataKeys()
	assert.Contains(t, keys, "user.__etag__")
	assert.Contains(t, keys, "user.__md5__")
	assert.Contains(t, keys, "user.__content_type__")
}

func TestRemoveMetadata(t *testing.T) {
	env := newTestEnv(t, nil)

	env.store.put("f", []byte("x"), "text/plain", map[string]string{
		"x-amz-meta-color": "green",
	})

	obj, err := env.fsys.GetObject("f", HintIsFile)
	require.NoError(t, err)

	needsCommit, err := obj.RemoveMetadata("user.color")
	require.NoError(t, err)
	assert.True(t, needsCommit)

	_, err = obj.GetMetadata("user.color")
	assert.Equal(t, errors.KindNoData, errors.KindOf(err))

	_, err = obj.RemoveMetadata("user.color")
	assert.Equal(t, errors.KindNoData, errors.KindOf(err))
}

func TestCommitRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)

	env.store.put("f", []byte("x"), "text/plain", nil)

	require.NoError(t, env.fsys.SetXAttr("f", "user.color", []byte("blue"), 0))

	// the commit must have written the xattr and a mtime-etag matching
	// the final etag
	stored := env.store.objects["f"]
	assert.Equal(t, "blue", stored.meta["x-amz-meta-color"])
	assert.Equal(t, stored.etag, stored.meta["x-amz-meta-s3fuse-mtime-etag"])

	// refetch observes the committed value
	env.fsys.Cache().Remove("f")
	value, err := env.fsys.GetXAttr("f", "user.color")
	require.NoError(t, err)
	assert.Equal(t, []byte("blue"), value)

	obj, err := env.fsys.GetObject("f", HintIsFile)
	require.NoError(t, err)
	assert.True(t, obj.Intact())
}

func TestCommitRecommitsOnNewEtag(t *testing.T) {
	env := newTestEnv(t, nil)

	env.store.put("f", []byte("x"), "text/plain", nil)
	env.store.bumpCopyEtags = 1

	require.NoError(t, env.fsys.SetXAttr("f", "user.k", []byte("v"), 0))

	// the first copy minted a fresh etag, so a second copy must have run
	// to line the stored mtime-etag up with it
	assert.Equal(t, 2, env.store.copyCount)

	stored := env.store.objects["f"]
	assert.Equal(t, `"copyetag-1"`, stored.meta["x-amz-meta-s3fuse-mtime-etag"])
}

func TestCommitRaceRefetchesAndReplays(t *testing.T) {
	env := newTestEnv(t, nil)

	env.store.put("f", []byte("x"), "text/plain", nil)

	// client B caches the object, then client A commits behind its back
	_, err := env.fsys.GetObject("f", HintIsFile)
	require.NoError(t, err)

	env.store.mu.Lock()
	stored := env.store.objects["f"]
	stored.meta["x-amz-meta-other"] = "from-a"
	stored.etag = `"etag-from-a"`
	env.store.mu.Unlock()

	// B's commit hits 412, refetches, replays its change on top of A's
	require.NoError(t, env.fsys.SetXAttr("f", "user.mine", []byte("from-b"), 0))

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	stored = env.store.objects["f"]
	assert.Equal(t, "from-a", stored.meta["x-amz-meta-other"])
	assert.Equal(t, "from-b", stored.meta["x-amz-meta-mine"])
}

func TestChangeMetadata(t *testing.T) {
	env := newTestEnv(t, nil)

	env.store.put("f", []byte("x"), "text/plain", nil)

	require.NoError(t, env.fsys.ChangeMetadata("f", 0640, NoUID, NoGID, NoMtime))

	env.fsys.Cache().Remove("f")
	stat, err := env.fsys.GetStats("f", HintIsFile)
	require.NoError(t, err)

	assert.Equal(t, uint32(0640), stat.Mode&^uint32(syscall.S_IFMT))
	assert.Equal(t, uint32(syscall.S_IFREG), stat.Mode&uint32(syscall.S_IFMT))
}
