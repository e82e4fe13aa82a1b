package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfuse/objectfuse/internal/crypto"
	"github.com/objectfuse/objectfuse/pkg/errors"
)

func newEncryptedEnv(t *testing.T) *testEnv {
	t.Helper()

	env := newTestEnv(t, nil)
	env.ctx.VolumeKey = crypto.DeriveVolumeKey("volume-password")
	env.fsys = NewFileSystem(env.ctx)

	return env
}

func TestEncryptedFileRoundTrip(t *testing.T) {
	env := newEncryptedEnv(t)

	require.NoError(t, env.fsys.CreateFile("secret", 0600))

	stored := env.store.objects["secret"]
	require.NotEmpty(t, stored.meta["x-amz-meta-s3fuse-encryption-iv"])
	require.NotEmpty(t, stored.meta["x-amz-meta-s3fuse-encryption-key"])

	handle, err := env.fsys.Open("secret")
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	_, err = env.fsys.Write(handle, plaintext, 0)
	require.NoError(t, err)

	require.NoError(t, env.fsys.Release(handle))

	// the store holds ciphertext, not the plaintext
	stored = env.store.objects["secret"]
	require.Len(t, stored.body, len(plaintext))
	assert.NotEqual(t, plaintext, stored.body)

	// a fresh open decrypts back to the plaintext
	handle, err = env.fsys.Open("secret")
	require.NoError(t, err)
	defer env.fsys.Release(handle)

	buf := make([]byte, len(plaintext))
	n, err := env.fsys.Read(handle, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, plaintext, buf[:n])
}

func TestEncryptedFileNeedsVolumeKey(t *testing.T) {
	env := newEncryptedEnv(t)

	require.NoError(t, env.fsys.CreateFile("secret", 0600))

	// a daemon without the volume key cannot open the file
	lockedCtx := *env.ctx
	lockedCtx.VolumeKey = nil
	locked := NewFileSystem(&lockedCtx)

	_, err := locked.Open("secret")
	assert.Equal(t, errors.KindDenied, errors.KindOf(err))
}
