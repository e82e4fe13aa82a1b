package fs

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfuse/objectfuse/internal/config"
)

func TestMultipartUpload(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Configuration) {
		cfg.Transfer.UploadChunkSize = 1024
	})

	env.store.put("big", nil, "binary/octet-stream", nil)

	handle, err := env.fsys.Open("big")
	require.NoError(t, err)

	// three chunks: 1024 + 1024 + 512
	payload := bytes.Repeat([]byte("abcdefgh"), 320)
	require.Len(t, payload, 2560)

	_, err = env.fsys.Write(handle, payload, 0)
	require.NoError(t, err)

	require.NoError(t, env.fsys.Flush(handle))

	stored := env.store.objects["big"]
	assert.Equal(t, payload, stored.body)

	// composite etag of shape "<hex>-3"
	assert.True(t, strings.HasSuffix(stored.etag, `-3"`), "etag %s", stored.etag)

	// md5 is the digest of the whole body; md5-etag is the composite
	sum := md5.Sum(payload)
	assert.Equal(t, `"`+hex.EncodeToString(sum[:])+`"`, stored.meta["x-amz-meta-s3fuse-md5"])
	assert.Equal(t, stored.etag, stored.meta["x-amz-meta-s3fuse-md5-etag"])

	// no upload left behind
	assert.Empty(t, env.store.uploads)

	require.NoError(t, env.fsys.Release(handle))

	// a fresh open downloads byte-identical content
	handle, err = env.fsys.Open("big")
	require.NoError(t, err)
	defer env.fsys.Release(handle)

	buf := make([]byte, len(payload))
	n, err := env.fsys.Read(handle, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestChunkedDownload(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Configuration) {
		cfg.Transfer.DownloadChunkSize = 1000
	})

	payload := bytes.Repeat([]byte("0123456789"), 300)
	env.store.put("big", payload, "binary/octet-stream", nil)

	handle, err := env.fsys.Open("big")
	require.NoError(t, err)
	defer env.fsys.Release(handle)

	buf := make([]byte, len(payload))
	n, err := env.fsys.Read(handle, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestDownloadRejectsCorruptBody(t *testing.T) {
	env := newTestEnv(t, nil)

	obj := env.store.put("f", []byte("expected body"), "text/plain", nil)

	// advertise an md5 that doesn't match what the store serves
	sum := md5.Sum([]byte("different body"))
	obj.meta["x-amz-meta-s3fuse-md5"] = `"` + hex.EncodeToString(sum[:]) + `"`
	obj.meta["x-amz-meta-s3fuse-md5-etag"] = obj.etag

	_, err := env.fsys.Open("f")
	require.Error(t, err)
}

func TestSingleFlightCoalescesFetches(t *testing.T) {
	env := newTestEnv(t, nil)

	env.store.put("f", []byte("x"), "text/plain", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.fsys.GetStats("f", HintIsFile)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// every caller saw the one in-flight HEAD
	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	assert.Equal(t, 1, env.store.headCount)
}
