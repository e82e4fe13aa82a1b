package fs

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/objectfuse/objectfuse/internal/config"
	"github.com/objectfuse/objectfuse/internal/request"
	"github.com/objectfuse/objectfuse/internal/service"
	"github.com/objectfuse/objectfuse/internal/threads"
)

// fakeObject is one stored object in the fake store.
type fakeObject struct {
	body        []byte
	contentType string
	etag        string
	meta        map[string]string // lowercase x-amz-meta-* keys
}

// fakeStore is an in-memory bucket speaking just enough of the S3 XML API
// for the tests: HEAD/GET/PUT/DELETE, copies, listing, multipart.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string]*fakeObject
	uploads map[string]*fakeUpload

	etagSeq   int
	uploadSeq int

	// bumpCopyEtags > 0 makes that many metadata copies mint fresh etags
	bumpCopyEtags int

	pageSize int

	headCount int
	putCount  int
	copyCount int
}

type fakeUpload struct {
	key   string
	meta  map[string]string
	parts map[int][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: make(map[string]*fakeObject),
		uploads: make(map[string]*fakeUpload),
	}
}

func md5Etag(body []byte) string {
	sum := md5.Sum(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (s *fakeStore) put(key string, body []byte, contentType string, meta map[string]string) *fakeObject {
	if meta == nil {
		meta = make(map[string]string)
	}
	obj := &fakeObject{
		body:        body,
		contentType: contentType,
		etag:        md5Etag(body),
		meta:        meta,
	}
	s.objects[key] = obj
	return obj
}

func metaHeaders(h http.Header) map[string]string {
	meta := make(map[string]string)
	for k, vs := range h {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-amz-meta-") && len(vs) > 0 {
			meta[lk] = vs[0]
		}
	}
	return meta
}

func (s *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/bucket")
	key = strings.TrimPrefix(key, "/")

	switch r.Method {
	case http.MethodHead:
		s.headCount++
		obj, ok := s.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.writeObjectHeaders(w, obj)
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		if key == "" {
			s.serveListing(w, r)
			return
		}

		obj, ok := s.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		body := obj.body
		status := http.StatusOK

		if rng := r.Header.Get("Range"); rng != "" {
			var first, last int64
			if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &first, &last); err == nil {
				if last >= int64(len(body)) {
					last = int64(len(body)) - 1
				}
				body = body[first : last+1]
				status = http.StatusPartialContent
			}
		}

		s.writeObjectHeaders(w, obj)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(status)
		w.Write(body)

	case http.MethodPut:
		query := r.URL.Query()

		if query.Get("partNumber") != "" {
			s.servePutPart(w, r, query)
			return
		}

		if src := r.Header.Get("x-amz-copy-source"); src != "" {
			s.serveCopy(w, r, key, src)
			return
		}

		s.putCount++
		body, _ := io.ReadAll(r.Body)
		obj := s.put(key, body, r.Header.Get("Content-Type"), metaHeaders(r.Header))
		w.Header().Set("ETag", obj.etag)
		w.WriteHeader(http.StatusOK)

	case http.MethodPost:
		query := r.URL.Query()

		if _, ok := query["uploads"]; ok {
			s.uploadSeq++
			id := fmt.Sprintf("upload-%d", s.uploadSeq)
			s.uploads[id] = &fakeUpload{
				key:   key,
				meta:  metaHeaders(r.Header),
				parts: make(map[int][]byte),
			}
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `<InitiateMultipartUploadResult><UploadId>%s</UploadId></InitiateMultipartUploadResult>`, id)
			return
		}

		if id := query.Get("uploadId"); id != "" {
			s.serveCompleteUpload(w, id)
			return
		}

		w.WriteHeader(http.StatusBadRequest)

	case http.MethodDelete:
		if id := r.URL.Query().Get("uploadId"); id != "" {
			delete(s.uploads, id)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if _, ok := s.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(s.objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *fakeStore) writeObjectHeaders(w http.ResponseWriter, obj *fakeObject) {
	w.Header().Set("Content-Type", obj.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.body)))
	w.Header().Set("ETag", obj.etag)
	w.Header().Set("Last-Modified", time.Unix(1700000100, 0).UTC().Format(http.TimeFormat))
	for k, v := range obj.meta {
		w.Header().Set(k, v)
	}
}

func (s *fakeStore) serveCopy(w http.ResponseWriter, r *http.Request, key, src string) {
	s.copyCount++

	srcKey := strings.TrimPrefix(src, "/bucket/")
	obj, ok := s.objects[srcKey]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if match := r.Header.Get("x-amz-copy-source-if-match"); match != "" && match != obj.etag {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	directive := r.Header.Get("x-amz-metadata-directive")

	target := obj
	if srcKey != key {
		target = s.put(key, obj.body, obj.contentType, copyMeta(obj.meta))
		target.etag = obj.etag
	}

	if directive == "REPLACE" {
		target.meta = metaHeaders(r.Header)
		if ct := r.Header.Get("Content-Type"); ct != "" {
			target.contentType = ct
		}
		if s.bumpCopyEtags > 0 {
			s.bumpCopyEtags--
			s.etagSeq++
			target.etag = fmt.Sprintf(`"copyetag-%d"`, s.etagSeq)
		}
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<CopyObjectResult><ETag>%s</ETag></CopyObjectResult>`, target.etag)
}

func copyMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func (s *fakeStore) servePutPart(w http.ResponseWriter, r *http.Request, query map[string][]string) {
	id := query["uploadId"][0]
	partNumber, _ := strconv.Atoi(query["partNumber"][0])

	upload, ok := s.uploads[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	body, _ := io.ReadAll(r.Body)
	upload.parts[partNumber] = body

	w.Header().Set("ETag", md5Etag(body))
	w.WriteHeader(http.StatusOK)
}

func (s *fakeStore) serveCompleteUpload(w http.ResponseWriter, id string) {
	upload, ok := s.uploads[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	numbers := make([]int, 0, len(upload.parts))
	for n := range upload.parts {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	var body []byte
	var partSums []byte
	for _, n := range numbers {
		body = append(body, upload.parts[n]...)
		sum := md5.Sum(upload.parts[n])
		partSums = append(partSums, sum[:]...)
	}

	composite := md5.Sum(partSums)
	etag := fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(composite[:]), len(numbers))

	obj := s.put(upload.key, body, "binary/octet-stream", upload.meta)
	obj.etag = etag

	delete(s.uploads, id)

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<CompleteMultipartUploadResult><ETag>%s</ETag></CompleteMultipartUploadResult>`, etag)
}

func (s *fakeStore) serveListing(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	prefix := query.Get("prefix")
	marker := query.Get("marker")

	pageSize := s.pageSize
	if pageSize == 0 {
		pageSize = 1000
	}

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) && k > marker {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`<ListBucketResult>`)

	prefixes := make(map[string]bool)
	count := 0
	truncated := false
	lastKey := ""

	for _, k := range keys {
		if count >= pageSize {
			truncated = true
			break
		}

		rest := k[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			cp := prefix + rest[:i+1]
			if !prefixes[cp] {
				prefixes[cp] = true
				fmt.Fprintf(&b, `<CommonPrefixes><Prefix>%s</Prefix></CommonPrefixes>`, cp)
				count++
				lastKey = k
			}
			continue
		}

		fmt.Fprintf(&b, `<Contents><Key>%s</Key></Contents>`, k)
		count++
		lastKey = k
	}

	fmt.Fprintf(&b, `<IsTruncated>%t</IsTruncated>`, truncated)
	if truncated {
		fmt.Fprintf(&b, `<NextMarker>%s</NextMarker>`, lastKey)
	}
	b.WriteString(`</ListBucketResult>`)

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, b.String())
}

// testEnv bundles a fake store with a fully wired filesystem.
type testEnv struct {
	store  *fakeStore
	server *httptest.Server
	ctx    *Context
	fsys   *FileSystem
}

func writeSecretFile(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("access-key secret-key\n"), 0600))

	return path
}

func newTestEnv(t *testing.T, mutate func(*config.Configuration)) *testEnv {
	t.Helper()

	store := newFakeStore()
	server := httptest.NewServer(store)
	t.Cleanup(server.Close)

	cfg := config.NewDefault()
	cfg.Service.Bucket = "bucket"
	cfg.Service.Endpoint = strings.TrimPrefix(server.URL, "http://")
	cfg.Service.UseSSL = false
	cfg.Service.SecretFile = writeSecretFile(t)
	cfg.Service.RequestTimeout = 10 * time.Second
	cfg.Workers.Foreground = 4
	cfg.Workers.Background = 2
	cfg.Workers.PoolSize = 4

	if mutate != nil {
		mutate(cfg)
	}

	svc, err := service.New(&cfg.Service)
	require.NoError(t, err)

	newPool := func(tag string, workers int) *threads.Pool {
		requests, perr := request.NewPool(tag, cfg.Workers.PoolSize, func(tg string) *request.Request {
			return request.New(tg, svc, &cfg.Service, nil)
		})
		require.NoError(t, perr)
		return threads.NewPool(tag, workers, requests)
	}

	fg := newPool("fg", cfg.Workers.Foreground)
	bg := newPool("bg", cfg.Workers.Background)
	t.Cleanup(fg.Terminate)
	t.Cleanup(bg.Terminate)

	ctx := &Context{
		Config:  cfg,
		Service: svc,
		FG:      fg,
		BG:      bg,
	}

	return &testEnv{
		store:  store,
		server: server,
		ctx:    ctx,
		fsys:   NewFileSystem(ctx),
	}
}
