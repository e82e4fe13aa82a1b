// Package request executes HTTP transactions against the object store. A
// Request is a reusable handle bound to one worker at a time; it carries the
// method, URL, headers and body sources for the current transaction, and a
// retry loop that re-signs each attempt through the provider hook.
package request

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/objectfuse/objectfuse/internal/config"
	"github.com/objectfuse/objectfuse/internal/metrics"
	oferrors "github.com/objectfuse/objectfuse/pkg/errors"
)

// HTTP methods accepted by Init.
const (
	MethodDelete = "DELETE"
	MethodGet    = "GET"
	MethodHead   = "HEAD"
	MethodPost   = "POST"
	MethodPut    = "PUT"
)

// Common response codes.
const (
	StatusOK                 = 200
	StatusNoContent          = 204
	StatusNotFound           = 404
	StatusForbidden          = 403
	StatusPreconditionFailed = 412
)

// DefaultTimeout selects the configured request timeout.
const DefaultTimeout = time.Duration(-1)

const retryBaseDelay = 100 * time.Millisecond

// Hook is the provider-specific adapter consumed by the retry loop.
type Hook interface {
	// AdjustURL maps the caller-visible path onto the transport URL
	// (prepends scheme and endpoint).
	AdjustURL(url string) string

	// PreRun signs the request. It runs before every attempt, since Date
	// and Authorization must be fresh per attempt.
	PreRun(r *Request, attempt int) error

	// ShouldRetry may request another attempt after a successful
	// transport round (e.g. to react to a 5xx).
	ShouldRetry(r *Request, attempt int) bool
}

// Request is one reusable HTTP transaction handle.
type Request struct {
	tag       string
	hook      Hook
	client    *http.Client
	collector *metrics.Collector

	maxRetries     int
	defaultTimeout time.Duration

	method  string
	url     string // caller-visible path, used for signing
	fullURL string // transport URL including endpoint and query
	headers map[string]string

	inputBuffer  []byte
	inputFile    *os.File
	inputOffset  int64
	inputSize    int64
	outputWriter io.Writer

	outputBuffer    bytes.Buffer
	responseCode    int
	responseHeaders map[string]string
	lastModified    time.Time

	canceled bool

	runCount              uint64
	totalRunTime          float64
	totalBytesTransferred int64
}

// New creates a request handle. The hook may be nil for tests.
func New(tag string, hook Hook, cfg *config.ServiceConfig, collector *metrics.Collector) *Request {
	return &Request{
		tag:  tag,
		hook: hook,
		client: &http.Client{
			// per-attempt deadlines come from the context
			Timeout: 0,
		},
		collector:      collector,
		maxRetries:     cfg.MaxTransferRetries,
		defaultTimeout: cfg.RequestTimeout,
		headers:        make(map[string]string),
	}
}

// Init resets the handle for a new transaction.
func (r *Request) Init(method string) error {
	if r.canceled {
		return oferrors.New(oferrors.KindIOError, "request.init", "")
	}

	switch method {
	case MethodDelete, MethodGet, MethodHead, MethodPost, MethodPut:
	default:
		return fmt.Errorf("unsupported HTTP method %q", method)
	}

	r.method = method
	r.url = ""
	r.fullURL = ""
	r.headers = make(map[string]string)
	r.inputBuffer = nil
	r.inputFile = nil
	r.inputOffset = 0
	r.inputSize = 0
	r.outputWriter = nil
	r.outputBuffer.Reset()
	r.responseCode = 0
	r.responseHeaders = nil
	r.lastModified = time.Time{}

	return nil
}

// Tag returns the handle's statistics tag.
func (r *Request) Tag() string {
	return r.tag
}

// Method returns the method set by Init.
func (r *Request) Method() string {
	return r.method
}

// URL returns the caller-visible path, the resource string used for signing.
func (r *Request) URL() string {
	return r.url
}

// SetURL records the caller-visible path and builds the transport URL through
// the hook.
func (r *Request) SetURL(url, query string) {
	full := url
	if r.hook != nil {
		full = r.hook.AdjustURL(url)
	}

	if query != "" {
		if strings.Contains(full, "?") {
			full += "&" + query
		} else {
			full += "?" + query
		}
	}

	r.url = url
	r.fullURL = full
}

// SetHeader sets an outgoing header, replacing any prior value.
func (r *Request) SetHeader(key, value string) {
	r.headers[key] = value
}

// Header returns an outgoing header value, or "".
func (r *Request) Header(key string) string {
	return r.headers[key]
}

// HeaderKeys returns the outgoing header names in lexicographic order, the
// order signing canonicalisation wants.
func (r *Request) HeaderKeys() []string {
	keys := make([]string, 0, len(r.headers))
	for k := range r.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetInputBuffer supplies the request body from memory. Body sources are
// mutually exclusive; the most recent call wins.
func (r *Request) SetInputBuffer(b []byte) {
	r.inputBuffer = b
	r.inputFile = nil
	r.inputSize = int64(len(b))
}

// SetInputFile supplies the request body from a file. The file is read from
// offset zero on every attempt.
func (r *Request) SetInputFile(f *os.File, size int64) {
	r.SetInputFileRange(f, 0, size)
}

// SetInputFileRange supplies the request body from a file region. Part
// uploads use this to send one chunk.
func (r *Request) SetInputFileRange(f *os.File, offset, size int64) {
	r.inputFile = f
	r.inputBuffer = nil
	r.inputOffset = offset
	r.inputSize = size
}

// OutputResetter lets a streaming sink rewind before a retry attempt, so a
// partially-written attempt doesn't shift later bytes.
type OutputResetter interface {
	ResetOutput() error
}

type fileWriter struct {
	f *os.File
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *fileWriter) ResetOutput() error {
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return w.f.Truncate(0)
}

// SetOutputFile streams the response body into f instead of the in-memory
// buffer.
func (r *Request) SetOutputFile(f *os.File) {
	r.outputWriter = &fileWriter{f: f}
}

// SetOutputWriter streams the response body into w instead of the in-memory
// buffer. Chunked downloads use this to write at a fixed offset. Sinks that
// implement OutputResetter are rewound before each retry attempt.
func (r *Request) SetOutputWriter(w io.Writer) {
	r.outputWriter = w
}

// ContentLength returns the size of the request body.
func (r *Request) ContentLength() int64 {
	return r.inputSize
}

// ResponseCode returns the status code of the last run.
func (r *Request) ResponseCode() int {
	return r.responseCode
}

// GetResponseHeader returns a response header value, or "" when absent.
// Lookup is case-insensitive; stored keys preserve the received case.
func (r *Request) GetResponseHeader(key string) string {
	if v, ok := r.responseHeaders[key]; ok {
		return v
	}
	for k, v := range r.responseHeaders {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// ResponseHeaders returns the response header map of the last run.
func (r *Request) ResponseHeaders() map[string]string {
	return r.responseHeaders
}

// OutputBytes returns the buffered response body.
func (r *Request) OutputBytes() []byte {
	return r.outputBuffer.Bytes()
}

// OutputString returns the buffered response body as a string.
func (r *Request) OutputString() string {
	return r.outputBuffer.String()
}

// LastModified returns the server Last-Modified of the last run, if any.
func (r *Request) LastModified() time.Time {
	return r.lastModified
}

// Canceled reports whether the handle hit its deadline and is permanently
// unusable.
func (r *Request) Canceled() bool {
	return r.canceled
}

func (r *Request) body() (io.Reader, error) {
	if r.inputFile != nil {
		return io.NewSectionReader(r.inputFile, r.inputOffset, r.inputSize), nil
	}
	if r.inputBuffer != nil {
		return bytes.NewReader(r.inputBuffer), nil
	}
	return nil, nil
}

// transportRetryable classifies transport-level failures that warrant
// another attempt: resolution, connect, partial transfer, timeout, TLS,
// zero-byte response, send/receive errors.
func transportRetryable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var tlsErr *tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}

// Run executes the transaction with retries. timeout applies per attempt;
// DefaultTimeout selects the configured value.
func (r *Request) Run(timeout time.Duration) error {
	if r.fullURL == "" {
		return fmt.Errorf("call SetURL() first")
	}
	if r.method == "" {
		return fmt.Errorf("call Init() first")
	}
	if r.canceled {
		return oferrors.New(oferrors.KindIOError, "request.run", r.url)
	}

	if timeout == DefaultTimeout {
		timeout = r.defaultTimeout
	}

	var lastErr error
	requestSize := r.inputSize
	start := time.Now()

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBaseDelay * time.Duration(attempt))
		}

		r.outputBuffer.Reset()
		r.responseHeaders = nil
		r.responseCode = 0

		if resetter, ok := r.outputWriter.(OutputResetter); ok {
			if err := resetter.ResetOutput(); err != nil {
				return err
			}
		}

		if r.hook != nil {
			if err := r.hook.PreRun(r, attempt); err != nil {
				return err
			}
		}

		err := r.attempt(timeout)
		if err != nil {
			if r.canceled {
				return oferrors.Wrap(oferrors.KindTimeout, "request.run", r.url, err)
			}

			if transportRetryable(err) {
				log.Warn().Str("url", r.url).Err(err).Msg("transport error, retrying")
				lastErr = err
				continue
			}

			return err
		}

		lastErr = nil

		if r.hook != nil && r.hook.ShouldRetry(r, attempt) {
			continue
		}

		break
	}

	if lastErr != nil {
		return oferrors.Wrap(oferrors.KindIOError, "request.run", r.url, lastErr)
	}

	elapsed := time.Since(start).Seconds()

	// the first request per handle is excluded from timing: it absorbs
	// connection setup and would skew the averages
	if r.runCount > 0 {
		r.totalRunTime += elapsed
		r.totalBytesTransferred += requestSize + int64(r.outputBuffer.Len())
		if r.collector != nil {
			r.collector.RecordRequest(r.tag, elapsed, requestSize+int64(r.outputBuffer.Len()))
		}
	} else if r.collector != nil {
		r.collector.RecordRequest(r.tag, 0, 0)
	}

	r.runCount++

	if r.responseCode >= 300 && r.responseCode != StatusNotFound && r.responseCode != StatusPreconditionFailed {
		log.Warn().
			Str("url", r.url).
			Int("code", r.responseCode).
			Str("response", r.outputBuffer.String()).
			Msg("request failed")
	}

	return nil
}

func (r *Request) attempt(timeout time.Duration) error {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(timeout))
	defer cancel()

	body, err := r.body()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.fullURL, body)
	if err != nil {
		return err
	}

	if body != nil {
		req.ContentLength = r.inputSize
	}

	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Str("url", r.url).Msg("request timed out")
			r.canceled = true
		}
		return err
	}
	defer resp.Body.Close()

	r.responseCode = resp.StatusCode
	r.responseHeaders = make(map[string]string, len(resp.Header))
	for k, vs := range resp.Header {
		if len(vs) > 0 {
			r.responseHeaders[k] = strings.TrimRight(vs[0], "\r\n")
		}
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, perr := http.ParseTime(lm); perr == nil {
			r.lastModified = t
		}
	}

	var sink io.Writer = &r.outputBuffer
	if r.outputWriter != nil && resp.StatusCode < 300 {
		sink = r.outputWriter
	}

	if _, err := io.Copy(sink, resp.Body); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Str("url", r.url).Msg("request timed out mid-body")
			r.canceled = true
		}
		return err
	}

	return nil
}

// Stats returns the handle's cumulative statistics: request count, total
// wall time in seconds, total bytes transferred. Warmup excluded.
func (r *Request) Stats() (uint64, float64, int64) {
	return r.runCount, r.totalRunTime, r.totalBytesTransferred
}
