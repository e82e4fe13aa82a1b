package fs

import (
	"encoding/xml"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/objectfuse/objectfuse/internal/request"
	"github.com/objectfuse/objectfuse/internal/threads"
	"github.com/objectfuse/objectfuse/pkg/encoding"
	"github.com/objectfuse/objectfuse/pkg/errors"
)

// FileTransfer moves object bodies between the store and local scratch
// files, choosing single-shot or chunked transfers by size and provider
// capability.
type FileTransfer struct {
	ctx *Context
}

// NewFileTransfer creates a transfer engine.
func NewFileTransfer(ctx *Context) *FileTransfer {
	return &FileTransfer{ctx: ctx}
}

// offsetWriter writes at a fixed position, so chunk tasks can share one fd.
// It rewinds to its start offset when the request layer retries an attempt.
type offsetWriter struct {
	f     *os.File
	start int64
	off   int64
}

func newOffsetWriter(f *os.File, start int64) *offsetWriter {
	return &offsetWriter{f: f, start: start, off: start}
}

func (w *offsetWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

func (w *offsetWriter) ResetOutput() error {
	w.off = w.start
	return nil
}

// Download fetches the object body into f. Bodies above the configured
// chunk size download as parallel ranged GETs when the provider allows it.
func (t *FileTransfer) Download(obj *Object, f *os.File) error {
	size := obj.CopyStat().Size
	chunkSize := t.ctx.Config.Transfer.DownloadChunkSize

	var err error
	if size <= chunkSize || !t.ctx.Service.IsMultipartDownloadSupported() {
		status := t.ctx.FG.Call(func(r *request.Request) int {
			return errors.Errno(t.downloadSingle(r, obj, f))
		})
		err = errors.FromErrno(status)
	} else {
		err = t.downloadMulti(obj, f, size, chunkSize)
	}

	if err != nil {
		return err
	}

	// a stored md5 that survived the etag check is authoritative for the
	// whole body
	if md5 := obj.MD5(); encoding.IsValidMD5(md5) {
		sum, herr := encoding.MD5FileHex(f)
		if herr != nil {
			return errors.Wrap(errors.KindIOError, "transfer.download", obj.Path(), herr)
		}
		if sum != md5 {
			return errors.Errorf("transfer.download", obj.Path(), "md5 mismatch: have %s, want %s", sum, md5)
		}
	}

	if t.ctx.Metrics != nil {
		t.ctx.Metrics.RecordTransfer("download", size)
	}

	return nil
}

func (t *FileTransfer) downloadSingle(r *request.Request, obj *Object, f *os.File) error {
	if err := r.Init(request.MethodGet); err != nil {
		return err
	}

	r.SetURL(obj.URL(), "")
	r.SetOutputWriter(newOffsetWriter(f, 0))

	if err := r.Run(request.DefaultTimeout); err != nil {
		return err
	}

	if r.ResponseCode() != request.StatusOK {
		return errors.FromHTTPStatus("transfer.download", obj.Path(), r.ResponseCode())
	}

	return nil
}

func (t *FileTransfer) downloadMulti(obj *Object, f *os.File, size, chunkSize int64) error {
	var aborted atomic.Bool

	parts := (size + chunkSize - 1) / chunkSize
	handles := make([]*threads.Handle, 0, parts)

	for i := int64(0); i < parts; i++ {
		offset := i * chunkSize
		last := offset + chunkSize - 1
		if last > size-1 {
			last = size - 1
		}

		handles = append(handles, t.ctx.FG.Post(func(r *request.Request) int {
			if aborted.Load() {
				return -int(errors.KindIOError.Errno())
			}

			err := t.downloadChunk(r, obj, f, offset, last)
			if err != nil {
				aborted.Store(true)
			}
			return errors.Errno(err)
		}))
	}

	failed := false
	for _, h := range handles {
		if h.Wait() < 0 {
			failed = true
		}
	}

	if failed {
		return errors.New(errors.KindIOError, "transfer.download", obj.Path())
	}

	return nil
}

func (t *FileTransfer) downloadChunk(r *request.Request, obj *Object, f *os.File, first, last int64) error {
	if err := r.Init(request.MethodGet); err != nil {
		return err
	}

	r.SetURL(obj.URL(), "")
	r.SetHeader("Range", fmt.Sprintf("bytes=%d-%d", first, last))
	r.SetOutputWriter(newOffsetWriter(f, first))

	if err := r.Run(request.DefaultTimeout); err != nil {
		return err
	}

	if r.ResponseCode() != request.StatusOK && r.ResponseCode() != 206 {
		return errors.FromHTTPStatus("transfer.download", obj.Path(), r.ResponseCode())
	}

	return nil
}

// Upload pushes the scratch file to the store and commits metadata so the
// stored etags line up with the new body.
func (t *FileTransfer) Upload(obj *Object, f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(errors.KindIOError, "transfer.upload", obj.Path(), err)
	}
	size := info.Size()

	chunkSize := t.ctx.Config.Transfer.UploadChunkSize

	if size <= chunkSize || !t.ctx.Service.IsMultipartUploadSupported() {
		status := t.ctx.FG.Call(func(r *request.Request) int {
			return errors.Errno(t.uploadSingle(r, obj, f, size))
		})
		err = errors.FromErrno(status)
	} else {
		err = t.uploadMulti(obj, f, size, chunkSize)
	}

	if err != nil {
		return err
	}

	if t.ctx.Metrics != nil {
		t.ctx.Metrics.RecordTransfer("upload", size)
	}

	return nil
}

func (t *FileTransfer) uploadSingle(r *request.Request, obj *Object, f *os.File, size int64) error {
	sum, err := encoding.MD5File(f, 0, size)
	if err != nil {
		return errors.Wrap(errors.KindIOError, "transfer.upload", obj.Path(), err)
	}

	if err := r.Init(request.MethodPut); err != nil {
		return err
	}

	r.SetURL(obj.URL(), "")
	obj.SetRequestHeaders(r)
	r.SetHeader("Content-MD5", encoding.Base64Encode(sum))
	r.SetInputFile(f, size)

	if err := r.Run(request.DefaultTimeout); err != nil {
		return err
	}

	if r.ResponseCode() != request.StatusOK {
		return errors.FromHTTPStatus("transfer.upload", obj.Path(), r.ResponseCode())
	}

	obj.SetSize(size)
	obj.SetTransferResult(r.GetResponseHeader("ETag"), `"`+encoding.HexEncode(sum)+`"`)

	// the PUT carried the pre-upload etag in its metadata headers; the
	// commit lines mtime-etag and md5-etag up with the new etag
	return obj.Commit(r)
}

type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

type completedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeMultipartUpload struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []completedPart `xml:"Part"`
}

type completeMultipartUploadResult struct {
	XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
	ETag    string   `xml:"ETag"`
}

func (t *FileTransfer) uploadMulti(obj *Object, f *os.File, size, chunkSize int64) error {
	uploadID, err := t.initiateMultipart(obj)
	if err != nil {
		return err
	}

	parts := (size + chunkSize - 1) / chunkSize
	handles := make([]*threads.Handle, 0, parts)
	etags := make([]string, parts)

	var aborted atomic.Bool

	for i := int64(0); i < parts; i++ {
		partNumber := int(i + 1)
		offset := i * chunkSize
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}

		handles = append(handles, t.ctx.FG.Post(func(r *request.Request) int {
			if aborted.Load() {
				return -int(errors.KindIOError.Errno())
			}

			etag, perr := t.uploadPart(r, obj, f, uploadID, partNumber, offset, length)
			if perr != nil {
				aborted.Store(true)
				return errors.Errno(perr)
			}

			etags[partNumber-1] = etag
			return 0
		}))
	}

	failed := false
	for _, h := range handles {
		if h.Wait() < 0 {
			failed = true
		}
	}

	if failed {
		t.abortMultipart(obj, uploadID)
		return errors.New(errors.KindIOError, "transfer.upload", obj.Path())
	}

	compositeEtag, err := t.completeMultipart(obj, uploadID, etags)
	if err != nil {
		t.abortMultipart(obj, uploadID)
		return err
	}

	sum, err := encoding.MD5File(f, 0, size)
	if err != nil {
		return errors.Wrap(errors.KindIOError, "transfer.upload", obj.Path(), err)
	}

	obj.SetSize(size)
	obj.SetTransferResult(compositeEtag, `"`+encoding.HexEncode(sum)+`"`)

	status := t.ctx.FG.Call(func(r *request.Request) int {
		return errors.Errno(obj.Commit(r))
	})

	return errors.FromErrno(status)
}

func (t *FileTransfer) initiateMultipart(obj *Object) (string, error) {
	var uploadID string

	status := t.ctx.FG.Call(func(r *request.Request) int {
		if err := r.Init(request.MethodPost); err != nil {
			return errors.Errno(err)
		}

		r.SetURL(obj.URL(), "uploads")
		obj.SetRequestHeaders(r)

		if err := r.Run(request.DefaultTimeout); err != nil {
			return errors.Errno(err)
		}

		if r.ResponseCode() != request.StatusOK {
			return errors.Errno(errors.FromHTTPStatus("transfer.upload", obj.Path(), r.ResponseCode()))
		}

		var result initiateMultipartUploadResult
		if err := xml.Unmarshal(r.OutputBytes(), &result); err != nil || result.UploadID == "" {
			return errors.Errno(errors.Errorf("transfer.upload", obj.Path(), "bad initiate-multipart response"))
		}

		uploadID = result.UploadID
		return 0
	})

	return uploadID, errors.FromErrno(status)
}

func (t *FileTransfer) uploadPart(r *request.Request, obj *Object, f *os.File, uploadID string, partNumber int, offset, length int64) (string, error) {
	sum, err := encoding.MD5File(f, offset, length)
	if err != nil {
		return "", errors.Wrap(errors.KindIOError, "transfer.upload", obj.Path(), err)
	}

	if err := r.Init(request.MethodPut); err != nil {
		return "", err
	}

	r.SetURL(obj.URL(), fmt.Sprintf("partNumber=%d&uploadId=%s", partNumber, uploadID))
	r.SetHeader("Content-MD5", encoding.Base64Encode(sum))
	r.SetInputFileRange(f, offset, length)

	if err := r.Run(request.DefaultTimeout); err != nil {
		return "", err
	}

	if r.ResponseCode() != request.StatusOK {
		return "", errors.FromHTTPStatus("transfer.upload", obj.Path(), r.ResponseCode())
	}

	etag := r.GetResponseHeader("ETag")
	if etag == "" {
		return "", errors.Errorf("transfer.upload", obj.Path(), "no etag on part %d", partNumber)
	}

	return etag, nil
}

func (t *FileTransfer) completeMultipart(obj *Object, uploadID string, etags []string) (string, error) {
	body := completeMultipartUpload{}
	for i, etag := range etags {
		body.Parts = append(body.Parts, completedPart{PartNumber: i + 1, ETag: etag})
	}

	payload, err := xml.Marshal(body)
	if err != nil {
		return "", errors.Wrap(errors.KindIOError, "transfer.upload", obj.Path(), err)
	}

	var compositeEtag string

	status := t.ctx.FG.Call(func(r *request.Request) int {
		if err := r.Init(request.MethodPost); err != nil {
			return errors.Errno(err)
		}

		r.SetURL(obj.URL(), "uploadId="+uploadID)
		r.SetHeader("Content-Type", "application/xml")
		r.SetInputBuffer(payload)

		if err := r.Run(request.DefaultTimeout); err != nil {
			return errors.Errno(err)
		}

		if r.ResponseCode() != request.StatusOK {
			return errors.Errno(errors.FromHTTPStatus("transfer.upload", obj.Path(), r.ResponseCode()))
		}

		var result completeMultipartUploadResult
		if err := xml.Unmarshal(r.OutputBytes(), &result); err != nil || result.ETag == "" {
			return errors.Errno(errors.Errorf("transfer.upload", obj.Path(), "bad complete-multipart response"))
		}

		compositeEtag = result.ETag
		return 0
	})

	return compositeEtag, errors.FromErrno(status)
}

func (t *FileTransfer) abortMultipart(obj *Object, uploadID string) {
	t.ctx.FG.CallAsync(func(r *request.Request) int {
		if err := r.Init(request.MethodDelete); err != nil {
			return errors.Errno(err)
		}

		r.SetURL(obj.URL(), "uploadId="+uploadID)

		if err := r.Run(request.DefaultTimeout); err != nil {
			log.Warn().Str("path", obj.Path()).Err(err).Msg("failed to abort multipart upload")
			return errors.Errno(err)
		}

		return 0
	})
}
