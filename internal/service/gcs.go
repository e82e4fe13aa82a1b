package service

import (
	"crypto/hmac"
	"crypto/sha1"
	"net/http"
	"time"

	"github.com/objectfuse/objectfuse/internal/config"
	"github.com/objectfuse/objectfuse/internal/request"
	"github.com/objectfuse/objectfuse/pkg/encoding"
)

const (
	gcsHeaderPrefix     = "x-goog-"
	gcsHeaderMetaPrefix = "x-goog-meta-"
)

type gcsService struct {
	key       string
	secret    string
	endpoint  string
	bucketURL string
}

func newGCS(cfg *config.ServiceConfig) (*gcsService, error) {
	key, secret, err := LoadCredentials(cfg.SecretFile)
	if err != nil {
		return nil, err
	}

	return &gcsService{
		key:       key,
		secret:    secret,
		endpoint:  endpointURL(cfg),
		bucketURL: bucketURL(cfg.Bucket),
	}, nil
}

func (s *gcsService) HeaderPrefix() string {
	return gcsHeaderPrefix
}

func (s *gcsService) HeaderMetaPrefix() string {
	return gcsHeaderMetaPrefix
}

func (s *gcsService) BucketURL() string {
	return s.bucketURL
}

func (s *gcsService) IsMultipartUploadSupported() bool {
	// Google Storage has no S3-style multipart upload in the XML API
	return false
}

func (s *gcsService) IsMultipartDownloadSupported() bool {
	return true
}

func (s *gcsService) AdjustURL(url string) string {
	return s.endpoint + url
}

// Sign uses the GOOG1 scheme, structurally identical to AWS v2 with the
// x-goog- header namespace.
func (s *gcsService) Sign(r *request.Request) error {
	date := time.Now().UTC().Format(http.TimeFormat)
	r.SetHeader("Date", date)

	toSign := r.Method() + "\n" +
		r.Header("Content-MD5") + "\n" +
		r.Header("Content-Type") + "\n" +
		date + "\n" +
		canonicalCustomHeaders(r, gcsHeaderPrefix) +
		r.URL()

	mac := hmac.New(sha1.New, []byte(s.secret))
	mac.Write([]byte(toSign))

	r.SetHeader("Authorization", "GOOG1 "+s.key+":"+encoding.Base64Encode(mac.Sum(nil)))

	return nil
}

func (s *gcsService) PreRun(r *request.Request, attempt int) error {
	return s.Sign(r)
}

func (s *gcsService) ShouldRetry(r *request.Request, attempt int) bool {
	return r.ResponseCode() >= 500
}
