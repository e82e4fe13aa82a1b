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
	awsHeaderPrefix     = "x-amz-"
	awsHeaderMetaPrefix = "x-amz-meta-"
)

type awsService struct {
	key       string
	secret    string
	endpoint  string
	bucketURL string
}

func newAWS(cfg *config.ServiceConfig) (*awsService, error) {
	key, secret, err := LoadCredentials(cfg.SecretFile)
	if err != nil {
		return nil, err
	}

	return &awsService{
		key:       key,
		secret:    secret,
		endpoint:  endpointURL(cfg),
		bucketURL: bucketURL(cfg.Bucket),
	}, nil
}

func (s *awsService) HeaderPrefix() string {
	return awsHeaderPrefix
}

func (s *awsService) HeaderMetaPrefix() string {
	return awsHeaderMetaPrefix
}

func (s *awsService) BucketURL() string {
	return s.bucketURL
}

func (s *awsService) IsMultipartUploadSupported() bool {
	return true
}

func (s *awsService) IsMultipartDownloadSupported() bool {
	return true
}

func (s *awsService) AdjustURL(url string) string {
	return s.endpoint + url
}

// Sign implements AWS signature v2: HMAC-SHA1 over
// "METHOD\nContent-MD5\nContent-Type\nDate\n<canonical-amz-headers><resource>".
func (s *awsService) Sign(r *request.Request) error {
	date := time.Now().UTC().Format(http.TimeFormat)
	r.SetHeader("Date", date)

	toSign := r.Method() + "\n" +
		r.Header("Content-MD5") + "\n" +
		r.Header("Content-Type") + "\n" +
		date + "\n" +
		canonicalCustomHeaders(r, awsHeaderPrefix) +
		r.URL()

	mac := hmac.New(sha1.New, []byte(s.secret))
	mac.Write([]byte(toSign))

	r.SetHeader("Authorization", "AWS "+s.key+":"+encoding.Base64Encode(mac.Sum(nil)))

	return nil
}

func (s *awsService) PreRun(r *request.Request, attempt int) error {
	return s.Sign(r)
}

func (s *awsService) ShouldRetry(r *request.Request, attempt int) bool {
	// 5xx responses are worth another signed attempt
	return r.ResponseCode() >= 500
}
