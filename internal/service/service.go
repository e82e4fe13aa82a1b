// Package service supplies the provider-specific pieces of a storage
// backend: bucket URL, header prefixes, request signing, and the retry hook
// consumed by the request layer.
package service

import (
	"fmt"
	"strings"

	"github.com/objectfuse/objectfuse/internal/config"
	"github.com/objectfuse/objectfuse/internal/request"
	"github.com/objectfuse/objectfuse/pkg/encoding"
)

// Service is the provider adapter.
type Service interface {
	request.Hook

	// HeaderPrefix is the provider's custom header prefix, e.g. "x-amz-".
	HeaderPrefix() string

	// HeaderMetaPrefix is the user metadata prefix, e.g. "x-amz-meta-".
	HeaderMetaPrefix() string

	// BucketURL is "/" plus the percent-encoded bucket name (path-style
	// addressing).
	BucketURL() string

	// Sign writes the Authorization header for the current transaction.
	Sign(r *request.Request) error

	IsMultipartUploadSupported() bool
	IsMultipartDownloadSupported() bool
}

// New constructs the configured provider.
func New(cfg *config.ServiceConfig) (Service, error) {
	switch cfg.Provider {
	case "aws":
		return newAWS(cfg)
	case "gcs":
		return newGCS(cfg)
	default:
		return nil, fmt.Errorf("unknown service provider %q", cfg.Provider)
	}
}

// canonicalCustomHeaders builds the lexicographically ordered
// "key:value\n" sequence of non-empty provider-prefixed headers, keys
// lowercased, as signing wants it.
func canonicalCustomHeaders(r *request.Request, prefix string) string {
	var b strings.Builder

	for _, k := range r.HeaderKeys() {
		v := r.Header(k)
		lk := strings.ToLower(k)

		if v != "" && strings.HasPrefix(lk, prefix) {
			b.WriteString(lk)
			b.WriteByte(':')
			b.WriteString(v)
			b.WriteByte('\n')
		}
	}

	return b.String()
}

func bucketURL(bucket string) string {
	return "/" + encoding.URLEncode(bucket)
}

func endpointURL(cfg *config.ServiceConfig) string {
	scheme := "http://"
	if cfg.UseSSL {
		scheme = "https://"
	}
	return scheme + cfg.Endpoint
}
