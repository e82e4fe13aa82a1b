package fs

import (
	"encoding/xml"
	"strings"

	"github.com/objectfuse/objectfuse/internal/request"
	"github.com/objectfuse/objectfuse/pkg/encoding"
	"github.com/objectfuse/objectfuse/pkg/errors"
)

// DirEntry is one readdir result.
type DirEntry struct {
	Name  string
	IsDir bool
}

type listBucketResult struct {
	XMLName        xml.Name `xml:"ListBucketResult"`
	IsTruncated    bool     `xml:"IsTruncated"`
	NextMarker     string   `xml:"NextMarker"`
	CommonPrefixes []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

// readDirectory walks the delimiter-paged listing of path and feeds each
// entry to fill. Subdirectories arrive as common prefixes, files as keys.
func readDirectory(ctx *Context, cache *ObjectCache, r *request.Request, path string, fill func(DirEntry)) error {
	prefix := ""
	if path != "" {
		prefix = path + "/"
	}

	marker := ""
	for {
		if err := r.Init(request.MethodGet); err != nil {
			return err
		}

		r.SetURL(ctx.Service.BucketURL(),
			"delimiter=/&prefix="+encoding.URLEncode(prefix)+"&marker="+encoding.URLEncode(marker))

		if err := r.Run(request.DefaultTimeout); err != nil {
			return err
		}

		if r.ResponseCode() != request.StatusOK {
			return errors.FromHTTPStatus("fs.readdir", path, r.ResponseCode())
		}

		var result listBucketResult
		if err := xml.Unmarshal(r.OutputBytes(), &result); err != nil {
			return errors.Wrap(errors.KindIOError, "fs.readdir", path, err)
		}

		lastKey := ""

		for _, cp := range result.CommonPrefixes {
			full := strings.TrimSuffix(cp.Prefix, "/")
			if !strings.HasPrefix(full, prefix) {
				continue
			}

			relative := full[len(prefix):]
			if relative == "" {
				continue
			}

			// warm the cache so the stat that follows readdir is free
			prefillStats(ctx, cache, full, HintIsDir)
			fill(DirEntry{Name: relative, IsDir: true})
		}

		for _, c := range result.Contents {
			lastKey = c.Key

			// the directory placeholder lists itself; skip it
			if c.Key == prefix || !strings.HasPrefix(c.Key, prefix) {
				continue
			}

			relative := c.Key[len(prefix):]

			prefillStats(ctx, cache, c.Key, HintIsFile)
			fill(DirEntry{Name: relative, IsDir: false})
		}

		if !result.IsTruncated {
			return nil
		}

		if result.NextMarker != "" {
			marker = result.NextMarker
		} else {
			marker = lastKey
		}
	}
}

// prefillStats fetches an object into the cache on the background pool,
// fire and forget. Failures are dropped.
func prefillStats(ctx *Context, cache *ObjectCache, path string, hints Hint) {
	ctx.BG.CallAsync(func(r *request.Request) int {
		_, err := cache.Get(r, path, hints)
		return errors.Errno(err)
	})
}
