// Package encoding provides the encodings used on the wire: the
// store-compatible percent-encoding, hex, base64, and MD5 digests of local
// files.
package encoding

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

const upperHex = "0123456789ABCDEF"

func isUnreserved(c byte) bool {
	if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' {
		return true
	}
	switch c {
	case '/', '.', '-', '*', '_':
		return true
	}
	return false
}

// URLEncode percent-encodes a bucket-relative path. Alphanumerics and
// "/ . - * _" pass through; every other byte becomes %XX with uppercase hex.
// Spaces are encoded as "%20" rather than "+" because Google Storage doesn't
// decode "+" the way AWS does.
func URLEncode(path string) string {
	var b strings.Builder
	b.Grow(len(path))

	for i := 0; i < len(path); i++ {
		c := path[i]

		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteByte(upperHex[c>>4])
			b.WriteByte(upperHex[c&0xf])
		}
	}

	return b.String()
}

// URLDecode reverses URLEncode.
func URLDecode(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}

		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated percent escape in %q", s)
		}

		v, err := hex.DecodeString(s[i+1 : i+3])
		if err != nil {
			return "", fmt.Errorf("bad percent escape in %q: %w", s, err)
		}

		b.WriteByte(v[0])
		i += 2
	}

	return b.String(), nil
}

// HexEncode returns lowercase hex.
func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// HexDecode reverses HexEncode.
func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// Base64Encode returns standard base64.
func Base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Base64Decode reverses Base64Encode.
func Base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// MD5File digests size bytes of f starting at offset. size < 0 digests to
// EOF.
func MD5File(f *os.File, offset, size int64) ([]byte, error) {
	h := md5.New()

	var r io.Reader = io.NewSectionReader(f, offset, 1<<62)
	if size >= 0 {
		r = io.NewSectionReader(f, offset, size)
	}

	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}

// MD5FileBase64 digests the whole file and returns base64, the form
// Content-MD5 wants.
func MD5FileBase64(f *os.File) (string, error) {
	sum, err := MD5File(f, 0, -1)
	if err != nil {
		return "", err
	}
	return Base64Encode(sum), nil
}

// MD5FileHex digests the whole file and returns the quoted lowercase hex
// form, matching the shape of a single-part ETag.
func MD5FileHex(f *os.File) (string, error) {
	sum, err := MD5File(f, 0, -1)
	if err != nil {
		return "", err
	}
	return `"` + HexEncode(sum) + `"`, nil
}

// IsValidMD5 reports whether s looks like a quoted hex MD5: 32 hex digits
// plus 2 quotes. Multipart composite etags ("<hex>-<N>") fail this test.
func IsValidMD5(s string) bool {
	if len(s) != 34 || s[0] != '"' || s[33] != '"' {
		return false
	}
	_, err := hex.DecodeString(s[1:33])
	return err == nil
}
