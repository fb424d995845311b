package content

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/html/charset"
)

// ErrUnsupportedEncoding is returned for a Content-Encoding the proxy cannot decode.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// AcceptEncoding lists the encodings Decode understands, in preference order.
const AcceptEncoding = "gzip, deflate, br, zstd"

// Decode wraps body with decoders for every coding in the Content-Encoding
// header (applied in reverse order of listing). Closing the result closes body.
// An unknown coding anywhere in the list fails before body is read.
func Decode(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	codings := strings.Split(contentEncoding, ",")
	for i, c := range codings {
		codings[i] = strings.ToLower(strings.TrimSpace(c))
		if !supportedCoding(codings[i]) {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, codings[i])
		}
	}

	var r io.Reader = body
	closers := []io.Closer{body}

	for i := len(codings) - 1; i >= 0; i-- {
		coding := codings[i]
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("gzip: %w", err)
			}
			closers = append(closers, zr)
			r = zr
		case "deflate":
			zr, err := zlib.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("deflate: %w", err)
			}
			closers = append(closers, zr)
			r = zr
		case "br":
			r = brotli.NewReader(r)
		case "zstd":
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("zstd: %w", err)
			}
			rc := zr.IOReadCloser()
			closers = append(closers, rc)
			r = rc
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
		}
	}

	return &multiCloser{Reader: r, closers: closers}, nil
}

func supportedCoding(coding string) bool {
	switch coding {
	case "", "identity", "gzip", "x-gzip", "deflate", "br", "zstd":
		return true
	}
	return false
}

// ToUTF8 converts an HTML or text body to UTF-8, using the charset from the
// Content-Type header, a BOM, or a <meta charset> in the first kilobyte.
func ToUTF8(r io.Reader, contentType string) (io.Reader, error) {
	u, err := charset.NewReader(r, contentType)
	if err != nil {
		return nil, fmt.Errorf("charset: %w", err)
	}
	return u, nil
}

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

// Close closes the decoders before the network body.
func (m *multiCloser) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
