package client

import (
	"net/http"
	"strconv"
)

// sizedReader adapts an *http.Response body to store.SizedReader, using
// Content-Length when the server sent one. A negative Size means the
// server didn't report a length (e.g. a chunked response).
type sizedReader struct {
	resp *http.Response
	size int64
}

func newSizedReader(resp *http.Response) *sizedReader {
	size := int64(-1)
	if raw := resp.Header.Get("Content-Length"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			size = parsed
		}
	}
	return &sizedReader{resp: resp, size: size}
}

func (r *sizedReader) Read(p []byte) (int, error) { return r.resp.Body.Read(p) }
func (r *sizedReader) Close() error               { return r.resp.Body.Close() }
func (r *sizedReader) Size() int64                { return r.size }
