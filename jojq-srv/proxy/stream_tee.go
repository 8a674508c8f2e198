package proxy

import (
	"io"
)

// teeReadCloser wraps an io.ReadCloser and mirrors each chunk read into w.
// Mirror writes never fail, so teeing cannot delay or alter what the
// downstream reader sees.
type teeReadCloser struct {
	rc io.ReadCloser
	w  io.Writer
}

func newTeeReadCloser(rc io.ReadCloser, w io.Writer) io.ReadCloser {
	return &teeReadCloser{rc: rc, w: w}
}

func (t *teeReadCloser) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 && t.w != nil {
		_, _ = t.w.Write(p[:n])
	}
	return n, err
}

func (t *teeReadCloser) Close() error {
	return t.rc.Close()
}
