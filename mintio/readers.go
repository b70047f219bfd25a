package mintio

import (
	"errors"
	"io"
)

// ErrLimit is returned when a read exceeds a configured maximum size.
var ErrLimit = errors.New("input exceeds maximum size")

// LimitReader reads up to Limit bytes from R, returning ErrLimit when more
// is read. Enforces maximum input lengths, e.g. for POP3 TOP/RETR internals.
type LimitReader struct {
	R     io.Reader
	Limit int64
}

func (r *LimitReader) Read(buf []byte) (int, error) {
	n, err := r.R.Read(buf)
	if n > 0 {
		r.Limit -= int64(n)
		if r.Limit < 0 {
			return 0, ErrLimit
		}
	}
	return n, err
}

// LimitAtReader returns ErrLimit for reads beyond Limit.
type LimitAtReader struct {
	R     io.ReaderAt
	Limit int64
}

func (r *LimitAtReader) ReadAt(buf []byte, offset int64) (int, error) {
	if offset+int64(len(buf)) > r.Limit {
		return 0, ErrLimit
	}
	return r.R.ReadAt(buf, offset)
}

// AtReader turns an io.ReaderAt into an io.Reader by tracking the offset.
type AtReader struct {
	R      io.ReaderAt
	Offset int64
}

func (r *AtReader) Read(buf []byte) (int, error) {
	n, err := r.R.ReadAt(buf, r.Offset)
	if n > 0 {
		r.Offset += int64(n)
	}
	return n, err
}
