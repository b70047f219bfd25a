package store

import (
	"errors"
	"io"
	"os"
)

// MsgReader provides access to a message. Reads return the "MsgPrefix" from
// the database (typically received headers), followed by the on-disk message
// file contents. MsgReader is an io.Reader, io.ReaderAt and io.Closer.
type MsgReader struct {
	prefix []byte   // First part of the message, typically received headers.
	path   string   // To on-disk message file.
	size   int64    // Total size of message, including prefix and contents from path.
	offset int64    // Current reading offset.
	f      *os.File // Opened path, automatically opened once the prefix has been read.
	err    error    // If set, error to return for reads. io.EOF for readers, but ReadAt ignores it.
}

var errMsgClosed = errors.New("msg is closed")

// FileMsgReader makes a MsgReader for an open file.
// If initialization fails, reads will return the error.
// Only call Close on the returned MsgReader if you want to close msgFile.
func FileMsgReader(prefix []byte, msgFile *os.File) *MsgReader {
	mr := &MsgReader{prefix: prefix, path: msgFile.Name(), f: msgFile}
	fi, err := msgFile.Stat()
	if err != nil {
		mr.err = err
		return mr
	}
	mr.size = int64(len(prefix)) + fi.Size()
	return mr
}

// Read reads data from the msg, taking prefix and on-disk file into account.
func (m *MsgReader) Read(buf []byte) (int, error) {
	return m.read(buf, m.offset, false)
}

// ReadAt reads data from the msg at a fixed offset, not changing the current
// reading offset.
func (m *MsgReader) ReadAt(buf []byte, off int64) (n int, err error) {
	return m.read(buf, off, true)
}

// read always fills buf as far as possible, for ReadAt semantics.
func (m *MsgReader) read(buf []byte, off int64, pread bool) (int, error) {
	// Once a reader has consumed the file and reached EOF, ReadAt must still work.
	if m.err != nil && (!pread || m.err != io.EOF) {
		return 0, m.err
	}
	var o int
	for o < len(buf) {
		// First attempt to read from the prefix.
		pn := int64(len(m.prefix)) - off
		if pn > 0 {
			n := len(buf) - o
			if int64(n) > pn {
				n = int(pn)
			}
			copy(buf[o:], m.prefix[int(off):int(off)+n])
			o += n
			off += int64(n)
			if !pread {
				m.offset += int64(n)
			}
			continue
		}

		// Read from the file, opening it first if needed.
		if m.f == nil {
			f, err := os.Open(m.path)
			if err != nil {
				m.err = err
				break
			}
			m.f = f
		}
		n, err := m.f.ReadAt(buf[o:], off-int64(len(m.prefix)))
		if n > 0 {
			o += n
			off += int64(n)
			if !pread {
				m.offset += int64(n)
			}
		}
		if err == io.EOF {
			if off < m.size {
				err = io.ErrUnexpectedEOF
			}
			m.err = err
			break
		}
		if err != nil {
			m.err = err
			break
		}
		if n == 0 {
			break
		}
	}
	if o > 0 {
		return o, nil
	}
	if m.err == nil && off >= m.size {
		return 0, io.EOF
	}
	return 0, m.err
}

// Close ensures the msg file is closed. Further reads return errors.
func (m *MsgReader) Close() error {
	if m.f != nil {
		if err := m.f.Close(); err != nil {
			return err
		}
		m.f = nil
	}
	if m.err == errMsgClosed {
		return m.err
	}
	m.err = errMsgClosed
	return nil
}

// Reset rewinds the reading offset, so the message can be read again.
func (m *MsgReader) Reset() {
	m.offset = 0
	if m.err == io.EOF {
		m.err = nil
	}
}

// Size returns the total size of the contents of the message.
func (m *MsgReader) Size() int64 {
	return m.size
}
