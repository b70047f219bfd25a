package mintio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
)

// ErrLineTooLong is returned by Bufpool.Readline for lines longer than the
// buffer size. The protocols cannot recover from such lines, connections are
// aborted.
var ErrLineTooLong = errors.New("line from remote too long")

// Bufpool caches byte slices for reuse while reading line-terminated
// commands from connections.
type Bufpool struct {
	c    chan []byte
	size int
}

// NewBufpool makes a pool holding at most max buffers of size bytes each.
func NewBufpool(max, size int) *Bufpool {
	return &Bufpool{c: make(chan []byte, max), size: size}
}

func (b *Bufpool) get() []byte {
	select {
	case buf := <-b.c:
		return buf
	default:
		return make([]byte, b.size)
	}
}

// put returns buf to the pool, clearing the n read bytes. If the pool is
// full the buffer is left for the garbage collector.
func (b *Bufpool) put(log mlog.Log, buf []byte, n int) {
	if len(buf) != b.size {
		log.Error("buffer with bad size returned, ignoring", slog.Int("badsize", len(buf)), slog.Int("expsize", b.size))
		return
	}
	for i := range n {
		buf[i] = 0
	}
	select {
	case b.c <- buf:
	default:
	}
}

// Readline reads a \n- or \r\n-terminated line, returned without the line
// ending. Lines that do not fit the buffer return ErrLineTooLong: we refuse
// to consume input indefinitely waiting for a newline that may never come.
// EOF before a newline returns io.ErrUnexpectedEOF.
func (b *Bufpool) Readline(log mlog.Log, r *bufio.Reader) (line string, rerr error) {
	var nread int
	buf := b.get()
	defer func() {
		b.put(log, buf, nread)
	}()

	for {
		if nread >= len(buf) {
			return "", fmt.Errorf("%w: no newline after %d bytes", ErrLineTooLong, nread)
		}
		c, err := r.ReadByte()
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", fmt.Errorf("reading line from remote: %w", err)
		}
		if c == '\n' {
			if nread > 0 && buf[nread-1] == '\r' {
				line = string(buf[:nread-1])
			} else {
				line = string(buf[:nread])
			}
			nread++
			return line, nil
		}
		buf[nread] = c
		nread++
	}
}
