package message

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrHeaderSeparator is returned by ReadHeaders for messages without a blank
// line after the header section.
var ErrHeaderSeparator = errors.New("no header separator found")

// ReadHeaders returns the header section of a message including the final
// crlf, without the empty separator line.
func ReadHeaders(msg *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		line, err := msg.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(buf, line...)
		if bytes.HasSuffix(buf, []byte("\r\n\r\n")) {
			return buf[:len(buf)-2], nil
		}
		if err == io.EOF {
			return nil, ErrHeaderSeparator
		}
	}
}
