package mintio

import (
	"io"
	"net"
)

// PrefixConn is a net.Conn prefixed with a reader that is drained first.
// Used for STARTTLS/STLS where buffered reads may already hold initial TLS
// data.
type PrefixConn struct {
	PrefixReader io.Reader // If not nil, reads are fulfilled from here. Cleared when a read returns io.EOF.
	net.Conn
}

func (c *PrefixConn) Read(buf []byte) (int, error) {
	if c.PrefixReader != nil {
		n, err := c.PrefixReader.Read(buf)
		if err == io.EOF {
			c.PrefixReader = nil
			if n == 0 {
				return c.Conn.Read(buf)
			}
			err = nil
		}
		return n, err
	}
	return c.Conn.Read(buf)
}
