package imapserver

import (
	"fmt"
	"io"

	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
)

// Tokens make up an IMAP response. Most are packed into a string and written
// as part of a line, but message data is streamed from a reader as a literal.
// Write errors panic through conn.Write as usual.

type token interface {
	pack(c *conn) string
	writeTo(c *conn, w io.Writer)
}

// bare is a string written without any quoting.
type bare string

func (t bare) pack(c *conn) string { return string(t) }

func (t bare) writeTo(c *conn, w io.Writer) {
	w.Write([]byte(t.pack(c)))
}

type niltoken struct{}

var nilt niltoken

func (t niltoken) pack(c *conn) string { return "NIL" }

func (t niltoken) writeTo(c *conn, w io.Writer) {
	w.Write([]byte(t.pack(c)))
}

func nilOrString(s *string) token {
	if s == nil {
		return nilt
	}
	return string0(*s)
}

// string0 is a quoted string, falling back to a literal for values a quoted
// string cannot represent.
type string0 string

func (t string0) pack(c *conn) string {
	r := `"`
	for _, ch := range t {
		if ch == '\x00' || ch == '\r' || ch == '\n' || ch > 0x7f {
			return syncliteral(t).pack(c)
		}
		if ch == '\\' || ch == '"' {
			r += `\`
		}
		r += string(ch)
	}
	r += `"`
	return r
}

func (t string0) writeTo(c *conn, w io.Writer) {
	w.Write([]byte(t.pack(c)))
}

// dquote is a quoted string for values known to be safe, e.g. date/time.
type dquote string

func (t dquote) pack(c *conn) string { return `"` + string(t) + `"` }

func (t dquote) writeTo(c *conn, w io.Writer) {
	w.Write([]byte(t.pack(c)))
}

// syncliteral is a literal string, `{size}\r\n` followed by the data.
type syncliteral string

func (t syncliteral) pack(c *conn) string {
	return fmt.Sprintf("{%d}\r\n", len(t)) + string(t)
}

func (t syncliteral) writeTo(c *conn, w io.Writer) {
	fmt.Fprintf(w, "{%d}\r\n", len(t))
	w.Write([]byte(t))
}

// readerSizeSyncliteral streams a known number of bytes from a reader as a
// literal. If the reader returns fewer bytes, the connection is dropped: the
// literal header was already written.
type readerSizeSyncliteral struct {
	r    io.Reader
	size int64
}

func (t readerSizeSyncliteral) pack(c *conn) string {
	buf, err := io.ReadAll(io.LimitReader(t.r, t.size))
	xcheckf(err, "reading literal data")
	return fmt.Sprintf("{%d}\r\n", t.size) + string(buf)
}

func (t readerSizeSyncliteral) writeTo(c *conn, w io.Writer) {
	fmt.Fprintf(w, "{%d}\r\n", t.size)
	defer c.xtrace(mlog.LevelTracedata)()
	n, err := io.Copy(w, io.LimitReader(t.r, t.size))
	if err == nil && n != t.size {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		panic(fmt.Errorf("writing literal: %s (%w)", err, errIO))
	}
}

// readerSyncliteral streams bytes from a reader as a literal, reading fully
// first to learn the size.
type readerSyncliteral struct {
	r io.Reader
}

func (t readerSyncliteral) pack(c *conn) string {
	buf, err := io.ReadAll(t.r)
	xcheckf(err, "reading literal data")
	return fmt.Sprintf("{%d}\r\n", len(buf)) + string(buf)
}

func (t readerSyncliteral) writeTo(c *conn, w io.Writer) {
	buf, err := io.ReadAll(t.r)
	xcheckf(err, "reading literal data")
	fmt.Fprintf(w, "{%d}\r\n", len(buf))
	defer c.xtrace(mlog.LevelTracedata)()
	w.Write(buf)
}

// listspace writes tokens space-separated within parentheses.
type listspace []token

func (t listspace) pack(c *conn) string {
	s := "("
	for i, e := range t {
		if i > 0 {
			s += " "
		}
		s += e.pack(c)
	}
	s += ")"
	return s
}

func (t listspace) writeTo(c *conn, w io.Writer) {
	w.Write([]byte("("))
	for i, e := range t {
		if i > 0 {
			w.Write([]byte(" "))
		}
		e.writeTo(c, w)
	}
	w.Write([]byte(")"))
}

// concat writes tokens without separator.
type concat []token

func (t concat) pack(c *conn) string {
	var s string
	for _, e := range t {
		s += e.pack(c)
	}
	return s
}

func (t concat) writeTo(c *conn, w io.Writer) {
	for _, e := range t {
		e.writeTo(c, w)
	}
}

// astring writes a bare atom if possible, a quoted string otherwise.
type astring string

func (t astring) pack(c *conn) string {
	if len(t) == 0 {
		return string0(t).pack(c)
	}
	for _, ch := range t {
		if !contains(atomChar, ch) {
			return string0(t).pack(c)
		}
	}
	return string(t)
}

func (t astring) writeTo(c *conn, w io.Writer) {
	w.Write([]byte(t.pack(c)))
}

type number uint32

func (t number) pack(c *conn) string { return fmt.Sprintf("%d", t) }

func (t number) writeTo(c *conn, w io.Writer) {
	w.Write([]byte(t.pack(c)))
}
