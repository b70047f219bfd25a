package message

import (
	"strings"
	"testing"
)

func TestWriter(t *testing.T) {
	check := func(data string, want bool) {
		t.Helper()

		b := &strings.Builder{}
		mw := NewWriter(b)
		if _, err := mw.Write([]byte(data)); err != nil {
			t.Fatalf("write for message %q: %s", data, err)
		}
		if mw.HaveBody != want {
			t.Fatalf("got havebody %v, expected %v, for message %q", mw.HaveBody, want, data)
		}

		// Writing byte by byte must detect the separator too.
		b = &strings.Builder{}
		mw = NewWriter(b)
		for i := range data {
			if _, err := mw.Write([]byte(data[i : i+1])); err != nil {
				t.Fatalf("write for message %q: %s", data, err)
			}
		}
		if mw.HaveBody != want {
			t.Fatalf("got havebody %v, expected %v, writing %q byte at a time", mw.HaveBody, want, data)
		}
	}

	check("no header", false)
	check("no header\r\n", false)
	check("key: value\r\n\r\n", true)
	check("key: value\r\n\r\nbody", true)
	check("key: value\n\nbody", true)
	check("key: value\n\r\nbody", true)
	check("key: value\r\rbody", false)
	check("\r\n\r\n", true)
	check("\r\n\r\nbody", true)
	check("\r\nbody", true)

	// Bare newlines are replaced with crlf, and sizes count the crlf.
	var b strings.Builder
	mw := NewWriter(&b)
	msg := "key: value\n\nline1\r\nline2\nx\n.\n"
	if _, err := mw.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %s", err)
	}
	exp := "key: value\r\n\r\nline1\r\nline2\r\nx\r\n.\r\n"
	if got := b.String(); got != exp {
		t.Fatalf("got %q, expected %q", got, exp)
	}
	if mw.Size != int64(len(exp)) {
		t.Fatalf("got size %d, expected %d", mw.Size, len(exp))
	}
	if mw.Has8bit {
		t.Fatalf("unexpected 8bit data")
	}
}
