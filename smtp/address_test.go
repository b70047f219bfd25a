package smtp

import (
	"errors"
	"testing"
)

func TestParseLocalpart(t *testing.T) {
	good := func(s string) {
		t.Helper()
		if _, err := ParseLocalpart(s); err != nil {
			t.Fatalf("unexpected error for localpart %q: %v", s, err)
		}
	}
	bad := func(s string) {
		t.Helper()
		_, err := ParseLocalpart(s)
		if err == nil {
			t.Fatalf("did not see expected error for localpart %q", s)
		}
		if !errors.Is(err, ErrBadLocalpart) {
			t.Fatalf("expected ErrBadLocalpart for %q, got %v", s, err)
		}
	}

	good("user")
	good("a")
	good("a.b.c")
	good(`""`)
	good(`"ok"`)
	good(`"a.bc"`)
	bad("")
	bad(`"`)          // Missing closing dquote.
	bad("\x00")       // Control character.
	bad("\"\\")       // Ends with backslash.
	bad("\"\x01")     // Control in quoted string.
	bad(`""leftover`) // Data after closing dquote.
}

func TestParseAddress(t *testing.T) {
	good := func(s string) {
		t.Helper()
		if _, err := ParseAddress(s); err != nil {
			t.Fatalf("unexpected error for address %q: %v", s, err)
		}
	}
	bad := func(s string) {
		t.Helper()
		_, err := ParseAddress(s)
		if err == nil {
			t.Fatalf("did not see expected error for address %q", s)
		}
		if !errors.Is(err, ErrBadAddress) {
			t.Fatalf("expected ErrBadAddress for %q, got %v", s, err)
		}
	}

	good("user@mint.example")
	good(`"user"@mint.example`)
	good("user@0.0.0.0") // IP-like domains parse as names.
	bad("user")
	bad("user@")
	bad("@mint.example")
	bad("user@mint.example.") // Trailing dot.
	bad("user@.mint.example")
	bad("\"\x01\"@mint.example")
}

func TestAddressPack(t *testing.T) {
	lp, err := ParseLocalpart("!#$%&'*+-/=?^_`{|}~.x")
	if err != nil {
		t.Fatalf("parsing atext localpart: %v", err)
	}
	if s := lp.String(); s != "!#$%&'*+-/=?^_`{|}~.x" {
		t.Fatalf("atext localpart should not be quoted, got %q", s)
	}

	lp, err = ParseLocalpart(`"a b"`)
	if err != nil {
		t.Fatalf("parsing quoted localpart: %v", err)
	}
	if s := lp.String(); s != `"a b"` {
		t.Fatalf("localpart with space should be quoted, got %q", s)
	}
}
