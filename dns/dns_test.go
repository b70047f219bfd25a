package dns

import (
	"errors"
	"testing"
)

func TestParseDomain(t *testing.T) {
	test := func(lax bool, s string, exp Domain, expErr error) {
		t.Helper()
		var dom Domain
		var err error
		if lax {
			dom, err = ParseDomainLax(s)
		} else {
			dom, err = ParseDomain(s)
		}
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parse domain %q: err %v, expected %v", s, err, expErr)
		}
		if expErr == nil && dom != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, dom, exp)
		}
	}

	// We rely on normalization of names throughout the code base.
	test(false, "mint.example", Domain{"mint.example", ""}, nil)
	test(false, "MINT.EXAMPLE", Domain{"mint.example", ""}, nil)
	test(false, "TEST☺.MINT.EXAMPLE", Domain{"xn--test-3o3b.mint.example", "test☺.mint.example"}, nil)
	test(false, "mint.example.", Domain{}, errTrailingDot)
	test(false, "", Domain{}, errEmptyDomain)
	test(true, "", Domain{}, errEmptyDomain)

	// Underscores only pass in lax mode, for MX targets in the wild.
	if _, err := ParseDomain("_underscore.mint.example"); err == nil {
		t.Fatalf("parse domain with underscore: expected error")
	}
	test(true, "_underscore.mint.EXAMPLE", Domain{ASCII: "_underscore.mint.example"}, nil)
	test(true, "trailing_.mint.example", Domain{ASCII: "trailing_.mint.example"}, nil)
	if _, err := ParseDomainLax("_underscore.☺.mint.example"); err == nil {
		t.Fatalf("parse non-ascii lax domain with underscore: expected error")
	}
}
