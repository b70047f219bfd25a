// Package dns helps parse internationalized domain names (IDNA),
// canonicalizes names and provides a strict logging DNS resolver used for MX
// resolution during remote delivery.
package dns

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"

	"github.com/mjl-/adns"
)

var errTrailingDot = errors.New("dns name has trailing dot")
var errEmptyDomain = errors.New("empty domain name")

// Domain is a domain name with at least an ASCII representation, and for
// IDNA non-ASCII domains a unicode representation. The ASCII form must be
// used for DNS lookups.
type Domain struct {
	// Without unicode, e.g. with A-labels (xn--...) or NR-LDH labels. Always
	// lower case.
	ASCII string

	// Name as U-labels. Empty for ASCII-only domains.
	Unicode string
}

// Name returns the unicode name if set, otherwise the ASCII name.
func (d Domain) Name() string {
	if d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// XName is like Name, but only returns the unicode name when utf8 is true.
func (d Domain) XName(utf8 bool) string {
	if utf8 && d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// ASCIIExtra returns the ASCII version of the domain name if smtputf8 is
// true and this is a unicode name, for adding the punycode name in a comment
// in message headers.
func (d Domain) ASCIIExtra(smtputf8 bool) string {
	if smtputf8 && d.Unicode != "" {
		return d.ASCII
	}
	return ""
}

// String returns a human-readable string. For IDNA names it holds both the
// unicode and ASCII name.
func (d Domain) String() string {
	return d.LogString()
}

// LogString returns a domain for logging, with both names for IDNA domains.
func (d Domain) LogString() string {
	if d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode + "/" + d.ASCII
}

// IsZero returns if this is an empty Domain.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// ParseDomain parses a domain name of ASCII-only labels or U-labels.
// Names are IDNA-canonicalized and lower-cased. Only compare parsed domains,
// never strings directly: canonicalization can replace unicode characters by
// equivalents.
func ParseDomain(s string) (Domain, error) {
	if s == "" {
		// The idna lookup profile accepts the empty string.
		return Domain{}, errEmptyDomain
	}
	if strings.HasSuffix(s, ".") {
		return Domain{}, errTrailingDot
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to ascii: %w", err)
	}
	unicode, err := idna.Lookup.ToUnicode(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to unicode: %w", err)
	}
	if ascii == unicode {
		return Domain{ascii, ""}, nil
	}
	return Domain{ascii, unicode}, nil
}

// ParseDomainLax is like ParseDomain, but also accepts underscores in
// labels, as seen in MX targets in the wild.
func ParseDomainLax(s string) (Domain, error) {
	if !strings.Contains(s, "_") {
		return ParseDomain(s)
	}

	// Replace underscores before canonicalization, put them back afterwards.
	// The replacement must keep the label valid, a leading or trailing
	// hyphen would not, so substitute a letter.
	repl := strings.ReplaceAll(s, "_", "a")
	d, err := ParseDomain(repl)
	if err != nil {
		return Domain{}, fmt.Errorf("parsing domain with underscores: %w", err)
	}
	// If the canonical form has changed besides the underscores, we stay
	// strict and refuse the name.
	if d.Unicode != "" || d.ASCII != strings.ToLower(repl) {
		return Domain{}, fmt.Errorf("invalid non-ascii domain with underscores")
	}
	return Domain{ASCII: strings.ToLower(s)}, nil
}

// IsNotFound returns whether an error is an adns.DNSError or net.DNSError
// with IsNotFound set: the name exists for no resource record type at all
// (nxdomain), or exists but not for the requested type (nodata). The Go
// resolvers return IsNotFound for both, no need to check for zero entries.
func IsNotFound(err error) bool {
	var adnsErr *adns.DNSError
	if err != nil && errors.As(err, &adnsErr) && adnsErr.IsNotFound {
		return true
	}
	var dnsErr *net.DNSError
	return err != nil && errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
