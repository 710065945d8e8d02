// Package dns parses and canonicalizes domain names (with IDNA/punycode
// support) and defines the Resolver interface used throughout this module
// for DNSSEC-aware DNS lookups.
package dns

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/net/idna"

	"github.com/mjl-/adns"
)

var errTrailingDot = errors.New("dns name has trailing dot")

// Domain is a domain name, with at least an ASCII representation, and for
// IDNA non-ASCII domains a unicode representation too. The ASCII string must
// be used for DNS lookups.
type Domain struct {
	// A non-unicode domain, e.g. with A-labels (xn--...). Always lower case.
	ASCII string

	// Name as U-labels. Empty if this is an ASCII-only domain.
	Unicode string
}

// Name returns the unicode name if set, otherwise the ASCII name.
func (d Domain) Name() string {
	if d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// String returns a human-readable string. For IDNA names, the string
// contains both the unicode and ASCII name.
func (d Domain) String() string {
	if d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode + "/" + d.ASCII
}

// IsZero returns whether this is an empty Domain.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// ParseDomain parses a domain name that can consist of ASCII-only labels or
// U-labels (unicode). The name is IDN-canonicalized and lower-cased.
//
// Characters in unicode can be replaced by visually equivalent ones, e.g.
// "ℂᵤⓇℒ" to "curl". Callers should compare parsed domains, never raw strings.
func ParseDomain(s string) (Domain, error) {
	if s == "" {
		return Domain{}, errors.New("dns: empty domain name")
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
		return Domain{ASCII: ascii}, nil
	}
	return Domain{ASCII: ascii, Unicode: unicode}, nil
}

var errUnderscore = errors.New("dns: underscore in domain with non-ascii label")

// ParseDomainLax is like ParseDomain, but additionally accepts labels that
// contain underscores as long as the whole name stays ASCII-only. Some mail
// hosts are configured with underscores in their host name; RFC 952/1123
// disallow it, but MX targets found in the wild sometimes use it anyway, and
// rejecting them outright breaks delivery that would otherwise work fine.
func ParseDomainLax(s string) (Domain, error) {
	d, err := ParseDomain(s)
	if err == nil || !strings.Contains(s, "_") {
		return d, err
	}

	ascii := true
	for _, r := range s {
		if r > unicode.MaxASCII {
			ascii = false
			break
		}
	}
	if !ascii {
		return Domain{}, errUnderscore
	}

	labels := strings.Split(strings.ToLower(s), ".")
	for _, label := range labels {
		if label == "" {
			return Domain{}, fmt.Errorf("to ascii: empty label")
		}
		for _, c := range label {
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
				return Domain{}, fmt.Errorf("to ascii: invalid character %q", c)
			}
		}
	}
	return Domain{ASCII: strings.ToLower(s)}, nil
}

// IsNotFound returns whether err is a *adns.DNSError (or wraps one) with
// IsNotFound set, meaning the requested record type does not exist for the
// name (NXDOMAIN or a success response with zero records). It does not mean
// no records of any type exist for the name.
func IsNotFound(err error) bool {
	var dnsErr *adns.DNSError
	return err != nil && errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// IsTemporary returns whether err is a *adns.DNSError (or wraps one) marked
// temporary or timed out, e.g. SERVFAIL or a resolver timeout. These are
// distinct from IsNotFound: a temporary error means the answer could not be
// obtained at all, not that the name authoritatively lacks the record.
func IsTemporary(err error) bool {
	var dnsErr *adns.DNSError
	return err != nil && errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout)
}
