// Package dns parses internationalized host names (IDNA) and provides a
// logging, metrics-keeping resolver with cancellable lookups, used for
// connecting to IMAP servers.
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

// Domain is a host name with an ASCII representation, and for IDNA names a
// unicode representation. The ASCII string must be used for lookups and as TLS
// server name.
type Domain struct {
	// A non-unicode domain, e.g. with A-labels (xn--...). Always in lower case.
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

// String returns a human-readable string. For IDNA names, the string contains
// both the unicode and ASCII name.
func (d Domain) String() string {
	if d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode + "/" + d.ASCII
}

// IsZero returns if this is an empty Domain.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// ParseDomain parses a host name consisting of ASCII-only labels or U-labels.
// Names are IDN-canonicalized and lower-cased.
func ParseDomain(s string) (Domain, error) {
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

// IsNotFound returns whether an error is a DNS error with IsNotFound set.
func IsNotFound(err error) bool {
	var dnsErr *net.DNSError
	var adnsErr *adns.DNSError
	return err != nil && (errors.As(err, &dnsErr) && dnsErr.IsNotFound || errors.As(err, &adnsErr) && adnsErr.IsNotFound)
}
