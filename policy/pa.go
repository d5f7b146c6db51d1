// Package policy implements the name policy: whether this CA is
// willing to sign a certificate covering a given hostname.
package policy

import (
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/weppos/publicsuffix-go/publicsuffix"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"

	berrors "github.com/letsencrypt/chocolate/errors"
)

const (
	maxHostnameLength = 253
	maxLabelLength    = 63
	maxLabels         = 10
)

var dnsLabelRegexp = regexp.MustCompile("^[a-z0-9][a-z0-9-]{0,62}$")
var punycodeRegexp = regexp.MustCompile("^xn--")
var idnReservedRegexp = regexp.MustCompile("^[a-z0-9]{2}--")

func isDNSCharacter(ch byte) bool {
	return ('a' <= ch && ch <= 'z') ||
		('A' <= ch && ch <= 'Z') ||
		('0' <= ch && ch <= '9') ||
		ch == '.' || ch == '-'
}

var (
	errNonPublic           = berrors.MalformedError("name does not end in a public suffix")
	errICANNTLD            = berrors.MalformedError("name is an ICANN TLD")
	errBlocked             = berrors.MalformedError("policy forbids issuing for name")
	errInvalidDNSCharacter = berrors.MalformedError("invalid character in DNS name")
	errNameTooLong         = berrors.MalformedError("DNS name too long")
	errIPAddress           = berrors.MalformedError("issuance for IP addresses not supported")
	errTooManyLabels       = berrors.MalformedError("DNS name has too many labels")
	errEmptyName           = berrors.MalformedError("DNS name was empty")
	errNameEndsInDot       = berrors.MalformedError("DNS name ends in a period")
	errTooFewLabels        = berrors.MalformedError("DNS name does not have enough labels")
	errLabelTooShort       = berrors.MalformedError("DNS label is too short")
	errLabelTooLong        = berrors.MalformedError("DNS label is too long")
	errMalformedIDN        = berrors.MalformedError("DNS label contains malformed punycode")
	errInvalidRLDH         = berrors.MalformedError("DNS name contains a R-LDH label")
)

// Authority enforces the CA's name policy decisions.
type Authority struct {
	blockedSuffixes map[string]bool
	blockedExact    map[string]bool
	mu              sync.RWMutex
}

// New constructs a policy Authority with an empty blocklist.
func New() *Authority {
	return &Authority{
		blockedSuffixes: map[string]bool{},
		blockedExact:    map[string]bool{},
	}
}

// SetBlockedNames installs the blocklist. Entries in suffixes match the
// name itself and any subdomain; entries in exact match only the name.
func (pa *Authority) SetBlockedNames(suffixes, exact []string) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	pa.blockedSuffixes = map[string]bool{}
	for _, s := range suffixes {
		pa.blockedSuffixes[strings.ToLower(s)] = true
	}
	pa.blockedExact = map[string]bool{}
	for _, s := range exact {
		pa.blockedExact[strings.ToLower(s)] = true
	}
}

// WillingToIssue determines whether the CA is willing to issue for the
// provided hostname.
//
// We place several criteria on names we are willing to issue for:
//
//   - MUST contain only lowercase bytes in the DNS hostname character set
//   - MUST NOT have more than maxLabels labels
//   - MUST follow the DNS hostname syntax rules in RFC 1035 and RFC 2181
//   - MUST NOT contain underscores
//   - MUST NOT match the syntax of an IP address
//   - MUST end in a public suffix
//   - MUST have at least one label in addition to the public suffix
//   - MUST NOT be on, or under, the configured blocklist
func (pa *Authority) WillingToIssue(name string) error {
	if name == "" {
		return errEmptyName
	}

	for _, ch := range []byte(name) {
		if !isDNSCharacter(ch) {
			return errInvalidDNSCharacter
		}
	}

	if len(name) > maxHostnameLength {
		return errNameTooLong
	}

	if ip := net.ParseIP(name); ip != nil {
		return errIPAddress
	}

	if strings.HasSuffix(name, ".") {
		return errNameEndsInDot
	}

	domain := strings.ToLower(name)
	labels := strings.Split(domain, ".")
	if len(labels) > maxLabels {
		return errTooManyLabels
	}
	if len(labels) < 2 {
		return errTooFewLabels
	}
	for _, label := range labels {
		if len(label) < 1 {
			return errLabelTooShort
		}
		if len(label) > maxLabelLength {
			return errLabelTooLong
		}

		if !dnsLabelRegexp.MatchString(label) {
			return errInvalidDNSCharacter
		}

		if label[len(label)-1] == '-' {
			return errInvalidDNSCharacter
		}

		if punycodeRegexp.MatchString(label) {
			// We do not police script usage. As long as the name was
			// properly encoded, that is enough.
			ulabel, err := idna.ToUnicode(label)
			if err != nil {
				return errMalformedIDN
			}
			if !norm.NFKC.IsNormalString(ulabel) {
				return errMalformedIDN
			}
		} else if idnReservedRegexp.MatchString(label) {
			return errInvalidRLDH
		}
	}

	// Names must end in an ICANN TLD, but must not be equal to one.
	icannTLD, err := ianaSuffix(domain)
	if err != nil {
		return errNonPublic
	}
	if icannTLD == domain {
		return errICANNTLD
	}

	return pa.checkBlocklist(domain)
}

func (pa *Authority) checkBlocklist(domain string) error {
	pa.mu.RLock()
	defer pa.mu.RUnlock()
	if pa.blockedExact[domain] {
		return errBlocked
	}
	labels := strings.Split(domain, ".")
	for i := range labels {
		if pa.blockedSuffixes[strings.Join(labels[i:], ".")] {
			return errBlocked
		}
	}
	return nil
}

// ianaSuffix returns the public suffix of the domain using only the
// "ICANN domains" section of the public suffix list.
func ianaSuffix(name string) (string, error) {
	rule := publicsuffix.DefaultList.Find(name, &publicsuffix.FindOptions{IgnorePrivate: true, DefaultRule: nil})
	if rule == nil {
		return "", berrors.MalformedError("domain %q has no IANA TLD", name)
	}
	suffix := rule.Decompose(name)[1]
	if suffix == "" {
		// If the suffix is empty, the domain is itself a suffix.
		suffix = name
	}
	return suffix, nil
}
