// Package safe implements the character-class allow-lists applied to
// every client-supplied field before it is stored, logged, or echoed
// back in a diagnostic URI. A single disallowed character anywhere in a
// value rejects the whole value; there are no partial matches.
package safe

import "strings"

// What identifies which allow-list applies to a value.
type What string

const (
	// Session tokens: exactly 64 lowercase hex digits.
	Session = What("session")
	// Hostname covers subject names (CN and SANs).
	Hostname = What("hostname")
	// Recipient is the CA hostname the client addressed.
	Recipient = What("recipient")
	// CSR bodies: PEM text with LF line endings.
	CSR = What("csr")
)

const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// csrAlphabet additionally permits the space, pad, and dash characters
// that appear in PEM encapsulation boundaries.
const csrAlphabet = base64Alphabet + " =-"

// Check reports whether s satisfies the allow-list for the given field
// kind. The empty string is never acceptable, and unknown kinds always
// fail.
func Check(what What, s string) bool {
	if len(s) == 0 {
		// No validated string may be empty.
		return false
	}
	switch what {
	case Hostname, Recipient:
		for _, c := range []byte(s) {
			if !isAlphanumeric(c) && c != '-' && c != '.' {
				return false
			}
		}
		return true
	case CSR:
		// Lines are split on bare LF. A CRLF line ending leaves a CR on
		// the line, which is not in the alphabet, so CRLF is rejected.
		for _, line := range strings.Split(s, "\n") {
			for _, c := range []byte(line) {
				if !strings.ContainsRune(csrAlphabet, rune(c)) {
					return false
				}
			}
		}
		return true
	case Session:
		if len(s) != 64 {
			return false
		}
		for _, c := range []byte(s) {
			if !isLowerHex(c) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func isAlphanumeric(c byte) bool {
	return ('a' <= c && c <= 'z') ||
		('A' <= c && c <= 'Z') ||
		('0' <= c && c <= '9')
}

func isLowerHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f')
}
