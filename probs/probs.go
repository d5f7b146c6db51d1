// Package probs defines the client-visible failure causes of the
// chocolate protocol and the stable diagnostic URIs that accompany
// them.
package probs

import "fmt"

// Cause classifies a protocol failure for the client.
type Cause string

const (
	BadRequest          = Cause("BadRequest")
	UnsupportedVersion  = Cause("UnsupportedVersion")
	BadCSR              = Cause("BadCSR")
	BadSignature        = Cause("BadSignature")
	UnsafeKey           = Cause("UnsafeKey")
	CannotIssueThatName = Cause("CannotIssueThatName")
	StaleRequest        = Cause("StaleRequest")
	AbandonedRequest    = Cause("AbandonedRequest")
	InternalError       = Cause("InternalError")
)

// failureBaseURL is the prefix of every diagnostic URI. The pages it
// names are served out-of-band; the protocol only ever emits the URIs.
const failureBaseURL = "https://ca.example.com/failures/"

// Failure is the failure block of a wire message: a cause, optionally
// accompanied by a diagnostic URI.
type Failure struct {
	Cause Cause  `json:"cause"`
	URI   string `json:"uri,omitempty"`
}

func (f *Failure) Error() string {
	if f.URI == "" {
		return string(f.Cause)
	}
	return fmt.Sprintf("%s :: %s", f.Cause, f.URI)
}

// New returns a Failure with no diagnostic URI.
func New(cause Cause) *Failure {
	return &Failure{Cause: cause}
}

// IllegalSession indicates a session token that fails the session
// character/length policy. The token is never echoed into the URI.
func IllegalSession() *Failure {
	return &Failure{Cause: BadRequest, URI: failureBaseURL + "illegalsession"}
}

// MissingRequest indicates a first message with no signing request.
// Making a signing request at the outset of a session is mandatory.
func MissingRequest() *Failure {
	return &Failure{Cause: BadRequest, URI: failureBaseURL + "missingrequest"}
}

// PriorRequest indicates a signing request in a session that already
// has one. Signing requests occur together at the start of a session.
func PriorRequest() *Failure {
	return &Failure{Cause: BadRequest, URI: failureBaseURL + "priorrequest"}
}

// IllegalCharacter indicates a recipient or CSR field that fails its
// character allow-list.
func IllegalCharacter() *Failure {
	return &Failure{Cause: BadRequest, URI: failureBaseURL + "illegalcharacter"}
}

// BadTime indicates a signing-request timestamp in the future or too
// far in the past.
func BadTime() *Failure {
	return &Failure{Cause: BadRequest, URI: failureBaseURL + "time"}
}

// WrongRecipient indicates a signing request addressed to some other
// CA.
func WrongRecipient() *Failure {
	return &Failure{Cause: BadRequest, URI: failureBaseURL + "recipient"}
}

// RejectedName indicates a subject name this CA will not issue for. The
// offending name is carried as a query parameter; callers must have
// validated it against the hostname allow-list first.
func RejectedName(name string) *Failure {
	return &Failure{Cause: CannotIssueThatName, URI: failureBaseURL + "name?" + name}
}

// RequestInExistingSession indicates a signing request sent after the
// start of a session.
func RequestInExistingSession() *Failure {
	return &Failure{Cause: BadRequest, URI: failureBaseURL + "requestinexistingsession"}
}

// UninitializedSession indicates a live session with no recorded state,
// which should not be possible.
func UninitializedSession() *Failure {
	return &Failure{Cause: BadRequest, URI: failureBaseURL + "uninitializedsession"}
}

// Internal indicates a state-machine inconsistency on the server side.
func Internal() *Failure {
	return &Failure{Cause: BadRequest, URI: failureBaseURL + "internalerror"}
}
