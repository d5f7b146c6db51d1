package core

import "time"

// SessionState describes how far a session has progressed through the
// issuance workflow. States only ever move forward, and a session's
// state never advances again once the session is no longer live.
type SessionState string

const (
	// StateUnset is a session in which no signing request has been
	// received yet. It is represented by the absence of a stored state.
	StateUnset = SessionState("")
	// StateMakeChallenge means the signing request has been accepted
	// and the CA is still coming up with challenges.
	StateMakeChallenge = SessionState("makechallenge")
	// StateTestChallenge means challenges have been issued and the CA
	// is waiting for, or verifying, their completion.
	StateTestChallenge = SessionState("testchallenge")
	// StateIssue means the CA is in the process of issuing the
	// certificate.
	StateIssue = SessionState("issue")
	// StateDone means the certificate has been issued.
	StateDone = SessionState("done")
)

// stateOrder gives each state its position in the workflow so that
// transitions can be checked for monotonicity.
var stateOrder = map[SessionState]int{
	StateUnset:         0,
	StateMakeChallenge: 1,
	StateTestChallenge: 2,
	StateIssue:         3,
	StateDone:          4,
}

// Known reports whether s is one of the defined workflow states.
func (s SessionState) Known() bool {
	_, ok := stateOrder[s]
	return ok
}

// Advances reports whether a transition from s to next moves strictly
// forward through the workflow. Transitions between unknown states
// never advance.
func (s SessionState) Advances(next SessionState) bool {
	a, okA := stateOrder[s]
	b, okB := stateOrder[next]
	return okA && okB && b > a
}

// Challenge is one domain-validation challenge belonging to a session.
// Challenges are created by the external challenge daemon; the core
// only reads them back to report status.
type Challenge struct {
	// Type identifies the challenge method.
	Type int
	// Name is the hostname the challenge attests.
	Name string
	// Data is the challenge payload or nonce.
	Data []byte
	// Satisfied is the client's claim that the challenge is complete.
	Satisfied bool
	// Succeeded is the server-verified outcome.
	Succeeded bool
	// Created is when the challenge was generated, for the separate
	// challenge-expiry window.
	Created time.Time
}
