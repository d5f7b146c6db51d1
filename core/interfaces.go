package core

import (
	"context"
	"crypto"
	"crypto/x509"
	"time"
)

// SessionStorage is the interface the protocol core requires of its
// session persistence backend: per-session field reads and writes with
// the atomicity described on each method, plus two ordered work queues.
// Implementations must return errors from the errors package so that
// "does not exist" is distinguishable from "store failure".
type SessionStorage interface {
	// CreateSession atomically checks that token is unused and
	// initializes it with the given creation time, live, and registered
	// on the active-sessions queue. If the token already exists it
	// returns an AlreadyExists error and changes nothing.
	CreateSession(ctx context.Context, token string, created time.Time) error

	// SessionExists reports whether the token names any session, live
	// or dead.
	SessionExists(ctx context.Context, token string) (bool, error)

	// SessionIsLive reports whether the token names a session that is
	// still permitted to act. A nonexistent session is not live.
	SessionIsLive(ctx context.Context, token string) (bool, error)

	// SessionState returns the session's workflow state. A session with
	// no signing request yet has StateUnset.
	SessionState(ctx context.Context, token string) (SessionState, error)

	// SessionCreated returns the session's immutable creation time.
	SessionCreated(ctx context.Context, token string) (time.Time, error)

	// SessionCSR returns the raw signing-request body stored for the
	// session.
	SessionCSR(ctx context.Context, token string) (string, error)

	// SessionNames returns the requested hostnames, in request order.
	SessionNames(ctx context.Context, token string) ([]string, error)

	// KillSession marks the session dead and removes it from the
	// active-sessions queue. The session's state is retained.
	KillSession(ctx context.Context, token string) error

	// DestroySession removes the session and its queue entries
	// entirely. Only external maintenance calls this.
	DestroySession(ctx context.Context, token string) error

	// AcceptSigningRequest records the session's one allowed signing
	// request: it writes the CSR and names, moves the state from unset
	// to makechallenge, and enqueues the token for challenge
	// generation. The state transition is the atomic commit point; if
	// the session already has a state, AcceptSigningRequest returns an
	// AlreadyExists error without enqueueing anything.
	AcceptSigningRequest(ctx context.Context, token string, csr string, names []string) error

	// ChallengeCount returns how many challenges the external daemon
	// has recorded for the session.
	ChallengeCount(ctx context.Context, token string) (int, error)

	// Challenge returns the i'th challenge record. A record missing
	// below ChallengeCount is an InternalServer error, not a skip.
	Challenge(ctx context.Context, token string, i int) (Challenge, error)

	// ActiveSessions lists live session tokens. Consumed only by the
	// external expiry sweep.
	ActiveSessions(ctx context.Context) ([]string, error)

	// PendingChallengeSessions lists tokens awaiting challenge
	// generation. Consumed only by the external challenge daemon.
	PendingChallengeSessions(ctx context.Context) ([]string, error)
}

// CSRAuthority is the external CSR-policy collaborator: certificate
// request parsing, proof-of-possession verification, and the key and
// name policy decisions.
type CSRAuthority interface {
	// Parse decodes and structurally validates a CSR body.
	Parse(csr string) (*x509.CertificateRequest, error)

	// VerifyPOP checks the proof-of-possession signature over the
	// canonical signing string, under the public key embedded in the
	// parsed CSR.
	VerifyPOP(parsed *x509.CertificateRequest, timestamp int64, recipient string, csr string, sig []byte) error

	// GoodKey decides whether the CSR's public key is strong enough to
	// certify.
	GoodKey(key crypto.PublicKey) error

	// SubjectNames extracts the CN and SANs the request asks for, in
	// order, deduplicated.
	SubjectNames(parsed *x509.CertificateRequest) []string

	// WillingToIssue decides whether this CA may sign for the name.
	WillingToIssue(name string) error
}
