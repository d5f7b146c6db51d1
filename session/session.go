// Package session provides the session entity: a thin handle over the
// session storage interface that carries the token and implements the
// lifecycle operations the protocol engine calls.
package session

import (
	"context"
	"time"

	"github.com/letsencrypt/chocolate/core"
	berrors "github.com/letsencrypt/chocolate/errors"
)

// Session is a handle on one issuance session. ID is empty until a
// token has been assigned; several operations tolerate that, because
// failure handling can occur before a token exists.
type Session struct {
	// ID is the session token, 64 lowercase hex digits, or empty.
	ID string

	store core.SessionStorage
}

// New returns a handle bound to the given token, which may be empty.
func New(store core.SessionStorage, token string) *Session {
	return &Session{ID: token, store: store}
}

// Exists reports whether the token names any session.
func (s *Session) Exists(ctx context.Context) (bool, error) {
	return s.store.SessionExists(ctx, s.ID)
}

// Live reports whether the session exists and may still act.
func (s *Session) Live(ctx context.Context) (bool, error) {
	return s.store.SessionIsLive(ctx, s.ID)
}

// State returns the session's workflow state.
func (s *Session) State(ctx context.Context) (core.SessionState, error) {
	return s.store.SessionState(ctx, s.ID)
}

// Create initializes the session at the given time. An AlreadyExists
// error means the token is in use; with 256-bit tokens that signals a
// store or RNG defect, never a routine collision, and the caller must
// treat it as fatal rather than retry with the same token.
func (s *Session) Create(ctx context.Context, now time.Time) error {
	return s.store.CreateSession(ctx, s.ID, now)
}

// Kill marks the session dead. A session with no token cannot be
// killed, and that is not an error: failures before token assignment
// route through here too.
func (s *Session) Kill(ctx context.Context) error {
	if s.ID == "" {
		return nil
	}
	return s.store.KillSession(ctx, s.ID)
}

// Destroy removes the session entirely. The request-handling path
// never calls this; it exists for maintenance.
func (s *Session) Destroy(ctx context.Context) error {
	return s.store.DestroySession(ctx, s.ID)
}

// Age returns the session's age at now, in whole seconds.
func (s *Session) Age(ctx context.Context, now time.Time) (int64, error) {
	created, err := s.store.SessionCreated(ctx, s.ID)
	if err != nil {
		return 0, err
	}
	return now.Unix() - created.Unix(), nil
}

// RequestMade reports whether a signing request has already been made
// in this session, i.e. whether state has left unset.
func (s *Session) RequestMade(ctx context.Context) (bool, error) {
	state, err := s.store.SessionState(ctx, s.ID)
	if err != nil {
		return false, err
	}
	return state != core.StateUnset, nil
}

// AcceptSigningRequest records the session's one signing request and
// enqueues the session for challenge generation. Callers guard with
// RequestMade; the storage authority independently refuses a second
// acceptance.
func (s *Session) AcceptSigningRequest(ctx context.Context, csr string, names []string) error {
	return s.store.AcceptSigningRequest(ctx, s.ID, csr, names)
}

// Challenges returns an iterator over the session's challenge records.
// The count is read once, up front; the records are then fetched by
// index as the iterator advances. The iterator is finite and cannot be
// restarted.
func (s *Session) Challenges(ctx context.Context) (*ChallengeIter, error) {
	n, err := s.store.ChallengeCount(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	return &ChallengeIter{ctx: ctx, sess: s, count: n, next: 0}, nil
}

// ChallengeIter iterates a session's challenges. Usage:
//
//	for iter.Next() {
//		c := iter.Challenge()
//		...
//	}
//	if iter.Err() != nil { ... }
//
// A record missing underneath the previously-read count stops the
// iteration with an InternalServer error; concurrent mutation by the
// challenge daemon is a defect to surface, not to paper over.
type ChallengeIter struct {
	ctx   context.Context
	sess  *Session
	count int
	next  int
	cur   core.Challenge
	err   error
}

// Next advances to the next challenge, returning false at the end of
// the sequence or on error.
func (it *ChallengeIter) Next() bool {
	if it.err != nil || it.next >= it.count {
		return false
	}
	chall, err := it.sess.store.Challenge(it.ctx, it.sess.ID, it.next)
	if err != nil {
		if berrors.Is(err, berrors.NotFound) {
			err = berrors.InternalServerError(
				"challenge %d of session %q vanished mid-iteration", it.next, it.sess.ID)
		}
		it.err = err
		return false
	}
	it.cur = chall
	it.next++
	return true
}

// Challenge returns the record the last successful Next landed on.
func (it *ChallengeIter) Challenge() core.Challenge {
	return it.cur
}

// Err returns the error that stopped iteration, if any.
func (it *ChallengeIter) Err() error {
	return it.err
}
