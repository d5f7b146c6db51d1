// Package mocks provides in-memory implementations of the protocol
// core's collaborator interfaces for tests.
package mocks

import (
	"context"
	"crypto"
	"crypto/x509"
	"sync"
	"time"

	"github.com/letsencrypt/chocolate/core"
	berrors "github.com/letsencrypt/chocolate/errors"
)

type sessionRecord struct {
	created    time.Time
	live       bool
	state      core.SessionState
	csr        string
	names      []string
	challenges []core.Challenge
}

// Storage is a map-backed core.SessionStorage.
type Storage struct {
	mu       sync.Mutex
	sessions map[string]*sessionRecord
	active   []string
	pending  []string

	// Err, when set, is returned by every operation, simulating a
	// store outage.
	Err error

	// ChallengeCountOverride, when set, is reported instead of the
	// real challenge count, simulating count/record disagreement.
	ChallengeCountOverride *int
}

var _ core.SessionStorage = (*Storage)(nil)

// NewStorage returns an empty in-memory session store.
func NewStorage() *Storage {
	return &Storage{sessions: map[string]*sessionRecord{}}
}

func (s *Storage) CreateSession(_ context.Context, token string, created time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.sessions[token]; ok {
		return berrors.AlreadyExistsError("session %q already exists", token)
	}
	s.sessions[token] = &sessionRecord{created: created, live: true}
	s.active = append(s.active, token)
	return nil
}

func (s *Storage) SessionExists(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	_, ok := s.sessions[token]
	return ok, nil
}

func (s *Storage) SessionIsLive(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	rec, ok := s.sessions[token]
	return ok && rec.live, nil
}

func (s *Storage) SessionState(_ context.Context, token string) (core.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return core.StateUnset, s.Err
	}
	rec, ok := s.sessions[token]
	if !ok {
		return core.StateUnset, nil
	}
	return rec.state, nil
}

func (s *Storage) SessionCreated(_ context.Context, token string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return time.Time{}, s.Err
	}
	rec, ok := s.sessions[token]
	if !ok {
		return time.Time{}, berrors.NotFoundError("session %q not found", token)
	}
	return rec.created, nil
}

func (s *Storage) SessionCSR(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	rec, ok := s.sessions[token]
	if !ok || rec.csr == "" {
		return "", berrors.NotFoundError("no signing request stored for session %q", token)
	}
	return rec.csr, nil
}

func (s *Storage) SessionNames(_ context.Context, token string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	rec, ok := s.sessions[token]
	if !ok {
		return nil, nil
	}
	return append([]string{}, rec.names...), nil
}

func (s *Storage) KillSession(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	rec, ok := s.sessions[token]
	if ok {
		rec.live = false
	}
	s.active = remove(s.active, token)
	return nil
}

func (s *Storage) DestroySession(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.sessions, token)
	s.active = remove(s.active, token)
	s.pending = remove(s.pending, token)
	return nil
}

func (s *Storage) AcceptSigningRequest(_ context.Context, token string, csr string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	rec, ok := s.sessions[token]
	if !ok {
		return berrors.NotFoundError("session %q not found", token)
	}
	if rec.state != core.StateUnset {
		return berrors.AlreadyExistsError("session %q already has a signing request", token)
	}
	rec.csr = csr
	rec.names = append([]string{}, names...)
	rec.state = core.StateMakeChallenge
	s.pending = append(s.pending, token)
	return nil
}

func (s *Storage) ChallengeCount(_ context.Context, token string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	if s.ChallengeCountOverride != nil {
		return *s.ChallengeCountOverride, nil
	}
	rec, ok := s.sessions[token]
	if !ok {
		return 0, nil
	}
	return len(rec.challenges), nil
}

func (s *Storage) Challenge(_ context.Context, token string, i int) (core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return core.Challenge{}, s.Err
	}
	rec, ok := s.sessions[token]
	if !ok || i < 0 || i >= len(rec.challenges) {
		return core.Challenge{}, berrors.InternalServerError("challenge %d of session %q is missing despite recorded count", i, token)
	}
	return rec.challenges[i], nil
}

func (s *Storage) ActiveSessions(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]string{}, s.active...), nil
}

func (s *Storage) PendingChallengeSessions(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]string{}, s.pending...), nil
}

// AddChallenge stages a challenge record the way the external daemon
// would.
func (s *Storage) AddChallenge(token string, chall core.Challenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[token]
	if ok {
		rec.challenges = append(rec.challenges, chall)
	}
}

// SetState forces a session's state, standing in for the external
// daemon's transitions.
func (s *Storage) SetState(token string, state core.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[token]
	if ok {
		rec.state = state
	}
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// CSRAuthority is a scriptable core.CSRAuthority. The zero value
// accepts everything and reports the names in Names.
type CSRAuthority struct {
	// ParseErr, POPErr, and KeyErr, when set, fail the corresponding
	// check.
	ParseErr error
	POPErr   error
	KeyErr   error

	// Names is what SubjectNames reports.
	Names []string

	// Rejected names fail WillingToIssue.
	Rejected map[string]bool
}

var _ core.CSRAuthority = (*CSRAuthority)(nil)

func (a *CSRAuthority) Parse(string) (*x509.CertificateRequest, error) {
	if a.ParseErr != nil {
		return nil, a.ParseErr
	}
	return &x509.CertificateRequest{}, nil
}

func (a *CSRAuthority) VerifyPOP(*x509.CertificateRequest, int64, string, string, []byte) error {
	return a.POPErr
}

func (a *CSRAuthority) GoodKey(crypto.PublicKey) error {
	return a.KeyErr
}

func (a *CSRAuthority) SubjectNames(*x509.CertificateRequest) []string {
	return append([]string{}, a.Names...)
}

func (a *CSRAuthority) WillingToIssue(name string) error {
	if a.Rejected[name] {
		return berrors.MalformedError("policy forbids issuing for name")
	}
	return nil
}
