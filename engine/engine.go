// Package engine implements the chocolate protocol state machine: a
// pipeline of guarded stages over a response message that carries at
// most one failure. Every stage's first action is to check whether a
// failure has already been recorded and, if so, return without further
// mutation, so a late stage can never overwrite the cause an early
// stage recorded.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/letsencrypt/chocolate/core"
	berrors "github.com/letsencrypt/chocolate/errors"
	blog "github.com/letsencrypt/chocolate/log"
	"github.com/letsencrypt/chocolate/probs"
	"github.com/letsencrypt/chocolate/safe"
	"github.com/letsencrypt/chocolate/session"
	"github.com/letsencrypt/chocolate/wire"
)

// Config holds the protocol policy knobs.
type Config struct {
	// CAHostname is this CA's canonical hostname. Signing requests must
	// name it exactly as their recipient.
	CAHostname string

	// MaxSessionAge is how old a session may grow before its next
	// contact is refused as stale. Expiry is lazy: nothing fires when
	// the deadline passes, the session dies when next touched.
	MaxSessionAge time.Duration

	// MaxRequestAge is how far in the past a signing-request timestamp
	// may lie.
	MaxRequestAge time.Duration

	// PollDelay is the hint, in seconds, telling clients how long to
	// wait before polling again.
	PollDelay int
}

// Engine handles decoded protocol messages. It is a synchronous
// computation from (message, store) to (response, store mutations);
// all cross-request atomicity is the store's responsibility.
type Engine struct {
	store core.SessionStorage
	csr   core.CSRAuthority
	clk   clock.Clock
	log   blog.Logger
	cfg   Config

	// PuzzleCheck, when set, runs after the cheap request validation
	// and before any CSR processing. Returning a failure rejects the
	// request. It exists as the hook for a future client-puzzle
	// anti-abuse scheme.
	PuzzleCheck func(ctx context.Context, m *wire.Message) *probs.Failure

	requests *prometheus.CounterVec
}

// New constructs an Engine.
func New(store core.SessionStorage, csr core.CSRAuthority, clk clock.Clock, logger blog.Logger, stats prometheus.Registerer, cfg Config) *Engine {
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chocolate_requests",
			Help: "Count of protocol requests handled, labeled by outcome cause",
		},
		[]string{"outcome"},
	)
	stats.MustRegister(requests)

	return &Engine{
		store:    store,
		csr:      csr,
		clk:      clk,
		log:      logger,
		cfg:      cfg,
		requests: requests,
	}
}

// Handle runs one inbound message through the pipeline and returns the
// response. It never returns nil, and the returned message carries at
// most one failure.
func (e *Engine) Handle(ctx context.Context, m *wire.Message) *wire.Message {
	r := &wire.Message{Version: wire.Version}

	if m.Version != wire.Version {
		r.Fail(probs.New(probs.UnsupportedVersion))
	}

	sess := session.New(e.store, "")
	e.handleClientFailure(ctx, m, r, sess)
	e.handleSession(ctx, m, r, sess)

	outcome := "ok"
	if r.Failed() {
		outcome = string(r.Failure.Cause)
	}
	e.requests.With(prometheus.Labels{"outcome": outcome}).Inc()
	return r
}

// handleClientFailure deals with a client that is abandoning its
// request: the session, if one resolves, is killed, and no other stage
// runs.
func (e *Engine) handleClientFailure(ctx context.Context, m *wire.Message, r *wire.Message, sess *session.Session) {
	if r.Failed() {
		return
	}
	if !m.ClientFailure {
		return
	}
	if safe.Check(safe.Session, m.Session) {
		sess.ID = m.Session
		r.Session = m.Session
	}
	e.die(ctx, r, sess, probs.New(probs.AbandonedRequest))
}

// handleSession resolves or creates the session and dispatches to the
// new- or existing-session stage.
func (e *Engine) handleSession(ctx context.Context, m *wire.Message, r *wire.Message, sess *session.Session) {
	if r.Failed() {
		return
	}

	if m.Session == "" {
		// New session.
		token := core.NewToken()
		sess.ID = token
		r.Session = token

		exists, err := sess.Exists(ctx)
		if err != nil {
			e.internalError(r, "checking new session token", err)
			return
		}
		if exists {
			// With 256 bits of entropy this is unreachable unless the
			// store or the RNG is broken. Refuse the token rather than
			// reuse someone's session.
			e.log.AuditErr(fmt.Sprintf("new random session already existed: %s", token))
			r.Fail(probs.Internal())
			return
		}
		err = sess.Create(ctx, e.clk.Now())
		if err != nil {
			if berrors.Is(err, berrors.AlreadyExists) {
				e.log.AuditErr(fmt.Sprintf("new random session lost creation race: %s", token))
			}
			e.internalError(r, "creating session", err)
			return
		}
		e.handleNewSession(ctx, m, r, sess)
		return
	}

	if !safe.Check(safe.Session, m.Session) {
		// The token is not trusted: it is neither adopted as the
		// current session nor echoed anywhere but the (already
		// client-known) response field.
		r.Fail(probs.IllegalSession())
		return
	}
	sess.ID = m.Session
	r.Session = m.Session

	live, err := sess.Live(ctx)
	if err != nil {
		e.internalError(r, "checking session liveness", err)
		return
	}
	if !live {
		// Nonexistent or already dead: nothing further to kill.
		r.Fail(probs.New(probs.StaleRequest))
		return
	}

	age, err := sess.Age(ctx, e.clk.Now())
	if err != nil {
		e.internalError(r, "computing session age", err)
		return
	}
	if age > int64(e.cfg.MaxSessionAge.Seconds()) {
		e.die(ctx, r, sess, probs.New(probs.StaleRequest))
		return
	}

	e.handleExistingSession(ctx, m, r, sess)
}

// handleNewSession runs the signing-request validation pipeline. It is
// only reachable for a freshly created session, so any fatal failure
// kills that session: a single invalid step burns the session and the
// client starts over.
func (e *Engine) handleNewSession(ctx context.Context, m *wire.Message, r *wire.Message, sess *session.Session) {
	if r.Failed() {
		return
	}

	if m.Request == nil {
		// A signing request is mandatory at the outset of a session.
		e.die(ctx, r, sess, probs.MissingRequest())
		return
	}

	made, err := sess.RequestMade(ctx)
	if err != nil {
		e.internalError(r, "checking for prior request", err)
		return
	}
	if made {
		// Unreachable for a just-created session, but checked anyway:
		// signing requests happen together at the beginning.
		e.die(ctx, r, sess, probs.PriorRequest())
		return
	}

	if !safe.Check(safe.Recipient, m.Request.Recipient) || !safe.Check(safe.CSR, m.Request.CSR) {
		e.die(ctx, r, sess, probs.IllegalCharacter())
		return
	}

	now := e.clk.Now()
	ts := m.Request.Timestamp
	if ts > now.Unix() || now.Unix()-ts > int64(e.cfg.MaxRequestAge.Seconds()) {
		e.die(ctx, r, sess, probs.BadTime())
		return
	}

	if m.Request.Recipient != e.cfg.CAHostname {
		e.die(ctx, r, sess, probs.WrongRecipient())
		return
	}

	if e.PuzzleCheck != nil {
		f := e.PuzzleCheck(ctx, m)
		if f != nil {
			e.die(ctx, r, sess, f)
			return
		}
	}

	parsed, err := e.csr.Parse(m.Request.CSR)
	if err != nil {
		e.die(ctx, r, sess, probs.New(probs.BadCSR))
		return
	}

	err = e.csr.VerifyPOP(parsed, ts, m.Request.Recipient, m.Request.CSR, m.Request.Sig)
	if err != nil {
		e.die(ctx, r, sess, probs.New(probs.BadSignature))
		return
	}

	err = e.csr.GoodKey(parsed.PublicKey)
	if err != nil {
		e.die(ctx, r, sess, probs.New(probs.UnsafeKey))
		return
	}

	names := e.csr.SubjectNames(parsed)
	if len(names) == 0 {
		e.die(ctx, r, sess, probs.New(probs.BadCSR))
		return
	}
	for _, name := range names {
		// The CN is included here as well as the SANs. The first
		// offending name stops the scan.
		if !safe.Check(safe.Hostname, name) {
			// The name failed the allow-list, so it must not be echoed
			// into the diagnostic URI.
			e.die(ctx, r, sess, probs.New(probs.CannotIssueThatName))
			return
		}
		err = e.csr.WillingToIssue(name)
		if err != nil {
			e.die(ctx, r, sess, probs.RejectedName(name))
			return
		}
	}

	err = sess.AcceptSigningRequest(ctx, m.Request.CSR, names)
	if err != nil {
		if berrors.Is(err, berrors.AlreadyExists) {
			// A concurrent duplicate of this request won the commit
			// race. Reject this copy; nothing was double-enqueued.
			e.die(ctx, r, sess, probs.PriorRequest())
			return
		}
		e.internalError(r, "accepting signing request", err)
		return
	}

	// Challenge creation is delegated to the external daemon via the
	// pending queue, so nothing is handed back synchronously: the
	// client is told to poll.
	r.Proceed = &wire.Proceed{Timestamp: now.Unix(), PollDelay: e.cfg.PollDelay}
}

// handleExistingSession serves a session that is live, fresh, and
// already past its signing request.
func (e *Engine) handleExistingSession(ctx context.Context, m *wire.Message, r *wire.Message, sess *session.Session) {
	if r.Failed() {
		return
	}

	if m.Request != nil {
		// Signing requests are single-shot, at session start only.
		e.die(ctx, r, sess, probs.RequestInExistingSession())
		return
	}

	state, err := sess.State(ctx)
	if err != nil {
		e.internalError(r, "reading session state", err)
		return
	}

	switch state {
	case core.StateUnset:
		// The caller verified this session exists and is live, so a
		// missing state means something is crazy (maybe a race from
		// two instances of the client).
		e.die(ctx, r, sess, probs.UninitializedSession())
	case core.StateMakeChallenge, core.StateIssue:
		// The CA is doing background work; come back later.
		r.Proceed = &wire.Proceed{Timestamp: e.clk.Now().Unix(), PollDelay: e.cfg.PollDelay}
	case core.StateTestChallenge:
		e.sendChallenges(ctx, r, sess)
	case core.StateDone:
		// Terminal: the certificate has been issued. A zero poll delay
		// tells the client there is nothing left to wait for.
		r.Proceed = &wire.Proceed{Timestamp: e.clk.Now().Unix(), PollDelay: 0}
	default:
		e.die(ctx, r, sess, probs.Internal())
	}
}

// sendChallenges reports the session's challenges and their current
// status.
func (e *Engine) sendChallenges(ctx context.Context, r *wire.Message, sess *session.Session) {
	if r.Failed() {
		return
	}

	iter, err := sess.Challenges(ctx)
	if err != nil {
		e.internalError(r, "listing challenges", err)
		return
	}
	for iter.Next() {
		c := iter.Challenge()
		r.Challenges = append(r.Challenges, wire.ChallengeStatus{
			Type:      c.Type,
			Name:      c.Name,
			Data:      c.Data,
			Satisfied: c.Satisfied,
			Succeeded: c.Succeeded,
		})
	}
	if iter.Err() != nil {
		// The count and the records disagree. That is a defect in the
		// store or the challenge daemon, not a client error.
		r.Challenges = nil
		e.internalError(r, "iterating challenges", iter.Err())
	}
}

// die kills the session, then records the failure. Killing a session
// that never got a token is a no-op, which is why failure handling can
// run before session resolution.
func (e *Engine) die(ctx context.Context, r *wire.Message, sess *session.Session, f *probs.Failure) {
	err := sess.Kill(ctx)
	if err != nil {
		e.log.AuditErr(fmt.Sprintf("killing session %q: %s", sess.ID, err))
	}
	r.Fail(f)
}

// internalError surfaces a server-side defect loudly in the audit log
// and answers the client with the internal-error diagnostic. The
// session is left alone: with the store misbehaving there is nothing
// trustworthy to kill.
func (e *Engine) internalError(r *wire.Message, during string, err error) {
	e.log.AuditErr(fmt.Sprintf("internal error while %s: %s", during, err))
	r.Fail(probs.Internal())
}
