// Package sa implements the session storage authority: a typed wrapper
// over redis exposing per-session field operations, the two work
// queues, and the atomicity the protocol core depends on. Session
// creation and signing-request acceptance each hinge on a single HSETNX
// so that concurrent duplicates lose the race cleanly instead of
// double-initializing or double-enqueueing.
package sa

import (
	"context"
	"strconv"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/letsencrypt/chocolate/core"
	berrors "github.com/letsencrypt/chocolate/errors"
)

// Queue names, shared with the external expiry sweep and challenge
// daemon. The core only ever pushes.
const (
	activeQueue  = "active-requests"
	pendingQueue = "pending-makechallenge"
)

// Session hash field names.
const (
	fieldCreated    = "created"
	fieldLive       = "live"
	fieldState      = "state"
	fieldCSR        = "csr"
	fieldChallenges = "challenges"
)

// sessionKey returns the redis key holding a session's hash. The
// braces make the token the hash tag, keeping a session's keys on one
// cluster shard.
func sessionKey(token string) string {
	return "sess:{" + token + "}"
}

// namesKey returns the redis key of a session's requested-names list.
func namesKey(token string) string {
	return "sess:{" + token + "}:names"
}

// challengeKey returns the redis key of a session's i'th challenge.
func challengeKey(token string, i int) string {
	return "sess:{" + token + "}:chall:" + strconv.Itoa(i)
}

// SessionStorageAuthority implements core.SessionStorage over redis.
type SessionStorageAuthority struct {
	rdb     redis.Cmdable
	timeout time.Duration
	clk     clock.Clock
	latency *prometheus.HistogramVec
}

var _ core.SessionStorage = (*SessionStorageAuthority)(nil)

// NewSessionStorageAuthority wires a redis client into a storage
// authority. The timeout applies per operation; a shorter one can be
// set per call through the context.
func NewSessionStorageAuthority(rdb redis.Cmdable, timeout time.Duration, clk clock.Clock, stats prometheus.Registerer) *SessionStorageAuthority {
	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "chocolate_store_latency",
			Help: "Histogram of session store operation latencies, labeled by method and result",
		},
		[]string{"method", "result"},
	)
	stats.MustRegister(latency)

	return &SessionStorageAuthority{
		rdb:     rdb,
		timeout: timeout,
		clk:     clk,
		latency: latency,
	}
}

func (ssa *SessionStorageAuthority) observe(method string, begin time.Time, err error) {
	result := "success"
	switch {
	case berrors.Is(err, berrors.NotFound):
		result = "notFound"
	case berrors.Is(err, berrors.AlreadyExists):
		result = "alreadyExists"
	case err != nil:
		result = "failed"
	}
	ssa.latency.With(prometheus.Labels{"method": method, "result": result}).Observe(ssa.clk.Since(begin).Seconds())
}

// CreateSession atomically claims an unused token and initializes the
// session as live. The HSETNX on the created field is the existence
// check and the initialization in one step; losing it means the token
// is already in use.
func (ssa *SessionStorageAuthority) CreateSession(ctx context.Context, token string, created time.Time) (err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("CreateSession", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	set, err := ssa.rdb.HSetNX(ctx, sessionKey(token), fieldCreated, created.Unix()).Result()
	if err != nil {
		return berrors.InternalServerError("creating session: %s", err)
	}
	if !set {
		return berrors.AlreadyExistsError("session %q already exists", token)
	}

	_, err = ssa.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(token), fieldLive, "true")
		pipe.LPush(ctx, activeQueue, token)
		return nil
	})
	if err != nil {
		return berrors.InternalServerError("initializing session: %s", err)
	}
	return nil
}

// SessionExists reports whether any session, live or dead, has this
// token.
func (ssa *SessionStorageAuthority) SessionExists(ctx context.Context, token string) (exists bool, err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("SessionExists", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	n, err := ssa.rdb.Exists(ctx, sessionKey(token)).Result()
	if err != nil {
		return false, berrors.InternalServerError("checking session existence: %s", err)
	}
	return n > 0, nil
}

// SessionIsLive reports whether the session exists and is still
// permitted to act.
func (ssa *SessionStorageAuthority) SessionIsLive(ctx context.Context, token string) (live bool, err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("SessionIsLive", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	val, err := ssa.rdb.HGet(ctx, sessionKey(token), fieldLive).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, berrors.InternalServerError("checking session liveness: %s", err)
	}
	return val == "true", nil
}

// SessionState returns the session's workflow state, or StateUnset if
// no signing request has been recorded.
func (ssa *SessionStorageAuthority) SessionState(ctx context.Context, token string) (state core.SessionState, err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("SessionState", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	val, err := ssa.rdb.HGet(ctx, sessionKey(token), fieldState).Result()
	if err == redis.Nil {
		return core.StateUnset, nil
	}
	if err != nil {
		return core.StateUnset, berrors.InternalServerError("reading session state: %s", err)
	}
	return core.SessionState(val), nil
}

// SessionCreated returns the session's creation time.
func (ssa *SessionStorageAuthority) SessionCreated(ctx context.Context, token string) (created time.Time, err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("SessionCreated", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	val, err := ssa.rdb.HGet(ctx, sessionKey(token), fieldCreated).Result()
	if err == redis.Nil {
		return time.Time{}, berrors.NotFoundError("session %q not found", token)
	}
	if err != nil {
		return time.Time{}, berrors.InternalServerError("reading session creation time: %s", err)
	}
	secs, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, berrors.InternalServerError("malformed creation time %q: %s", val, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// SessionCSR returns the stored signing-request body.
func (ssa *SessionStorageAuthority) SessionCSR(ctx context.Context, token string) (csr string, err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("SessionCSR", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	val, err := ssa.rdb.HGet(ctx, sessionKey(token), fieldCSR).Result()
	if err == redis.Nil {
		return "", berrors.NotFoundError("no signing request stored for session %q", token)
	}
	if err != nil {
		return "", berrors.InternalServerError("reading session CSR: %s", err)
	}
	return val, nil
}

// SessionNames returns the requested hostnames in request order.
func (ssa *SessionStorageAuthority) SessionNames(ctx context.Context, token string) (names []string, err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("SessionNames", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	names, err = ssa.rdb.LRange(ctx, namesKey(token), 0, -1).Result()
	if err != nil {
		return nil, berrors.InternalServerError("reading session names: %s", err)
	}
	return names, nil
}

// KillSession marks the session dead and drops it from the active
// queue. The state is retained for diagnostics.
func (ssa *SessionStorageAuthority) KillSession(ctx context.Context, token string) (err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("KillSession", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	_, err = ssa.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(token), fieldLive, "false")
		pipe.LRem(ctx, activeQueue, 0, token)
		return nil
	})
	if err != nil {
		return berrors.InternalServerError("killing session: %s", err)
	}
	return nil
}

// DestroySession removes the session, its names, its challenges, and
// its queue entries. Only maintenance tooling calls this.
func (ssa *SessionStorageAuthority) DestroySession(ctx context.Context, token string) (err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("DestroySession", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	count, err := ssa.rdb.HGet(ctx, sessionKey(token), fieldChallenges).Result()
	if err != nil && err != redis.Nil {
		return berrors.InternalServerError("reading challenge count: %s", err)
	}
	n := 0
	if err == nil {
		n, err = strconv.Atoi(count)
		if err != nil {
			return berrors.InternalServerError("malformed challenge count %q", count)
		}
	}

	_, err = ssa.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, activeQueue, 0, token)
		pipe.LRem(ctx, pendingQueue, 0, token)
		for i := 0; i < n; i++ {
			pipe.Del(ctx, challengeKey(token, i))
		}
		pipe.Del(ctx, namesKey(token))
		pipe.Del(ctx, sessionKey(token))
		return nil
	})
	if err != nil {
		return berrors.InternalServerError("destroying session: %s", err)
	}
	return nil
}

// AcceptSigningRequest records the session's single signing request.
// The HSETNX moving state out of unset is the commit point: a retried
// or duplicated request loses it and is rejected before anything is
// enqueued, so the pending queue can never see the same acceptance
// twice.
func (ssa *SessionStorageAuthority) AcceptSigningRequest(ctx context.Context, token string, csr string, names []string) (err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("AcceptSigningRequest", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	set, err := ssa.rdb.HSetNX(ctx, sessionKey(token), fieldState, string(core.StateMakeChallenge)).Result()
	if err != nil {
		return berrors.InternalServerError("recording signing request: %s", err)
	}
	if !set {
		return berrors.AlreadyExistsError("session %q already has a signing request", token)
	}

	_, err = ssa.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(token), fieldCSR, csr)
		for _, name := range names {
			pipe.RPush(ctx, namesKey(token), name)
		}
		pipe.LPush(ctx, pendingQueue, token)
		return nil
	})
	if err != nil {
		return berrors.InternalServerError("storing signing request: %s", err)
	}
	return nil
}

// ChallengeCount returns the number of challenge records the external
// daemon has written for the session.
func (ssa *SessionStorageAuthority) ChallengeCount(ctx context.Context, token string) (n int, err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("ChallengeCount", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	val, err := ssa.rdb.HGet(ctx, sessionKey(token), fieldChallenges).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, berrors.InternalServerError("reading challenge count: %s", err)
	}
	n, err = strconv.Atoi(val)
	if err != nil {
		return 0, berrors.InternalServerError("malformed challenge count %q", val)
	}
	return n, nil
}

// Challenge returns the i'th challenge record. A record missing below
// the recorded count means the count and records disagree, which is a
// defect to surface, not a row to skip.
func (ssa *SessionStorageAuthority) Challenge(ctx context.Context, token string, i int) (chall core.Challenge, err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("Challenge", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	fields, err := ssa.rdb.HGetAll(ctx, challengeKey(token, i)).Result()
	if err != nil {
		return core.Challenge{}, berrors.InternalServerError("reading challenge %d: %s", i, err)
	}
	if len(fields) == 0 {
		return core.Challenge{}, berrors.InternalServerError("challenge %d of session %q is missing despite recorded count", i, token)
	}
	return parseChallenge(fields)
}

func parseChallenge(fields map[string]string) (core.Challenge, error) {
	challType, err := strconv.Atoi(fields["type"])
	if err != nil {
		return core.Challenge{}, berrors.InternalServerError("malformed challenge type %q", fields["type"])
	}
	challTime, err := strconv.ParseInt(fields["challtime"], 10, 64)
	if err != nil {
		return core.Challenge{}, berrors.InternalServerError("malformed challenge time %q", fields["challtime"])
	}
	return core.Challenge{
		Type:      challType,
		Name:      fields["name"],
		Data:      []byte(fields["data"]),
		Satisfied: fields["satisfied"] == "true",
		Succeeded: fields["succeeded"] == "true",
		Created:   time.Unix(challTime, 0).UTC(),
	}, nil
}

// ActiveSessions lists the tokens of live sessions, newest first. The
// request path never reads this; it exists for the external expiry
// sweep.
func (ssa *SessionStorageAuthority) ActiveSessions(ctx context.Context) (tokens []string, err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("ActiveSessions", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	tokens, err = ssa.rdb.LRange(ctx, activeQueue, 0, -1).Result()
	if err != nil {
		return nil, berrors.InternalServerError("listing active sessions: %s", err)
	}
	return tokens, nil
}

// PendingChallengeSessions lists the tokens awaiting challenge
// generation, newest first. Consumed only by the external daemon.
func (ssa *SessionStorageAuthority) PendingChallengeSessions(ctx context.Context) (tokens []string, err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("PendingChallengeSessions", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	tokens, err = ssa.rdb.LRange(ctx, pendingQueue, 0, -1).Result()
	if err != nil {
		return nil, berrors.InternalServerError("listing pending sessions: %s", err)
	}
	return tokens, nil
}

// AddChallenge appends a challenge record for the session and bumps the
// recorded count. It is the write half of the hand-off contract with
// the challenge daemon, and it is what tests use to stage challenges.
func (ssa *SessionStorageAuthority) AddChallenge(ctx context.Context, token string, chall core.Challenge) (err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("AddChallenge", begin, err) }()
	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()

	n, err := ssa.rdb.HGet(ctx, sessionKey(token), fieldChallenges).Result()
	if err != nil && err != redis.Nil {
		return berrors.InternalServerError("reading challenge count: %s", err)
	}
	next := 0
	if err == nil {
		next, err = strconv.Atoi(n)
		if err != nil {
			return berrors.InternalServerError("malformed challenge count %q", n)
		}
	}

	_, err = ssa.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, challengeKey(token, next), map[string]any{
			"type":      strconv.Itoa(chall.Type),
			"name":      chall.Name,
			"data":      string(chall.Data),
			"satisfied": strconv.FormatBool(chall.Satisfied),
			"succeeded": strconv.FormatBool(chall.Succeeded),
			"challtime": strconv.FormatInt(chall.Created.Unix(), 10),
		})
		pipe.HSet(ctx, sessionKey(token), fieldChallenges, strconv.Itoa(next+1))
		return nil
	})
	if err != nil {
		return berrors.InternalServerError("storing challenge: %s", err)
	}
	return nil
}

// AdvanceState moves a session's state forward on behalf of the
// challenge daemon or issuance machinery. Transitions that do not move
// strictly forward, or that target a dead session, are refused.
func (ssa *SessionStorageAuthority) AdvanceState(ctx context.Context, token string, next core.SessionState) (err error) {
	begin := ssa.clk.Now()
	defer func() { ssa.observe("AdvanceState", begin, err) }()

	live, err := ssa.SessionIsLive(ctx, token)
	if err != nil {
		return err
	}
	if !live {
		return berrors.MalformedError("session %q is not live, state is frozen", token)
	}
	current, err := ssa.SessionState(ctx, token)
	if err != nil {
		return err
	}
	if !current.Advances(next) {
		return berrors.MalformedError("session %q cannot move from state %q to %q", token, current, next)
	}

	ctx, cancel := context.WithTimeout(ctx, ssa.timeout)
	defer cancel()
	err = ssa.rdb.HSet(ctx, sessionKey(token), fieldState, string(next)).Err()
	if err != nil {
		return berrors.InternalServerError("advancing session state: %s", err)
	}
	return nil
}
