package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/letsencrypt/chocolate/core"
	blog "github.com/letsencrypt/chocolate/log"
	"github.com/letsencrypt/chocolate/mocks"
	"github.com/letsencrypt/chocolate/probs"
	"github.com/letsencrypt/chocolate/safe"
	"github.com/letsencrypt/chocolate/test"
	"github.com/letsencrypt/chocolate/wire"
)

const (
	testCA  = "ca.example.com"
	testCSR = "-----BEGIN CERTIFICATE REQUEST-----\nMIIBijCB9AIBADAUMRIwEAYDVQQDDAlsb2NhbGhvc3Q=\n-----END CERTIFICATE REQUEST-----\n"
)

type testEngine struct {
	eng   *Engine
	store *mocks.Storage
	csr   *mocks.CSRAuthority
	clk   clock.FakeClock
	log   *blog.Mock
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	store := mocks.NewStorage()
	csr := &mocks.CSRAuthority{Names: []string{"example.com"}}
	clk := clock.NewFake()
	logger := blog.NewMock()
	eng := New(store, csr, clk, logger, prometheus.NewRegistry(), Config{
		CAHostname:    testCA,
		MaxSessionAge: 100 * time.Second,
		MaxRequestAge: 100 * time.Second,
		PollDelay:     10,
	})
	return &testEngine{eng: eng, store: store, csr: csr, clk: clk, log: logger}
}

func (te *testEngine) validRequest() *wire.SigningRequest {
	return &wire.SigningRequest{
		Timestamp: te.clk.Now().Unix(),
		Recipient: testCA,
		CSR:       testCSR,
		Sig:       []byte("sig"),
	}
}

// establish runs the first message of a session and returns the token.
func (te *testEngine) establish(t *testing.T) string {
	t.Helper()
	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Request: te.validRequest()})
	if r.Failed() {
		t.Fatalf("establishing session: %s", r.Failure.Error())
	}
	return r.Session
}

func (te *testEngine) assertLive(t *testing.T, token string, want bool) {
	t.Helper()
	live, err := te.store.SessionIsLive(context.Background(), token)
	test.AssertNotError(t, err, "checking liveness")
	test.AssertEquals(t, live, want)
}

func TestNewSession(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	r := te.eng.Handle(ctx, &wire.Message{Version: wire.Version, Request: te.validRequest()})
	test.Assert(t, !r.Failed(), "happy path should not fail")
	test.AssertEquals(t, r.Version, wire.Version)
	test.Assert(t, safe.Check(safe.Session, r.Session), "token should be well-formed")
	test.Assert(t, r.Proceed != nil, "response should carry a proceed block")
	test.AssertEquals(t, r.Proceed.PollDelay, 10)
	test.AssertEquals(t, r.Proceed.Timestamp, te.clk.Now().Unix())

	te.assertLive(t, r.Session, true)
	state, err := te.store.SessionState(ctx, r.Session)
	test.AssertNotError(t, err, "reading state")
	test.AssertEquals(t, state, core.StateMakeChallenge)

	pending, err := te.store.PendingChallengeSessions(ctx)
	test.AssertNotError(t, err, "listing pending queue")
	test.AssertDeepEquals(t, pending, []string{r.Session})

	test.AssertMetricWithLabelsEquals(t, te.eng.requests, prometheus.Labels{"outcome": "ok"}, 1)
}

func TestUnsupportedVersion(t *testing.T) {
	te := newTestEngine(t)

	r := te.eng.Handle(context.Background(), &wire.Message{Version: 2, Request: te.validRequest()})
	test.Assert(t, r.Failed(), "wrong version should fail")
	test.AssertEquals(t, r.Failure.Cause, probs.UnsupportedVersion)
	test.AssertEquals(t, r.Session, "")

	// Version screening happens before any session work.
	active, err := te.store.ActiveSessions(context.Background())
	test.AssertNotError(t, err, "listing active sessions")
	test.AssertEquals(t, len(active), 0)

	test.AssertMetricWithLabelsEquals(t, te.eng.requests,
		prometheus.Labels{"outcome": string(probs.UnsupportedVersion)}, 1)
}

func TestMissingRequest(t *testing.T) {
	te := newTestEngine(t)

	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version})
	test.Assert(t, r.Failed(), "sessionless message with no request should fail")
	test.AssertEquals(t, r.Failure.Cause, probs.BadRequest)
	test.AssertContains(t, r.Failure.URI, "missingrequest")

	// The freshly minted session is burned on the spot.
	te.assertLive(t, r.Session, false)
	state, err := te.store.SessionState(context.Background(), r.Session)
	test.AssertNotError(t, err, "reading state")
	test.AssertEquals(t, state, core.StateUnset)
}

func TestIllegalCharacter(t *testing.T) {
	te := newTestEngine(t)

	req := te.validRequest()
	req.CSR = "-----BEGIN CERTIFICATE REQUEST-----\r\nMIIB\r\n-----END CERTIFICATE REQUEST-----\r\n"
	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Request: req})
	test.Assert(t, r.Failed(), "CRLF CSR should fail")
	test.AssertContains(t, r.Failure.URI, "illegalcharacter")
	te.assertLive(t, r.Session, false)
}

func TestBadTime(t *testing.T) {
	te := newTestEngine(t)
	te.clk.Add(1000 * time.Second)

	req := te.validRequest()
	req.Timestamp = te.clk.Now().Unix() + 5
	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Request: req})
	test.Assert(t, r.Failed(), "future timestamp should fail")
	test.AssertContains(t, r.Failure.URI, "time")
	te.assertLive(t, r.Session, false)

	req = te.validRequest()
	req.Timestamp = te.clk.Now().Unix() - 101
	r = te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Request: req})
	test.Assert(t, r.Failed(), "stale timestamp should fail")
	test.AssertContains(t, r.Failure.URI, "time")

	// The boundary itself is acceptable.
	req = te.validRequest()
	req.Timestamp = te.clk.Now().Unix() - 100
	r = te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Request: req})
	test.Assert(t, !r.Failed(), "boundary timestamp should pass")
}

func TestWrongRecipient(t *testing.T) {
	te := newTestEngine(t)

	req := te.validRequest()
	req.Recipient = "other-ca.example.net"
	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Request: req})
	test.Assert(t, r.Failed(), "misaddressed request should fail")
	test.AssertEquals(t, r.Failure.Cause, probs.BadRequest)
	test.AssertContains(t, r.Failure.URI, "recipient")
	te.assertLive(t, r.Session, false)
}

func TestCSRPipelineFailures(t *testing.T) {
	for _, tc := range []struct {
		name      string
		configure func(*mocks.CSRAuthority)
		cause     probs.Cause
	}{
		{"unparseable", func(a *mocks.CSRAuthority) { a.ParseErr = errors.New("bad DER") }, probs.BadCSR},
		{"bad signature", func(a *mocks.CSRAuthority) { a.POPErr = errors.New("signature mismatch") }, probs.BadSignature},
		{"weak key", func(a *mocks.CSRAuthority) { a.KeyErr = errors.New("1024 bit modulus") }, probs.UnsafeKey},
		{"no names", func(a *mocks.CSRAuthority) { a.Names = nil }, probs.BadCSR},
	} {
		t.Run(tc.name, func(t *testing.T) {
			te := newTestEngine(t)
			tc.configure(te.csr)

			r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Request: te.validRequest()})
			test.Assert(t, r.Failed(), "pipeline should fail")
			test.AssertEquals(t, r.Failure.Cause, tc.cause)
			te.assertLive(t, r.Session, false)

			pending, err := te.store.PendingChallengeSessions(context.Background())
			test.AssertNotError(t, err, "listing pending queue")
			test.AssertEquals(t, len(pending), 0)
		})
	}
}

func TestUnsafeName(t *testing.T) {
	te := newTestEngine(t)
	te.csr.Names = []string{"exa_mple.com"}

	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Request: te.validRequest()})
	test.Assert(t, r.Failed(), "unsafe name should fail")
	test.AssertEquals(t, r.Failure.Cause, probs.CannotIssueThatName)
	// A name that failed the character allow-list must not be echoed.
	test.AssertEquals(t, r.Failure.URI, "")
	te.assertLive(t, r.Session, false)
}

func TestRejectedName(t *testing.T) {
	te := newTestEngine(t)
	te.csr.Names = []string{"example.com", "forbidden.example.org"}
	te.csr.Rejected = map[string]bool{"forbidden.example.org": true}

	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Request: te.validRequest()})
	test.Assert(t, r.Failed(), "rejected name should fail")
	test.AssertEquals(t, r.Failure.Cause, probs.CannotIssueThatName)
	test.AssertContains(t, r.Failure.URI, "forbidden.example.org")
	te.assertLive(t, r.Session, false)
}

func TestPuzzleCheck(t *testing.T) {
	te := newTestEngine(t)
	var sawCSR bool
	te.eng.PuzzleCheck = func(_ context.Context, m *wire.Message) *probs.Failure {
		sawCSR = m.Request != nil
		return probs.New(probs.BadRequest)
	}
	te.csr.ParseErr = errors.New("should not be reached")

	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Request: te.validRequest()})
	test.Assert(t, r.Failed(), "puzzle rejection should fail")
	test.AssertEquals(t, r.Failure.Cause, probs.BadRequest)
	test.Assert(t, sawCSR, "puzzle check should see the request")
	te.assertLive(t, r.Session, false)
}

func TestIllegalSessionToken(t *testing.T) {
	te := newTestEngine(t)

	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Session: "UPPERCASE-IS-NOT-HEX"})
	test.Assert(t, r.Failed(), "malformed token should fail")
	test.AssertEquals(t, r.Failure.Cause, probs.BadRequest)
	test.AssertContains(t, r.Failure.URI, "illegalsession")
	// The untrusted token is not adopted.
	test.AssertEquals(t, r.Session, "")
}

func TestUnknownSessionToken(t *testing.T) {
	te := newTestEngine(t)
	token := core.NewToken()

	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Session: token})
	test.Assert(t, r.Failed(), "unknown token should fail")
	test.AssertEquals(t, r.Failure.Cause, probs.StaleRequest)

	// Nothing exists to kill; in particular no session springs into
	// being under the client's chosen token.
	exists, err := te.store.SessionExists(context.Background(), token)
	test.AssertNotError(t, err, "checking existence")
	test.Assert(t, !exists, "unknown token must not create a session")
}

func TestExpiredSession(t *testing.T) {
	te := newTestEngine(t)
	token := te.establish(t)

	te.clk.Add(150 * time.Second)
	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Session: token})
	test.Assert(t, r.Failed(), "expired session should fail")
	test.AssertEquals(t, r.Failure.Cause, probs.StaleRequest)
	te.assertLive(t, token, false)

	// Touching it again finds it already dead.
	r = te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Session: token})
	test.Assert(t, r.Failed(), "dead session should fail")
	test.AssertEquals(t, r.Failure.Cause, probs.StaleRequest)
}

func TestSessionAtAgeBoundary(t *testing.T) {
	te := newTestEngine(t)
	token := te.establish(t)

	te.clk.Add(100 * time.Second)
	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Session: token})
	test.Assert(t, !r.Failed(), "session at exactly the age limit is still fresh")
	te.assertLive(t, token, true)
}

func TestPollWhilePending(t *testing.T) {
	te := newTestEngine(t)
	token := te.establish(t)

	for _, state := range []core.SessionState{core.StateMakeChallenge, core.StateIssue} {
		te.store.SetState(token, state)
		r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Session: token})
		test.Assert(t, !r.Failed(), "poll during background work should not fail")
		test.Assert(t, r.Proceed != nil, "poll should get a proceed block")
		test.AssertEquals(t, r.Proceed.PollDelay, 10)
	}
	te.assertLive(t, token, true)
}

func TestRequestInExistingSession(t *testing.T) {
	te := newTestEngine(t)
	token := te.establish(t)

	r := te.eng.Handle(context.Background(), &wire.Message{
		Version: wire.Version,
		Session: token,
		Request: te.validRequest(),
	})
	test.Assert(t, r.Failed(), "second signing request should fail")
	test.AssertEquals(t, r.Failure.Cause, probs.BadRequest)
	test.AssertContains(t, r.Failure.URI, "requestinexistingsession")
	te.assertLive(t, token, false)

	// The duplicate never reaches the store: the original request's
	// data survives and the queue carries one entry only.
	csr, err := te.store.SessionCSR(context.Background(), token)
	test.AssertNotError(t, err, "reading stored CSR")
	test.AssertEquals(t, csr, testCSR)
	pending, err := te.store.PendingChallengeSessions(context.Background())
	test.AssertNotError(t, err, "listing pending queue")
	test.AssertEquals(t, len(pending), 1)
}

func TestUninitializedSession(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	token := core.NewToken()
	err := te.store.CreateSession(ctx, token, te.clk.Now())
	test.AssertNotError(t, err, "creating bare session")

	r := te.eng.Handle(ctx, &wire.Message{Version: wire.Version, Session: token})
	test.Assert(t, r.Failed(), "stateless live session should fail")
	test.AssertContains(t, r.Failure.URI, "uninitializedsession")
	te.assertLive(t, token, false)
}

func TestSendChallenges(t *testing.T) {
	te := newTestEngine(t)
	token := te.establish(t)
	te.store.SetState(token, core.StateTestChallenge)
	te.store.AddChallenge(token, core.Challenge{Type: 1, Name: "example.com", Data: []byte("nonce-a")})
	te.store.AddChallenge(token, core.Challenge{Type: 1, Name: "www.example.com", Satisfied: true, Succeeded: true})

	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Session: token})
	test.Assert(t, !r.Failed(), "challenge poll should not fail")
	test.AssertEquals(t, len(r.Challenges), 2)
	test.AssertEquals(t, r.Challenges[0].Name, "example.com")
	test.AssertDeepEquals(t, r.Challenges[0].Data, []byte("nonce-a"))
	test.Assert(t, r.Challenges[1].Satisfied, "second challenge should be satisfied")
	te.assertLive(t, token, true)
}

func TestSendChallengesCountMismatch(t *testing.T) {
	te := newTestEngine(t)
	token := te.establish(t)
	te.store.SetState(token, core.StateTestChallenge)
	te.store.AddChallenge(token, core.Challenge{Type: 1, Name: "example.com"})
	over := 5
	te.store.ChallengeCountOverride = &over

	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Session: token})
	test.Assert(t, r.Failed(), "count mismatch should fail")
	test.AssertContains(t, r.Failure.URI, "internalerror")
	// No partial challenge list leaks alongside the failure.
	test.AssertEquals(t, len(r.Challenges), 0)
	// Internal defects are logged loudly and do not kill the session.
	test.Assert(t, len(te.log.GetAllMatching("internal error")) > 0, "defect should be audited")
	te.assertLive(t, token, true)
}

func TestDoneSession(t *testing.T) {
	te := newTestEngine(t)
	token := te.establish(t)
	te.store.SetState(token, core.StateDone)

	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Session: token})
	test.Assert(t, !r.Failed(), "poll of finished session should not fail")
	test.Assert(t, r.Proceed != nil, "finished session should get a proceed block")
	test.AssertEquals(t, r.Proceed.PollDelay, 0)
}

func TestClientAbandon(t *testing.T) {
	te := newTestEngine(t)
	token := te.establish(t)

	// Abandonment wins over everything else in the message.
	r := te.eng.Handle(context.Background(), &wire.Message{
		Version:       wire.Version,
		Session:       token,
		Request:       te.validRequest(),
		ClientFailure: true,
	})
	test.Assert(t, r.Failed(), "abandonment should report a failure")
	test.AssertEquals(t, r.Failure.Cause, probs.AbandonedRequest)
	test.AssertEquals(t, r.Session, token)
	te.assertLive(t, token, false)
}

func TestClientAbandonWithoutSession(t *testing.T) {
	te := newTestEngine(t)

	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, ClientFailure: true})
	test.Assert(t, r.Failed(), "abandonment should report a failure")
	test.AssertEquals(t, r.Failure.Cause, probs.AbandonedRequest)
	test.AssertEquals(t, r.Session, "")

	// No session was created for the abandoning client.
	active, err := te.store.ActiveSessions(context.Background())
	test.AssertNotError(t, err, "listing active sessions")
	test.AssertEquals(t, len(active), 0)
}

func TestClientAbandonBadToken(t *testing.T) {
	te := newTestEngine(t)

	r := te.eng.Handle(context.Background(), &wire.Message{
		Version:       wire.Version,
		Session:       "NOT-A-TOKEN",
		ClientFailure: true,
	})
	test.AssertEquals(t, r.Failure.Cause, probs.AbandonedRequest)
	// An untrusted token is not adopted even on the abandonment path.
	test.AssertEquals(t, r.Session, "")
}

func TestStoreOutage(t *testing.T) {
	te := newTestEngine(t)
	te.store.Err = errors.New("connection refused")

	r := te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version, Request: te.validRequest()})
	test.Assert(t, r.Failed(), "store outage should fail the request")
	test.AssertContains(t, r.Failure.URI, "internalerror")
	test.Assert(t, len(te.log.GetAllMatching("internal error")) > 0, "outage should be audited")
}

func TestFailureSlotNotOverwritten(t *testing.T) {
	te := newTestEngine(t)

	// A wrong version and an abandonment in one message: the version
	// failure is recorded first and must survive.
	r := te.eng.Handle(context.Background(), &wire.Message{Version: 9, ClientFailure: true})
	test.AssertEquals(t, r.Failure.Cause, probs.UnsupportedVersion)
}

func TestOutcomeMetric(t *testing.T) {
	te := newTestEngine(t)

	te.establish(t)
	te.eng.Handle(context.Background(), &wire.Message{Version: wire.Version})
	te.eng.Handle(context.Background(), &wire.Message{Version: 3})

	test.AssertMetricWithLabelsEquals(t, te.eng.requests, prometheus.Labels{"outcome": "ok"}, 1)
	test.AssertMetricWithLabelsEquals(t, te.eng.requests,
		prometheus.Labels{"outcome": string(probs.BadRequest)}, 1)
	test.AssertMetricWithLabelsEquals(t, te.eng.requests,
		prometheus.Labels{"outcome": string(probs.UnsupportedVersion)}, 1)
}
