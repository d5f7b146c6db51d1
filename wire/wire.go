// Package wire defines the chocolate protocol message schema. Requests
// and responses share one shape; exactly one of the signing-request,
// failure, proceed, or challenge-status blocks is meaningfully
// populated per direction per call.
package wire

import (
	"fmt"
	"strings"

	"github.com/letsencrypt/chocolate/probs"
)

// Version is the protocol version this server speaks. Messages
// carrying any other version are rejected before session processing.
const Version = 1

// SigningRequest is the request block present on the first message of a
// session: a CSR together with a freshness timestamp, the CA the
// client believes it is talking to, and the proof-of-possession
// signature over the canonical string binding all three.
type SigningRequest struct {
	Timestamp int64  `json:"timestamp"`
	Recipient string `json:"recipient"`
	CSR       string `json:"csr"`
	Sig       []byte `json:"sig"`
}

// Proceed instructs the client to poll again after PollDelay seconds.
type Proceed struct {
	Timestamp int64 `json:"timestamp"`
	PollDelay int   `json:"polldelay"`
}

// ChallengeStatus reports one challenge and its current outcome.
type ChallengeStatus struct {
	Type      int    `json:"type"`
	Name      string `json:"name"`
	Data      []byte `json:"data,omitempty"`
	Satisfied bool   `json:"satisfied"`
	Succeeded bool   `json:"succeeded"`
}

// Message is one chocolate protocol message, in either direction.
type Message struct {
	Version int    `json:"chocolateversion"`
	Session string `json:"session,omitempty"`
	Debug   bool   `json:"debug,omitempty"`

	Request    *SigningRequest   `json:"request,omitempty"`
	Failure    *probs.Failure    `json:"failure,omitempty"`
	Proceed    *Proceed          `json:"proceed,omitempty"`
	Challenges []ChallengeStatus `json:"challenges,omitempty"`

	// ClientFailure set on a request abandons the session.
	ClientFailure bool `json:"clientfailure,omitempty"`
}

// Failed reports whether a failure has been recorded on the message.
// Every pipeline stage checks this first and returns without touching
// the message if it is set.
func (m *Message) Failed() bool {
	return m.Failure != nil
}

// Fail records a failure on the message. The failure slot is
// single-assignment: once a cause has been recorded, later calls are
// ignored so that a late stage can never overwrite the original cause.
func (m *Message) Fail(f *probs.Failure) {
	if m.Failure != nil {
		return
	}
	m.Failure = f
}

// Dump renders the message for the debug transport mode. It is for
// human consumption only and is not parseable.
func (m *Message) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "chocolateversion: %d\n", m.Version)
	if m.Session != "" {
		fmt.Fprintf(&b, "session: %s\n", m.Session)
	}
	if m.Request != nil {
		fmt.Fprintf(&b, "request: timestamp=%d recipient=%q sig=%d bytes\n%s\n",
			m.Request.Timestamp, m.Request.Recipient, len(m.Request.Sig), m.Request.CSR)
	}
	if m.Failure != nil {
		fmt.Fprintf(&b, "failure: %s\n", m.Failure.Error())
	}
	if m.Proceed != nil {
		fmt.Fprintf(&b, "proceed: timestamp=%d polldelay=%d\n", m.Proceed.Timestamp, m.Proceed.PollDelay)
	}
	for _, c := range m.Challenges {
		fmt.Fprintf(&b, "challenge: type=%d name=%q satisfied=%t succeeded=%t\n",
			c.Type, c.Name, c.Satisfied, c.Succeeded)
	}
	if m.ClientFailure {
		fmt.Fprintf(&b, "clientfailure: true\n")
	}
	return b.String()
}
