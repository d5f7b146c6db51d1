package wire

import (
	"testing"

	berrors "github.com/letsencrypt/chocolate/errors"
	"github.com/letsencrypt/chocolate/probs"
	"github.com/letsencrypt/chocolate/test"
)

func TestFailureSlotSingleAssignment(t *testing.T) {
	var m Message
	test.Assert(t, !m.Failed(), "fresh message should carry no failure")

	m.Fail(probs.New(probs.BadSignature))
	test.Assert(t, m.Failed(), "failure should be recorded")
	test.AssertEquals(t, m.Failure.Cause, probs.BadSignature)

	// A second assignment must not overwrite the first cause.
	m.Fail(probs.New(probs.StaleRequest))
	test.AssertEquals(t, m.Failure.Cause, probs.BadSignature)
}

func TestJSONRoundTrip(t *testing.T) {
	codec := JSON{}
	m := &Message{
		Version: Version,
		Session: "deadbeef",
		Request: &SigningRequest{
			Timestamp: 42,
			Recipient: "ca.example.com",
			CSR:       "-----BEGIN CERTIFICATE REQUEST-----\nAA==\n-----END CERTIFICATE REQUEST-----",
			Sig:       []byte{1, 2, 3},
		},
	}

	data, err := codec.Marshal(m)
	test.AssertNotError(t, err, "marshaling message")

	got, err := codec.Unmarshal(data)
	test.AssertNotError(t, err, "unmarshaling message")
	test.AssertDeepEquals(t, got, m)
}

func TestJSONUnmarshalMalformed(t *testing.T) {
	codec := JSON{}
	_, err := codec.Unmarshal([]byte("{not json"))
	test.AssertError(t, err, "malformed bytes should fail to decode")
	test.Assert(t, berrors.Is(err, berrors.Malformed), "decode failure should be a Malformed error")
}

func TestContentType(t *testing.T) {
	test.AssertEquals(t, JSON{}.ContentType(), "application/json+chocolate")
}

func TestDump(t *testing.T) {
	m := &Message{
		Version: Version,
		Session: "cafe",
		Proceed: &Proceed{Timestamp: 99, PollDelay: 10},
	}
	dump := m.Dump()
	test.AssertContains(t, dump, "chocolateversion: 1")
	test.AssertContains(t, dump, "session: cafe")
	test.AssertContains(t, dump, "polldelay=10")
}
