package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	blog "github.com/letsencrypt/chocolate/log"
)

// TokenLength is the length, in characters, of a session token: the
// lowercase hex encoding of a SHA-256 digest.
const TokenLength = 64

// NewToken returns 64 lowercase hex digits representing a new 32-byte
// random value, hashed so that even a biased entropy source is not
// exposed directly on the wire. An entropy failure is unrecoverable.
func NewToken() string {
	b := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, b)
	if err != nil {
		logger := blog.Get()
		logger.AuditErr("NewToken entropy failure: " + err.Error())
		panic(err)
	}
	d := sha256.Sum256(b)
	return hex.EncodeToString(d[:])
}

// SigningString builds the canonical string covered by a signing
// request's proof-of-possession signature. Both sides must construct
// it byte-for-byte identically.
func SigningString(timestamp int64, recipient string, csr string) string {
	return fmt.Sprintf("(%d) (%s) (%s)", timestamp, recipient, csr)
}

// SigningDigest hashes the canonical signing string for signature
// verification.
func SigningDigest(timestamp int64, recipient string, csr string) [32]byte {
	return sha256.Sum256([]byte(SigningString(timestamp, recipient, csr)))
}
