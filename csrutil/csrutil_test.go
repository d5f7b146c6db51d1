package csrutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"

	"github.com/letsencrypt/chocolate/core"
	"github.com/letsencrypt/chocolate/goodkey"
	"github.com/letsencrypt/chocolate/policy"
	"github.com/letsencrypt/chocolate/test"
)

func newTestAuthority() *Authority {
	return New(goodkey.NewKeyPolicy(), policy.New())
}

func makeCSR(t *testing.T, key crypto.Signer, cn string, sans []string) string {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: sans,
	}, key)
	test.AssertNotError(t, err, "creating CSR")
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

func TestParse(t *testing.T) {
	a := newTestAuthority()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "generating RSA key")

	csr := makeCSR(t, key, "example.com", []string{"www.example.com"})
	parsed, err := a.Parse(csr)
	test.AssertNotError(t, err, "parsing well-formed CSR")
	test.AssertEquals(t, parsed.Subject.CommonName, "example.com")

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating ECDSA key")
	_, err = a.Parse(makeCSR(t, ecKey, "example.com", nil))
	test.AssertNotError(t, err, "parsing ECDSA CSR")
}

func TestParseRejectsGarbage(t *testing.T) {
	a := newTestAuthority()

	_, err := a.Parse("not a CSR at all")
	test.AssertErrorIs(t, err, errNoPEM)

	_, err = a.Parse(string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("x")})))
	test.AssertErrorIs(t, err, errNoPEM)

	_, err = a.Parse(string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: []byte("not DER")})))
	test.AssertError(t, err, "garbage DER should be rejected")
}

func TestParseRejectsTamperedSignature(t *testing.T) {
	a := newTestAuthority()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "generating RSA key")

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "example.com"},
	}, key)
	test.AssertNotError(t, err, "creating CSR")

	// The self-signature trails the DER; flipping its last byte leaves
	// the structure intact but breaks the signature.
	der[len(der)-1] ^= 0xff
	csr := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
	_, err = a.Parse(csr)
	test.AssertErrorIs(t, err, errInvalidSelfSig)
}

func TestVerifyPOPRSA(t *testing.T) {
	a := newTestAuthority()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "generating RSA key")

	csr := makeCSR(t, key, "example.com", nil)
	parsed, err := a.Parse(csr)
	test.AssertNotError(t, err, "parsing CSR")

	ts := int64(1234567890)
	recipient := "ca.example.com"
	digest := core.SigningDigest(ts, recipient, csr)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	test.AssertNotError(t, err, "signing")

	err = a.VerifyPOP(parsed, ts, recipient, csr, sig)
	test.AssertNotError(t, err, "verifying valid proof of possession")

	// The signature binds the timestamp and recipient; altering either
	// must break it.
	err = a.VerifyPOP(parsed, ts+1, recipient, csr, sig)
	test.AssertErrorIs(t, err, errBadPOP)
	err = a.VerifyPOP(parsed, ts, "other-ca.example.net", csr, sig)
	test.AssertErrorIs(t, err, errBadPOP)
	err = a.VerifyPOP(parsed, ts, recipient, csr, []byte("bogus"))
	test.AssertErrorIs(t, err, errBadPOP)
}

func TestVerifyPOPECDSA(t *testing.T) {
	a := newTestAuthority()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	test.AssertNotError(t, err, "generating ECDSA key")

	csr := makeCSR(t, key, "example.com", nil)
	parsed, err := a.Parse(csr)
	test.AssertNotError(t, err, "parsing CSR")

	ts := int64(1234567890)
	recipient := "ca.example.com"
	digest := core.SigningDigest(ts, recipient, csr)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	test.AssertNotError(t, err, "signing")

	err = a.VerifyPOP(parsed, ts, recipient, csr, sig)
	test.AssertNotError(t, err, "verifying valid proof of possession")
	err = a.VerifyPOP(parsed, ts+1, recipient, csr, sig)
	test.AssertErrorIs(t, err, errBadPOP)
}

func TestVerifyPOPUnsupportedKey(t *testing.T) {
	a := newTestAuthority()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	test.AssertNotError(t, err, "generating ed25519 key")

	err = a.VerifyPOP(&x509.CertificateRequest{PublicKey: pub}, 0, "ca.example.com", "", nil)
	test.AssertErrorIs(t, err, errUnsupportedKey)
}

func TestSubjectNames(t *testing.T) {
	a := newTestAuthority()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "generating RSA key")

	// The CN leads, SANs follow, case is folded, and duplicates are
	// dropped while preserving first-seen order.
	csr := makeCSR(t, key, "Example.com", []string{"www.example.com", "EXAMPLE.COM", "www.example.com"})
	parsed, err := a.Parse(csr)
	test.AssertNotError(t, err, "parsing CSR")
	test.AssertDeepEquals(t, a.SubjectNames(parsed), []string{"example.com", "www.example.com"})

	// No CN, SANs only.
	csr = makeCSR(t, key, "", []string{"a.example.com", "b.example.com"})
	parsed, err = a.Parse(csr)
	test.AssertNotError(t, err, "parsing CSR")
	test.AssertDeepEquals(t, a.SubjectNames(parsed), []string{"a.example.com", "b.example.com"})
}

func TestGoodKeyDelegation(t *testing.T) {
	a := newTestAuthority()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "generating RSA key")
	test.AssertNotError(t, a.GoodKey(key.Public()), "good key should pass")

	small, err := rsa.GenerateKey(rand.Reader, 1024)
	test.AssertNotError(t, err, "generating RSA key")
	test.AssertError(t, a.GoodKey(small.Public()), "weak key should fail")
}

func TestWillingToIssueDelegation(t *testing.T) {
	a := newTestAuthority()
	test.AssertNotError(t, a.WillingToIssue("example.com"), "good name should pass")
	test.AssertError(t, a.WillingToIssue("exam_ple.com"), "bad name should fail")
}
