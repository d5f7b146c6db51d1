// Package csrutil implements the CSR collaborator: parsing and
// structural validation of certificate signing requests, verification
// of the proof-of-possession signature over the canonical signing
// string, and delegation to the key and name policies.
package csrutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/letsencrypt/chocolate/core"
	berrors "github.com/letsencrypt/chocolate/errors"
	"github.com/letsencrypt/chocolate/goodkey"
	"github.com/letsencrypt/chocolate/policy"
)

// goodSignatureAlgorithms is the set of CSR self-signature algorithms
// we consider strong enough. Notably absent: anything using MD2, MD5,
// or SHA-1, and all DSA algorithms.
var goodSignatureAlgorithms = map[x509.SignatureAlgorithm]bool{
	x509.SHA256WithRSA:   true,
	x509.SHA384WithRSA:   true,
	x509.SHA512WithRSA:   true,
	x509.ECDSAWithSHA256: true,
	x509.ECDSAWithSHA384: true,
	x509.ECDSAWithSHA512: true,
}

var (
	errNoPEM             = berrors.MalformedError("CSR is not a PEM certificate request")
	errUnsupportedSigAlg = berrors.MalformedError("signature algorithm not supported")
	errInvalidSelfSig    = berrors.MalformedError("invalid signature on CSR")
	errUnsupportedKey    = berrors.MalformedError("unsupported public key type in CSR")
	errBadPOP            = berrors.MalformedError("proof-of-possession signature does not verify")
)

// Authority implements core.CSRAuthority.
type Authority struct {
	keyPolicy goodkey.KeyPolicy
	pa        *policy.Authority
}

var _ core.CSRAuthority = (*Authority)(nil)

// New wires the key and name policies into a CSR authority.
func New(keyPolicy goodkey.KeyPolicy, pa *policy.Authority) *Authority {
	return &Authority{keyPolicy: keyPolicy, pa: pa}
}

// Parse decodes a PEM certificate request and checks its structural
// validity, including its self-signature. Callers have already run the
// body through the CSR character allow-list.
func (a *Authority) Parse(csr string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csr))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, errNoPEM
	}
	req, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, berrors.MalformedError("parsing CSR: %s", err)
	}
	if !goodSignatureAlgorithms[req.SignatureAlgorithm] {
		return nil, errUnsupportedSigAlg
	}
	err = req.CheckSignature()
	if err != nil {
		return nil, errInvalidSelfSig
	}
	return req, nil
}

// VerifyPOP verifies the detached signature over the canonical string
// "(timestamp) (recipient) (csr)" under the public key embedded in the
// parsed CSR. A valid signature demonstrates the requester holds the
// private key for the CSR it submitted, bound to this request's
// timestamp and recipient.
func (a *Authority) VerifyPOP(parsed *x509.CertificateRequest, timestamp int64, recipient string, csr string, sig []byte) error {
	digest := core.SigningDigest(timestamp, recipient, csr)
	switch pub := parsed.PublicKey.(type) {
	case *rsa.PublicKey:
		err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
		if err != nil {
			return errBadPOP
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return errBadPOP
		}
		return nil
	default:
		return errUnsupportedKey
	}
}

// GoodKey applies the key strength policy to the CSR's public key.
func (a *Authority) GoodKey(key crypto.PublicKey) error {
	return a.keyPolicy.GoodKey(key)
}

// SubjectNames returns the names the CSR requests: the CN, if present,
// followed by the DNS SANs, lowercased and deduplicated in order.
func (a *Authority) SubjectNames(parsed *x509.CertificateRequest) []string {
	var names []string
	seen := map[string]bool{}
	add := func(name string) {
		name = strings.ToLower(name)
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	add(parsed.Subject.CommonName)
	for _, san := range parsed.DNSNames {
		add(san)
	}
	return names
}

// WillingToIssue applies the name policy.
func (a *Authority) WillingToIssue(name string) error {
	return a.pa.WillingToIssue(name)
}
