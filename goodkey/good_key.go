// Package goodkey decides which public keys this CA is willing to
// certify. The checks are basic strength and algorithm screening; they
// are deliberately independent of anything session-specific.
package goodkey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"math/big"
	"reflect"
	"sync"

	berrors "github.com/letsencrypt/chocolate/errors"
)

// To generate, run: primes 2 752 | tr '\n' ,
var smallPrimeInts = []int64{
	2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47,
	53, 59, 61, 67, 71, 73, 79, 83, 89, 97, 101, 103, 107,
	109, 113, 127, 131, 137, 139, 149, 151, 157, 163, 167,
	173, 179, 181, 191, 193, 197, 199, 211, 223, 227, 229,
	233, 239, 241, 251, 257, 263, 269, 271, 277, 281, 283,
	293, 307, 311, 313, 317, 331, 337, 347, 349, 353, 359,
	367, 373, 379, 383, 389, 397, 401, 409, 419, 421, 431,
	433, 439, 443, 449, 457, 461, 463, 467, 479, 487, 491,
	499, 503, 509, 521, 523, 541, 547, 557, 563, 569, 571,
	577, 587, 593, 599, 601, 607, 613, 617, 619, 631, 641,
	643, 647, 653, 659, 661, 673, 677, 683, 691, 701, 709,
	719, 727, 733, 739, 743, 751,
}

var (
	smallPrimesOnce sync.Once
	smallPrimes     []*big.Int
)

// KeyPolicy determines which types of key may appear in a CSR.
type KeyPolicy struct {
	AllowRSA           bool // Whether RSA keys should be allowed.
	AllowECDSANISTP256 bool // Whether ECDSA NISTP256 keys should be allowed.
	AllowECDSANISTP384 bool // Whether ECDSA NISTP384 keys should be allowed.
}

// NewKeyPolicy returns a KeyPolicy that allows RSA, ECDSA256 and
// ECDSA384.
func NewKeyPolicy() KeyPolicy {
	return KeyPolicy{
		AllowRSA:           true,
		AllowECDSANISTP256: true,
		AllowECDSANISTP384: true,
	}
}

// GoodKey returns nil if the key is acceptable according to basic
// strength and algorithm checking.
func (policy *KeyPolicy) GoodKey(key crypto.PublicKey) error {
	switch t := key.(type) {
	case rsa.PublicKey:
		return policy.goodKeyRSA(t)
	case *rsa.PublicKey:
		return policy.goodKeyRSA(*t)
	case ecdsa.PublicKey:
		return policy.goodKeyECDSA(t)
	case *ecdsa.PublicKey:
		return policy.goodKeyECDSA(*t)
	default:
		return berrors.MalformedError("unknown key type %s", reflect.TypeOf(key))
	}
}

func (policy *KeyPolicy) goodKeyECDSA(key ecdsa.PublicKey) error {
	err := policy.goodCurve(key.Curve)
	if err != nil {
		return err
	}
	if key.X.Sign() == 0 && key.Y.Sign() == 0 {
		return berrors.MalformedError("key x, y must not be the point at infinity")
	}
	params := key.Curve.Params()
	if key.X.Sign() < 0 || key.X.Cmp(params.P) >= 0 ||
		key.Y.Sign() < 0 || key.Y.Cmp(params.P) >= 0 {
		return berrors.MalformedError("key point is out of range")
	}
	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return berrors.MalformedError("key point is not on the curve")
	}
	return nil
}

func (policy *KeyPolicy) goodCurve(c elliptic.Curve) error {
	params := c.Params()
	switch {
	case policy.AllowECDSANISTP256 && params == elliptic.P256().Params():
		return nil
	case policy.AllowECDSANISTP384 && params == elliptic.P384().Params():
		return nil
	default:
		return berrors.MalformedError("ECDSA curve %v not allowed", params.Name)
	}
}

const (
	minRSAModulusBits = 2048
	maxRSAModulusBits = 4096
)

func (policy *KeyPolicy) goodKeyRSA(key rsa.PublicKey) error {
	if !policy.AllowRSA {
		return berrors.MalformedError("RSA keys are not allowed")
	}

	bits := key.N.BitLen()
	if bits < minRSAModulusBits {
		return berrors.MalformedError("key too small: %d bits", bits)
	}
	if bits > maxRSAModulusBits {
		return berrors.MalformedError("key too large: %d bits", bits)
	}
	// Rather than support arbitrary exponents, which significantly
	// increases the size of the key space we allow, we restrict E to
	// the range [65537, 2^32 - 1].
	e := key.E
	if e%2 == 0 {
		return berrors.MalformedError("key exponent must be odd")
	}
	if e < 65537 {
		return berrors.MalformedError("key exponent too small: %d", e)
	}
	if int64(e) > 0xFFFFFFFF {
		return berrors.MalformedError("key exponent too large: %d", e)
	}
	// A modulus divisible by a small prime is trivially factorable.
	if divisibleBySmallPrime(key.N) {
		return berrors.MalformedError("key divisible by small prime")
	}
	return nil
}

func divisibleBySmallPrime(n *big.Int) bool {
	smallPrimesOnce.Do(func() {
		for _, prime := range smallPrimeInts {
			smallPrimes = append(smallPrimes, big.NewInt(prime))
		}
	})
	m := new(big.Int)
	for _, prime := range smallPrimes {
		m.Mod(n, prime)
		if m.Sign() == 0 {
			return true
		}
	}
	return false
}
