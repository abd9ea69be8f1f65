// Package signing provides pluggable signature providers for ledger
// records, cached validation results, and capability tokens.
//
// Cryptographic primitive choice is a deployment concern: callers hold a
// Signer and never reference a concrete algorithm. Ed25519 is the
// default; ECDSA P-256 is available for deployments that require it.
package signing

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
)

// Supported algorithm names.
const (
	AlgorithmEd25519   = "ed25519"
	AlgorithmECDSAP256 = "ecdsa-p256"
)

// ErrInvalidSignature is returned when a signature does not verify.
var ErrInvalidSignature = errors.New("invalid signature")

// Signer signs and verifies byte payloads under one key pair.
type Signer interface {
	// Algorithm returns the algorithm name.
	Algorithm() string
	// PublicKey returns the public key in its wire encoding: raw 32
	// bytes for Ed25519, PKIX DER for ECDSA.
	PublicKey() []byte
	// Sign returns a signature over data.
	Sign(data []byte) ([]byte, error)
	// Verify checks sig against data, returning ErrInvalidSignature
	// on mismatch.
	Verify(data, sig []byte) error
}

// Verifier checks signatures with only a public key. Used when
// validating chains produced on other nodes.
type Verifier interface {
	Algorithm() string
	Verify(data, sig []byte) error
}

// New creates a Signer with a freshly generated key pair.
func New(algorithm string) (Signer, error) {
	switch algorithm {
	case AlgorithmEd25519:
		return NewEd25519Signer()
	case AlgorithmECDSAP256:
		return NewECDSASigner()
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s", algorithm)
	}
}

// NewVerifier creates a verify-only provider from a public key in its
// wire encoding.
func NewVerifier(algorithm string, publicKey []byte) (Verifier, error) {
	switch algorithm {
	case AlgorithmEd25519:
		if len(publicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
		}
		return &Ed25519Signer{pub: ed25519.PublicKey(publicKey)}, nil
	case AlgorithmECDSAP256:
		parsed, err := x509.ParsePKIXPublicKey(publicKey)
		if err != nil {
			return nil, fmt.Errorf("parse ecdsa public key: %w", err)
		}
		pub, ok := parsed.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an ecdsa public key: %T", parsed)
		}
		return &ECDSASigner{pub: pub}, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s", algorithm)
	}
}

// Ed25519Signer signs with Ed25519. The private key may be nil for
// verify-only instances.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a new Ed25519 key pair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// Ed25519SignerFromSeed derives a deterministic key pair from a 32-byte
// seed. Intended for tests and replay fixtures.
func Ed25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Algorithm returns "ed25519".
func (s *Ed25519Signer) Algorithm() string { return AlgorithmEd25519 }

// PublicKey returns the raw 32-byte public key.
func (s *Ed25519Signer) PublicKey() []byte { return []byte(s.pub) }

// Sign signs data with the private key.
func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	if s.priv == nil {
		return nil, errors.New("ed25519 signer is verify-only")
	}
	return ed25519.Sign(s.priv, data), nil
}

// Verify checks an Ed25519 signature.
func (s *Ed25519Signer) Verify(data, sig []byte) error {
	if !ed25519.Verify(s.pub, data, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// ECDSASigner signs with ECDSA over P-256. Data is hashed with SHA-256
// before signing. The private key may be nil for verify-only instances.
type ECDSASigner struct {
	priv *ecdsa.PrivateKey
	pub  *ecdsa.PublicKey
}

// NewECDSASigner generates a new P-256 key pair.
func NewECDSASigner() (*ECDSASigner, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ecdsa key: %w", err)
	}
	return &ECDSASigner{priv: priv, pub: &priv.PublicKey}, nil
}

// Algorithm returns "ecdsa-p256".
func (s *ECDSASigner) Algorithm() string { return AlgorithmECDSAP256 }

// PublicKey returns the PKIX DER encoding of the public key.
func (s *ECDSASigner) PublicKey() []byte {
	der, err := x509.MarshalPKIXPublicKey(s.pub)
	if err != nil {
		return nil
	}
	return der
}

// Sign hashes data with SHA-256 and signs the digest.
func (s *ECDSASigner) Sign(data []byte) ([]byte, error) {
	if s.priv == nil {
		return nil, errors.New("ecdsa signer is verify-only")
	}
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, s.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}

// Verify checks an ECDSA signature over the SHA-256 digest of data.
func (s *ECDSASigner) Verify(data, sig []byte) error {
	digest := sha256.Sum256(data)
	if !ecdsa.VerifyASN1(s.pub, digest[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}
