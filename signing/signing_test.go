package signing

import (
	"bytes"
	"errors"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
	}{
		{name: "ed25519", algorithm: AlgorithmEd25519},
		{name: "ecdsa p256", algorithm: AlgorithmECDSAP256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := New(tt.algorithm)
			if err != nil {
				t.Fatalf("New(%s) error: %v", tt.algorithm, err)
			}
			if signer.Algorithm() != tt.algorithm {
				t.Errorf("Algorithm() = %s, want %s", signer.Algorithm(), tt.algorithm)
			}

			data := []byte("record-hash-0a1b2c")
			sig, err := signer.Sign(data)
			if err != nil {
				t.Fatalf("Sign() error: %v", err)
			}
			if err := signer.Verify(data, sig); err != nil {
				t.Errorf("Verify() of own signature failed: %v", err)
			}

			// Tampered payload must not verify.
			if err := signer.Verify([]byte("record-hash-0a1b2d"), sig); !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("Verify() of tampered data = %v, want ErrInvalidSignature", err)
			}

			// Tampered signature must not verify.
			bad := append([]byte(nil), sig...)
			bad[0] ^= 0xff
			if err := signer.Verify(data, bad); !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("Verify() of tampered sig = %v, want ErrInvalidSignature", err)
			}
		})
	}
}

func TestNewUnsupportedAlgorithm(t *testing.T) {
	if _, err := New("rsa-4096"); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}

func TestVerifierFromPublicKey(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
	}{
		{name: "ed25519", algorithm: AlgorithmEd25519},
		{name: "ecdsa p256", algorithm: AlgorithmECDSAP256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := New(tt.algorithm)
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}

			data := []byte("cross-node ledger record")
			sig, err := signer.Sign(data)
			if err != nil {
				t.Fatalf("Sign() error: %v", err)
			}

			verifier, err := NewVerifier(tt.algorithm, signer.PublicKey())
			if err != nil {
				t.Fatalf("NewVerifier() error: %v", err)
			}
			if err := verifier.Verify(data, sig); err != nil {
				t.Errorf("Verify() via public key failed: %v", err)
			}
		})
	}
}

func TestVerifierRejectsBadKey(t *testing.T) {
	if _, err := NewVerifier(AlgorithmEd25519, []byte("short")); err == nil {
		t.Error("expected error for truncated ed25519 key")
	}
	if _, err := NewVerifier(AlgorithmECDSAP256, []byte("not der")); err == nil {
		t.Error("expected error for malformed ecdsa key")
	}
}

func TestEd25519SeedDeterminism(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 32)

	a, err := Ed25519SignerFromSeed(seed)
	if err != nil {
		t.Fatalf("Ed25519SignerFromSeed() error: %v", err)
	}
	b, err := Ed25519SignerFromSeed(seed)
	if err != nil {
		t.Fatalf("Ed25519SignerFromSeed() error: %v", err)
	}

	if !bytes.Equal(a.PublicKey(), b.PublicKey()) {
		t.Error("same seed produced different public keys")
	}

	data := []byte("deterministic replay fixture")
	sigA, _ := a.Sign(data)
	sigB, _ := b.Sign(data)
	if !bytes.Equal(sigA, sigB) {
		t.Error("same seed produced different signatures")
	}

	if _, err := Ed25519SignerFromSeed([]byte("short")); err == nil {
		t.Error("expected error for wrong seed size")
	}
}

func TestVerifyOnlySignerCannotSign(t *testing.T) {
	signer, err := NewEd25519Signer()
	if err != nil {
		t.Fatalf("NewEd25519Signer() error: %v", err)
	}
	verifier, err := NewVerifier(AlgorithmEd25519, signer.PublicKey())
	if err != nil {
		t.Fatalf("NewVerifier() error: %v", err)
	}
	vs, ok := verifier.(*Ed25519Signer)
	if !ok {
		t.Fatalf("verifier type = %T, want *Ed25519Signer", verifier)
	}
	if _, err := vs.Sign([]byte("data")); err == nil {
		t.Error("verify-only signer must refuse to sign")
	}
}
