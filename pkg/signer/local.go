package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// kdfSalt domain-separates signer keys from any other use of the seed.
var kdfSalt = []byte("warden-signer-kdf")

// LocalSigner signs in-process with an Ed25519 key.
type LocalSigner struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address string
}

// NewLocalSigner derives a deterministic key from seed and label with
// HKDF-SHA256. The same seed and label always yield the same address.
func NewLocalSigner(seed []byte, label string) (*LocalSigner, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("signer: seed must be at least 16 bytes")
	}
	reader := hkdf.New(sha256.New, seed, kdfSalt, []byte(label))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, keySeed); err != nil {
		return nil, fmt.Errorf("signer: HKDF derivation failed: %w", err)
	}
	return newLocalSigner(ed25519.NewKeyFromSeed(keySeed)), nil
}

// GenerateLocalSigner creates a signer with a fresh random key that lives
// only as long as the process. It is for tests and development; served
// signers derive their key from operator-provided seed material.
func GenerateLocalSigner() (*LocalSigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: key generation failed: %w", err)
	}
	return newLocalSigner(priv), nil
}

func newLocalSigner(priv ed25519.PrivateKey) *LocalSigner {
	pub := priv.Public().(ed25519.PublicKey)
	return &LocalSigner{priv: priv, pub: pub, address: AddressFromPublicKey(pub)}
}

func (s *LocalSigner) Address(context.Context) (string, error) {
	return s.address, nil
}

// PublicKey exposes the verification key.
func (s *LocalSigner) PublicKey() ed25519.PublicKey {
	return s.pub
}

func (s *LocalSigner) SignMessage(_ context.Context, msg []byte) (string, error) {
	return encodeSignature(ed25519.Sign(s.priv, MessageDigest(msg))), nil
}

func (s *LocalSigner) SignTransaction(_ context.Context, tx Transaction) (string, error) {
	digest, err := TransactionDigest(tx)
	if err != nil {
		return "", err
	}
	return encodeSignature(ed25519.Sign(s.priv, digest)), nil
}
