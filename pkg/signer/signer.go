// Package signer holds the key material behind remote signing. Callers
// only ever see addresses and signatures; private keys never leave the
// backend and are never persisted by this package.
package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"

	"golang.org/x/crypto/sha3"
)

// ErrUnavailable is returned when the backing key store cannot sign.
var ErrUnavailable = errors.New("signer: backend unavailable")

// Transaction is the payload handed to the signer once policy allows it.
type Transaction struct {
	To       string  `json:"to"`
	Value    string  `json:"value"`
	Data     string  `json:"data,omitempty"`
	ChainID  int64   `json:"chainId"`
	Nonce    *uint64 `json:"nonce,omitempty"`
	GasLimit *uint64 `json:"gasLimit,omitempty"`
}

// Signer produces signatures over messages and transactions.
type Signer interface {
	Address(ctx context.Context) (string, error)
	SignMessage(ctx context.Context, msg []byte) (string, error)
	SignTransaction(ctx context.Context, tx Transaction) (string, error)
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// AddressFromPublicKey derives a 20-byte account address from raw public
// key bytes.
func AddressFromPublicKey(pub []byte) string {
	sum := Keccak256(pub)
	return "0x" + hex.EncodeToString(sum[len(sum)-20:])
}

// MessageDigest applies the personal-message prefix before hashing so a
// signed message can never double as a signed transaction.
func MessageDigest(msg []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))
	return Keccak256([]byte(prefix), msg)
}

func encodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}
