package signer

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// TransactionDigest returns Keccak-256 over the RFC 8785 canonical JSON
// form of tx.
func TransactionDigest(tx Transaction) ([]byte, error) {
	raw, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize transaction: %w", err)
	}
	return Keccak256(canonical), nil
}
