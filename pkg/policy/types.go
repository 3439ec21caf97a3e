package policy

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Rule tags are part of the observable contract: callers branch on them to
// explain a denial to operators.
type Rule string

const (
	RuleReplayProtection  Rule = "replay_protection"
	RuleChainAllowlist    Rule = "chain_allowlist"
	RuleContractDenylist  Rule = "contract_denylist"
	RuleContractAllowlist Rule = "contract_allowlist"
	RuleMethodSelector    Rule = "method_selector"
	RuleRateLimit         Rule = "rate_limit"
	RuleValueCap          Rule = "value_cap"
	RuleHumanConfirmation Rule = "human_confirmation"
	RuleAllowed           Rule = "allowed"
)

// Policy governs which transactions may be signed. Wei amounts are
// decimal strings and are never handled as floats.
type Policy struct {
	Version                       string   `yaml:"version,omitempty" json:"version,omitempty"`
	AllowedChainIDs               []int64  `yaml:"allowed_chain_ids" json:"allowedChainIds"`
	AllowedContracts              []string `yaml:"allowed_contracts" json:"allowedContracts"`
	DeniedContracts               []string `yaml:"denied_contracts" json:"deniedContracts"`
	MaxTransactionValueWei        string   `yaml:"max_transaction_value_wei" json:"maxTransactionValueWei"`
	MaxTransactionsPerHour        int      `yaml:"max_transactions_per_hour" json:"maxTransactionsPerHour"`
	MaxTransactionsPerDay         int      `yaml:"max_transactions_per_day" json:"maxTransactionsPerDay"`
	AllowedMethodSelectors        []string `yaml:"allowed_method_selectors" json:"allowedMethodSelectors"`
	HumanConfirmationThresholdWei string   `yaml:"human_confirmation_threshold_wei" json:"humanConfirmationThresholdWei"`
	RequireHumanConfirmation      bool     `yaml:"require_human_confirmation" json:"requireHumanConfirmation"`
}

// Default returns a conservative policy: mainnet only, 0.1 ETH cap,
// confirmation from 0.01 ETH, 10/hour and 50/day.
func Default() Policy {
	return Policy{
		Version:                       SupportedVersion,
		AllowedChainIDs:               []int64{1},
		MaxTransactionValueWei:        "100000000000000000",
		MaxTransactionsPerHour:        10,
		MaxTransactionsPerDay:         50,
		HumanConfirmationThresholdWei: "10000000000000000",
	}
}

// Validate checks that numeric fields parse and limits are sane.
func (p Policy) Validate() error {
	if _, err := ParseWei(p.MaxTransactionValueWei); err != nil {
		return fmt.Errorf("policy: max_transaction_value_wei: %w", err)
	}
	if p.HumanConfirmationThresholdWei != "" {
		if _, err := ParseWei(p.HumanConfirmationThresholdWei); err != nil {
			return fmt.Errorf("policy: human_confirmation_threshold_wei: %w", err)
		}
	}
	if p.MaxTransactionsPerHour < 0 || p.MaxTransactionsPerDay < 0 {
		return fmt.Errorf("policy: rate limits must not be negative")
	}
	for _, sel := range p.AllowedMethodSelectors {
		if _, ok := normalizeSelector(sel); !ok {
			return fmt.Errorf("policy: invalid method selector %q", sel)
		}
	}
	return nil
}

// Request is a transaction awaiting a signature. RequestID is the replay
// protection key.
type Request struct {
	RequestID string    `json:"requestId"`
	ChainID   int64     `json:"chainId"`
	To        string    `json:"to"`
	Value     string    `json:"value"`
	Data      string    `json:"data,omitempty"`
	Nonce     *uint64   `json:"nonce,omitempty"`
	GasLimit  *uint64   `json:"gasLimit,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Decision is the engine's verdict. Allowed=false with
// RequiresHumanConfirmation=true is a pending outcome, not a denial.
type Decision struct {
	Allowed                   bool   `json:"allowed"`
	RequiresHumanConfirmation bool   `json:"requiresHumanConfirmation"`
	MatchedRule               Rule   `json:"matchedRule"`
	Reason                    string `json:"reason"`
}

// History is the read-only view of prior submissions the engine consults.
type History struct {
	SeenRequestIDs map[string]struct{}
	AcceptedAt     []time.Time
}

// HasSeen reports whether id was submitted before.
func (h History) HasSeen(id string) bool {
	_, ok := h.SeenRequestIDs[id]
	return ok
}

// AcceptedSince counts accepted requests at or after t.
func (h History) AcceptedSince(t time.Time) int {
	n := 0
	for _, at := range h.AcceptedAt {
		if !at.Before(t) {
			n++
		}
	}
	return n
}

// ParseWei parses a non-negative decimal wei amount.
func ParseWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("amount %q is not a decimal integer", s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a decimal integer", s)
	}
	return v, nil
}

// normalizeSelector returns a lowercase 0x-prefixed 4-byte selector.
func normalizeSelector(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 8 || !isHex(s) {
		return "", false
	}
	return "0x" + s, true
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
