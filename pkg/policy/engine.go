// Package policy evaluates signing requests against an operator policy.
//
// Evaluate is pure: the same request, policy, history and clock reading
// always produce the same Decision. Rules run in a fixed order and the
// first one that matches decides.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Evaluate applies the policy rules in order:
// replay_protection, chain_allowlist, contract_denylist,
// contract_allowlist, method_selector, rate_limit, value_cap,
// human_confirmation, then allowed.
func Evaluate(req Request, p Policy, h History, now time.Time) Decision {
	if h.HasSeen(req.RequestID) {
		return deny(RuleReplayProtection, fmt.Sprintf("request %q was already submitted", req.RequestID))
	}

	if !containsChain(p.AllowedChainIDs, req.ChainID) {
		return deny(RuleChainAllowlist, fmt.Sprintf("chain %d is not in the allowed chain list", req.ChainID))
	}

	to := strings.ToLower(strings.TrimSpace(req.To))
	if containsAddress(p.DeniedContracts, to) {
		return deny(RuleContractDenylist, fmt.Sprintf("contract %s is explicitly denied", req.To))
	}
	if len(p.AllowedContracts) > 0 && !containsAddress(p.AllowedContracts, to) {
		return deny(RuleContractAllowlist, fmt.Sprintf("contract %s is not in the allowed contract list", req.To))
	}

	if len(p.AllowedMethodSelectors) > 0 {
		if d, ok := checkSelector(req.Data, p.AllowedMethodSelectors); !ok {
			return d
		}
	}

	if p.MaxTransactionsPerHour > 0 && h.AcceptedSince(now.Add(-time.Hour)) >= p.MaxTransactionsPerHour {
		return deny(RuleRateLimit, fmt.Sprintf("hourly limit of %d transactions reached", p.MaxTransactionsPerHour))
	}
	if p.MaxTransactionsPerDay > 0 && h.AcceptedSince(now.Add(-24*time.Hour)) >= p.MaxTransactionsPerDay {
		return deny(RuleRateLimit, fmt.Sprintf("daily limit of %d transactions reached", p.MaxTransactionsPerDay))
	}

	value, err := ParseWei(req.Value)
	if err != nil {
		return deny(RuleValueCap, fmt.Sprintf("invalid transaction value: %v", err))
	}
	maxValue, err := ParseWei(p.MaxTransactionValueWei)
	if err != nil {
		return deny(RuleValueCap, "policy value cap is not configured correctly")
	}
	if value.Cmp(maxValue) > 0 {
		return deny(RuleValueCap, fmt.Sprintf("value %s wei exceeds cap of %s wei", value.String(), maxValue.String()))
	}

	if p.RequireHumanConfirmation {
		return pending("policy requires human confirmation for every transaction")
	}
	if p.HumanConfirmationThresholdWei != "" {
		threshold, err := ParseWei(p.HumanConfirmationThresholdWei)
		if err != nil {
			return pending("confirmation threshold is not configured correctly")
		}
		if value.Cmp(threshold) >= 0 {
			return pending(fmt.Sprintf("value %s wei meets confirmation threshold of %s wei", value.String(), threshold.String()))
		}
	}

	return Decision{Allowed: true, MatchedRule: RuleAllowed, Reason: "all policy checks passed"}
}

// checkSelector applies the selector allowlist to call data. A plain
// value transfer carries no selector and passes; call data too short to
// hold one is denied.
func checkSelector(data string, allowed []string) (Decision, bool) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(data)), "0x")
	if raw == "" {
		return Decision{}, true
	}
	if len(raw) < 8 {
		return deny(RuleMethodSelector, "call data is too short to carry a method selector"), false
	}
	selector, ok := normalizeSelector(raw[:8])
	if !ok {
		return deny(RuleMethodSelector, "call data does not start with a hex method selector"), false
	}
	for _, a := range allowed {
		if norm, ok := normalizeSelector(a); ok && norm == selector {
			return Decision{}, true
		}
	}
	return deny(RuleMethodSelector, fmt.Sprintf("method selector %s is not allowed", selector)), false
}

func deny(rule Rule, reason string) Decision {
	return Decision{Allowed: false, MatchedRule: rule, Reason: reason}
}

func pending(reason string) Decision {
	return Decision{Allowed: false, RequiresHumanConfirmation: true, MatchedRule: RuleHumanConfirmation, Reason: reason}
}

func containsChain(ids []int64, id int64) bool {
	for _, c := range ids {
		if c == id {
			return true
		}
	}
	return false
}

func containsAddress(list []string, addr string) bool {
	for _, a := range list {
		if strings.ToLower(strings.TrimSpace(a)) == addr {
			return true
		}
	}
	return false
}
