package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	uniswap = "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
	tornado = "0x722122dF12D4e14e13Ac3b6895a86e84145b6967"
)

func permissive() Policy {
	return Policy{
		AllowedChainIDs:        []int64{1, 8453},
		MaxTransactionValueWei: "1000000000000000000000",
		MaxTransactionsPerHour: 100,
		MaxTransactionsPerDay:  1000,
	}
}

func request(id string) Request {
	return Request{RequestID: id, ChainID: 1, To: uniswap, Value: "1000", CreatedAt: now}
}

func TestEvaluate_AllowsWhenNothingMatches(t *testing.T) {
	d := Evaluate(request("r1"), permissive(), History{}, now)
	assert.True(t, d.Allowed)
	assert.False(t, d.RequiresHumanConfirmation)
	assert.Equal(t, RuleAllowed, d.MatchedRule)
}

func TestEvaluate_ReplayProtectionWinsOverEverything(t *testing.T) {
	h := History{SeenRequestIDs: map[string]struct{}{"r1": {}}}
	p := permissive()
	p.AllowedChainIDs = nil // would also deny

	d := Evaluate(request("r1"), p, h, now)
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleReplayProtection, d.MatchedRule)
}

func TestEvaluate_ChainAllowlist(t *testing.T) {
	req := request("r1")
	req.ChainID = 137

	d := Evaluate(req, permissive(), History{}, now)
	assert.Equal(t, RuleChainAllowlist, d.MatchedRule)

	p := permissive()
	p.AllowedChainIDs = nil
	assert.Equal(t, RuleChainAllowlist, Evaluate(request("r2"), p, History{}, now).MatchedRule)
}

func TestEvaluate_DenylistBeforeAllowlist(t *testing.T) {
	p := permissive()
	p.AllowedContracts = []string{tornado}
	p.DeniedContracts = []string{tornado}

	req := request("r1")
	req.To = "0x722122df12d4e14e13ac3b6895a86e84145b6967" // lowercase form

	d := Evaluate(req, p, History{}, now)
	assert.Equal(t, RuleContractDenylist, d.MatchedRule)
}

func TestEvaluate_ContractAllowlist(t *testing.T) {
	p := permissive()
	p.AllowedContracts = []string{uniswap}

	assert.True(t, Evaluate(request("ok"), p, History{}, now).Allowed)

	req := request("r1")
	req.To = tornado
	assert.Equal(t, RuleContractAllowlist, Evaluate(req, p, History{}, now).MatchedRule)
}

func TestEvaluate_MethodSelector(t *testing.T) {
	p := permissive()
	p.AllowedMethodSelectors = []string{"0xA9059CBB"} // transfer(address,uint256)

	req := request("transfer")
	req.Data = "0xa9059cbb000000000000000000000000" + "ab"
	assert.True(t, Evaluate(req, p, History{}, now).Allowed)

	req = request("approve")
	req.Data = "0x095ea7b3" + "00"
	d := Evaluate(req, p, History{}, now)
	assert.Equal(t, RuleMethodSelector, d.MatchedRule)
	assert.Contains(t, d.Reason, "0x095ea7b3")

	req = request("short")
	req.Data = "0x1234"
	assert.Equal(t, RuleMethodSelector, Evaluate(req, p, History{}, now).MatchedRule)

	req = request("plain")
	req.Data = ""
	assert.True(t, Evaluate(req, p, History{}, now).Allowed, "plain transfers carry no selector")
}

func TestEvaluate_RateLimitHourAndDay(t *testing.T) {
	p := permissive()
	p.MaxTransactionsPerHour = 2
	p.MaxTransactionsPerDay = 3

	h := History{AcceptedAt: []time.Time{now.Add(-10 * time.Minute), now.Add(-59 * time.Minute)}}
	d := Evaluate(request("r"), p, h, now)
	assert.Equal(t, RuleRateLimit, d.MatchedRule)
	assert.Contains(t, d.Reason, "hourly")

	// Older than an hour only counts against the day.
	h = History{AcceptedAt: []time.Time{now.Add(-2 * time.Hour), now.Add(-3 * time.Hour), now.Add(-23 * time.Hour)}}
	d = Evaluate(request("r"), p, h, now)
	assert.Equal(t, RuleRateLimit, d.MatchedRule)
	assert.Contains(t, d.Reason, "daily")

	h = History{AcceptedAt: []time.Time{now.Add(-25 * time.Hour), now.Add(-2 * time.Hour)}}
	assert.True(t, Evaluate(request("r"), p, h, now).Allowed)
}

func TestEvaluate_ValueCapScenario(t *testing.T) {
	p := permissive()
	p.MaxTransactionValueWei = "1000000000000000"

	req := request("big")
	req.Value = "5000000000000000000"

	d := Evaluate(req, p, History{}, now)
	assert.False(t, d.Allowed)
	assert.False(t, d.RequiresHumanConfirmation)
	assert.Equal(t, RuleValueCap, d.MatchedRule)
}

func TestEvaluate_ValueComparisonIsExactAtLargeMagnitudes(t *testing.T) {
	p := permissive()
	// 2^64 and 2^64+1: indistinguishable as float64.
	p.MaxTransactionValueWei = "18446744073709551616"

	req := request("edge")
	req.Value = "18446744073709551617"
	assert.Equal(t, RuleValueCap, Evaluate(req, p, History{}, now).MatchedRule)

	req = request("equal")
	req.Value = "18446744073709551616"
	assert.True(t, Evaluate(req, p, History{}, now).Allowed)
}

func TestEvaluate_InvalidValueDenied(t *testing.T) {
	for _, v := range []string{"", "-1", "1.5", "1e18", "0x10", "abc"} {
		req := request("bad")
		req.Value = v
		assert.Equal(t, RuleValueCap, Evaluate(req, permissive(), History{}, now).MatchedRule, v)
	}

	p := permissive()
	p.MaxTransactionValueWei = "lots"
	assert.Equal(t, RuleValueCap, Evaluate(request("r"), p, History{}, now).MatchedRule)
}

func TestEvaluate_HumanConfirmationThreshold(t *testing.T) {
	p := permissive()
	p.HumanConfirmationThresholdWei = "10000000000000000"

	req := request("big")
	req.Value = "50000000000000000"
	d := Evaluate(req, p, History{}, now)
	assert.False(t, d.Allowed)
	assert.True(t, d.RequiresHumanConfirmation)
	assert.Equal(t, RuleHumanConfirmation, d.MatchedRule)

	req.Value = "10000000000000000" // equal to threshold
	assert.True(t, Evaluate(req, p, History{}, now).RequiresHumanConfirmation)

	req.Value = "9999999999999999"
	assert.True(t, Evaluate(req, p, History{}, now).Allowed)
}

func TestEvaluate_ForcedConfirmation(t *testing.T) {
	p := permissive()
	p.RequireHumanConfirmation = true

	d := Evaluate(request("r"), p, History{}, now)
	assert.True(t, d.RequiresHumanConfirmation)
	assert.Equal(t, RuleHumanConfirmation, d.MatchedRule)
}

func TestEvaluate_ValueCapBeforeConfirmation(t *testing.T) {
	p := permissive()
	p.MaxTransactionValueWei = "100"
	p.RequireHumanConfirmation = true

	req := request("r")
	req.Value = "101"
	assert.Equal(t, RuleValueCap, Evaluate(req, p, History{}, now).MatchedRule)
}

func TestEvaluate_Deterministic(t *testing.T) {
	p := permissive()
	p.HumanConfirmationThresholdWei = "500"
	h := History{AcceptedAt: []time.Time{now.Add(-time.Minute)}}
	req := request("r")

	first := Evaluate(req, p, h, now)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Evaluate(req, p, h, now))
	}
}
