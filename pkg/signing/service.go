// Package signing gates a signer behind the operator's policy.
//
// A request moves Submitted -> {Denied | Signed | PendingApproval}, and a
// pending approval moves to Signed, Rejected or Expired. Submit never
// waits for a human: a pending request is resumed by a later Approve or
// Reject call. Expiry is checked whenever pending approvals are touched,
// so a stale approval can never be signed.
package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/policy"
	"github.com/Mindburn-Labs/warden/pkg/signer"
)

// DefaultApprovalTimeout bounds how long a pending approval stays valid.
const DefaultApprovalTimeout = 5 * time.Minute

var (
	ErrNoPendingApproval = errors.New("No pending approval")
	ErrApprovalExpired   = errors.New("approval expired")
	ErrInvalidRequest    = errors.New("signing: requestId is required")
)

// Result is the outcome of a submit or approve call.
type Result struct {
	Success                   bool             `json:"success"`
	Signature                 string           `json:"signature,omitempty"`
	Error                     string           `json:"error,omitempty"`
	Decision                  *policy.Decision `json:"policyDecision,omitempty"`
	HumanConfirmed            bool             `json:"humanConfirmed"`
	RequiresHumanConfirmation bool             `json:"requiresHumanConfirmation,omitempty"`
}

// PendingApproval is a request held for a human decision. It lives only
// in memory.
type PendingApproval struct {
	RequestID string          `json:"requestId"`
	Request   policy.Request  `json:"request"`
	Decision  policy.Decision `json:"policyDecision"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Service orchestrates policy evaluation, human approval and signing.
type Service struct {
	// mu serializes policy evaluation with ledger updates and guards the
	// active policy and the pending set.
	mu      sync.Mutex
	policy  policy.Policy
	pending map[string]*PendingApproval

	signer    signer.Signer
	audit     audit.Recorder
	ledger    Ledger
	timeout   time.Duration
	clock     func() time.Time
	logger    *slog.Logger
	telemetry *observability.Provider
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the initial policy. The default is policy.Default().
func WithPolicy(p policy.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithLedger replaces the in-memory replay and rate ledger.
func WithLedger(l Ledger) Option {
	return func(s *Service) {
		if l != nil {
			s.ledger = l
		}
	}
}

// WithApprovalTimeout sets how long pending approvals stay valid.
func WithApprovalTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTelemetry attaches spans and RED metrics.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Service) {
		if p != nil {
			s.telemetry = p
		}
	}
}

// New creates a signing service in front of sgn.
func New(sgn signer.Signer, rec audit.Recorder, opts ...Option) *Service {
	s := &Service{
		policy:    policy.Default(),
		pending:   make(map[string]*PendingApproval),
		signer:    sgn,
		audit:     rec,
		ledger:    NewMemoryLedger(),
		timeout:   DefaultApprovalTimeout,
		clock:     time.Now,
		logger:    slog.Default().With("component", "signing"),
		telemetry: observability.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit evaluates req and signs it when policy allows. A pending outcome
// is returned with RequiresHumanConfirmation set and the signer untouched.
// The error is non-nil only when the ledger is unavailable.
func (s *Service) Submit(ctx context.Context, req policy.Request) (result Result, err error) {
	if req.RequestID == "" {
		s.record(ctx, audit.EventSigningSubmitted, audit.SeverityInfo,
			"signing request without id submitted", requestMetadata(req))
		s.record(ctx, audit.EventSigningRejected, audit.SeverityWarn,
			"signing request rejected: requestId is required", requestMetadata(req))
		return Result{Error: ErrInvalidRequest.Error()}, ErrInvalidRequest
	}

	ctx, finish := s.telemetry.TrackOperation(ctx, "signing.submit", observability.SigningOperation(req.ChainID)...)
	defer func() { finish(err) }()

	now := s.clock()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}

	s.record(ctx, audit.EventSigningSubmitted, audit.SeverityInfo,
		fmt.Sprintf("signing request %s submitted", req.RequestID), requestMetadata(req))

	decision, err := s.decide(ctx, req, now)
	if err != nil {
		s.record(ctx, audit.EventSigningRejected, audit.SeverityError,
			fmt.Sprintf("signing request %s rejected: ledger unavailable", req.RequestID),
			map[string]any{"requestId": req.RequestID})
		return Result{Error: "signing ledger unavailable"}, err
	}
	s.telemetry.RecordDecision(ctx, string(decision.MatchedRule), outcome(decision))

	switch {
	case decision.RequiresHumanConfirmation:
		return s.hold(ctx, req, decision, now), nil
	case !decision.Allowed:
		s.record(ctx, audit.EventSigningRejected, audit.SeverityWarn,
			fmt.Sprintf("signing request %s denied by %s", req.RequestID, decision.MatchedRule),
			decisionMetadata(req.RequestID, decision))
		return Result{Error: decision.Reason, Decision: &decision}, nil
	default:
		return s.sign(ctx, req, decision, false), nil
	}
}

// decide evaluates req and records its id atomically, so of two
// concurrent submissions with the same id only one can pass.
func (s *Service) decide(ctx context.Context, req policy.Request, now time.Time) (policy.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.ledger.History(ctx, req.RequestID, now)
	if err != nil {
		return policy.Decision{}, err
	}
	decision := policy.Evaluate(req, s.policy, history, now)

	first, err := s.ledger.MarkSubmitted(ctx, req.RequestID, now)
	if err != nil {
		return policy.Decision{}, err
	}
	if !first && decision.MatchedRule != policy.RuleReplayProtection {
		decision = policy.Decision{
			MatchedRule: policy.RuleReplayProtection,
			Reason:      fmt.Sprintf("request %q was already submitted", req.RequestID),
		}
	}

	// Reserve the rate-limit slot before releasing the lock so concurrent
	// submissions cannot overshoot the window.
	if decision.Allowed {
		if err := s.ledger.MarkAccepted(ctx, req.RequestID, now); err != nil {
			return policy.Decision{}, err
		}
	}
	return decision, nil
}

func (s *Service) hold(ctx context.Context, req policy.Request, decision policy.Decision, now time.Time) Result {
	s.mu.Lock()
	s.pending[req.RequestID] = &PendingApproval{
		RequestID: req.RequestID,
		Request:   req,
		Decision:  decision,
		CreatedAt: now,
		ExpiresAt: now.Add(s.timeout),
	}
	s.mu.Unlock()

	meta := decisionMetadata(req.RequestID, decision)
	meta["expiresAt"] = now.Add(s.timeout).UTC().Format(time.RFC3339)
	s.record(ctx, audit.EventPolicyDecision, audit.SeverityInfo,
		fmt.Sprintf("signing request %s awaiting human confirmation", req.RequestID), meta)

	return Result{
		Error:                     "human confirmation required",
		Decision:                  &decision,
		RequiresHumanConfirmation: true,
	}
}

// sign calls the signer and writes exactly one disposition entry.
func (s *Service) sign(ctx context.Context, req policy.Request, decision policy.Decision, humanConfirmed bool) Result {
	tx := signer.Transaction{
		To:       req.To,
		Value:    req.Value,
		Data:     req.Data,
		ChainID:  req.ChainID,
		Nonce:    req.Nonce,
		GasLimit: req.GasLimit,
	}

	sig, err := s.signer.SignTransaction(ctx, tx)
	if err != nil {
		s.logger.ErrorContext(ctx, "signer failed", "request_id", req.RequestID, "error", err)
		s.record(ctx, audit.EventSigningRejected, audit.SeverityError,
			fmt.Sprintf("signing request %s failed in signer", req.RequestID),
			map[string]any{"requestId": req.RequestID, "error": err.Error(), "humanConfirmed": humanConfirmed})
		return Result{Error: err.Error(), Decision: &decision, HumanConfirmed: humanConfirmed}
	}

	s.record(ctx, audit.EventSigningApproved, audit.SeverityInfo,
		fmt.Sprintf("signing request %s signed", req.RequestID),
		map[string]any{"requestId": req.RequestID, "chainId": req.ChainID, "humanConfirmed": humanConfirmed})
	return Result{Success: true, Signature: sig, Decision: &decision, HumanConfirmed: humanConfirmed}
}

// Approve signs a pending request on behalf of a human operator.
func (s *Service) Approve(ctx context.Context, requestID string) (result Result, err error) {
	ctx, finish := s.telemetry.TrackOperation(ctx, "signing.approve")
	defer func() { finish(err) }()

	now := s.clock()

	s.mu.Lock()
	p, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()
		return Result{Error: ErrNoPendingApproval.Error()}, ErrNoPendingApproval
	}
	delete(s.pending, requestID)
	expired := now.After(p.ExpiresAt)
	var ledgerErr error
	if !expired {
		ledgerErr = s.ledger.MarkAccepted(ctx, requestID, now)
	}
	s.mu.Unlock()

	if expired {
		s.recordExpiry(ctx, p)
		return Result{Error: ErrApprovalExpired.Error(), Decision: &p.Decision}, ErrApprovalExpired
	}
	if ledgerErr != nil {
		// Rate accounting is best effort once a human has approved.
		s.logger.ErrorContext(ctx, "failed to record acceptance", "request_id", requestID, "error", ledgerErr)
	}

	return s.sign(ctx, p.Request, p.Decision, true), nil
}

// Reject discards a pending request and reports whether one existed.
func (s *Service) Reject(ctx context.Context, requestID string) bool {
	s.mu.Lock()
	_, existed := s.pending[requestID]
	delete(s.pending, requestID)
	s.mu.Unlock()

	s.record(ctx, audit.EventSigningRejected, audit.SeverityWarn,
		fmt.Sprintf("signing request %s rejected: human rejected", requestID),
		map[string]any{"requestId": requestID, "existed": existed})
	return existed
}

// PendingApprovals returns live approvals, oldest first. Expired entries
// are purged and audited on the way.
func (s *Service) PendingApprovals(ctx context.Context) []PendingApproval {
	now := s.clock()

	s.mu.Lock()
	var live []PendingApproval
	var expired []*PendingApproval
	for id, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, id)
			expired = append(expired, p)
			continue
		}
		live = append(live, *p)
	}
	s.mu.Unlock()

	for _, p := range expired {
		s.recordExpiry(ctx, p)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].RequestID < live[j].RequestID
		}
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})
	return live
}

// UpdatePolicy swaps the active policy for future submissions. Pending
// approvals keep the decision they were held under.
func (s *Service) UpdatePolicy(ctx context.Context, p policy.Policy) error {
	if err := policy.CheckVersion(p.Version); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	previous := s.policy
	s.policy = p
	s.mu.Unlock()

	s.record(ctx, audit.EventPolicyDecision, audit.SeverityWarn, "signing policy updated", map[string]any{
		"previousMaxTransactionValueWei": previous.MaxTransactionValueWei,
		"maxTransactionValueWei":         p.MaxTransactionValueWei,
		"allowedChainIds":                p.AllowedChainIDs,
		"maxTransactionsPerHour":         p.MaxTransactionsPerHour,
		"maxTransactionsPerDay":          p.MaxTransactionsPerDay,
		"requireHumanConfirmation":       p.RequireHumanConfirmation,
	})
	return nil
}

// Policy returns the active policy.
func (s *Service) Policy() policy.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Address returns the signer's address.
func (s *Service) Address(ctx context.Context) (string, error) {
	return s.signer.Address(ctx)
}

func (s *Service) recordExpiry(ctx context.Context, p *PendingApproval) {
	s.record(ctx, audit.EventSigningRejected, audit.SeverityWarn,
		fmt.Sprintf("signing request %s rejected: approval expired", p.RequestID),
		map[string]any{"requestId": p.RequestID, "expiresAt": p.ExpiresAt.UTC().Format(time.RFC3339)})
}

func (s *Service) record(ctx context.Context, t audit.EventType, sev audit.Severity, summary string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(ctx, audit.Entry{Type: t, Severity: sev, Summary: summary, Metadata: meta}); err != nil {
		s.logger.ErrorContext(ctx, "audit record failed", "type", string(t), "error", err)
	}
}

func outcome(d policy.Decision) string {
	switch {
	case d.RequiresHumanConfirmation:
		return "pending"
	case d.Allowed:
		return "allowed"
	}
	return "denied"
}

func requestMetadata(req policy.Request) map[string]any {
	return map[string]any{
		"requestId": req.RequestID,
		"chainId":   req.ChainID,
		"to":        req.To,
		"value":     req.Value,
	}
}

func decisionMetadata(requestID string, d policy.Decision) map[string]any {
	return map[string]any{
		"requestId":   requestID,
		"matchedRule": string(d.MatchedRule),
		"reason":      d.Reason,
	}
}
