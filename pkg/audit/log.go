// Package audit keeps the append-only trail of security-relevant events:
// token substitutions, capability invocations, policy decisions and the
// disposition of every signing request.
//
// Entries are immutable once recorded and hash-chained in sequence order.
// The in-memory log is a bounded ring; sinks receive every entry so a
// durable copy can outlive eviction.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 1000

// EventType is the closed set of audit categories.
type EventType string

const (
	EventTokenReplacementInbound  EventType = "token_replacement_inbound"
	EventTokenReplacementOutbound EventType = "token_replacement_outbound"
	EventCapabilityInvocation     EventType = "capability_invocation"
	EventPolicyDecision           EventType = "policy_decision"
	EventLifecycle                EventType = "lifecycle"
	EventSigningSubmitted         EventType = "signing_submitted"
	EventSigningApproved          EventType = "signing_approved"
	EventSigningRejected          EventType = "signing_rejected"
	EventFetchProxyError          EventType = "fetch_proxy_error"
)

var knownTypes = map[EventType]bool{
	EventTokenReplacementInbound:  true,
	EventTokenReplacementOutbound: true,
	EventCapabilityInvocation:     true,
	EventPolicyDecision:           true,
	EventLifecycle:                true,
	EventSigningSubmitted:         true,
	EventSigningApproved:          true,
	EventSigningRejected:          true,
	EventFetchProxyError:          true,
}

// Valid reports whether t belongs to the closed set.
func (t EventType) Valid() bool {
	return knownTypes[t]
}

// Severity of an entry.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

var (
	ErrUnknownType = errors.New("audit: unknown event type")
	ErrChainBroken = errors.New("audit: hash chain is broken")
)

// Entry is a single immutable audit record.
type Entry struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence"`
	Type         EventType      `json:"type"`
	Summary      string         `json:"summary"`
	Severity     Severity       `json:"severity"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

// Sink receives entries after they are appended.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Recorder is the write side of the log, as consumed by other packages.
type Recorder interface {
	Record(ctx context.Context, e Entry) (Entry, error)
}

// Log is a bounded, append-only, hash-chained audit ring.
type Log struct {
	mu       sync.RWMutex
	ring     []Entry
	start    int
	size     int
	sequence uint64
	head     string
	sinks    []Sink
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithCapacity sets the ring size.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.ring = make([]Entry, n)
		}
	}
}

// WithSink adds a sink notified of every appended entry.
func WithSink(s Sink) Option {
	return func(l *Log) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) {
		l.clock = clock
	}
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithResume continues the chain after last, typically the newest entry
// loaded back from a persistent sink.
func WithResume(last Entry) Option {
	return func(l *Log) {
		if last.Hash != "" {
			l.sequence = last.Sequence
			l.head = last.Hash
		}
	}
}

// NewLog creates an empty log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		ring:   make([]Entry, DefaultCapacity),
		head:   "genesis",
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Capacity returns the ring size.
func (l *Log) Capacity() int {
	return len(l.ring)
}

// Record appends e, filling in ID, sequence, timestamp and chain hashes.
// Severity defaults to info. The stored copy is returned.
func (l *Log) Record(ctx context.Context, e Entry) (Entry, error) {
	if !e.Type.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	e.Metadata = cloneMetadata(e.Metadata)

	l.mu.Lock()
	l.sequence++
	e.ID = uuid.New().String()
	e.Sequence = l.sequence
	e.Timestamp = l.clock().UTC()
	e.PreviousHash = l.head
	e.Hash = entryHash(e)
	l.head = e.Hash

	if l.size < len(l.ring) {
		l.ring[(l.start+l.size)%len(l.ring)] = e
		l.size++
	} else {
		l.ring[l.start] = e
		l.start = (l.start + 1) % len(l.ring)
	}

	// Sinks run under the lock so they observe entries in sequence order.
	for _, s := range l.sinks {
		if err := s.Write(ctx, e); err != nil {
			l.logger.ErrorContext(ctx, "audit sink write failed",
				"sequence", e.Sequence, "type", string(e.Type), "error", err)
		}
	}
	l.mu.Unlock()

	return e, nil
}

// Recent returns up to limit of the newest entries, oldest first.
// A limit <= 0 returns everything retained.
func (l *Log) Recent(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := l.size - n; i < l.size; i++ {
		out = append(out, copyEntry(l.ring[(l.start+i)%len(l.ring)]))
	}
	return out
}

// ByType returns every retained entry of type t, oldest first.
func (l *Log) ByType(t EventType) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for i := 0; i < l.size; i++ {
		e := l.ring[(l.start+i)%len(l.ring)]
		if e.Type == t {
			out = append(out, copyEntry(e))
		}
	}
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Verify re-computes the chain over the retained window. The oldest
// retained entry anchors the check since its predecessor may be evicted.
func (l *Log) Verify() error {
	l.mu.RLock()
	entries := make([]Entry, 0, l.size)
	for i := 0; i < l.size; i++ {
		entries = append(entries, l.ring[(l.start+i)%len(l.ring)])
	}
	l.mu.RUnlock()
	return VerifyChain(entries)
}

// VerifyChain checks that entries, oldest first, are individually intact
// and linked by previous_hash.
func VerifyChain(entries []Entry) error {
	prev := ""
	for i, e := range entries {
		if i > 0 && e.PreviousHash != prev {
			return fmt.Errorf("%w at sequence %d", ErrChainBroken, e.Sequence)
		}
		if entryHash(e) != e.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		prev = e.Hash
	}
	return nil
}

func entryHash(e Entry) string {
	hashable := struct {
		Sequence     uint64         `json:"sequence"`
		Type         EventType      `json:"type"`
		Summary      string         `json:"summary"`
		Severity     Severity       `json:"severity"`
		Metadata     map[string]any `json:"metadata,omitempty"`
		Timestamp    time.Time      `json:"timestamp"`
		PreviousHash string         `json:"previous_hash"`
	}{
		Sequence:     e.Sequence,
		Type:         e.Type,
		Summary:      e.Summary,
		Severity:     e.Severity,
		Metadata:     e.Metadata,
		Timestamp:    e.Timestamp,
		PreviousHash: e.PreviousHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		// Metadata that cannot be encoded still gets a stable hash.
		data = []byte(fmt.Sprintf("%d|%s|%s|%s|%s|%s", e.Sequence, e.Type, e.Summary, e.Severity, e.Timestamp.Format(time.RFC3339Nano), e.PreviousHash))
	}
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

func cloneMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyEntry(e Entry) Entry {
	e.Metadata = cloneMetadata(e.Metadata)
	return e
}
