// Package tokenstore maps registered secrets to opaque placeholder tokens.
//
// Agent-visible text only ever carries tokens. The plaintext is restored at
// the terminal network boundary (Detokenize) and anything that comes back
// from that boundary is re-scanned (Tokenize) before it is handed out again.
//
// Tokens are random and independent of the secret value. The mapping is
// bijective and lives as long as the Store.
package tokenstore

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TokenPrefix marks every token issued by a Store.
const TokenPrefix = "stok_"

var (
	ErrEmptySecret = errors.New("tokenstore: secret must not be empty")
	ErrEmptyID     = errors.New("tokenstore: secret id must not be empty")
)

// Store is a bijective secret <-> token cache.
type Store struct {
	mu            sync.RWMutex
	tokenBySecret map[string]string
	secretByToken map[string]string
	tokenByID     map[string]string

	// secrets sorted longest first, rebuilt on Register.
	ordered []string
	tokens  []string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tokenBySecret: make(map[string]string),
		secretByToken: make(map[string]string),
		tokenByID:     make(map[string]string),
	}
}

// Register returns the token for secret, issuing one on first sight.
// Registering a value that is already known returns the existing token,
// whatever id it was first registered under.
func (s *Store) Register(id, secret string) (string, error) {
	if id == "" {
		return "", ErrEmptyID
	}
	if secret == "" {
		return "", ErrEmptySecret
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tok, ok := s.tokenBySecret[secret]; ok {
		s.tokenByID[id] = tok
		return tok, nil
	}

	tok := newToken()
	for s.secretByToken[tok] != "" {
		tok = newToken()
	}

	s.tokenBySecret[secret] = tok
	s.secretByToken[tok] = secret
	s.tokenByID[id] = tok

	s.tokens = append(s.tokens, tok)
	s.ordered = append(s.ordered, secret)
	sort.SliceStable(s.ordered, func(i, j int) bool {
		return len(s.ordered[i]) > len(s.ordered[j])
	})

	return tok, nil
}

// Lookup returns the token registered under id.
func (s *Store) Lookup(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokenByID[id]
	return tok, ok
}

// Len returns the number of distinct secrets held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secretByToken)
}

// Detokenize replaces every known token in text with its secret and
// reports how many replacements were made.
func (s *Store) Detokenize(text string) (string, int) {
	if !strings.Contains(text, TokenPrefix) {
		return text, 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return replaceLeftmost(text, s.tokens, s.secretByToken)
}

// Tokenize replaces every known secret literal in text with its token and
// reports how many replacements were made. Where secrets overlap at the
// same position the longer one wins, so a secret that prefixes another
// cannot split it.
func (s *Store) Tokenize(text string) (string, int) {
	if text == "" {
		return text, 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return replaceLeftmost(text, s.ordered, s.tokenBySecret)
}

// replaceLeftmost rewrites text in a single left-to-right pass. At each
// position the first matching entry of olds wins, and inserted text is
// never rescanned, so a replacement cannot be rewritten by a later one.
func replaceLeftmost(text string, olds []string, with map[string]string) (string, int) {
	next := make([]int, len(olds))
	for i, old := range olds {
		next[i] = strings.Index(text, old)
	}

	var b strings.Builder
	pos, count := 0, 0
	for {
		best := -1
		for i, at := range next {
			if at >= 0 && (best < 0 || at < next[best]) {
				best = i
			}
		}
		if best < 0 {
			break
		}
		at := next[best]
		b.WriteString(text[pos:at])
		b.WriteString(with[olds[best]])
		pos = at + len(olds[best])
		count++

		for i, at := range next {
			if at < 0 || at >= pos {
				continue
			}
			if j := strings.Index(text[pos:], olds[i]); j >= 0 {
				next[i] = pos + j
			} else {
				next[i] = -1
			}
		}
	}
	if count == 0 {
		return text, 0
	}
	b.WriteString(text[pos:])
	return b.String(), count
}

func newToken() string {
	return TokenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
