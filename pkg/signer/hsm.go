package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotInitialized = errors.New("hsm: not initialized")
	ErrKeyNotFound    = errors.New("hsm: key not found")
)

// KeyHandle is an opaque reference to a key held by a Provider.
type KeyHandle string

// KeyInfo describes a stored key.
type KeyInfo struct {
	Handle    KeyHandle
	Label     string
	CreatedAt time.Time
}

// Provider is the hardware security module abstraction. Keys are created
// inside the provider and only digests cross the boundary.
type Provider interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	GenerateKey(ctx context.Context, label string) (KeyHandle, error)
	GetKeyInfo(ctx context.Context, handle KeyHandle) (*KeyInfo, error)
	PublicKey(ctx context.Context, handle KeyHandle) ([]byte, error)

	Sign(ctx context.Context, handle KeyHandle, digest []byte) ([]byte, error)
	Verify(ctx context.Context, handle KeyHandle, digest, signature []byte) (bool, error)

	Name() string
}

// SoftwareProvider keeps ECDSA P-256 keys in process memory.
// NOT FOR PRODUCTION - use only for development and testing.
type SoftwareProvider struct {
	keys       map[KeyHandle]*softwareKey
	keyCounter int
	isOpen     bool
	clock      func() time.Time
	mu         sync.RWMutex
}

type softwareKey struct {
	info    *KeyInfo
	privKey *ecdsa.PrivateKey
}

// NewSoftwareProvider creates a software-only provider for development.
func NewSoftwareProvider() *SoftwareProvider {
	return &SoftwareProvider{
		keys:  make(map[KeyHandle]*softwareKey),
		clock: time.Now,
	}
}

func (p *SoftwareProvider) Name() string {
	return "Software (Development Only)"
}

func (p *SoftwareProvider) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isOpen = true
	return nil
}

func (p *SoftwareProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isOpen = false
	return nil
}

func (p *SoftwareProvider) IsOpen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isOpen
}

func (p *SoftwareProvider) GenerateKey(ctx context.Context, label string) (KeyHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isOpen {
		return "", ErrNotInitialized
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("hsm: generate key: %w", err)
	}

	p.keyCounter++
	handle := KeyHandle(fmt.Sprintf("sw-key-%d", p.keyCounter))
	p.keys[handle] = &softwareKey{
		info:    &KeyInfo{Handle: handle, Label: label, CreatedAt: p.clock()},
		privKey: priv,
	}
	return handle, nil
}

func (p *SoftwareProvider) GetKeyInfo(ctx context.Context, handle KeyHandle) (*KeyInfo, error) {
	k, err := p.lookup(handle)
	if err != nil {
		return nil, err
	}
	info := *k.info
	return &info, nil
}

// PublicKey returns the uncompressed SEC 1 point without its 0x04 prefix.
func (p *SoftwareProvider) PublicKey(ctx context.Context, handle KeyHandle) ([]byte, error) {
	k, err := p.lookup(handle)
	if err != nil {
		return nil, err
	}
	pub, err := k.privKey.PublicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("hsm: encode public key: %w", err)
	}
	return pub.Bytes()[1:], nil
}

func (p *SoftwareProvider) Sign(ctx context.Context, handle KeyHandle, digest []byte) ([]byte, error) {
	k, err := p.lookup(handle)
	if err != nil {
		return nil, err
	}
	return ecdsa.SignASN1(rand.Reader, k.privKey, digest)
}

func (p *SoftwareProvider) Verify(ctx context.Context, handle KeyHandle, digest, signature []byte) (bool, error) {
	k, err := p.lookup(handle)
	if err != nil {
		return false, err
	}
	return ecdsa.VerifyASN1(&k.privKey.PublicKey, digest, signature), nil
}

func (p *SoftwareProvider) lookup(handle KeyHandle) (*softwareKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.isOpen {
		return nil, ErrNotInitialized
	}
	k, ok := p.keys[handle]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

// HSMSigner signs with a key that never leaves its Provider.
type HSMSigner struct {
	provider Provider
	handle   KeyHandle
	address  string
}

// NewHSMSigner opens provider if needed and generates a signing key
// labelled label.
func NewHSMSigner(ctx context.Context, provider Provider, label string) (*HSMSigner, error) {
	if !provider.IsOpen() {
		if err := provider.Open(ctx); err != nil {
			return nil, fmt.Errorf("open %s: %w", provider.Name(), err)
		}
	}
	handle, err := provider.GenerateKey(ctx, label)
	if err != nil {
		return nil, err
	}
	return NewHSMSignerForKey(ctx, provider, handle)
}

// NewHSMSignerForKey binds to an existing key.
func NewHSMSignerForKey(ctx context.Context, provider Provider, handle KeyHandle) (*HSMSigner, error) {
	pub, err := provider.PublicKey(ctx, handle)
	if err != nil {
		return nil, err
	}
	return &HSMSigner{provider: provider, handle: handle, address: AddressFromPublicKey(pub)}, nil
}

// Handle returns the provider key handle.
func (s *HSMSigner) Handle() KeyHandle {
	return s.handle
}

func (s *HSMSigner) Address(context.Context) (string, error) {
	return s.address, nil
}

func (s *HSMSigner) SignMessage(ctx context.Context, msg []byte) (string, error) {
	return s.sign(ctx, MessageDigest(msg))
}

func (s *HSMSigner) SignTransaction(ctx context.Context, tx Transaction) (string, error) {
	digest, err := TransactionDigest(tx)
	if err != nil {
		return "", err
	}
	return s.sign(ctx, digest)
}

func (s *HSMSigner) sign(ctx context.Context, digest []byte) (string, error) {
	if !s.provider.IsOpen() {
		return "", ErrUnavailable
	}
	sig, err := s.provider.Sign(ctx, s.handle, digest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return encodeSignature(sig), nil
}
