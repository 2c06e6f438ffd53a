package signer

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"
)

// KeySource resolves a key id to its published record. The store-backed
// implementation lives in pkg/store; tests supply fakes.
type KeySource interface {
	PublicKeyHex(ctx context.Context, keyID string) (string, error)
}

type cachedKey struct {
	public    ed25519.PublicKey
	expiresAt time.Time
}

// KeyRing caches resolved public keys in front of a KeySource. Lookup
// failures are returned to the caller and never cached, so a key published
// after a miss is picked up on the next call. A KeyRing is constructed once
// at process start and shared across requests.
type KeyRing struct {
	source KeySource
	ttl    time.Duration

	mu    sync.RWMutex
	items map[string]cachedKey
}

func NewKeyRing(source KeySource, ttl time.Duration) *KeyRing {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &KeyRing{
		source: source,
		ttl:    ttl,
		items:  map[string]cachedKey{},
	}
}

// PublicKey returns the Ed25519 public key registered under keyID.
func (r *KeyRing) PublicKey(ctx context.Context, keyID string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	item, ok := r.items[keyID]
	r.mu.RUnlock()
	if ok && !time.Now().UTC().After(item.expiresAt) {
		return item.public, nil
	}

	pubHex, err := r.source.PublicKeyHex(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("resolve key %s: %w", keyID, err)
	}
	pub, err := ParsePublicKeyHex(pubHex)
	if err != nil {
		return nil, fmt.Errorf("resolve key %s: %w", keyID, err)
	}

	r.mu.Lock()
	r.items[keyID] = cachedKey{public: pub, expiresAt: time.Now().UTC().Add(r.ttl)}
	r.mu.Unlock()
	return pub, nil
}

// Forget drops a cached entry so the next lookup hits the source again.
// Callers use it as a failure signal when a cached key stops verifying.
func (r *KeyRing) Forget(keyID string) {
	r.mu.Lock()
	delete(r.items, keyID)
	r.mu.Unlock()
}
