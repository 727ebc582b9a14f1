package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SigningKey is one RSA signing key with its rotation metadata.
type SigningKey struct {
	ID        string
	Private   *rsa.PrivateKey
	CreatedAt time.Time

	// RetireAt is set once the key stops being current; tokens it signed
	// validate until then, after which the key is unconditionally dead.
	RetireAt time.Time
}

// keySet is the immutable current/previous pair. Rotation swaps the whole
// set behind an atomic pointer; keys in use are never mutated.
type keySet struct {
	current  *SigningKey
	previous *SigningKey
}

// KeyRing owns the process-wide signing keys. Reads are lock-free; rotation
// is serialized by a mutex but publishes through a single pointer swap.
type KeyRing struct {
	keys   atomic.Pointer[keySet]
	grace  time.Duration
	bits   int
	logger *slog.Logger

	rotateMutex sync.Mutex

	// now is overridable for tests.
	now func() time.Time
}

// NewKeyRing generates an initial signing key. The grace period is how long
// a retired key keeps validating tokens it signed; it should match the
// access-token lifetime so rotation never strands in-flight tokens.
func NewKeyRing(grace time.Duration, logger *slog.Logger) (*KeyRing, error) {
	kr := &KeyRing{
		grace:  grace,
		bits:   2048,
		logger: logger.With(slog.String("component", "keyring")),
		now:    time.Now,
	}

	key, err := kr.generateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate initial signing key: %w", err)
	}

	kr.keys.Store(&keySet{current: key})
	kr.logger.Info("Generated initial signing key", slog.String("key_id", key.ID))

	return kr, nil
}

// Current returns the key used to sign newly issued tokens.
func (kr *KeyRing) Current() *SigningKey {
	return kr.keys.Load().current
}

// Previous returns the retired key while it is still within its grace
// period, or nil once it has been destroyed.
func (kr *KeyRing) Previous() *SigningKey {
	set := kr.keys.Load()
	if set.previous == nil {
		return nil
	}
	if kr.now().After(set.previous.RetireAt) {
		return nil
	}
	return set.previous
}

// Rotate generates a new current key. The former current key becomes
// previous with a grace deadline; whatever key held the previous slot is
// dropped outright.
func (kr *KeyRing) Rotate() (*SigningKey, error) {
	kr.rotateMutex.Lock()
	defer kr.rotateMutex.Unlock()

	newKey, err := kr.generateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	old := kr.keys.Load()
	retiring := *old.current
	retiring.RetireAt = kr.now().Add(kr.grace)

	kr.keys.Store(&keySet{current: newKey, previous: &retiring})

	kr.logger.Info("Rotated signing key",
		slog.String("new_key_id", newKey.ID),
		slog.String("retired_key_id", retiring.ID),
		slog.Time("retire_at", retiring.RetireAt))

	return newKey, nil
}

// VerificationKey resolves the public key for a token's kid header. Unknown
// or retired kids fail, which surfaces as a bad signature.
func (kr *KeyRing) VerificationKey(keyID string) (*rsa.PublicKey, error) {
	set := kr.keys.Load()

	if set.current != nil && set.current.ID == keyID {
		return &set.current.Private.PublicKey, nil
	}
	if set.previous != nil && set.previous.ID == keyID {
		if kr.now().After(set.previous.RetireAt) {
			return nil, fmt.Errorf("signing key %s has been retired", keyID)
		}
		return &set.previous.Private.PublicKey, nil
	}

	return nil, fmt.Errorf("unknown signing key %s", keyID)
}

// PublicKeys returns the live verification keys keyed by kid, for JWKS
// exposure.
func (kr *KeyRing) PublicKeys() map[string]*rsa.PublicKey {
	keys := make(map[string]*rsa.PublicKey, 2)
	set := kr.keys.Load()
	if set.current != nil {
		keys[set.current.ID] = &set.current.Private.PublicKey
	}
	if set.previous != nil && !kr.now().After(set.previous.RetireAt) {
		keys[set.previous.ID] = &set.previous.Private.PublicKey
	}
	return keys
}

func (kr *KeyRing) generateKey() (*SigningKey, error) {
	private, err := rsa.GenerateKey(rand.Reader, kr.bits)
	if err != nil {
		return nil, err
	}
	return &SigningKey{
		ID:        randomHex(8),
		Private:   private,
		CreatedAt: kr.now(),
	}, nil
}
