// Package keys owns the device's long-lived key identity: one Ed25519
// identity keypair (whose public-key digest is the device fingerprint)
// and one persistent symmetric storage key, both held in the platform
// keychain. Per-request session keys live elsewhere, in the envelope
// transformer's session store.
package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/StarboundEnt/MVP-sub001/internal/crypto"
	"github.com/StarboundEnt/MVP-sub001/internal/platform"
)

// KeyMaterial identifies the device's persistent key identity. Stable
// across calls for the lifetime of the identity.
type KeyMaterial struct {
	KeyID       string `json:"key_id"`
	Fingerprint string `json:"fingerprint"`
}

const (
	identityEntry   = "device-identity"
	storageKeyEntry = "storage-key"
)

// identityRecord is the keychain-persisted form of the device identity.
type identityRecord struct {
	KeyID       string `json:"key_id"`
	Fingerprint string `json:"fingerprint"`
	Public      []byte `json:"public"`
	Private     []byte `json:"private"`
	CreatedAt   int64  `json:"created_at"`
}

// Manager is the device key manager. EnsureKeyMaterial is a memoized
// single-flight initializer: concurrent first-time callers block on
// one mutex and observe the same identity.
type Manager struct {
	keychain platform.Keychain
	log      zerolog.Logger

	mu         sync.Mutex
	material   *KeyMaterial
	storageKey []byte
}

func NewManager(kc platform.Keychain, log zerolog.Logger) *Manager {
	return &Manager{keychain: kc, log: log.With().Str("component", "keys").Logger()}
}

// EnsureKeyMaterial returns the device identity, generating and
// persisting it on first use. Idempotent and safe for concurrent use.
func (m *Manager) EnsureKeyMaterial(ctx context.Context) (KeyMaterial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.material != nil {
		return *m.material, nil
	}

	rec, err := m.loadIdentity()
	if err == nil {
		m.material = &KeyMaterial{KeyID: rec.KeyID, Fingerprint: rec.Fingerprint}
		return *m.material, nil
	}
	if !errors.Is(err, platform.ErrEntryNotFound) {
		return KeyMaterial{}, fmt.Errorf("keys: load identity: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("keys: generate identity: %w", err)
	}
	sum := sha256.Sum256(pub)
	rec = &identityRecord{
		KeyID:       uuid.NewString(),
		Fingerprint: hex.EncodeToString(sum[:]),
		Public:      pub,
		Private:     priv,
		CreatedAt:   time.Now().Unix(),
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return KeyMaterial{}, err
	}
	if err := m.keychain.Store(identityEntry, blob); err != nil {
		return KeyMaterial{}, fmt.Errorf("keys: persist identity: %w", err)
	}
	crypto.Zero(blob)

	m.material = &KeyMaterial{KeyID: rec.KeyID, Fingerprint: rec.Fingerprint}
	m.log.Info().Str("key_id", rec.KeyID).Msg("device identity generated")
	return *m.material, nil
}

// StorageKey returns the persistent 32-byte symmetric key protecting
// records at rest, generating it on first use. Distinct from the
// envelope transformer's per-request session keys.
func (m *Manager) StorageKey(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.storageKey != nil {
		return append([]byte(nil), m.storageKey...), nil
	}

	key, err := m.keychain.Load(storageKeyEntry)
	if errors.Is(err, platform.ErrEntryNotFound) {
		key, err = crypto.RandKey()
		if err != nil {
			return nil, err
		}
		if err := m.keychain.Store(storageKeyEntry, key); err != nil {
			return nil, fmt.Errorf("keys: persist storage key: %w", err)
		}
		m.log.Info().Msg("storage key generated")
	} else if err != nil {
		return nil, fmt.Errorf("keys: load storage key: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, errors.New("keys: corrupt storage key")
	}
	m.storageKey = key
	return append([]byte(nil), key...), nil
}

func (m *Manager) loadIdentity() (*identityRecord, error) {
	blob, err := m.keychain.Load(identityEntry)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(blob)
	var rec identityRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, err
	}
	if rec.KeyID == "" || rec.Fingerprint == "" {
		return nil, errors.New("keys: corrupt identity record")
	}
	return &rec, nil
}
