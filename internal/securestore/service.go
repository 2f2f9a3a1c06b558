// Package securestore persists health, authentication, and medical
// data encrypted under the device's persistent storage key. Every read
// re-verifies two independent integrity layers: a checksum over the
// decrypted plaintext blob and an integrity hash embedded in the data
// before encryption. Either mismatch fails closed.
package securestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/StarboundEnt/MVP-sub001/internal/crypto"
	"github.com/StarboundEnt/MVP-sub001/internal/keys"
	"github.com/StarboundEnt/MVP-sub001/internal/secerr"
	"github.com/StarboundEnt/MVP-sub001/internal/storage"
)

// Well-known categories. Arbitrary category names are accepted; the
// prefix decides the record shape and whether access is audited.
const (
	CategoryHealthData      = "health_data"
	CategoryAuthToken       = "auth_token"
	CategoryPrivacySettings = "privacy_settings"
	CategoryMedicalRecords  = "medical_records"
)

const dataVersion = "1.0"

// Embedded metadata attached to the payload before encryption.
const (
	metaEncryptedAt   = "encrypted_at"
	metaDataVersion   = "data_version"
	metaIntegrityHash = "integrity_hash"
)

// ErrNoRecord reports an absent category.
var ErrNoRecord = storage.ErrNotFound

// KeyProvider is the consumed contract of the device key manager.
type KeyProvider interface {
	EnsureKeyMaterial(ctx context.Context) (keys.KeyMaterial, error)
	StorageKey(ctx context.Context) ([]byte, error)
}

// Record is the general persisted shape.
type Record struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	KeyID      string `json:"key_id"`
	Checksum   string `json:"checksum"`
}

// HealthRecord is the richer shape used for health and medical
// categories; it additionally carries the encryption timestamp.
type HealthRecord struct {
	EncryptedData string `json:"encrypted_data"`
	IV            string `json:"iv"`
	KeyID         string `json:"key_id"`
	Timestamp     string `json:"timestamp"`
	Checksum      string `json:"checksum"`
}

// Service is the secure storage service. One instance per device,
// built by the composition root; no package-level state.
type Service struct {
	keys  KeyProvider
	store storage.RecordStore
	log   zerolog.Logger
	ns    string

	// auditMu serializes the audit trail's read-modify-write cycle.
	auditMu sync.Mutex
}

func New(kp KeyProvider, rs storage.RecordStore, log zerolog.Logger) *Service {
	return &Service{
		keys:  kp,
		store: rs,
		log:   log.With().Str("component", "securestore").Logger(),
		ns:    "secure",
	}
}

// Store encrypts data under the persistent storage key and replaces
// the category's record wholesale. The integrity hash is computed over
// the caller's data before the metadata is attached and before
// encryption; the checksum covers the full plaintext blob after.
func (s *Service) Store(ctx context.Context, category string, data map[string]any) error {
	const op = "securestore.store"
	if category == "" {
		return errors.New("securestore: empty category")
	}

	km, err := s.keys.EnsureKeyMaterial(ctx)
	if err != nil {
		return secerr.E(secerr.KindConfiguration, op, err)
	}
	storageKey, err := s.keys.StorageKey(ctx)
	if err != nil {
		return secerr.E(secerr.KindConfiguration, op, err)
	}
	defer crypto.Zero(storageKey)

	hash, err := integrityHash(data)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)

	payload := make(map[string]any, len(data)+3)
	for k, v := range data {
		payload[k] = v
	}
	payload[metaEncryptedAt] = now
	payload[metaDataVersion] = dataVersion
	payload[metaIntegrityHash] = hash

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	checksum := crypto.SHA256Hex(plaintext)

	iv, err := crypto.RandIV()
	if err != nil {
		return err
	}
	ct, err := crypto.EncryptCBC(storageKey, iv, plaintext)
	if err != nil {
		return err
	}

	var blob []byte
	if isHealthCategory(category) {
		blob, err = json.Marshal(HealthRecord{
			EncryptedData: base64.StdEncoding.EncodeToString(ct),
			IV:            base64.StdEncoding.EncodeToString(iv),
			KeyID:         km.KeyID,
			Timestamp:     now,
			Checksum:      checksum,
		})
	} else {
		blob, err = json.Marshal(Record{
			Ciphertext: base64.StdEncoding.EncodeToString(ct),
			IV:         base64.StdEncoding.EncodeToString(iv),
			KeyID:      km.KeyID,
			Checksum:   checksum,
		})
	}
	if err != nil {
		return err
	}

	if err := s.store.Put(ctx, s.recordKey(category), blob); err != nil {
		return err
	}
	if isMedicalCategory(category) {
		if err := s.appendAudit(ctx, "store", category, km.Fingerprint); err != nil {
			return err
		}
	}
	s.log.Debug().Str("category", category).Msg("record stored")
	return nil
}

// Retrieve decrypts and re-verifies a category's record. Nothing is
// returned unless both integrity layers pass.
func (s *Service) Retrieve(ctx context.Context, category string) (map[string]any, error) {
	const op = "securestore.retrieve"

	blob, err := s.store.Get(ctx, s.recordKey(category))
	if err != nil {
		return nil, err
	}
	ct, iv, keyID, checksum, err := decodeRecord(blob, isHealthCategory(category))
	if err != nil {
		return nil, secerr.E(secerr.KindIntegrity, op, err)
	}

	km, err := s.keys.EnsureKeyMaterial(ctx)
	if err != nil {
		return nil, secerr.E(secerr.KindConfiguration, op, err)
	}
	if keyID != km.KeyID {
		s.log.Warn().Str("category", category).Str("record_key_id", keyID).
			Msg("record was written under a different key id")
	}
	storageKey, err := s.keys.StorageKey(ctx)
	if err != nil {
		return nil, secerr.E(secerr.KindConfiguration, op, err)
	}
	defer crypto.Zero(storageKey)

	plaintext, err := crypto.DecryptCBC(storageKey, iv, ct)
	if err != nil {
		return nil, secerr.E(secerr.KindIntegrity, op, err)
	}
	if !crypto.EqualHex(checksum, crypto.SHA256Hex(plaintext)) {
		return nil, secerr.E(secerr.KindIntegrity, op, secerr.ErrChecksumMismatch)
	}

	// UseNumber keeps numeric text intact; float64 coercion would
	// re-marshal large integers differently than they were hashed.
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, secerr.E(secerr.KindIntegrity, op, err)
	}
	storedHash, _ := payload[metaIntegrityHash].(string)
	if storedHash == "" {
		return nil, secerr.E(secerr.KindIntegrity, op, secerr.ErrIntegrityHashMismatch)
	}
	data := make(map[string]any, len(payload))
	for k, v := range payload {
		switch k {
		case metaEncryptedAt, metaDataVersion, metaIntegrityHash:
		default:
			data[k] = v
		}
	}
	recomputed, err := integrityHash(data)
	if err != nil {
		return nil, err
	}
	if !crypto.EqualHex(storedHash, recomputed) {
		return nil, secerr.E(secerr.KindIntegrity, op, secerr.ErrIntegrityHashMismatch)
	}

	if isMedicalCategory(category) {
		if err := s.appendAudit(ctx, "retrieve", category, km.Fingerprint); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Delete removes a category's record.
func (s *Service) Delete(ctx context.Context, category string) error {
	return s.store.Delete(ctx, s.recordKey(category))
}

// Wipe removes every record and the audit trail in this service's
// namespace.
func (s *Service) Wipe(ctx context.Context) error {
	keysList, err := s.store.List(ctx, s.ns+"/")
	if err != nil {
		return err
	}
	for _, k := range keysList {
		if err := s.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	s.log.Info().Int("records", len(keysList)).Msg("secure storage wiped")
	return nil
}

func (s *Service) recordKey(category string) string {
	return s.ns + "/record/" + category
}

func decodeRecord(blob []byte, health bool) (ct, iv []byte, keyID, checksum string, err error) {
	var ctB64, ivB64 string
	if health {
		var rec HealthRecord
		if err = json.Unmarshal(blob, &rec); err != nil {
			return
		}
		ctB64, ivB64, keyID, checksum = rec.EncryptedData, rec.IV, rec.KeyID, rec.Checksum
	} else {
		var rec Record
		if err = json.Unmarshal(blob, &rec); err != nil {
			return
		}
		ctB64, ivB64, keyID, checksum = rec.Ciphertext, rec.IV, rec.KeyID, rec.Checksum
	}
	if ct, err = base64.StdEncoding.DecodeString(ctB64); err != nil {
		return
	}
	iv, err = base64.StdEncoding.DecodeString(ivB64)
	return
}

// integrityHash digests the canonically-sorted JSON of the logical
// data, excluding any attached metadata.
func integrityHash(data map[string]any) (string, error) {
	canonical, err := crypto.CanonicalJSON(data)
	if err != nil {
		return "", err
	}
	return crypto.SHA256Hex(canonical), nil
}

func isHealthCategory(category string) bool {
	return strings.HasPrefix(category, "health") || isMedicalCategory(category)
}

func isMedicalCategory(category string) bool {
	return strings.HasPrefix(category, "medical")
}
