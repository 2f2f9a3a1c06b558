package securestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/StarboundEnt/MVP-sub001/internal/crypto"
	"github.com/StarboundEnt/MVP-sub001/internal/secerr"
	"github.com/StarboundEnt/MVP-sub001/internal/storage"
)

// maxAuditEntries caps the medical audit trail; the oldest entries are
// trimmed, with the chain anchored so verification still works.
const maxAuditEntries = 100

var errAuditChainBroken = errors.New("securestore: audit chain broken")

// AuditEntry records one access to a medical-category record. Hash
// chains each entry to its predecessor for tamper evidence.
type AuditEntry struct {
	Action            string `json:"action"`
	Category          string `json:"category"`
	Timestamp         string `json:"timestamp"`
	DeviceFingerprint string `json:"device_fingerprint"`
	Hash              string `json:"hash"`
}

// auditTrail is the persisted form. BaseHash anchors the chain after
// trimming: it is the hash of the newest entry that was dropped.
type auditTrail struct {
	BaseHash string       `json:"base_hash,omitempty"`
	Entries  []AuditEntry `json:"entries"`
}

const auditAAD = "securestore:audit"

func (s *Service) auditKey() string { return s.ns + "/audit" }

func (s *Service) appendAudit(ctx context.Context, action, category, fingerprint string) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	trail, err := s.loadAudit(ctx)
	if err != nil {
		return err
	}

	prev := trail.BaseHash
	if n := len(trail.Entries); n > 0 {
		prev = trail.Entries[n-1].Hash
	}
	entry := AuditEntry{
		Action:            action,
		Category:          category,
		Timestamp:         time.Now().UTC().Format(time.RFC3339Nano),
		DeviceFingerprint: fingerprint,
	}
	entry.Hash = auditEntryHash(prev, entry)
	trail.Entries = append(trail.Entries, entry)

	if n := len(trail.Entries); n > maxAuditEntries {
		trail.BaseHash = trail.Entries[n-maxAuditEntries-1].Hash
		trail.Entries = append([]AuditEntry(nil), trail.Entries[n-maxAuditEntries:]...)
	}
	return s.saveAudit(ctx, trail)
}

// AuditTrail returns the retained audit entries, oldest first.
func (s *Service) AuditTrail(ctx context.Context) ([]AuditEntry, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	trail, err := s.loadAudit(ctx)
	if err != nil {
		return nil, err
	}
	return append([]AuditEntry(nil), trail.Entries...), nil
}

// VerifyAuditChain re-walks the hash chain from its anchor and fails
// closed on any break.
func (s *Service) VerifyAuditChain(ctx context.Context) error {
	const op = "securestore.verify_audit"
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	trail, err := s.loadAudit(ctx)
	if err != nil {
		return err
	}
	prev := trail.BaseHash
	for _, e := range trail.Entries {
		if auditEntryHash(prev, e) != e.Hash {
			return secerr.E(secerr.KindIntegrity, op, errAuditChainBroken)
		}
		prev = e.Hash
	}
	return nil
}

func (s *Service) loadAudit(ctx context.Context) (*auditTrail, error) {
	const op = "securestore.load_audit"

	blob, err := s.store.Get(ctx, s.auditKey())
	if errors.Is(err, storage.ErrNotFound) {
		return &auditTrail{}, nil
	}
	if err != nil {
		return nil, err
	}
	storageKey, err := s.keys.StorageKey(ctx)
	if err != nil {
		return nil, secerr.E(secerr.KindConfiguration, op, err)
	}
	defer crypto.Zero(storageKey)
	plaintext, err := crypto.OpenX(storageKey, blob, []byte(auditAAD))
	if err != nil {
		return nil, secerr.E(secerr.KindIntegrity, op, err)
	}
	var trail auditTrail
	if err := json.Unmarshal(plaintext, &trail); err != nil {
		return nil, secerr.E(secerr.KindIntegrity, op, err)
	}
	return &trail, nil
}

func (s *Service) saveAudit(ctx context.Context, trail *auditTrail) error {
	plaintext, err := json.Marshal(trail)
	if err != nil {
		return err
	}
	storageKey, err := s.keys.StorageKey(ctx)
	if err != nil {
		return err
	}
	defer crypto.Zero(storageKey)
	sealed, err := crypto.SealX(storageKey, plaintext, []byte(auditAAD))
	if err != nil {
		return err
	}
	return s.store.Put(ctx, s.auditKey(), sealed)
}

func auditEntryHash(prev string, e AuditEntry) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte("|" + e.Action + "|" + e.Category + "|" + e.Timestamp + "|" + e.DeviceFingerprint))
	return hex.EncodeToString(h.Sum(nil))
}
