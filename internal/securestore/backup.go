package securestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/StarboundEnt/MVP-sub001/internal/crypto"
	"github.com/StarboundEnt/MVP-sub001/internal/secerr"
)

const backupVersion = "1.0"
const backupAAD = "securestore:backup"

// backupBundle gathers every record in the namespace. The embedded
// fingerprint restricts restore to the same logical device identity.
type backupBundle struct {
	Version           string            `json:"version"`
	DeviceFingerprint string            `json:"device_fingerprint"`
	CreatedAt         string            `json:"created_at"`
	Records           map[string][]byte `json:"records"`
}

// ExportBackup bundles all records under this service's namespace into
// one object sealed under the storage key. The result is opaque bytes;
// only the same device identity can import it.
func (s *Service) ExportBackup(ctx context.Context) ([]byte, error) {
	const op = "securestore.export_backup"

	km, err := s.keys.EnsureKeyMaterial(ctx)
	if err != nil {
		return nil, secerr.E(secerr.KindConfiguration, op, err)
	}
	keysList, err := s.store.List(ctx, s.ns+"/")
	if err != nil {
		return nil, err
	}
	records := make(map[string][]byte, len(keysList))
	for _, k := range keysList {
		blob, err := s.store.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		records[k] = blob
	}

	bundle := backupBundle{
		Version:           backupVersion,
		DeviceFingerprint: km.Fingerprint,
		CreatedAt:         time.Now().UTC().Format(time.RFC3339),
		Records:           records,
	}
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return nil, err
	}

	storageKey, err := s.keys.StorageKey(ctx)
	if err != nil {
		return nil, secerr.E(secerr.KindConfiguration, op, err)
	}
	defer crypto.Zero(storageKey)
	sealed, err := crypto.SealX(storageKey, plaintext, []byte(backupAAD))
	if err != nil {
		return nil, err
	}
	s.log.Info().Int("records", len(records)).Msg("backup exported")
	return sealed, nil
}

// ImportBackup opens a backup bundle and replaces the namespace's
// records. A fingerprint that does not match the current device
// identity fails closed; nothing is restored.
func (s *Service) ImportBackup(ctx context.Context, sealed []byte) error {
	const op = "securestore.import_backup"

	storageKey, err := s.keys.StorageKey(ctx)
	if err != nil {
		return secerr.E(secerr.KindConfiguration, op, err)
	}
	defer crypto.Zero(storageKey)
	plaintext, err := crypto.OpenX(storageKey, sealed, []byte(backupAAD))
	if err != nil {
		return secerr.E(secerr.KindIntegrity, op, err)
	}
	var bundle backupBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return secerr.E(secerr.KindIntegrity, op, err)
	}

	km, err := s.keys.EnsureKeyMaterial(ctx)
	if err != nil {
		return secerr.E(secerr.KindConfiguration, op, err)
	}
	if bundle.DeviceFingerprint != km.Fingerprint {
		return secerr.E(secerr.KindIntegrity, op, secerr.ErrFingerprintMismatch)
	}

	// Replace, not merge: local records absent from the bundle must not
	// survive the restore.
	existing, err := s.store.List(ctx, s.ns+"/")
	if err != nil {
		return err
	}
	for _, k := range existing {
		if err := s.store.Delete(ctx, k); err != nil {
			return err
		}
	}

	for k, blob := range bundle.Records {
		if err := s.store.Put(ctx, k, blob); err != nil {
			return err
		}
	}
	s.log.Info().Int("records", len(bundle.Records)).Msg("backup imported")
	return nil
}
