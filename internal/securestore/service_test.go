package securestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StarboundEnt/MVP-sub001/internal/crypto"
	"github.com/StarboundEnt/MVP-sub001/internal/keys"
	"github.com/StarboundEnt/MVP-sub001/internal/secerr"
	"github.com/StarboundEnt/MVP-sub001/internal/storage"
)

type fakeKeys struct {
	material   keys.KeyMaterial
	storageKey []byte
}

func (f *fakeKeys) EnsureKeyMaterial(context.Context) (keys.KeyMaterial, error) {
	return f.material, nil
}

func (f *fakeKeys) StorageKey(context.Context) ([]byte, error) {
	return append([]byte(nil), f.storageKey...), nil
}

func newTestService(t *testing.T) (*Service, *fakeKeys, storage.RecordStore) {
	t.Helper()
	fk := &fakeKeys{
		material: keys.KeyMaterial{
			KeyID:       "key-0001",
			Fingerprint: "fp-device-a",
		},
		storageKey: make([]byte, 32),
	}
	for i := range fk.storageKey {
		fk.storageKey[i] = byte(i + 1)
	}
	rs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return New(fk, rs, zerolog.Nop()), fk, rs
}

// normalize round-trips through JSON the way Retrieve decodes, so
// numeric types compare the way callers will actually see them.
func normalize(t *testing.T, data map[string]any) map[string]any {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out map[string]any
	require.NoError(t, dec.Decode(&out))
	return out
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	data := map[string]any{
		"steps":     12840,
		"heartRate": []any{62, 58, 71},
		"profile":   map[string]any{"height_cm": 172.5, "conditions": []any{"asthma"}},
	}
	require.NoError(t, svc.Store(ctx, CategoryHealthData, data))

	got, err := svc.Retrieve(ctx, CategoryHealthData)
	require.NoError(t, err)
	assert.Equal(t, normalize(t, data), got)

	// Metadata attached during encryption must not leak back out.
	assert.NotContains(t, got, metaIntegrityHash)
	assert.NotContains(t, got, metaEncryptedAt)
	assert.NotContains(t, got, metaDataVersion)
}

func TestRetrieveKeepsLargeIntegersIntact(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// Nanosecond timestamps exceed float64's 2^53 integer range; the
	// integrity recheck must not lose precision on them.
	syncedAt := int64(1755945600123456789)
	require.NoError(t, svc.Store(ctx, CategoryHealthData, map[string]any{
		"synced_at_ns": syncedAt,
	}))

	got, err := svc.Retrieve(ctx, CategoryHealthData)
	require.NoError(t, err)
	n, ok := got["synced_at_ns"].(json.Number)
	require.True(t, ok, "synced_at_ns decoded as %T", got["synced_at_ns"])
	parsed, err := n.Int64()
	require.NoError(t, err)
	assert.Equal(t, syncedAt, parsed)
}

func TestStoreReplacesRecord(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, CategoryPrivacySettings, map[string]any{"share": true}))
	require.NoError(t, svc.Store(ctx, CategoryPrivacySettings, map[string]any{"share": false}))

	got, err := svc.Retrieve(ctx, CategoryPrivacySettings)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"share": false}, got)
}

func TestRetrieveMissingCategory(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Retrieve(context.Background(), "never_stored")
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestRecordShapeByCategory(t *testing.T) {
	svc, _, rs := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, CategoryHealthData, map[string]any{"a": 1}))
	require.NoError(t, svc.Store(ctx, CategoryPrivacySettings, map[string]any{"b": 2}))

	blob, err := rs.Get(ctx, "secure/record/"+CategoryHealthData)
	require.NoError(t, err)
	var hr HealthRecord
	require.NoError(t, json.Unmarshal(blob, &hr))
	assert.NotEmpty(t, hr.EncryptedData)
	assert.NotEmpty(t, hr.Timestamp)
	assert.Equal(t, "key-0001", hr.KeyID)

	blob, err = rs.Get(ctx, "secure/record/"+CategoryPrivacySettings)
	require.NoError(t, err)
	var gr Record
	require.NoError(t, json.Unmarshal(blob, &gr))
	assert.NotEmpty(t, gr.Ciphertext)
	assert.Equal(t, "key-0001", gr.KeyID)
}

func TestRetrieveCorruptedCiphertext(t *testing.T) {
	svc, _, rs := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, CategoryHealthData, map[string]any{"steps": 100}))

	key := "secure/record/" + CategoryHealthData
	blob, err := rs.Get(ctx, key)
	require.NoError(t, err)
	var rec HealthRecord
	require.NoError(t, json.Unmarshal(blob, &rec))

	ct, err := base64.StdEncoding.DecodeString(rec.EncryptedData)
	require.NoError(t, err)
	ct[len(ct)/2] ^= 0x01
	rec.EncryptedData = base64.StdEncoding.EncodeToString(ct)
	tampered, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, rs.Put(ctx, key, tampered))

	_, err = svc.Retrieve(ctx, CategoryHealthData)
	require.Error(t, err)
	assert.True(t, secerr.IsIntegrity(err), "want integrity error, got %v", err)
}

func TestRetrieveChecksumMismatch(t *testing.T) {
	svc, _, rs := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, CategoryPrivacySettings, map[string]any{"share": true}))

	key := "secure/record/" + CategoryPrivacySettings
	blob, err := rs.Get(ctx, key)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(blob, &rec))
	rec.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
	tampered, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, rs.Put(ctx, key, tampered))

	_, err = svc.Retrieve(ctx, CategoryPrivacySettings)
	assert.ErrorIs(t, err, secerr.ErrChecksumMismatch)
}

func TestAuthTokenRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	exp := time.Now().Add(time.Hour)
	require.NoError(t, svc.StoreAuthToken(ctx, "opaque-session-token", &exp))

	got, err := svc.RetrieveAuthToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "opaque-session-token", got)
}

func TestAuthTokenExpiryDeletesRecord(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	exp := time.Now().Add(-time.Minute)
	require.NoError(t, svc.StoreAuthToken(ctx, "stale-token", &exp))

	_, err := svc.RetrieveAuthToken(ctx)
	assert.ErrorIs(t, err, secerr.ErrTokenExpired)

	// The record must be gone, not just rejected.
	_, err = svc.Retrieve(ctx, CategoryAuthToken)
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestAuthTokenDeviceBinding(t *testing.T) {
	svc, fk, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.StoreAuthToken(ctx, "bound-token", nil))

	// Same storage key, different device identity.
	fk.material.Fingerprint = "fp-device-b"

	_, err := svc.RetrieveAuthToken(ctx)
	assert.ErrorIs(t, err, secerr.ErrFingerprintMismatch)
	assert.True(t, secerr.IsIntegrity(err))

	_, err = svc.Retrieve(ctx, CategoryAuthToken)
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestJWTExpiryClaim(t *testing.T) {
	// exp: 2000000000 (2033-05-18), alg none-style unsigned JWT.
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"user","exp":2000000000}`))
	token := header + "." + claims + ".sig"

	got := jwtExpiry(token)
	require.NotNil(t, got)
	assert.Equal(t, int64(2000000000), got.Unix())

	assert.Nil(t, jwtExpiry("not-a-jwt"))
}

func TestAuditTrailRecordsMedicalAccess(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, CategoryMedicalRecords, map[string]any{"rx": "med-a"}))
	_, err := svc.Retrieve(ctx, CategoryMedicalRecords)
	require.NoError(t, err)

	// Non-medical access leaves no trace.
	require.NoError(t, svc.Store(ctx, CategoryHealthData, map[string]any{"steps": 1}))

	entries, err := svc.AuditTrail(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "store", entries[0].Action)
	assert.Equal(t, "retrieve", entries[1].Action)
	assert.Equal(t, CategoryMedicalRecords, entries[0].Category)
	assert.Equal(t, "fp-device-a", entries[0].DeviceFingerprint)

	require.NoError(t, svc.VerifyAuditChain(ctx))
}

func TestAuditTrailCapAndChainSurvivesTrim(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < maxAuditEntries+20; i++ {
		require.NoError(t, svc.Store(ctx, CategoryMedicalRecords, map[string]any{"n": i}))
	}

	entries, err := svc.AuditTrail(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, maxAuditEntries)

	// Trimming must not break verification of what remains.
	require.NoError(t, svc.VerifyAuditChain(ctx))
}

func TestVerifyAuditChainDetectsTamper(t *testing.T) {
	svc, fk, rs := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Store(ctx, CategoryMedicalRecords, map[string]any{"n": i}))
	}

	// Rewrite an entry and reseal with the real storage key to show the
	// chain, not just the seal, catches it.
	blob, err := rs.Get(ctx, "secure/audit")
	require.NoError(t, err)
	plaintext, err := crypto.OpenX(fk.storageKey, blob, []byte(auditAAD))
	require.NoError(t, err)
	var trail auditTrail
	require.NoError(t, json.Unmarshal(plaintext, &trail))
	trail.Entries[1].Category = "medical_records_forged"
	forged, err := json.Marshal(trail)
	require.NoError(t, err)
	sealed, err := crypto.SealX(fk.storageKey, forged, []byte(auditAAD))
	require.NoError(t, err)
	require.NoError(t, rs.Put(ctx, "secure/audit", sealed))

	err = svc.VerifyAuditChain(ctx)
	require.Error(t, err)
	assert.True(t, secerr.IsIntegrity(err))
}

func TestBackupRoundTrip(t *testing.T) {
	svc, fk, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, CategoryHealthData, map[string]any{"steps": 9000}))
	require.NoError(t, svc.Store(ctx, CategoryMedicalRecords, map[string]any{"rx": "med-b"}))

	bundle, err := svc.ExportBackup(ctx)
	require.NoError(t, err)

	// Restore into a fresh store sharing the same device identity.
	rs2, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer rs2.Close()
	svc2 := New(fk, rs2, zerolog.Nop())

	require.NoError(t, svc2.ImportBackup(ctx, bundle))

	got, err := svc2.Retrieve(ctx, CategoryHealthData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"steps": json.Number("9000")}, got)
	require.NoError(t, svc2.VerifyAuditChain(ctx))
}

func TestImportBackupReplacesLocalRecords(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, CategoryHealthData, map[string]any{"steps": 1}))
	bundle, err := svc.ExportBackup(ctx)
	require.NoError(t, err)

	// Written after the export, so absent from the bundle.
	require.NoError(t, svc.StoreAuthToken(ctx, "post-export-token", nil))

	require.NoError(t, svc.ImportBackup(ctx, bundle))

	_, err = svc.Retrieve(ctx, CategoryHealthData)
	require.NoError(t, err)
	_, err = svc.RetrieveAuthToken(ctx)
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestBackupRejectsForeignDevice(t *testing.T) {
	svc, fk, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, CategoryHealthData, map[string]any{"steps": 1}))
	bundle, err := svc.ExportBackup(ctx)
	require.NoError(t, err)

	other := &fakeKeys{
		material:   keys.KeyMaterial{KeyID: "key-0002", Fingerprint: "fp-device-b"},
		storageKey: fk.storageKey,
	}
	rs2, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer rs2.Close()
	svc2 := New(other, rs2, zerolog.Nop())

	err = svc2.ImportBackup(ctx, bundle)
	assert.ErrorIs(t, err, secerr.ErrFingerprintMismatch)

	// Nothing may have been restored.
	_, err = svc2.Retrieve(ctx, CategoryHealthData)
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestBackupRejectsTamperedBundle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, CategoryHealthData, map[string]any{"steps": 1}))
	bundle, err := svc.ExportBackup(ctx)
	require.NoError(t, err)

	bundle[len(bundle)-1] ^= 0x01
	err = svc.ImportBackup(ctx, bundle)
	require.Error(t, err)
	assert.True(t, secerr.IsIntegrity(err))
}

func TestWipe(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.Store(ctx, fmt.Sprintf("health_slot_%d", i), map[string]any{"n": i}))
	}
	require.NoError(t, svc.Store(ctx, CategoryMedicalRecords, map[string]any{"rx": "x"}))

	require.NoError(t, svc.Wipe(ctx))

	_, err := svc.Retrieve(ctx, "health_slot_0")
	assert.ErrorIs(t, err, ErrNoRecord)
	entries, err := svc.AuditTrail(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
