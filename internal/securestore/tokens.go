package securestore

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/StarboundEnt/MVP-sub001/internal/secerr"
)

// Auth tokens bind to the device identity: the record carries the
// fingerprint current at store time and is deleted on any violation
// observed at read time.

// StoreAuthToken persists the backend-issued token. When expiresAt is
// nil and the token is a JWT, its exp claim supplies the expiry.
func (s *Service) StoreAuthToken(ctx context.Context, token string, expiresAt *time.Time) error {
	const op = "securestore.store_token"

	km, err := s.keys.EnsureKeyMaterial(ctx)
	if err != nil {
		return secerr.E(secerr.KindConfiguration, op, err)
	}
	if expiresAt == nil {
		expiresAt = jwtExpiry(token)
	}

	data := map[string]any{
		"token":              token,
		"created_at":         time.Now().UTC().Format(time.RFC3339),
		"device_fingerprint": km.Fingerprint,
		"encryption_key_id":  km.KeyID,
	}
	if expiresAt != nil {
		data["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	return s.Store(ctx, CategoryAuthToken, data)
}

// RetrieveAuthToken returns the stored token after re-checking its
// lifetime and device binding. An expired token is deleted and
// reported with ErrTokenExpired; a fingerprint mismatch is deleted and
// reported as an integrity violation.
func (s *Service) RetrieveAuthToken(ctx context.Context) (string, error) {
	const op = "securestore.retrieve_token"

	data, err := s.Retrieve(ctx, CategoryAuthToken)
	if err != nil {
		return "", err
	}

	if expStr, ok := data["expires_at"].(string); ok {
		exp, err := time.Parse(time.RFC3339, expStr)
		if err != nil {
			_ = s.Delete(ctx, CategoryAuthToken)
			return "", secerr.E(secerr.KindIntegrity, op, err)
		}
		if time.Now().After(exp) {
			_ = s.Delete(ctx, CategoryAuthToken)
			s.log.Info().Msg("expired auth token deleted")
			return "", secerr.ErrTokenExpired
		}
	}

	km, err := s.keys.EnsureKeyMaterial(ctx)
	if err != nil {
		return "", secerr.E(secerr.KindConfiguration, op, err)
	}
	storedFP, _ := data["device_fingerprint"].(string)
	if storedFP != km.Fingerprint {
		_ = s.Delete(ctx, CategoryAuthToken)
		s.log.Warn().Msg("auth token bound to a different device; deleted")
		return "", secerr.E(secerr.KindIntegrity, op, secerr.ErrFingerprintMismatch)
	}

	token, _ := data["token"].(string)
	if token == "" {
		return "", secerr.E(secerr.KindIntegrity, op, secerr.ErrIntegrityHashMismatch)
	}
	return token, nil
}

// jwtExpiry extracts the exp claim from a JWT without verifying its
// signature; verification is the backend's job, this layer only needs
// the lifetime. Returns nil for non-JWT tokens.
func jwtExpiry(token string) *time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}
