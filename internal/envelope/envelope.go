package envelope

import (
	"context"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/StarboundEnt/MVP-sub001/internal/crypto"
	"github.com/StarboundEnt/MVP-sub001/internal/keys"
	"github.com/StarboundEnt/MVP-sub001/internal/secerr"
)

// Version is the envelope wire format version.
const Version = "1.0"

// ContentType tags enveloped bodies so the HTTP layer knows to route
// responses back through Decrypt.
const ContentType = "application/x-encrypted-json"

// Envelope is the wire object. encrypted_key wraps exactly the
// symmetric key that produced ciphertext and mac, and mac authenticates
// (request_id, ciphertext) under that key, so a ciphertext from one
// request cannot be replayed as the response to another. server_key_id
// is advisory metadata: it is not an input to the MAC, and a wrong
// server key cannot unwrap the session key anyway.
type Envelope struct {
	Version           string `json:"version"`
	RequestID         string `json:"request_id"`
	ServerKeyID       string `json:"server_key_id"`
	DeviceFingerprint string `json:"device_fingerprint"`
	EncryptedKey      string `json:"encrypted_key"`
	Ciphertext        string `json:"ciphertext"`
	IV                string `json:"iv"`
	MAC               string `json:"mac"`
}

// KeySource is the consumed contract of the device key manager.
type KeySource interface {
	EnsureKeyMaterial(ctx context.Context) (keys.KeyMaterial, error)
}

// Options tunes the envelope transformer. Zero values give a capacity
// of DefaultMaxSessions and the permissive decrypt fallback.
type Options struct {
	ServerKeyID string
	MaxSessions int
	// Strict makes Decrypt fail with a protocol error on unparseable
	// payloads instead of degrading to plaintext.
	Strict bool
	Logger zerolog.Logger
}

// EnvelopeTransformer performs the hybrid encryption per request.
type EnvelopeTransformer struct {
	keys        KeySource
	serverKey   *rsa.PublicKey
	serverKeyID string
	sessions    *SessionKeyStore
	strict      bool
	log         zerolog.Logger
}

func New(ks KeySource, serverKey *rsa.PublicKey, o Options) *EnvelopeTransformer {
	return &EnvelopeTransformer{
		keys:        ks,
		serverKey:   serverKey,
		serverKeyID: o.ServerKeyID,
		sessions:    NewSessionKeyStore(o.MaxSessions),
		strict:      o.Strict,
		log:         o.Logger.With().Str("component", "envelope").Logger(),
	}
}

func (t *EnvelopeTransformer) ContentType() string { return ContentType }

// Sessions exposes the session store for tests and diagnostics.
func (t *EnvelopeTransformer) Sessions() *SessionKeyStore { return t.sessions }

// Encrypt serializes payload to JSON, encrypts it under a fresh
// session key, and emits the serialized envelope. The session key is
// retained, keyed by request id, until the response is decrypted or
// the entry is evicted.
func (t *EnvelopeTransformer) Encrypt(ctx context.Context, payload any, pctx PayloadContext) (string, error) {
	const op = "envelope.encrypt"

	if t.serverKey == nil {
		return "", secerr.E(secerr.KindConfiguration, op, secerr.ErrNoServerKey)
	}
	km, err := t.keys.EnsureKeyMaterial(ctx)
	if err != nil {
		return "", secerr.E(secerr.KindConfiguration, op, err)
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", secerr.E(secerr.KindProtocol, op, err)
	}

	key, err := crypto.RandKey()
	if err != nil {
		return "", err
	}
	iv, err := crypto.RandIV()
	if err != nil {
		return "", err
	}

	ct, err := crypto.EncryptCBC(key, iv, plaintext)
	if err != nil {
		return "", err
	}
	ctB64 := base64.StdEncoding.EncodeToString(ct)
	mac := computeMAC(key, pctx.RequestID, ctB64)

	wrapped, err := crypto.WrapKey(t.serverKey, key)
	if err != nil {
		return "", secerr.E(secerr.KindConfiguration, op, err)
	}

	t.sessions.Put(pctx.RequestID, key)

	env := Envelope{
		Version:           Version,
		RequestID:         pctx.RequestID,
		ServerKeyID:       t.serverKeyID,
		DeviceFingerprint: km.Fingerprint,
		EncryptedKey:      base64.StdEncoding.EncodeToString(wrapped),
		Ciphertext:        ctB64,
		IV:                base64.StdEncoding.EncodeToString(iv),
		MAC:               base64.StdEncoding.EncodeToString(mac),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	t.log.Debug().Str("request_id", pctx.RequestID).Str("uri", pctx.URI).Msg("payload enveloped")
	return string(out), nil
}

// Decrypt authenticates and opens a response envelope. The session key
// for the resolved request id is consumed by the attempt whether or
// not the attempt succeeds, so a second decrypt for the same id always
// fails with a missing-session-key error.
func (t *EnvelopeTransformer) Decrypt(ctx context.Context, payload string, pctx PayloadContext) (string, error) {
	const op = "envelope.decrypt"

	env, ok := parseEnvelope(payload)
	if !ok {
		if t.strict {
			return "", secerr.E(secerr.KindProtocol, op, secerr.ErrMalformedEnvelope)
		}
		// Degrade to plaintext: the response was never enveloped.
		// Drop the now-useless session key for this request.
		if key, had := t.sessions.Take(pctx.RequestID); had {
			crypto.Zero(key)
		}
		t.log.Warn().Str("request_id", pctx.RequestID).Str("uri", pctx.URI).
			Msg("response is not an envelope; passing through as plaintext")
		return payload, nil
	}

	requestID := env.RequestID
	if requestID == "" {
		requestID = pctx.RequestID
	}

	key, ok := t.sessions.Take(requestID)
	if !ok {
		return "", secerr.E(secerr.KindIntegrity, op, secerr.ErrMissingSessionKey)
	}
	defer crypto.Zero(key)

	if env.ServerKeyID != "" && env.ServerKeyID != t.serverKeyID {
		t.log.Warn().Str("request_id", requestID).
			Str("server_key_id", env.ServerKeyID).
			Msg("envelope carries unexpected server key id")
	}

	receivedMAC, err := base64.StdEncoding.DecodeString(env.MAC)
	if err != nil {
		return "", secerr.E(secerr.KindIntegrity, op, secerr.ErrMACMismatch)
	}
	expectedMAC := computeMAC(key, requestID, env.Ciphertext)
	if subtle.ConstantTimeCompare(expectedMAC, receivedMAC) != 1 {
		return "", secerr.E(secerr.KindIntegrity, op, secerr.ErrMACMismatch)
	}

	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", secerr.E(secerr.KindIntegrity, op, secerr.ErrMACMismatch)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", secerr.E(secerr.KindIntegrity, op, err)
	}
	pt, err := crypto.DecryptCBC(key, iv, ct)
	if err != nil {
		return "", secerr.E(secerr.KindIntegrity, op, err)
	}
	return string(pt), nil
}

// parseEnvelope reports whether payload is a well-formed envelope. A
// JSON body without the binary envelope fields is treated as an
// ordinary plaintext response, not a malformed envelope.
func parseEnvelope(payload string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, false
	}
	if env.Ciphertext == "" || env.IV == "" || env.MAC == "" {
		return Envelope{}, false
	}
	return env, true
}

// computeMAC authenticates (requestID, ciphertext) under the session
// key: HMAC-SHA256 over requestID + "|" + base64(ciphertext).
func computeMAC(key []byte, requestID, ciphertextB64 string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(requestID))
	mac.Write([]byte("|"))
	mac.Write([]byte(ciphertextB64))
	return mac.Sum(nil)
}
