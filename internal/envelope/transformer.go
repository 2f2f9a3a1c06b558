// Package envelope implements the hybrid envelope-encryption protocol
// protecting request and response bodies: a fresh AES-256 session key
// per request, wrapped to the server's RSA key with OAEP, ciphertext
// authenticated with an HMAC bound to the request id.
package envelope

import (
	"context"
	"encoding/json"
)

// PayloadContext carries the per-request metadata the transformer
// needs; the HTTP layer that populates it is an external collaborator.
type PayloadContext struct {
	RequestID string
	URI       string
}

// Transformer is the payload-transformer capability. Exactly one
// variant is active at a time: the envelope transformer when a server
// encryption key is configured, the pass-through otherwise, so callers
// never special-case "no encryption configured".
type Transformer interface {
	ContentType() string
	Encrypt(ctx context.Context, payload any, pctx PayloadContext) (string, error)
	Decrypt(ctx context.Context, payload string, pctx PayloadContext) (string, error)
}

// Passthrough serializes without confidentiality. Selected when the
// server-side encryption configuration is absent.
type Passthrough struct{}

func (Passthrough) ContentType() string { return "application/json" }

func (Passthrough) Encrypt(_ context.Context, payload any, _ PayloadContext) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (Passthrough) Decrypt(_ context.Context, payload string, _ PayloadContext) (string, error) {
	return payload, nil
}
