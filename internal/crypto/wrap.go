package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
)

var ErrNotRSAPublicKey = errors.New("crypto: not an RSA public key")

// WrapKey encrypts a raw symmetric key to the server's RSA public key
// using OAEP with SHA-256. Textbook/PKCS1v15 RSA is never used here.
func WrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
}

// UnwrapKey recovers a symmetric key wrapped with WrapKey. Only the
// server holds the private key; this exists for tests and tooling.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
}

// ParseRSAPublicKey accepts a PEM block in either PKIX ("PUBLIC KEY")
// or PKCS1 ("RSA PUBLIC KEY") form.
func ParseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("crypto: no PEM block found")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, ErrNotRSAPublicKey
		}
		return pub, nil
	}
}
