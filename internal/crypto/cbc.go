package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
)

const (
	// KeySize is the symmetric key size used everywhere in this layer.
	KeySize = 32
	// IVSize matches the AES block size.
	IVSize = aes.BlockSize
)

var (
	ErrInvalidKeySize = errors.New("crypto: key must be 32 bytes")
	ErrInvalidIVSize  = errors.New("crypto: iv must be 16 bytes")
	ErrInvalidPadding = errors.New("crypto: invalid pkcs7 padding")
)

// RandKey returns a fresh 256-bit symmetric key from crypto/rand.
func RandKey() ([]byte, error) { return RandBytes(KeySize) }

// RandIV returns a fresh 128-bit initialization vector.
func RandIV() ([]byte, error) { return RandBytes(IVSize) }

func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// EncryptCBC encrypts plaintext with AES-256-CBC and PKCS7 padding.
// Confidentiality only: callers pair it with an HMAC (wire envelope)
// or a checksum plus embedded hash (storage records).
func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(iv) != IVSize {
		return nil, ErrInvalidIVSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return ct, nil
}

// DecryptCBC reverses EncryptCBC. A padding failure is reported as
// ErrInvalidPadding; callers treat it as an integrity violation.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(iv) != IVSize {
		return nil, ErrInvalidIVSize
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidPadding
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ciphertext)
	return pkcs7Unpad(pt, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
