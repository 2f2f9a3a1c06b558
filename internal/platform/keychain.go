package platform

import (
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"

	"github.com/StarboundEnt/MVP-sub001/internal/crypto"
)

var ErrEntryNotFound = errors.New("platform: keychain entry not found")

// Keychain abstracts the platform's secure key storage. The device key
// manager and storage service never touch raw key files directly.
type Keychain interface {
	Store(entry string, secret []byte) error
	Load(entry string) ([]byte, error)
	Delete(entry string) error
}

// FileKeychain keeps entries as files sealed under a machine-local
// wrapping key. It stands in for the OS keystore on platforms without
// one; entries are XChaCha20-Poly1305 sealed, files are mode 0600.
type FileKeychain struct {
	dir     string
	wrapKey []byte
}

const wrapKeyFile = "wrap.key"

func NewFileKeychain(dir string) (*FileKeychain, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	wrapPath := filepath.Join(dir, wrapKeyFile)
	wrapKey, err := os.ReadFile(wrapPath)
	if os.IsNotExist(err) {
		wrapKey = make([]byte, crypto.KeySize)
		if _, err := rand.Read(wrapKey); err != nil {
			return nil, err
		}
		if err := os.WriteFile(wrapPath, wrapKey, 0600); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if len(wrapKey) != crypto.KeySize {
		return nil, errors.New("platform: corrupt keychain wrapping key")
	}
	return &FileKeychain{dir: dir, wrapKey: wrapKey}, nil
}

func (k *FileKeychain) Store(entry string, secret []byte) error {
	sealed, err := crypto.SealX(k.wrapKey, secret, k.aad(entry))
	if err != nil {
		return err
	}
	return os.WriteFile(k.path(entry), sealed, 0600)
}

func (k *FileKeychain) Load(entry string) ([]byte, error) {
	sealed, err := os.ReadFile(k.path(entry))
	if os.IsNotExist(err) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return crypto.OpenX(k.wrapKey, sealed, k.aad(entry))
}

func (k *FileKeychain) Delete(entry string) error {
	err := os.Remove(k.path(entry))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (k *FileKeychain) path(entry string) string {
	return filepath.Join(k.dir, entry+".sealed")
}

func (k *FileKeychain) aad(entry string) []byte {
	return []byte("keychain:" + entry)
}
