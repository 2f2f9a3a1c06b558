// Package storage provides the persistence backends for encrypted
// records. Stores hold opaque bytes; all encryption and integrity
// checking happens above them in the secure storage service.
package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("storage: record not found")

type RecordStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns the keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
