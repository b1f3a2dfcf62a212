package storage

import (
	"context"
	"errors"
)

var (
	ErrInvalidKey    = errors.New("key must not be empty")
	ErrInvalidBackup = errors.New("backup is not a valid JSON document")
)

type Store interface {
	Get(ctx context.Context, db int, key []byte) ([]byte, bool, error)
	Set(ctx context.Context, db int, key []byte, value []byte) error
	Del(ctx context.Context, db int, keys ...[]byte) (int, error)
	Flush(ctx context.Context, db int) error

	Restore(values []byte) error
	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update

	Close() error
}

// Update describes a change to a single key. Value is nil when the key was
// deleted.
type Update struct {
	DB    int
	Key   []byte
	Value []byte
}
