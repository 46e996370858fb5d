// Package kvstore provides the durable key-value stores the action queue
// persists its snapshot into.
package kvstore

import (
	"context"
	"errors"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedScheme = errors.New("unsupported store scheme")
	ErrLocked            = errors.New("store is locked by another owner")
	ErrClosed            = errors.New("store closed")
)

// Store is a byte-valued key-value store. Set must be durable once it returns
// nil; Get reports a missing key with ok=false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidInput
	}
	return nil
}
