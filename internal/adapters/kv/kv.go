// Package kv provides the durable key-value stores the pipeline persists to.
//
// Values are opaque strings. A Set replaces the whole value for a key, which
// is what lets the spool treat each write as atomic.
package kv

import (
	"context"
	"errors"
)

// Well-known keys.
const (
	KeySpool       = "motion_queue"
	KeyDeadLetters = "hix_deadletters"
	KeyAccrual     = "hix_accrual"
	KeyWallet      = "hix_wallet"
)

// Sentinel errors.
var (
	ErrClosed      = errors.New("kv store closed")
	ErrUnsupported = errors.New("unsupported kv driver")
)

// Store is an async string key-value store.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set replaces the value for key.
	Set(ctx context.Context, key, value string) error
	Close() error
}
