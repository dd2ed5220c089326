// Package kv defines the keyed storage contract the record store runs on.
//
// A Storage exposes read-only views and atomic update invocations. Writes made
// inside Update are applied together when the callback returns nil and are
// discarded otherwise, so callers never observe a partial invocation.
package kv

import (
	"context"
	"errors"
)

var ErrConflict = errors.New("kv: conflicting update")

type Reader interface {
	// Get returns the stored value for key. A missing key is reported with
	// ok=false and a nil error.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
}

type Tx interface {
	Reader
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

type Storage interface {
	View(ctx context.Context, fn func(Reader) error) error
	Update(ctx context.Context, fn func(Tx) error) error
}
