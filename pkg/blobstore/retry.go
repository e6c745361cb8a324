package blobstore

import (
	"context"
	"errors"

	"github.com/nainya/custody/pkg/retry"
)

// Retrying wraps a Store with a bounded retry policy. Content addressing
// makes repeated puts safe.
type Retrying struct {
	Store  Store
	Policy retry.Policy
}

// WithRetry wraps s with policy p
func WithRetry(s Store, p retry.Policy) *Retrying {
	return &Retrying{Store: s, Policy: p}
}

func retryable(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrInvalidHash) &&
		!errors.Is(err, ErrCorrupted) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Put retries transient failures
func (r *Retrying) Put(ctx context.Context, data []byte) (string, error) {
	var hash string
	err := retry.Do(ctx, r.Policy, retryable, func(ctx context.Context) error {
		var err error
		hash, err = r.Store.Put(ctx, data)
		return err
	})
	return hash, err
}

// Get retries transient failures
func (r *Retrying) Get(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, r.Policy, retryable, func(ctx context.Context) error {
		var err error
		data, err = r.Store.Get(ctx, hash)
		return err
	})
	return data, err
}

// Has retries transient failures
func (r *Retrying) Has(ctx context.Context, hash string) (bool, error) {
	var ok bool
	err := retry.Do(ctx, r.Policy, retryable, func(ctx context.Context) error {
		var err error
		ok, err = r.Store.Has(ctx, hash)
		return err
	})
	return ok, err
}
