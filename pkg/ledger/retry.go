package ledger

import (
	"context"
	"errors"

	"github.com/nainya/custody/pkg/retry"
)

// Retrying wraps a Ledger with a bounded retry policy. Appends are only
// retried when they carry an idempotency key, so a retry after an
// ambiguous failure cannot commit the event twice.
type Retrying struct {
	Ledger Ledger
	Policy retry.Policy
}

// WithRetry wraps l with policy p
func WithRetry(l Ledger, p retry.Policy) *Retrying {
	return &Retrying{Ledger: l, Policy: p}
}

func retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Append retries unavailable errors for keyed appends
func (r *Retrying) Append(ctx context.Context, documentID string, ev Event, idempotencyKey string) (Record, error) {
	policy := r.Policy
	if idempotencyKey == "" {
		policy = retry.None
	}

	var rec Record
	err := retry.Do(ctx, policy, retryable, func(ctx context.Context) error {
		var err error
		rec, err = r.Ledger.Append(ctx, documentID, ev, idempotencyKey)
		return err
	})
	return rec, err
}

// Read retries unavailable errors
func (r *Retrying) Read(ctx context.Context, documentID string) ([]Record, error) {
	var recs []Record
	err := retry.Do(ctx, r.Policy, retryable, func(ctx context.Context) error {
		var err error
		recs, err = r.Ledger.Read(ctx, documentID)
		return err
	})
	return recs, err
}
