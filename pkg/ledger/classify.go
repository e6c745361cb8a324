package ledger

import (
	"errors"

	"github.com/nainya/custody/pkg/custody"
)

// Classify maps a ledger failure into the custody error taxonomy
func Classify(err error, op string) error {
	var ce *custody.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return err
	case IsRejected(err):
		return custody.Wrap(custody.ErrLedgerRejected, err, "%s", op)
	case errors.Is(err, ErrSequenceConflict):
		return custody.Wrap(custody.ErrVersionConflict, err, "%s", op)
	default:
		return custody.Wrap(custody.ErrLedgerUnavailable, err, "%s", op)
	}
}
