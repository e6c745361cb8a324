package store

import (
	"errors"

	"github.com/nainya/custody/pkg/custody"
)

// Classify maps a store failure into the custody error taxonomy
func Classify(err error, op string) error {
	var ce *custody.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return err
	case errors.Is(err, ErrNotFound):
		return custody.Wrap(custody.ErrNotFound, err, "%s", op)
	case errors.Is(err, ErrDuplicateActive):
		return custody.Wrap(custody.ErrDuplicateActive, err, "%s", op)
	case errors.Is(err, ErrConflict):
		return custody.Wrap(custody.ErrVersionConflict, err, "%s", op)
	default:
		return custody.Wrap(custody.ErrInternal, err, "%s", op)
	}
}
