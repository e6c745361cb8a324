package directory

import (
	"errors"

	"github.com/nainya/custody/pkg/custody"
)

// Classify maps a directory failure into the custody error taxonomy
func Classify(err error, op string) error {
	var ce *custody.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return err
	case errors.Is(err, ErrUnknownIdentity):
		return custody.Wrap(custody.ErrUnknownIdentity, err, "%s", op)
	default:
		return custody.Wrap(custody.ErrDirectoryUnavailable, err, "%s", op)
	}
}
