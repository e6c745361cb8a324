package blobstore

import (
	"errors"

	"github.com/nainya/custody/pkg/custody"
)

// Classify maps a blob store failure into the custody error taxonomy.
// A hash mismatch on read is reported as an internal integrity failure.
func Classify(err error, op string) error {
	var ce *custody.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return err
	case errors.Is(err, ErrNotFound):
		return custody.Wrap(custody.ErrNotFound, err, "%s", op)
	case errors.Is(err, ErrCorrupted), errors.Is(err, ErrInvalidHash):
		return custody.Wrap(custody.ErrInternal, err, "%s", op)
	default:
		return custody.Wrap(custody.ErrStorageUnavailable, err, "%s", op)
	}
}
