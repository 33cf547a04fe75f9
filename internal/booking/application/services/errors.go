// Package services holds booking logic shared by commands, queries and the
// reminder scheduler.
package services

import (
	"errors"

	sharedDomain "github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

// WrapStorage classifies a repository error. Domain outcomes (conflict, not
// found, validation) pass through; anything else is a storage failure.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sharedDomain.ErrConflict) ||
		errors.Is(err, sharedDomain.ErrNotFound) ||
		errors.Is(err, sharedDomain.ErrValidation) ||
		errors.Is(err, sharedDomain.ErrStorage) {
		return err
	}
	return sharedDomain.StorageError(op, err)
}
