package store

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrInvalidName       = errors.New("site name cannot be empty")
	ErrDuplicateName     = errors.New("site name already exists")
	ErrNotFound          = errors.New("not found")
	ErrPositionOccupied  = errors.New("grid position already occupied")
	ErrTransactionFailed = errors.New("transaction failed")
	ErrImportFailed      = errors.New("snapshot import failed")
)

var domainErrors = []error{
	ErrInvalidName,
	ErrDuplicateName,
	ErrNotFound,
	ErrPositionOccupied,
	ErrImportFailed,
}

// txError leaves domain errors untouched and marks everything else as a
// failed transaction.
func txError(op string, err error) error {
	if err == nil {
		return nil
	}

	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}

	return fmt.Errorf("failed to %s: %w: %w", op, ErrTransactionFailed, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
