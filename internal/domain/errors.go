package domain

import "errors"

// Error classes. Concrete errors wrap one of these with context and callers
// classify them with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrAuth       = errors.New("authentication error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrExternal   = errors.New("external service error")
	ErrTransient  = errors.New("transient error")
)

// Permanent reports whether err belongs to a class that retrying cannot fix.
func Permanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict)
}
