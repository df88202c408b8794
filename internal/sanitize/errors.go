package sanitize

import "errors"

// ErrValidation is the root of every rejection produced by this package.
// Callers branch on errors.Is(err, ErrValidation); the message carries the
// short machine-checkable reason suitable for direct display.
var ErrValidation = errors.New("validation failed")
