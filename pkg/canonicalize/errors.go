package canonicalize

import (
	"errors"
	"fmt"
)

// ErrUnsupportedType matches every *UnsupportedTypeError via errors.Is.
var ErrUnsupportedType = errors.New("unsupported type")

// UnsupportedTypeError reports a value that has no deterministic canonical form.
type UnsupportedTypeError struct {
	// Path locates the offending value, e.g. "$.metadata.scores[2]".
	Path   string
	Reason string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("canonicalize: unsupported value at %s: %s", e.Path, e.Reason)
}

// Is makes errors.Is(err, ErrUnsupportedType) succeed.
func (e *UnsupportedTypeError) Is(target error) bool {
	return target == ErrUnsupportedType
}
