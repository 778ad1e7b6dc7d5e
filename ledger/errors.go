package ledger

import (
	"errors"
	"fmt"

	pastecache "github.com/wolfeidau/paste-cache"
)

// ErrIntegrity matches every *IntegrityError via errors.Is.
var ErrIntegrity = errors.New("ledger integrity error")

// IntegrityError reports a bucket line that could not be decoded.
type IntegrityError struct {
	Date pastecache.Date
	Line int
	Raw  string
	Err  error
}

func newIntegrityError(date pastecache.Date, line int, raw []byte, err error) *IntegrityError {
	return &IntegrityError{Date: date, Line: line, Raw: string(raw), Err: err}
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("bucket %s line %d: %q: %v", e.Date, e.Line, e.Raw, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// Is reports true for ErrIntegrity.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}
