package base

import "github.com/cockroachdb/errors"

var (
	ErrInvalidOffset      = errors.New("invalid offset: out of bounds")
	ErrInvalidMagicNumber = errors.New("invalid magic number")
	ErrInvalidPageSize    = errors.New("invalid page size")
	ErrInvalidChecksum    = errors.New("invalid checksum")
	ErrPageOverflow       = errors.New("page overflow")
	ErrCorruptPage        = errors.New("corrupt page")
	ErrTooManyTables      = errors.New("root page table is full")
)

// classError tags an error with a sentinel class while keeping the cause on
// the Unwrap chain. Both the standard errors.Is and cockroachdb/errors.Is
// consult the Is method.
type classError struct {
	cause error
	class error
}

func (e *classError) Error() string        { return e.cause.Error() }
func (e *classError) Unwrap() error        { return e.cause }
func (e *classError) Is(target error) bool { return target == e.class }

// Classify returns err tagged with class. Classify(nil, class) is nil.
func Classify(err, class error) error {
	if err == nil {
		return nil
	}
	return &classError{cause: err, class: class}
}
