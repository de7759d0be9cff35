package errors

import "fmt"

// OpError records which store operation failed.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Wrap annotates err with op. Returns nil for a nil err.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}

// ExhaustedError is returned once a transient failure survived every
// allowed attempt. It unwraps to the last failure.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
