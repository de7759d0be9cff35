package evengine

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/evengine/pkg/evengine/poller"
)

// Sentinel errors for the engine lifecycle.
var (
	// ErrNotInitialized indicates Push was called before Initialize.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrEngineClosed indicates the engine was destroyed.
	ErrEngineClosed = errors.New("engine closed")

	// ErrAlreadyInitialized indicates a registration after Initialize.
	ErrAlreadyInitialized = errors.New("engine already initialized")
)

// Sentinel errors for dispatch.
var (
	// ErrNilEvent indicates a nil event was pushed.
	ErrNilEvent = errors.New("event cannot be nil")

	// ErrEventTypeSkipped indicates the event type failed policy
	// registration, so its events are never dispatched.
	ErrEventTypeSkipped = errors.New("event type skipped")

	// ErrSubmitRejected indicates a worker pool refused the work because it
	// was saturated or closed. It wraps pool.ErrSaturated or pool.ErrClosed.
	ErrSubmitRejected = errors.New("submission rejected")

	// ErrEncodeEvent indicates the event could not be serialized.
	ErrEncodeEvent = errors.New("failed to encode event")

	// ErrNoBinding indicates Redispatch was given a record whose listener
	// callback is not registered on this node. It wraps poller.ErrNotClaimed
	// so catch-up leaves the record for other nodes.
	ErrNoBinding = fmt.Errorf("no matching listener callback: %w", poller.ErrNotClaimed)
)

// InvocationError is the failure of one listener callback. It resolves the
// callback's future and is recorded on its record; it never fails Push.
type InvocationError struct {
	// RecordID is the record tracking the invocation.
	RecordID string
	// Listener and Callback identify the binding.
	Listener string
	Callback string
	// Err is the error returned by the callback, a *pool.PanicError, or an
	// ErrSubmitRejected wrapper.
	Err error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s.%s (record %s): %v", e.Listener, e.Callback, e.RecordID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *InvocationError) Unwrap() error {
	return e.Err
}

// rejected wraps a pool submission error.
func rejected(err error) error {
	return fmt.Errorf("%w: %w", ErrSubmitRejected, err)
}
