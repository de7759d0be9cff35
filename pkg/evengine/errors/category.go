// Package errors classifies failures of the record store and retries the
// transient ones with exponential backoff.
//
// Listener failures never reach this package: they are captured into the
// record of the invocation. Only infrastructure errors (database, network,
// lock service, saturated pools) are classified here.
package errors

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/lib/pq"

	"github.com/randalmurphal/evengine/pkg/evengine/pool"
)

// Category tells the retry loop whether another attempt can help.
type Category int

const (
	// Transient failures clear up on their own: dropped connections,
	// busy databases, saturated pools.
	Transient Category = iota

	// Permanent failures repeat on every attempt: constraint violations,
	// closed stores, cancelled contexts.
	Permanent
)

func (c Category) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// marked pins a category onto an error, overriding Classify.
type marked struct {
	error
	cat Category
}

func (m *marked) Unwrap() error { return m.error }

// MarkTransient makes Classify report err as transient.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &marked{error: err, cat: Transient}
}

// MarkPermanent makes Classify report err as permanent.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &marked{error: err, cat: Permanent}
}

// sqlite and some network stacks only report these as text.
var transientText = []string{
	"database is locked",
	"SQLITE_BUSY",
	"connection reset by peer",
	"broken pipe",
	"i/o timeout",
}

// transientSentinels are matched with errors.Is.
var transientSentinels = []error{
	pool.ErrSaturated,
	driver.ErrBadConn,
	sql.ErrConnDone,
	io.ErrUnexpectedEOF,
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.EPIPE,
}

// Classify reports whether retrying err may succeed. Anything it does not
// recognize is permanent.
func Classify(err error) Category {
	if err == nil {
		return Permanent
	}

	var m *marked
	if errors.As(err, &m) {
		return m.cat
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}
	for _, s := range transientSentinels {
		if errors.Is(err, s) {
			return Transient
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPQ(pqErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	msg := err.Error()
	for _, s := range transientText {
		if strings.Contains(msg, s) {
			return Transient
		}
	}
	return Permanent
}

// classifyPQ looks at the SQLSTATE class.
func classifyPQ(e *pq.Error) Category {
	switch e.Code.Class() {
	case "08", // connection exception
		"40", // serialization failure, deadlock
		"53", // insufficient resources
		"57": // operator intervention, e.g. admin shutdown
		return Transient
	}
	return Permanent
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return Classify(err) == Transient
}
