package gateway

import "errors"

// Sentinel errors returned by Gateway methods.
var (
	// ErrNotConnected is returned when a Gateway method is called before
	// Open or after Close.
	ErrNotConnected = errors.New("gateway: not connected")

	// ErrConnectionFailed wraps a failure opening or pinging the
	// underlying SQL Server connection.
	ErrConnectionFailed = errors.New("gateway: connection failed")
)

// IsRetryable reports whether err looks like a transient connection
// failure worth retrying (as opposed to a query/syntax error, which
// retrying would not fix).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}
