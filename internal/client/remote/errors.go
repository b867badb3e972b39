package remote

import "errors"

var (
	// ErrUnavailable covers every transient failure: network, timeout, 5xx.
	ErrUnavailable = errors.New("server unavailable")
	// ErrUnauthorized means the session token was refused.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRejected means the server refused the request as a whole.
	ErrRejected = errors.New("request rejected")
)

// IsTransient reports whether err should be retried on the next trigger.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
