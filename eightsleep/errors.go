package eightsleep

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoSession is wrapped in AuthError when an update method is called before
// Start has established a session.
var ErrNoSession = errors.New("no active session")

// AuthError reports a terminal authentication failure: rejected credentials or
// a missing session. It is never retried internally.
type AuthError struct {
	Op  string
	Err error
}

func (e AuthError) Error() string {
	return fmt.Sprintf("eightsleep auth failed: %s: %v", e.Op, e.Err)
}

func (e AuthError) Unwrap() error { return e.Err }

// FetchError reports a failed snapshot update. Network errors, unexpected
// status codes and undecodable payloads all land here; the previous snapshot
// stays in place.
type FetchError struct {
	Op  string
	Err error
}

func (e FetchError) Error() string {
	return fmt.Sprintf("eightsleep fetch failed: %s: %v", e.Op, e.Err)
}

func (e FetchError) Unwrap() error { return e.Err }

type HTTPStatusError struct {
	Status int
	Body   string
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("eightsleep api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// IsAuthError reports whether err is (or wraps) an AuthError. Hosts use this
// to distinguish "reconfigure credentials" from transient fetch failures.
func IsAuthError(err error) bool {
	var authErr AuthError
	return errors.As(err, &authErr)
}

func IsFetchError(err error) bool {
	var fetchErr FetchError
	return errors.As(err, &fetchErr)
}

// fetchErr wraps err in a FetchError unless it is already classified, so
// auth failures surface as-is and nested fetches are not double-wrapped.
func fetchErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsAuthError(err) || IsFetchError(err) {
		return err
	}
	return FetchError{Op: op, Err: err}
}
