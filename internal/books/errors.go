package books

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: network trouble,
// timeouts, retryable upstream statuses. Both the HTTP client and the
// scheduler treat it as retryable within their own budgets.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: transient failure", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedResponseError marks structurally wrong upstream data:
// undecodable JSON or an item missing its identity fields. Never
// retried; replaying the request reproduces the same bad payload.
type MalformedResponseError struct {
	Reason   string
	Fragment string
}

func (e *MalformedResponseError) Error() string {
	if e.Fragment == "" {
		return fmt.Sprintf("malformed response: %s", e.Reason)
	}
	return fmt.Sprintf("malformed response: %s (fragment: %s)", e.Reason, e.Fragment)
}

// ConfigurationError marks an invalid job request: unknown source id,
// missing URL template. Fails fast before any network call.
type ConfigurationError struct {
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Detail)
}

// NewTransient wraps err as a TransientError for the given operation.
func NewTransient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err must not be retried automatically.
func IsFatal(err error) bool {
	var me *MalformedResponseError
	if errors.As(err, &me) {
		return true
	}
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
