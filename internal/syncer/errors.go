package syncer

import (
	"errors"
	"fmt"
)

// Configuration sentinels. Attach wraps them in *Error.
var (
	ErrMissingKey       = errors.New("syncer: sync key is required")
	ErrMissingTransport = errors.New("syncer: transport is required")
	ErrUnsupportedState = errors.New("syncer: state must be a struct or map[string]V")
	ErrUnknownField     = errors.New("syncer: unknown field")
)

// Error describes a sync failure.
//
// Configuration errors are returned from Attach. Everything else (decode
// failures, merge results of the wrong type, transport errors) is logged and
// never reaches the code that mutated the container.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Key is the sync key of the registration.
	Key string

	// Field is the affected field, when there is one.
	Field string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// ErrCodeConfig indicates invalid Attach configuration.
	ErrCodeConfig ErrorCode = "CONFIG"

	// ErrCodeDecode indicates a remote value that does not fit its field.
	ErrCodeDecode ErrorCode = "DECODE"

	// ErrCodeMergeType indicates a merge function returned the wrong type.
	ErrCodeMergeType ErrorCode = "MERGE_TYPE"

	// ErrCodeTransport indicates a publish failure.
	ErrCodeTransport ErrorCode = "TRANSPORT"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (key=%s, field=%s)", e.Code, msg, e.Key, e.Field)
	}
	return fmt.Sprintf("%s: %s (key=%s)", e.Code, msg, e.Key)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// IsConfigError reports whether err is an Attach configuration error.
// Uses errors.As to handle wrapped errors.
func IsConfigError(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == ErrCodeConfig
	}
	return false
}

func configError(key string, cause error, format string, args ...any) *Error {
	return &Error{Code: ErrCodeConfig, Key: key, Message: fmt.Sprintf(format, args...), Err: cause}
}
