package domain

import "errors"

var (
	// ErrNotFound is returned when a task id does not exist for the calling account.
	ErrNotFound = errors.New("Task not found")
	// ErrConcurrencyConflict indicates that the underlying storage rejected a
	// write because the row changed since it was read.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrAccountExists   = errors.New("username or email already registered")
	ErrAccountNotFound = errors.New("account not found")
)

// ValidationError reports a malformed or out of range field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// AuthKind classifies an authentication failure.
type AuthKind string

const (
	AuthMissing     AuthKind = "missing"
	AuthMalformed   AuthKind = "malformed"
	AuthExpired     AuthKind = "expired"
	AuthInvalid     AuthKind = "invalid"
	AuthUnknown     AuthKind = "unknown_account"
	AuthUnavailable AuthKind = "unavailable"
)

// AuthError is returned for any rejected credential, on both request and
// connection paths.
type AuthError struct {
	Kind AuthKind
	Msg  string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return "not authorized: " + string(e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError builds an AuthError of the given kind.
func NewAuthError(kind AuthKind, msg string, err error) *AuthError {
	return &AuthError{Kind: kind, Msg: msg, Err: err}
}

// UploadError reports a rejected attachment.
type UploadError struct {
	Message string
}

func (e *UploadError) Error() string { return e.Message }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsAuth reports whether err carries an AuthError.
func IsAuth(err error) bool {
	var a *AuthError
	return errors.As(err, &a)
}

// IsUpload reports whether err carries an UploadError.
func IsUpload(err error) bool {
	var u *UploadError
	return errors.As(err, &u)
}
