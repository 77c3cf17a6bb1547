package tracking

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameter is matched by every *ConfigError.
	ErrInvalidParameter = errors.New("invalid tracking parameter")
	// ErrPermissionDenied means location access is unavailable to the provider.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrAlreadyActive means the operation requires a stopped session.
	ErrAlreadyActive = errors.New("tracking session already active")
	// ErrProviderFault is matched by every *FaultError.
	ErrProviderFault = errors.New("location provider fault")
)

// ConfigError reports an invalid TrackingConfig field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid tracking config: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidParameter
}

// FaultError is the terminal provider fault reported to the listener when a
// session enters StateError.
type FaultError struct {
	SessionID string
	Attempts  int
	Err       error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("provider fault after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *FaultError) Is(target error) bool {
	return target == ErrProviderFault
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// PermanentFault marks a provider error that must not be retried.
func PermanentFault(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether a provider error should skip the retry budget.
// Losing location permission mid-session is always permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, ErrPermissionDenied)
}
