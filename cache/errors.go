package cache

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	// ErrBackendUnavailable marks failures to reach a backend (connection
	// refused, timeout, circuit open). Callers treat it as a cache miss.
	ErrBackendUnavailable = errors.New("cache: backend unavailable")
	// ErrBackendWriteFailed marks a failed Set or Clear.
	ErrBackendWriteFailed = errors.New("cache: backend write failed")
	// ErrConfigurationInvalid is returned by Open for unusable settings.
	ErrConfigurationInvalid = errors.New("cache: invalid configuration")
)

// categorized attaches a category sentinel to an error. The cause stays on
// the Unwrap chain and the category is matched by Is, so both the standard
// library errors.Is and cockroachdb errors.Is see both.
type categorized struct {
	cause    error
	category error
}

func (e *categorized) Error() string { return e.cause.Error() }

func (e *categorized) Unwrap() error { return e.cause }

func (e *categorized) Is(target error) bool { return target == e.category }

// Categorize returns err tagged with category, or nil when err is nil.
func Categorize(err error, category error) error {
	if err == nil {
		return nil
	}
	return &categorized{cause: err, category: category}
}

// unavailable tags err as ErrBackendUnavailable while keeping the cause.
func unavailable(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Categorize(errors.Wrapf(err, format, args...), ErrBackendUnavailable)
}

// writeFailed tags err as ErrBackendWriteFailed. Transport errors keep
// their ErrBackendUnavailable tag as well.
func writeFailed(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Categorize(errors.Wrapf(err, format, args...), ErrBackendWriteFailed)
}

// invalidConfig builds an ErrConfigurationInvalid error.
func invalidConfig(format string, args ...interface{}) error {
	return Categorize(errors.Newf(format, args...), ErrConfigurationInvalid)
}

// IsUnavailable reports whether err means the backend could not be reached.
// Context deadline errors count, since they are how per-query timeouts surface.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
