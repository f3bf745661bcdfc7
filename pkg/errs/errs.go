// Package errs defines the typed error-kind taxonomy shared by the ingress
// gate, the authority API, and the worker pool, so that HTTP and retry
// policy can dispatch on a closed set rather than string-matching error
// text.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories described by the system's
// error handling design.
type Kind string

const (
	Validation          Kind = "validation_error"
	Authentication      Kind = "authentication_error"
	Authorization       Kind = "authorization_error"
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	RateLimited         Kind = "rate_limit_exceeded"
	TransientDependency Kind = "transient_dependency_error"
	PermanentDependency Kind = "permanent_dependency_error"
	Internal            Kind = "internal_error"
)

// E is a typed error carrying a Kind plus an optional retry hint used by the
// rate limiter.
type E struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; only meaningful for RateLimited
	cause      error
}

func (e *E) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.cause }

func new_(kind Kind, msg string, cause error) *E {
	return &E{Kind: kind, Message: msg, cause: cause}
}

func Validationf(format string, a ...any) *E {
	return new_(Validation, fmt.Sprintf(format, a...), nil)
}

func Authenticationf(format string, a ...any) *E {
	return new_(Authentication, fmt.Sprintf(format, a...), nil)
}

func Authorizationf(format string, a ...any) *E {
	return new_(Authorization, fmt.Sprintf(format, a...), nil)
}

func NotFoundf(format string, a ...any) *E {
	return new_(NotFound, fmt.Sprintf(format, a...), nil)
}

func Conflictf(format string, a ...any) *E {
	return new_(Conflict, fmt.Sprintf(format, a...), nil)
}

func RateLimitedf(retryAfter int, format string, a ...any) *E {
	return &E{Kind: RateLimited, Message: fmt.Sprintf(format, a...), RetryAfter: retryAfter}
}

func Transient(cause error, format string, a ...any) *E {
	return new_(TransientDependency, fmt.Sprintf(format, a...), cause)
}

func Permanent(cause error, format string, a ...any) *E {
	return new_(PermanentDependency, fmt.Sprintf(format, a...), cause)
}

func Internalf(cause error, format string, a ...any) *E {
	return new_(Internal, fmt.Sprintf(format, a...), cause)
}

// KindOf extracts the Kind from err, defaulting to Internal for untyped
// errors so every failure still maps to a response.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// RetryAfter returns the RateLimited hint, or 0 if err carries none.
func RetryAfter(err error) int {
	var e *E
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
