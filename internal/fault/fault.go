// Package fault defines the typed error taxonomy shared by every layer of the
// dialogue runtime.
//
// Adapters return wrapped causes, the model router classifies them into a
// [Kind], the session worker decides retry versus surface, and the gateway
// maps the kind to a wire envelope. Raw provider error text never crosses the
// gateway boundary; only the [Error.Message] written by our own code does.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a recoverable dialogue outcome. The set is closed: callers
// switch on it and tests enumerate it.
type Kind string

const (
	// Auth covers missing, invalid, or ownership-mismatched credentials.
	Auth Kind = "Auth"

	// Forbidden covers requests for resources the caller may not use,
	// e.g. starting a dialogue on an unpublished book.
	Forbidden Kind = "Forbidden"

	// NotFound covers unknown books, characters, and sessions.
	NotFound Kind = "NotFound"

	// Validation covers malformed request payloads and frames.
	Validation Kind = "Validation"

	// QuotaExhausted means the user is out of dialogue budget for the
	// current period. Carries a reset hint in [Error.ResetAt].
	QuotaExhausted Kind = "QuotaExhausted"

	// SessionExpired means the idle timeout fired. The client must start a
	// new session; history remains readable.
	SessionExpired Kind = "SessionExpired"

	// BackpressureTimeout means the client failed to drain the token stream
	// within the ceiling. The connection is closed; the session survives.
	BackpressureTimeout Kind = "BackpressureTimeout"

	// ProviderTimeout means the upstream model exceeded its deadline.
	ProviderTimeout Kind = "ProviderTimeout"

	// ProviderError means the upstream model failed outright.
	ProviderError Kind = "ProviderError"

	// ProviderPartial means the stream broke after tokens were already
	// emitted to the client. Terminal for the turn; the partial text is kept.
	ProviderPartial Kind = "ProviderPartial"

	// ProviderPoolExhausted means every candidate model for the requested
	// tier is down.
	ProviderPoolExhausted Kind = "ProviderPoolExhausted"

	// Persistence means the journal write failed after generation. The
	// reservation is released and a dead-letter row is written.
	Persistence Kind = "Persistence"

	// Internal covers assembler failures and any unexpected condition. The
	// cause is logged with the request id, never surfaced verbatim.
	Internal Kind = "Internal"
)

// Retryable reports whether a client may usefully retry the same request
// after seeing this kind. Quota exhaustion and expired sessions are not
// retryable as-is: the first needs a new period or an upgrade, the second a
// new session.
func (k Kind) Retryable() bool {
	switch k {
	case BackpressureTimeout, ProviderTimeout, ProviderError, ProviderPoolExhausted, Persistence:
		return true
	default:
		return false
	}
}

// Error is a classified dialogue error. It wraps an optional cause, which is
// preserved for logs but never rendered into client-facing output.
type Error struct {
	// Kind is the taxonomy class.
	Kind Kind

	// Message is safe for the client. It is written by runtime code, never
	// copied from an upstream provider.
	Message string

	// ResetAt is the moment quota becomes available again. Set only for
	// [QuotaExhausted].
	ResetAt time.Time

	// RetryAfter is an optional delay hint, set for [ProviderPoolExhausted].
	RetryAfter time.Duration

	err error
}

// New creates an [*Error] with the given kind and client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an [*Error] with a formatted client-safe message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an [*Error] that records cause for logging while exposing only
// message to clients.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, err: cause}
}

// WithResetAt returns a copy of e carrying a quota reset hint.
func (e *Error) WithResetAt(t time.Time) *Error {
	cp := *e
	cp.ResetAt = t
	return &cp
}

// WithRetryAfter returns a copy of e carrying a retry delay hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// Error implements the error interface. The wrapped cause is included so logs
// show the full chain; transport layers must render [Error.Message] instead.
func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.err
}

// Retryable reports whether the error's kind permits a client retry.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// KindOf extracts the [Kind] from err. Errors that are not an [*Error]
// anywhere in their chain classify as [Internal].
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind in its chain.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// AsError extracts the [*Error] from err's chain. When err is not classified,
// a fresh [Internal] error with a generic message is returned so transports
// always have something safe to render.
func AsError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(Internal, "internal error", err)
}
