// Package apperrors defines the error taxonomy shared across the pipeline.
//
// Every failure surfaced by a component carries exactly one tag from the
// set below. Callers branch on tags with errors.Is; the human message and
// any attached fields travel alongside without affecting identity.
package apperrors

import (
	"errors"
	"fmt"
)

// Taxonomy tags. Retries happen only inside the component that owns the
// operation; callers see one of these.
var (
	ErrValidation        = errors.New("validation failed")
	ErrDuplicate         = errors.New("duplicate order")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrQueueFull         = errors.New("queue full")
	ErrTransient         = errors.New("transient failure")
	ErrBrokerReject      = errors.New("broker rejected")
	ErrLockTimeout       = errors.New("lock timeout")
	ErrTimeout           = errors.New("operation timeout")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("not found")
	ErrDBSyncStalled     = errors.New("db sync stalled")
	ErrFatal             = errors.New("fatal")
)

// TaggedError wraps a taxonomy tag with a human message and optional
// structured fields (e.g. the id of the order a duplicate collapsed into,
// or the scope of a timeout).
type TaggedError struct {
	tag    error
	msg    string
	fields map[string]string
	cause  error
}

func (e *TaggedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.tag.Error(), e.msg, e.cause)
	}
	if e.msg == "" {
		return e.tag.Error()
	}
	return fmt.Sprintf("%s: %s", e.tag.Error(), e.msg)
}

func (e *TaggedError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return e.tag
}

// Is reports tag identity so errors.Is(err, apperrors.ErrX) matches
// regardless of wrapping depth or cause chain.
func (e *TaggedError) Is(target error) bool {
	return target == e.tag
}

// Field returns an attached field value, or "".
func (e *TaggedError) Field(key string) string {
	return e.fields[key]
}

// E builds a tagged error with a formatted message.
func E(tag error, format string, args ...interface{}) *TaggedError {
	return &TaggedError{tag: tag, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a tag and message to an underlying cause.
func Wrap(tag error, cause error, format string, args ...interface{}) *TaggedError {
	return &TaggedError{tag: tag, msg: fmt.Sprintf(format, args...), cause: cause}
}

// WithField attaches a structured field and returns the same error.
func (e *TaggedError) WithField(key, value string) *TaggedError {
	if e.fields == nil {
		e.fields = make(map[string]string, 2)
	}
	e.fields[key] = value
	return e
}

// Duplicate builds the duplicate-collapse error carrying the id of the
// order the caller should use instead.
func Duplicate(existingOrderID string) *TaggedError {
	return E(ErrDuplicate, "collapses into existing order %s", existingOrderID).
		WithField("duplicate_of", existingOrderID)
}

// DuplicateOf extracts the collapsed order id from a duplicate error, if
// present.
func DuplicateOf(err error) (string, bool) {
	var te *TaggedError
	if errors.As(err, &te) && errors.Is(err, ErrDuplicate) {
		id := te.Field("duplicate_of")
		return id, id != ""
	}
	return "", false
}

// Timeout builds a scoped timeout error ("redis", "sql", "broker", "lock",
// "paper_match").
func Timeout(scope string, cause error) *TaggedError {
	te := Wrap(ErrTimeout, cause, "deadline exceeded in %s", scope)
	return te.WithField("scope", scope)
}

// Tag returns the stable taxonomy string for surfacing to callers and
// metrics, or "internal" when the error carries no tag.
func Tag(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrBrokerReject):
		return "broker_reject"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDBSyncStalled):
		return "db_sync_stalled"
	case errors.Is(err, ErrFatal):
		return "fatal"
	default:
		return "internal"
	}
}

// IsRetryable reports whether the worker may re-attempt the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}
