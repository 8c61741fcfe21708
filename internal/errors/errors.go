// Package errors provides the error taxonomy for the orchsync client and
// helpers for classifying errors by severity and behavior.
//
// # Error Types
//
// Every failure the sync layer can observe falls into one of four types:
//   - ChannelSubscriptionError: a listener for a notification topic could not be set up
//   - ReconciliationFetchError: a backend fetch for a thin event failed or timed out
//   - DesyncDetectedError: a transition's declared prior state disagrees with the model
//   - MalformedPayloadError: a notification payload failed shape validation
//
// None of these are fatal. Subscription and fetch errors degrade gracefully,
// desyncs trigger corrective reconciliation, and malformed payloads are dropped.
//
// # Usage
//
//	err := errors.NewReconciliationFetchError("pipeline", "p1", cause)
//	if errors.IsRetryable(err) { ... }
//
//	var desync *errors.DesyncDetectedError
//	if errors.As(err, &desync) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrNotConnected indicates that the transport has no live connection.
	ErrNotConnected = New("transport not connected")
	// ErrStaleWrite indicates that a write lost the race against a newer version.
	ErrStaleWrite = New("stale write rejected")
	// ErrInvalidTransition indicates a state change that is not an edge of the orchestrator graph.
	ErrInvalidTransition = New("invalid orchestrator transition")
	// ErrUnknownTopic indicates a notification on a topic with no decoder.
	ErrUnknownTopic = New("unknown topic")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// SyncError is the base interface for all orchsync errors.
type SyncError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on the next event or a manual refresh.
	IsRetryable() bool

	// IsUserFacing returns true if the error should ever reach the user
	// through the notice channel.
	IsUserFacing() bool
}

type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Unwrap() error      { return e.cause }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) IsRetryable() bool  { return e.retryable }
func (e *baseError) IsUserFacing() bool { return e.userFacing }

// format renders "prefix [k=v, ...]: message: cause".
func (e *baseError) format(prefix string, parts []string) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if e.message != "" {
		prefix = prefix + ": " + e.message
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", prefix, e.cause)
	}
	return prefix
}

// -----------------------------------------------------------------------------
// Domain Errors
// -----------------------------------------------------------------------------

// ChannelSubscriptionError reports that a listener for one topic could not be
// established or torn down. It never blocks the other channels.
//
// Example:
//
//	err := errors.NewChannelSubscriptionError("agent.stats", cause)
//	fmt.Println(err) // "subscription error [topic=agent.stats]: subscribe failed: ..."
type ChannelSubscriptionError struct {
	baseError
	Topic string
}

// NewChannelSubscriptionError creates a ChannelSubscriptionError for topic.
func NewChannelSubscriptionError(topic string, cause error) *ChannelSubscriptionError {
	return &ChannelSubscriptionError{
		baseError: baseError{
			message:    "subscribe failed",
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		Topic: topic,
	}
}

// WithMessage replaces the default message (e.g. for unsubscribe failures).
func (e *ChannelSubscriptionError) WithMessage(msg string) *ChannelSubscriptionError {
	e.message = msg
	return e
}

func (e *ChannelSubscriptionError) Error() string {
	var parts []string
	if e.Topic != "" {
		parts = append(parts, "topic="+e.Topic)
	}
	return e.format("subscription error", parts)
}

// ReconciliationFetchError reports a failed or timed-out backend fetch while
// resolving a thin event. The cache is never touched when one is produced.
type ReconciliationFetchError struct {
	baseError
	Kind string
	ID   string
}

// NewReconciliationFetchError creates a ReconciliationFetchError for the entity
// of the given kind and id.
func NewReconciliationFetchError(kind, id string, cause error) *ReconciliationFetchError {
	return &ReconciliationFetchError{
		baseError: baseError{
			message:    "fetch failed",
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: false,
		},
		Kind: kind,
		ID:   id,
	}
}

// WithUserFacing marks the error as one that should surface as a notice.
func (e *ReconciliationFetchError) WithUserFacing(v bool) *ReconciliationFetchError {
	e.userFacing = v
	return e
}

func (e *ReconciliationFetchError) Error() string {
	var parts []string
	if e.Kind != "" {
		parts = append(parts, "kind="+e.Kind)
	}
	if e.ID != "" {
		parts = append(parts, "id="+e.ID)
	}
	return e.format("reconcile error", parts)
}

// IsTimeout reports whether the fetch failed because its deadline expired.
func (e *ReconciliationFetchError) IsTimeout() bool {
	return Is(e.cause, ErrTimeout)
}

// DesyncDetectedError records that a transition event's declared prior state
// disagrees with the model's recorded state. It is recoverable.
type DesyncDetectedError struct {
	baseError
	PipelineID string
	Recorded   string
	Declared   string
}

// NewDesyncDetectedError creates a DesyncDetectedError.
func NewDesyncDetectedError(pipelineID, recorded, declared string) *DesyncDetectedError {
	return &DesyncDetectedError{
		baseError: baseError{
			message:   fmt.Sprintf("recorded state %q, event declared %q", recorded, declared),
			severity:  SeverityWarning,
			retryable: true,
		},
		PipelineID: pipelineID,
		Recorded:   recorded,
		Declared:   declared,
	}
}

// WithCause attaches an underlying cause such as ErrInvalidTransition.
func (e *DesyncDetectedError) WithCause(cause error) *DesyncDetectedError {
	e.cause = cause
	return e
}

func (e *DesyncDetectedError) Error() string {
	var parts []string
	if e.PipelineID != "" {
		parts = append(parts, "pipeline="+e.PipelineID)
	}
	return e.format("desync detected", parts)
}

// MalformedPayloadError reports a notification that failed shape validation.
// The event is dropped; unrelated entities are unaffected.
type MalformedPayloadError struct {
	baseError
	Topic  string
	Field  string
	Detail string
}

// NewMalformedPayloadError creates a MalformedPayloadError for topic.
func NewMalformedPayloadError(topic string, cause error) *MalformedPayloadError {
	return &MalformedPayloadError{
		baseError: baseError{
			message:  "malformed payload",
			cause:    cause,
			severity: SeverityWarning,
		},
		Topic: topic,
	}
}

// WithField names the offending field.
func (e *MalformedPayloadError) WithField(field string) *MalformedPayloadError {
	e.Field = field
	return e
}

// WithDetail sets a human-readable reason when there is no underlying cause.
func (e *MalformedPayloadError) WithDetail(detail string) *MalformedPayloadError {
	e.Detail = detail
	if detail != "" {
		e.message = "malformed payload: " + detail
	}
	return e
}

func (e *MalformedPayloadError) Error() string {
	var parts []string
	if e.Topic != "" {
		parts = append(parts, "topic="+e.Topic)
	}
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	return e.format("payload error", parts)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error is transient: it implements SyncError
// with IsRetryable() true, or wraps ErrTimeout or ErrNotConnected.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var syncErr SyncError
	if As(err, &syncErr) {
		return syncErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrNotConnected)
}

// IsUserFacing returns true if the error may be surfaced through the notice
// channel.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var syncErr SyncError
	if As(err, &syncErr) {
		return syncErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement SyncError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var syncErr SyncError
	if As(err, &syncErr) {
		return syncErr.Severity()
	}
	return SeverityError
}

// Wrap wraps an error with additional context.
// Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted message.
// Returns nil if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
