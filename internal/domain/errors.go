package domain

import "fmt"

// ErrorKind is the spec §7 error taxonomy.
type ErrorKind string

const (
	// KindConfiguration is thrown synchronously from a constructor when the
	// supplied configuration is self-contradictory.
	KindConfiguration ErrorKind = "configuration"
	// KindCapacityExhausted is returned when escalation walked every model
	// in order with none able to serve within its max-wait budget.
	KindCapacityExhausted ErrorKind = "capacity-exhausted"
	// KindBackendUnavailable marks a transient centralized-store error.
	KindBackendUnavailable ErrorKind = "backend-unavailable"
	// KindJobThrown marks a job function that failed or panicked.
	KindJobThrown ErrorKind = "job-thrown"
)

// LimiterError is the typed error returned across the public surface. It
// carries a Kind so callers can branch without string matching, and wraps
// the underlying cause for %w unwrapping.
type LimiterError struct {
	Kind    ErrorKind
	Message string
	JobID   string
	ModelID string
	Err     error
}

func (e *LimiterError) Error() string {
	if e.JobID != "" && e.ModelID != "" {
		return fmt.Sprintf("%s: job %s (last model %s): %s", e.Kind, e.JobID, e.ModelID, e.Message)
	}
	if e.JobID != "" {
		return fmt.Sprintf("%s: job %s: %s", e.Kind, e.JobID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *LimiterError) Unwrap() error { return e.Err }

// NewConfigError builds a KindConfiguration LimiterError.
func NewConfigError(format string, args ...any) *LimiterError {
	return &LimiterError{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// NewExhaustedError builds a KindCapacityExhausted LimiterError identifying
// the job and the last model attempted, per spec §7's user-visible message
// requirement.
func NewExhaustedError(jobID, lastModel string) *LimiterError {
	return &LimiterError{
		Kind:    KindCapacityExhausted,
		Message: "no model available within its wait budget",
		JobID:   jobID,
		ModelID: lastModel,
	}
}

// NewBackendError wraps a transient centralized-store error.
func NewBackendError(op string, err error) *LimiterError {
	return &LimiterError{Kind: KindBackendUnavailable, Message: op, Err: err}
}

// NewJobThrownError wraps a panic or error surfaced from a job function. If
// the recovered value is not already an error, its string form becomes the
// message, per spec §7.
func NewJobThrownError(jobID, modelID string, cause any) *LimiterError {
	if err, ok := cause.(error); ok {
		return &LimiterError{Kind: KindJobThrown, Message: err.Error(), JobID: jobID, ModelID: modelID, Err: err}
	}
	return &LimiterError{Kind: KindJobThrown, Message: fmt.Sprintf("%v", cause), JobID: jobID, ModelID: modelID}
}
