package models

// ErrorClass categorizes step and stage failures. Tool errors are classified
// from message fingerprints; the remaining classes are assigned directly by
// the component that detects the condition.
type ErrorClass string

const (
	ErrorClassAuth           ErrorClass = "AUTH"
	ErrorClassPermission     ErrorClass = "PERMISSION"
	ErrorClassRateLimit      ErrorClass = "RATE_LIMIT"
	ErrorClassValidation     ErrorClass = "VALIDATION"
	ErrorClassNotFound       ErrorClass = "NOT_FOUND"
	ErrorClassConflict       ErrorClass = "CONFLICT"
	ErrorClassTransient      ErrorClass = "TRANSIENT"
	ErrorClassTimeout        ErrorClass = "TIMEOUT"
	ErrorClassUpstream       ErrorClass = "UPSTREAM"
	ErrorClassBudget         ErrorClass = "BUDGET"
	ErrorClassQuota          ErrorClass = "QUOTA"
	ErrorClassIdempotency    ErrorClass = "IDEMPOTENCY"
	ErrorClassApprovalDenied ErrorClass = "APPROVAL_DENIED"
	ErrorClassPolicy         ErrorClass = "POLICY"
	ErrorClassRBAC           ErrorClass = "RBAC"
	ErrorClassUnknown        ErrorClass = "UNKNOWN"
)

var nonRetryable = map[ErrorClass]bool{
	ErrorClassAuth:           true,
	ErrorClassPermission:     true,
	ErrorClassValidation:     true,
	ErrorClassBudget:         true,
	ErrorClassQuota:          true,
	ErrorClassIdempotency:    true,
	ErrorClassApprovalDenied: true,
	ErrorClassPolicy:         true,
	ErrorClassRBAC:           true,
}

// Retryable reports whether a retry schedule is allowed to re-attempt a
// failure of this class at all. The retry class's retry_on list further
// narrows which classes actually get retried.
func (c ErrorClass) Retryable() bool {
	return !nonRetryable[c]
}

// StepError is the error payload carried on failed step results and deny
// reasons.
type StepError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
}

func (e *StepError) Error() string {
	return string(e.Class) + ": " + e.Message
}
