package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestration core. Retryable sentinels are
// retried per action policy; the rest terminate the action immediately.
var (
	// Planning errors are fatal, nothing is dispatched.
	ErrCyclicDependency   = fmt.Errorf("cyclic dependency in action graph")
	ErrDependencyNotFound = fmt.Errorf("dependency not found")
	ErrInvalidInput       = fmt.Errorf("invalid input")

	// Retryable dispatch errors.
	ErrTimeout           = fmt.Errorf("operation timed out")
	ErrRateLimited       = fmt.Errorf("rate limit exceeded")
	ErrTransientProvider = fmt.Errorf("transient provider error")

	// Terminal dispatch errors.
	ErrPermanentProvider  = fmt.Errorf("permanent provider error")
	ErrAllProvidersFailed = fmt.Errorf("all providers failed")
	ErrProviderNotFound   = fmt.Errorf("provider not found")
	ErrBudgetExceeded     = fmt.Errorf("budget exceeded")
	ErrSkippedUpstream    = fmt.Errorf("skipped due to upstream failure")
	ErrBatchCanceled      = fmt.Errorf("batch canceled")
)

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTransientProvider)
}

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Coordinator.Run")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error. Returns nil if err is nil,
// enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// BudgetExceededError carries the spend that triggered a halt so the caller
// can request a higher budget or simplify the request.
type BudgetExceededError struct {
	Current float64
	Limit   float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: cost %.4f of limit %.4f", e.Current, e.Limit)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeCyclicDependency   ErrorCode = "CYCLIC_DEPENDENCY"
	CodeDependencyNotFound ErrorCode = "DEPENDENCY_NOT_FOUND"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeTransientProvider  ErrorCode = "TRANSIENT_PROVIDER_ERROR"
	CodePermanentProvider  ErrorCode = "PERMANENT_PROVIDER_ERROR"
	CodeAllProvidersFailed ErrorCode = "ALL_PROVIDERS_FAILED"
	CodeProviderNotFound   ErrorCode = "PROVIDER_NOT_FOUND"
	CodeBudgetExceeded     ErrorCode = "BUDGET_EXCEEDED"
	CodeSkippedUpstream    ErrorCode = "SKIPPED_UPSTREAM_FAILURE"
	CodeBatchCanceled      ErrorCode = "BATCH_CANCELED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrCyclicDependency:   CodeCyclicDependency,
	ErrDependencyNotFound: CodeDependencyNotFound,
	ErrInvalidInput:       CodeInvalidInput,
	ErrTimeout:            CodeTimeout,
	ErrRateLimited:        CodeRateLimited,
	ErrTransientProvider:  CodeTransientProvider,
	ErrPermanentProvider:  CodePermanentProvider,
	ErrAllProvidersFailed: CodeAllProvidersFailed,
	ErrProviderNotFound:   CodeProviderNotFound,
	ErrBudgetExceeded:     CodeBudgetExceeded,
	ErrSkippedUpstream:    CodeSkippedUpstream,
	ErrBatchCanceled:      CodeBatchCanceled,
}

// ErrorCodeOf returns the machine-parseable code for err. It unwraps
// DomainError and walks the chain with errors.Is. Returns CodeUnknown when
// no sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
