package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer. Every error surfaced to a caller
// wraps exactly one of these.
var (
	// Raised before any provider call; never retryable.
	ErrValidation       = fmt.Errorf("pipeline validation failed")
	ErrProviderNotFound = fmt.Errorf("provider not found")

	// Provider-raised, wrapped with step context by the classifier.
	ErrGeneration = fmt.Errorf("generation failed")
	ErrTransform  = fmt.Errorf("transform failed")
	ErrSave       = fmt.Errorf("save failed")

	ErrConfiguration = fmt.Errorf("provider configuration missing")
	ErrProviderAuth  = fmt.Errorf("provider authentication failed")
	ErrProviderQuota = fmt.Errorf("provider quota exhausted")
	ErrTransient     = fmt.Errorf("transient provider failure")

	// Variable store invariants. Unreachable given a validated pipeline;
	// surfaced loudly rather than producing wrong output.
	ErrVarUnbound = fmt.Errorf("variable not bound")
	ErrVarRebound = fmt.Errorf("variable already bound")

	ErrAborted          = fmt.Errorf("execution aborted")
	ErrPipelineNotFound = fmt.Errorf("pipeline not found")
	ErrRunNotFound      = fmt.Errorf("run not found")
	ErrInvalidInput     = fmt.Errorf("invalid input")

	// Security guards used by save/fetch providers.
	ErrPathOutsideSandbox = fmt.Errorf("path is outside sandbox boundary")
	ErrSSRFBlocked        = fmt.Errorf("request to private/reserved IP blocked")

	// Gateway errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
)

// DomainError wraps a sentinel error with execution context.
type DomainError struct {
	Op       string // operation name (e.g. "Executor.dispatch")
	Err      error  // underlying sentinel or wrapped error
	Detail   string // human-readable detail
	StepID   string // originating step/variable id, if any
	Provider string // capability provider name, if any
}

func (e *DomainError) Error() string {
	msg := e.Op
	if e.StepID != "" {
		msg += fmt.Sprintf(" [step %s]", e.StepID)
	}
	if e.Provider != "" {
		msg += fmt.Sprintf(" [provider %s]", e.Provider)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", msg, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a DomainError without step context.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewStepError creates a DomainError tagged with the originating step and
// provider, used by the executor when wrapping provider failures.
func NewStepError(op, stepID, provider string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, StepID: stepID, Provider: provider}
}

// WrapOp adds operation context to an error. Returns nil if err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// StepIDOf returns the step id recorded in the error chain, or "".
func StepIDOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.StepID
	}
	return ""
}

// ErrorCode is a machine-parseable error category for callers and
// monitoring. Every sentinel maps to exactly one code.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeValidation         ErrorCode = "VALIDATION"
	CodeProviderNotFound   ErrorCode = "PROVIDER_NOT_FOUND"
	CodeGeneration         ErrorCode = "GENERATION_FAILED"
	CodeTransform          ErrorCode = "TRANSFORM_FAILED"
	CodeSave               ErrorCode = "SAVE_FAILED"
	CodeConfiguration      ErrorCode = "CONFIGURATION"
	CodeProviderAuth       ErrorCode = "PROVIDER_AUTH"
	CodeProviderQuota      ErrorCode = "PROVIDER_QUOTA"
	CodeTransient          ErrorCode = "TRANSIENT"
	CodeVarUnbound         ErrorCode = "VARIABLE_UNBOUND"
	CodeVarRebound         ErrorCode = "VARIABLE_REBOUND"
	CodeAborted            ErrorCode = "ABORTED"
	CodePipelineNotFound   ErrorCode = "PIPELINE_NOT_FOUND"
	CodeRunNotFound        ErrorCode = "RUN_NOT_FOUND"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodePathOutsideSandbox ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeSSRFBlocked        ErrorCode = "SSRF_BLOCKED"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeRPCMethodNotFound  ErrorCode = "RPC_METHOD_NOT_FOUND"
)

// errorCodes maps sentinel errors to their machine-parseable codes. The
// slice is ordered: the most specific sentinels come first so a chain
// wrapping several sentinels classifies deterministically.
var errorCodes = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrValidation, CodeValidation},
	{ErrProviderNotFound, CodeProviderNotFound},
	{ErrConfiguration, CodeConfiguration},
	{ErrProviderAuth, CodeProviderAuth},
	{ErrProviderQuota, CodeProviderQuota},
	{ErrTransient, CodeTransient},
	{ErrVarUnbound, CodeVarUnbound},
	{ErrVarRebound, CodeVarRebound},
	{ErrAborted, CodeAborted},
	{ErrPipelineNotFound, CodePipelineNotFound},
	{ErrRunNotFound, CodeRunNotFound},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrPathOutsideSandbox, CodePathOutsideSandbox},
	{ErrSSRFBlocked, CodeSSRFBlocked},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrRPCMethodNotFound, CodeRPCMethodNotFound},
	{ErrGeneration, CodeGeneration},
	{ErrTransform, CodeTransform},
	{ErrSave, CodeSave},
}

// ErrorCodeOf returns the machine-parseable code for err, walking the
// error chain with errors.Is. Returns CodeUnknown for unmapped errors.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeUnknown
}

// ErrorCategory is the coarse failure class reported alongside the
// retryable signal. The engine only annotates; callers decide on retries.
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryNotFound      ErrorCategory = "not-found"
	CategoryProviderAuth  ErrorCategory = "provider-auth"
	CategoryProviderQuota ErrorCategory = "provider-quota"
	CategoryTransient     ErrorCategory = "transient"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
	CategoryUnknown       ErrorCategory = "unknown"
)
