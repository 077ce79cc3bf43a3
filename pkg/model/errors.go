package model

import (
	"errors"
	"fmt"
)

// ErrorCode classifies kernel errors.
type ErrorCode string

const (
	// Resource limits.
	CodeProcessLimitExceeded ErrorCode = "PROCESS_LIMIT_EXCEEDED"
	CodeThreadLimitExceeded  ErrorCode = "THREAD_LIMIT_EXCEEDED"
	CodeOutOfMemory          ErrorCode = "OUT_OF_MEMORY"

	// Lookups.
	CodeProcessNotFound ErrorCode = "PROCESS_NOT_FOUND"
	CodeThreadNotFound  ErrorCode = "THREAD_NOT_FOUND"

	// Invalid state or arguments.
	CodeThreadInInvalidState ErrorCode = "THREAD_IN_INVALID_STATE"
	CodeInvalidPriority      ErrorCode = "INVALID_PRIORITY"
	CodeInvalidStackSize     ErrorCode = "INVALID_STACK_SIZE"
	CodeInvalidAffinity      ErrorCode = "INVALID_AFFINITY"
	CodeInvalidCPU           ErrorCode = "INVALID_CPU"
	CodeInvalidEntryPoint    ErrorCode = "INVALID_ENTRY_POINT"

	// Scheduler.
	CodeNoRunnableThreads           ErrorCode = "NO_RUNNABLE_THREADS"
	CodeSchedulerAlreadyInitialized ErrorCode = "SCHEDULER_ALREADY_INITIALIZED"
	CodeSchedulerNotInitialized     ErrorCode = "SCHEDULER_NOT_INITIALIZED"
	CodeInvalidConfiguration        ErrorCode = "INVALID_CONFIGURATION"
)

// Error is a typed kernel error. Two errors match under errors.Is when their codes match,
// so callers compare against the sentinels below.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrProcessLimitExceeded        = &Error{Code: CodeProcessLimitExceeded}
	ErrThreadLimitExceeded         = &Error{Code: CodeThreadLimitExceeded}
	ErrOutOfMemory                 = &Error{Code: CodeOutOfMemory}
	ErrProcessNotFound             = &Error{Code: CodeProcessNotFound}
	ErrThreadNotFound              = &Error{Code: CodeThreadNotFound}
	ErrThreadInInvalidState        = &Error{Code: CodeThreadInInvalidState}
	ErrInvalidPriority             = &Error{Code: CodeInvalidPriority}
	ErrInvalidStackSize            = &Error{Code: CodeInvalidStackSize}
	ErrInvalidAffinity             = &Error{Code: CodeInvalidAffinity}
	ErrInvalidCPU                  = &Error{Code: CodeInvalidCPU}
	ErrInvalidEntryPoint           = &Error{Code: CodeInvalidEntryPoint}
	ErrNoRunnableThreads           = &Error{Code: CodeNoRunnableThreads}
	ErrSchedulerAlreadyInitialized = &Error{Code: CodeSchedulerAlreadyInitialized}
	ErrSchedulerNotInitialized     = &Error{Code: CodeSchedulerNotInitialized}
	ErrInvalidConfiguration        = &Error{Code: CodeInvalidConfiguration}
)

// IsResourceLimit reports whether err is a process/thread limit or out-of-memory error.
func IsResourceLimit(err error) bool {
	return errors.Is(err, ErrProcessLimitExceeded) ||
		errors.Is(err, ErrThreadLimitExceeded) ||
		errors.Is(err, ErrOutOfMemory)
}

// IsNotFound reports whether err is a process or thread lookup failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProcessNotFound) || errors.Is(err, ErrThreadNotFound)
}

// FatalError is the panic value used when kernel tables are found corrupted.
// It is never returned as an error.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return "kernel fatal: " + e.Reason
}
