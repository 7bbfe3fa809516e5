package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess          Code = 0
	CodeInternal         Code = 1
	CodeUsage            Code = 2
	CodeAuth             Code = 10
	CodeRateLimited      Code = 11
	CodeUnavailable      Code = 12
	CodeUnsupported      Code = 13
	CodeBlocked          Code = 16
	CodeNotFound         Code = 17
	CodeInvalidArguments Code = 18
	CodeSigner           Code = 19
	CodeTimeout          Code = 20
)

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or CodeInternal when err is untyped.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if cliErr, ok := As(err); ok {
		return cliErr.Code
	}
	return CodeInternal
}

func ExitCode(err error) int {
	return int(CodeOf(err))
}

// TypeName is the stable string used in error envelopes.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "provider_unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeBlocked:
		return "command_blocked"
	case CodeNotFound:
		return "not_found"
	case CodeInvalidArguments:
		return "invalid_arguments"
	case CodeSigner:
		return "signer_error"
	case CodeTimeout:
		return "timeout"
	default:
		return "internal_error"
	}
}
