package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeUnavailable Code = 12
	CodeUnsupported Code = 13
	CodeBlocked     Code = 16

	CodeMissingConfiguration Code = 20
	CodeValidation           Code = 21
	CodeRejected             Code = 22
	CodeUnconfirmed          Code = 23
	CodeSigner               Code = 24
	CodeSimulation           Code = 25
)

// Error is a typed CLI error that carries a stable error code.
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

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName is the envelope error type for a code.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeUnavailable:
		return "rpc_unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeBlocked:
		return "command_blocked"
	case CodeMissingConfiguration:
		return "missing_configuration"
	case CodeValidation:
		return "validation_error"
	case CodeRejected:
		return "protocol_rejected"
	case CodeUnconfirmed:
		return "unconfirmed"
	case CodeSigner:
		return "signer_error"
	case CodeSimulation:
		return "simulation_failed"
	default:
		return "internal_error"
	}
}
