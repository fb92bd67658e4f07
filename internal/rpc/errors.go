package rpc

import (
	"errors"
	"fmt"

	"github.com/fathomdb/dbrowsed/internal/registry"
)

// Standard JSON-RPC 2.0 codes, -32700..-32603, with their usual
// meanings.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes, grouped by family. Stable sub-ranges:
// connection (-32001..-32006), query (-32010..-32013), data
// (-32020..-32024), transaction (-32030..-32031), client/daemon
// (-32040..-32043, never produced by this daemon but reserved since they
// share the code space with the client library), resource
// (-32050..-32052).
const (
	CodeConnectionRefused = -32001
	CodeAuthRequired      = -32002
	CodeAuthFailed        = -32003
	CodeConnectionLost    = -32004
	CodeUnknownConnection = -32005
	CodeReconnectFailed   = -32006

	CodeQueryFailed    = -32010
	CodeQueryCancelled = -32011
	CodeQueryTimeout   = -32012
	CodeQuerySyntax    = -32013

	CodeNoSuchTable         = -32020
	CodeNoSuchColumn        = -32021
	CodeNoSuchRow           = -32022
	CodeConstraintViolation = -32023
	CodeTypeMismatch        = -32024

	CodeTransactionFailed   = -32030
	CodeTransactionConflict = -32031

	CodeDaemonNotFound          = -32040
	CodeDaemonCrashed           = -32041
	CodeDaemonTimeout           = -32042
	CodeProtocolVersionMismatch = -32043

	CodeAllocationFailed   = -32050
	CodeTooManyConnections = -32051
	CodeResultSetTooLarge  = -32052
)

// AppError is the daemon's internal error representation, translated to
// an ErrorObject only at the response boundary.
type AppError struct {
	Code    int
	Message string
	Err     error
}

func NewError(code int, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func WrapError(err error, code int, message string) *AppError {
	if err == nil {
		return nil
	}
	var existing *AppError
	if errors.As(err, &existing) {
		return existing
	}
	return &AppError{Code: code, Message: message, Err: err}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// toErrorObject renders any error reaching a handler's boundary into the
// wire ErrorObject, mapping well-known sentinel errors (e.g. an unknown
// connection id from internal/registry) to their taxonomy code even when
// the caller never wrapped them explicitly.
func toErrorObject(err error) *ErrorObject {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &ErrorObject{Code: appErr.Code, Message: appErr.Error()}
	}

	var unknownConn registry.ErrUnknownConnection
	if errors.As(err, &unknownConn) {
		return &ErrorObject{Code: CodeUnknownConnection, Message: err.Error()}
	}

	return &ErrorObject{Code: CodeQueryFailed, Message: err.Error()}
}

// IsAuthError, IsConnectionError and IsRecoverable are stable functions
// of the code alone, so a client library can decide recovery strategy
// without a lookup table of its own.
func IsAuthError(code int) bool {
	return code == CodeAuthRequired || code == CodeAuthFailed
}

func IsConnectionError(code int) bool {
	return code <= CodeConnectionRefused && code >= CodeReconnectFailed
}

// IsRecoverable reports whether the connection remains usable after this
// error: query and data errors are recoverable; connection, transaction,
// resource and protocol errors are not.
func IsRecoverable(code int) bool {
	isQuery := code <= CodeQueryFailed && code >= CodeQuerySyntax
	isData := code <= CodeNoSuchTable && code >= CodeTypeMismatch
	return isQuery || isData
}
