// Package oxerr carries MongoDB-compatible error codes through the stack so
// that reply assembly can surface {ok:0, errmsg, code} without re-deriving
// the code from the error's text.
package oxerr

import "fmt"

// Code numbers mirror MongoDB's own so that drivers retry/recover correctly.
const (
	CodeTypeMismatch       int32 = 2
	CodeFailedToParse      int32 = 9
	CodeUnauthorized       int32 = 13
	CodeIllegalOperation   int32 = 20
	CodeCommandNotFound    int32 = 59
	CodeDuplicateKey       int32 = 11000
	CodeNoSuchTransaction  int32 = 251
	CodeTransactionExpired int32 = 211
)

// CommandError is the sentinel error type carried from any layer up to the
// command dispatcher. Dispatch converts it directly into the reply's
// {ok:0, errmsg, code} fields.
type CommandError struct {
	Code int32
	Msg  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Msg, e.Code)
}

// New builds a CommandError with the given code and message.
func New(code int32, format string, args ...interface{}) *CommandError {
	return &CommandError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func TypeMismatch(format string, args ...interface{}) *CommandError {
	return New(CodeTypeMismatch, format, args...)
}

func FailedToParse(format string, args ...interface{}) *CommandError {
	return New(CodeFailedToParse, format, args...)
}

func IllegalOperation(format string, args ...interface{}) *CommandError {
	return New(CodeIllegalOperation, format, args...)
}

func CommandNotFound(format string, args ...interface{}) *CommandError {
	return New(CodeCommandNotFound, format, args...)
}

func DuplicateKey(format string, args ...interface{}) *CommandError {
	return New(CodeDuplicateKey, format, args...)
}

func NoSuchTransaction(format string, args ...interface{}) *CommandError {
	return New(CodeNoSuchTransaction, format, args...)
}

func TransactionExpired(format string, args ...interface{}) *CommandError {
	return New(CodeTransactionExpired, format, args...)
}

// Wrap turns any other error into a CommandError using the catch-all code
// 59, unless it already is one.
func Wrap(err error) *CommandError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CommandError); ok {
		return ce
	}
	return New(CodeCommandNotFound, "%s", err.Error())
}

// CodeOf extracts the MongoDB code from an error, defaulting to the
// catch-all 59 when the error carries no code of its own.
func CodeOf(err error) int32 {
	if ce, ok := err.(*CommandError); ok {
		return ce.Code
	}
	return CodeCommandNotFound
}
