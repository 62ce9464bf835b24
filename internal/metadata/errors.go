package metadata

import (
	"errors"
	"fmt"
)

// Precondition error codes surfaced to clients.
const (
	CodeConflict = "METADATA_CONFLICT"
	CodeLock     = "METADATA_LOCK"
	CodeInvalid  = "METADATA_INVALID"
)

// Error is a precondition failure with a structured code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func newError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the structured code carried by err, or "" for plain errors.
func CodeOf(err error) string {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}
